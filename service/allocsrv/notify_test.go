// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

// The subscription tables follow a precise little protocol: ALL subsumes
// explicit ids, removals of unwatched ids do nothing, and an emptied set
// drops the watch entirely.
func TestWatchTableTransitions(t *testing.T) {
	s0 := &session{id: "s0"}
	s1 := &session{id: "s1"}
	watches := make(map[*session]*watch[int])

	id := func(v int) *int { return &v }

	// Notification on all.
	subscribe(watches, s0, nil)
	assert.True(t, watches[s0].all)

	// Notification on just a specific id.
	subscribe(watches, s1, id(123))
	assert.Equal(t, map[int]struct{}{123: {}}, watches[s1].ids)

	// Adding ids to a notify-all changes nothing.
	subscribe(watches, s0, id(321))
	assert.True(t, watches[s0].all)
	assert.Empty(t, watches[s0].ids)

	// Adding ids otherwise extends the set.
	subscribe(watches, s1, id(321))
	assert.Equal(t, map[int]struct{}{123: {}, 321: {}}, watches[s1].ids)

	// Removing ids from a notify-all does nothing.
	unsubscribe(watches, s0, id(321))
	assert.True(t, watches[s0].all)

	// Removing unmatched ids does nothing.
	unsubscribe(watches, s1, id(0))
	assert.Equal(t, map[int]struct{}{123: {}, 321: {}}, watches[s1].ids)

	// Removing watched ids removes them.
	unsubscribe(watches, s1, id(123))
	assert.Equal(t, map[int]struct{}{321: {}}, watches[s1].ids)

	// Removing the last id removes the watch entirely.
	unsubscribe(watches, s1, id(321))
	assert.NotContains(t, watches, s1)

	subscribe(watches, s1, id(123))
	assert.Contains(t, watches, s1)

	// Removing all works on a notify-all watch.
	unsubscribe(watches, s0, nil)
	assert.NotContains(t, watches, s0)

	// Removing all works on an id watch.
	unsubscribe(watches, s1, nil)
	assert.NotContains(t, watches, s1)

	// Removing when never watching is a no-op.
	unsubscribe(watches, s1, nil)
	assert.Empty(t, watches)
}

func TestWatchMatch(t *testing.T) {
	all := &watch[string]{all: true}
	assert.Equal(t, []string{"m0", "m1"}, all.match([]string{"m0", "m1"}))

	some := &watch[string]{ids: map[string]struct{}{"m0": {}}}
	assert.Equal(t, []string{"m0"}, some.match([]string{"m0", "m1"}))
	assert.Empty(t, some.match([]string{"m1"}))
}
