// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import "sort"

// watch is one client's subscription to job or machine changes: either
// everything, or an explicit id set.
type watch[T comparable] struct {
	all bool
	ids map[T]struct{}
}

// subscribe implements the notify_* semantics: no id sets the watch to ALL;
// an id extends the set unless ALL is already active.
func subscribe[T comparable](watches map[*session]*watch[T], sess *session, id *T) {
	if id == nil {
		watches[sess] = &watch[T]{all: true}
		return
	}
	w, ok := watches[sess]
	if !ok {
		watches[sess] = &watch[T]{ids: map[T]struct{}{*id: {}}}
		return
	}
	if w.all {
		return
	}
	w.ids[*id] = struct{}{}
}

// unsubscribe implements the no_notify_* semantics: no id removes the watch
// entirely; an id shrinks the set, removing the watch once empty. ALL
// watches ignore id removals. Unsubscribing an unwatched session is a
// no-op.
func unsubscribe[T comparable](watches map[*session]*watch[T], sess *session, id *T) {
	w, ok := watches[sess]
	if !ok {
		return
	}
	if id == nil {
		delete(watches, sess)
		return
	}
	if w.all {
		return
	}
	delete(w.ids, *id)
	if len(w.ids) == 0 {
		delete(watches, sess)
	}
}

// match filters a change list down to the watched ids.
func (w *watch[T]) match(changed []T) []T {
	if w.all {
		return changed
	}
	var out []T
	for _, c := range changed {
		if _, ok := w.ids[c]; ok {
			out = append(out, c)
		}
	}
	return out
}

// sendChangeNotifications drains the controller's change sets and fans the
// changes out to subscribed clients. A send failure disconnects that client
// but never interrupts delivery to the rest.
func (s *Server) sendChangeNotifications() {
	changedJobs := s.ctrl.ChangedJobs()
	changedMachines := s.ctrl.ChangedMachines()
	if len(changedJobs) == 0 && len(changedMachines) == 0 {
		return
	}
	sort.Ints(changedJobs)
	sort.Strings(changedMachines)

	failed := make(map[*session]struct{})

	if len(changedJobs) > 0 {
		for sess, w := range s.jobWatches {
			matched := w.match(changedJobs)
			if len(matched) == 0 {
				continue
			}
			if err := sess.writeLine(map[string][]int{"jobs_changed": matched}); err != nil {
				failed[sess] = struct{}{}
			}
		}
	}

	if len(changedMachines) > 0 {
		for sess, w := range s.machineWatches {
			matched := w.match(changedMachines)
			if len(matched) == 0 {
				continue
			}
			if err := sess.writeLine(map[string][]string{"machines_changed": matched}); err != nil {
				failed[sess] = struct{}{}
			}
		}
	}

	for sess := range failed {
		s.disconnect(sess)
	}
}
