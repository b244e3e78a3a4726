// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/coords"
)

// jobSnapshot is the serialisable form of one job.
type jobSnapshot struct {
	ID           int              `json:"id"`
	Owner        string           `json:"owner"`
	Args         []any            `json:"args"`
	Kwargs       map[string]any   `json:"kwargs"`
	Keepalive    *float64         `json:"keepalive"`
	State        JobState         `json:"state"`
	Power        *bool            `json:"power"`
	Reason       *string          `json:"reason"`
	StartTime    *float64         `json:"start_time"`
	Machine      string           `json:"machine"`
	Boards       []coords.Logical `json:"boards"`
	WidthTriads  int              `json:"width_triads"`
	HeightTriads int              `json:"height_triads"`
	Origin       coords.Logical   `json:"origin"`
	PowerTarget  bool             `json:"power_target"`
}

// controllerSnapshot is the serialisable form of the whole controller.
type controllerSnapshot struct {
	NextID   int              `json:"next_id"`
	Machines []config.Machine `json:"machines"`
	Jobs     []jobSnapshot    `json:"jobs"`
	Queue    []int            `json:"queue"`
	Retired  []int            `json:"retired"`
}

// Snapshot serialises the controller state for the on-disk state file.
func (c *Controller) Snapshot() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := controllerSnapshot{
		NextID:   c.nextID,
		Machines: append([]config.Machine{}, c.machines...),
		Queue:    append([]int{}, c.queue...),
		Retired:  append([]int{}, c.retired...),
	}
	for _, j := range c.jobs {
		snap.Jobs = append(snap.Jobs, jobSnapshot{
			ID:           j.id,
			Owner:        j.owner,
			Args:         j.args,
			Kwargs:       j.kwargs,
			Keepalive:    j.keepalive,
			State:        j.state(),
			Power:        j.power,
			Reason:       j.reason,
			StartTime:    j.startTime,
			Machine:      j.machine,
			Boards:       j.boards,
			WidthTriads:  j.widthTriads,
			HeightTriads: j.heightTriads,
			Origin:       j.origin,
			PowerTarget:  j.powerTarget,
		})
	}
	return json.Marshal(&snap)
}

// Restore rebuilds controller state from a snapshot taken by an earlier
// process. It must run before the first SetMachines; restored machines keep
// their jobs when the subsequent configuration read leaves them unchanged.
// Jobs that were mid power change resume it; queued jobs re-queue in their
// original order.
func (c *Controller) Restore(data []byte, now time.Time) error {
	var snap controllerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("%w: %w", ErrBadSnapshot, err)
	}
	if snap.NextID < 1 {
		return fmt.Errorf("%w: next id %d", ErrBadSnapshot, snap.NextID)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID = snap.NextID
	c.machines = append([]config.Machine{}, snap.Machines...)
	for i := range c.machines {
		c.addMachineLocked(&c.machines[i])
	}

	var resumePower []*job
	for _, js := range snap.Jobs {
		req, err := parseRequest(js.Args, js.Kwargs)
		if err != nil {
			// The snapshot was written by us; a bad request means a corrupt
			// or incompatible file.
			return fmt.Errorf("%w: job %d: %w", ErrBadSnapshot, js.ID, err)
		}
		j := &job{
			id:           js.ID,
			owner:        js.Owner,
			args:         js.Args,
			kwargs:       js.Kwargs,
			keepalive:    js.Keepalive,
			sm:           newJobStateMachine(js.State),
			power:        js.Power,
			reason:       js.Reason,
			startTime:    js.StartTime,
			req:          req,
			machine:      js.Machine,
			boards:       js.Boards,
			widthTriads:  js.WidthTriads,
			heightTriads: js.HeightTriads,
			origin:       js.Origin,
			powerTarget:  js.PowerTarget,
		}
		if j.keepalive != nil {
			j.deadline = now.Add(secondsToDuration(*j.keepalive))
		}
		c.jobs[j.id] = j

		if j.machine != "" && j.state() != JobStateDestroyed {
			used, ok := c.usedBoards[j.machine]
			if !ok {
				c.destroyJobLocked(j.id, ReasonMachineRemoved, now)
				continue
			}
			for _, b := range j.boards {
				used[b] = j.id
			}
			if j.state() == JobStatePower {
				resumePower = append(resumePower, j)
			}
		}
	}

	for _, id := range snap.Queue {
		if j, ok := c.jobs[id]; ok && j.state() == JobStateQueued {
			c.queue = append(c.queue, id)
		}
	}
	for _, id := range snap.Retired {
		if _, ok := c.jobs[id]; ok {
			c.retired = append(c.retired, id)
		}
	}
	c.evictRetiredLocked()

	// Power changes interrupted by the restart start over.
	for _, j := range resumePower {
		c.startPowerChangeLocked(j, j.powerTarget)
	}

	return nil
}
