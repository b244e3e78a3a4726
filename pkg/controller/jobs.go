// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"fmt"
	"sort"
	"time"

	"github.com/qmuntal/stateless"

	"github.com/spalloc/spallocd/pkg/bmp"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/coords"
)

// job is one reservation of boards, live or retired.
type job struct {
	id        int
	owner     string
	args      []any
	kwargs    map[string]any
	keepalive *float64
	deadline  time.Time
	sm        *stateless.StateMachine
	power     *bool
	reason    *string
	startTime *float64
	req       request

	machine      string
	boards       []coords.Logical
	widthTriads  int
	heightTriads int
	origin       coords.Logical

	pendingPower int
	powerFailed  bool
	powerTarget  bool
	powerEpoch   int
}

func (j *job) state() JobState {
	return j.sm.MustState().(JobState)
}

func (j *job) fire(trigger string) {
	// Callers only fire triggers that are legal for the current state.
	_ = j.sm.Fire(trigger)
}

// JobStateInfo is the client-visible state of one job.
type JobStateInfo struct {
	State     JobState
	Power     *bool
	Keepalive *float64
	Reason    *string
	StartTime *float64
}

// JobSummary is one entry of the job listing.
type JobSummary struct {
	JobID                int
	Owner                string
	StartTime            *float64
	Keepalive            *float64
	State                JobState
	Power                *bool
	Args                 []any
	Kwargs               map[string]any
	AllocatedMachineName *string
	Boards               []coords.Logical
}

// Connection pairs a chip position (relative to a job's allocation origin)
// with the network host of the board carrying it.
type Connection struct {
	Chip coords.Chip
	Host string
}

// JobMachineInfo describes the machine resources allocated to a job. All
// fields are nil while the job has no allocation.
type JobMachineInfo struct {
	Width       *int
	Height      *int
	Connections []Connection
	MachineName *string
	Boards      []coords.Logical
}

// CreateJob creates a job from the wire-level argument list, allocating
// immediately when possible. It returns the new job id. Unsatisfiable
// requests produce a job that is already destroyed; malformed requests
// produce an error, which disconnects the offending client.
func (c *Controller) CreateJob(args []any, kwargs map[string]any, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	owner, ok := kwargs["owner"].(string)
	if !ok || owner == "" {
		return 0, ErrNoOwner
	}

	keepalive := new(float64)
	*keepalive = config.DefaultKeepalive
	if raw, present := kwargs["keepalive"]; present {
		if raw == nil {
			keepalive = nil
		} else {
			v, err := toFloat(raw)
			if err != nil {
				return 0, fmt.Errorf("%w: keepalive: %w", ErrBadRequest, err)
			}
			*keepalive = v
		}
	}

	req, err := parseRequest(args, kwargs)
	if err != nil {
		return 0, err
	}

	id := c.nextID
	c.nextID++

	start := float64(now.UnixNano()) / float64(time.Second)
	j := &job{
		id:        id,
		owner:     owner,
		args:      append([]any{}, args...),
		kwargs:    requestKwargs(kwargs),
		keepalive: keepalive,
		sm:        newJobStateMachine(JobStateQueued),
		startTime: &start,
		req:       req,
	}
	if keepalive != nil {
		j.deadline = now.Add(secondsToDuration(*keepalive))
	}

	c.jobs[id] = j
	c.queue = append(c.queue, id)
	c.changedJobs[id] = struct{}{}

	c.advanceQueueLocked(now)

	return id, nil
}

// JobKeepalive resets the keepalive deadline of a live job. Unknown or
// retired ids are ignored.
func (c *Controller) JobKeepalive(id int, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[id]
	if !ok || j.state() == JobStateDestroyed || j.keepalive == nil {
		return
	}
	j.deadline = now.Add(secondsToDuration(*j.keepalive))
}

// GetJobState reports the client-visible state of a job. Unknown ids report
// the unknown state with every other field null.
func (c *Controller) GetJobState(id int) JobStateInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[id]
	if !ok {
		return JobStateInfo{State: JobStateUnknown}
	}
	return JobStateInfo{
		State:     j.state(),
		Power:     j.power,
		Keepalive: j.keepalive,
		Reason:    j.reason,
		StartTime: j.startTime,
	}
}

// GetJobMachineInfo reports the resources allocated to a job, or an
// all-null result when the job has no allocation.
func (c *Controller) GetJobMachineInfo(id int) JobMachineInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[id]
	if !ok || j.machine == "" || len(j.boards) == 0 {
		return JobMachineInfo{}
	}
	m := c.machineByNameLocked(j.machine)
	if m == nil {
		return JobMachineInfo{}
	}

	width, height := j.chipDimensions()
	info := JobMachineInfo{
		Width:       &width,
		Height:      &height,
		MachineName: &j.machine,
		Boards:      append([]coords.Logical{}, j.boards...),
	}

	originChip := coords.BoardToChip(j.origin)
	for _, b := range j.boards {
		host, ok := m.AddressOf(b)
		if !ok {
			continue
		}
		chip := coords.BoardToChip(b)
		rel := coords.WrapChip(coords.Chip{X: chip.X - originChip.X, Y: chip.Y - originChip.Y},
			m.Width, m.Height)
		info.Connections = append(info.Connections, Connection{Chip: rel, Host: host})
	}
	return info
}

// chipDimensions returns the job's allocation size in chips.
func (j *job) chipDimensions() (int, int) {
	if j.widthTriads == 0 {
		return coords.BoardChipSpan, coords.BoardChipSpan
	}
	return j.widthTriads * coords.TriadChipPitch, j.heightTriads * coords.TriadChipPitch
}

// PowerOnJobBoards enqueues power-on commands for all of a job's boards.
func (c *Controller) PowerOnJobBoards(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repowerLocked(id, true)
}

// PowerOffJobBoards enqueues power-off commands for all of a job's boards.
func (c *Controller) PowerOffJobBoards(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repowerLocked(id, false)
}

func (c *Controller) repowerLocked(id int, on bool) {
	j, ok := c.jobs[id]
	if !ok || len(j.boards) == 0 {
		return
	}
	switch j.state() {
	case JobStateReady, JobStatePower:
		j.fire(triggerRepower)
		c.startPowerChangeLocked(j, on)
		c.changedJobs[id] = struct{}{}
	default:
	}
}

// ListJobs returns summaries of all live jobs in id order.
func (c *Controller) ListJobs() []JobSummary {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]int, 0, len(c.jobs))
	for id, j := range c.jobs {
		if j.state() != JobStateDestroyed {
			ids = append(ids, id)
		}
	}
	sort.Ints(ids)

	out := make([]JobSummary, 0, len(ids))
	for _, id := range ids {
		j := c.jobs[id]
		summary := JobSummary{
			JobID:     j.id,
			Owner:     j.owner,
			StartTime: j.startTime,
			Keepalive: j.keepalive,
			State:     j.state(),
			Power:     j.power,
			Args:      j.args,
			Kwargs:    j.kwargs,
		}
		if j.machine != "" {
			name := j.machine
			summary.AllocatedMachineName = &name
			summary.Boards = append([]coords.Logical{}, j.boards...)
		}
		out = append(out, summary)
	}
	return out
}

// DestroyJob marks a job destroyed, frees and powers off its boards, and
// lets queued jobs take its place. Unknown ids are ignored.
func (c *Controller) DestroyJob(id int, reason *string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, ok := c.jobs[id]
	if !ok || j.state() == JobStateDestroyed {
		return
	}
	text := ""
	if reason != nil {
		text = *reason
	}
	c.destroyJobLocked(id, text, now)
	c.advanceQueueLocked(now)
}

func (c *Controller) destroyJobLocked(id int, reason string, now time.Time) {
	j := c.jobs[id]

	// Drop from the queue if still pending.
	for i, qid := range c.queue {
		if qid == id {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			break
		}
	}

	if j.machine != "" && len(j.boards) > 0 {
		c.powerOffFireAndForgetLocked(j)
		if used, ok := c.usedBoards[j.machine]; ok {
			for _, b := range j.boards {
				delete(used, b)
			}
		}
		c.changedMachines[j.machine] = struct{}{}
	}

	j.powerEpoch++ // in-flight completions for this job are now stale
	j.pendingPower = 0
	j.power = nil
	j.keepalive = nil
	j.startTime = nil
	j.reason = &reason
	j.fire(triggerDestroy)

	c.changedJobs[id] = struct{}{}
	c.retired = append(c.retired, id)
	c.evictRetiredLocked()
}

// powerOffFireAndForgetLocked powers down a job's boards without tracking
// completion; the job is going away and nobody observes the outcome.
func (c *Controller) powerOffFireAndForgetLocked(j *job) {
	ctrl, ok := c.bmpControllers[j.machine]
	if !ok {
		return
	}
	m := c.machineByNameLocked(j.machine)
	if m == nil {
		return
	}
	ctrl.Transaction(func(tx *bmp.Txn) {
		for _, b := range j.boards {
			if p, ok := m.LocationOf(b); ok {
				tx.SetPower(p.Board, false)
			}
		}
	})
}

func (c *Controller) startPowerChangeLocked(j *job, on bool) {
	ctrl, ok := c.bmpControllers[j.machine]
	m := c.machineByNameLocked(j.machine)
	if !ok || m == nil {
		return
	}

	j.powerEpoch++
	epoch := j.powerEpoch
	j.pendingPower = len(j.boards)
	j.powerFailed = false
	j.powerTarget = on
	transitioning := false
	j.power = &transitioning

	id := j.id
	ctrl.Transaction(func(tx *bmp.Txn) {
		for _, b := range j.boards {
			p, located := m.LocationOf(b)
			if !located {
				// Allocation guarantees located boards; treat a miss as an
				// immediate failure of this board's command.
				j.pendingPower--
				j.powerFailed = true
				continue
			}
			comp := tx.SetPower(p.Board, on)
			comp.OnDone(func(ok bool) {
				c.post(func() {
					c.finishPowerChange(id, epoch, ok)
				})
			})
		}
	})

	if j.pendingPower == 0 {
		// Every board missed its location; settle the change right away.
		failed := false
		j.power = &failed
		c.changedJobs[id] = struct{}{}
	}
}

// finishPowerChange consumes one board's power completion. It runs on the
// reactor goroutine via the inbox.
func (c *Controller) finishPowerChange(id int, epoch int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	j, live := c.jobs[id]
	if !live || j.powerEpoch != epoch || j.state() != JobStatePower {
		return
	}

	j.pendingPower--
	if !ok {
		j.powerFailed = true
	}
	if j.pendingPower > 0 {
		return
	}

	if j.powerFailed {
		failed := false
		j.power = &failed
	} else {
		on := j.powerTarget
		j.power = &on
		j.fire(triggerPowered)
	}
	c.changedJobs[id] = struct{}{}
}

func (c *Controller) evictRetiredLocked() {
	for len(c.retired) > c.maxRetiredJobs {
		oldest := c.retired[0]
		c.retired = c.retired[1:]
		delete(c.jobs, oldest)
	}
}

func (c *Controller) machineByNameLocked(name string) *config.Machine {
	for i := range c.machines {
		if c.machines[i].Name == name {
			return &c.machines[i]
		}
	}
	return nil
}

func secondsToDuration(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
