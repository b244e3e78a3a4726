// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/arunsworld/nursery"

	"github.com/spalloc/spallocd/pkg/bmp"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/coords"
)

// Controller owns all job and machine state of the daemon.
type Controller struct {
	cfg    ctrlConfig
	logger *slog.Logger

	mu             sync.Mutex
	machines       []config.Machine
	bmpControllers map[string]*bmp.Controller
	jobs           map[int]*job
	queue          []int
	retired        []int
	nextID         int
	maxRetiredJobs int

	// usedBoards maps machine name -> board -> owning job id.
	usedBoards map[string]map[coords.Logical]int

	changedJobs     map[int]struct{}
	changedMachines map[string]struct{}

	inbox   chan func()
	stopped bool
}

// New creates an empty controller. Machines arrive later through
// SetMachines, normally from the first configuration read.
func New(opts ...Option) *Controller {
	cfg := defaultCtrlConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}

	return &Controller{
		cfg:             *cfg,
		logger:          cfg.logger,
		bmpControllers:  make(map[string]*bmp.Controller),
		jobs:            make(map[int]*job),
		nextID:          1,
		maxRetiredJobs:  cfg.maxRetiredJobs,
		usedBoards:      make(map[string]map[coords.Logical]int),
		changedJobs:     make(map[int]struct{}),
		changedMachines: make(map[string]struct{}),
		inbox:           make(chan func(), cfg.inboxDepth),
	}
}

// Inbox exposes the completion inbox. The reactor selects on it and runs
// each received closure; the closures re-enter the controller safely.
func (c *Controller) Inbox() <-chan func() {
	return c.inbox
}

// post hands a closure to the reactor. Called from BMP worker goroutines.
func (c *Controller) post(fn func()) {
	c.inbox <- fn
}

// MachineNames returns the configured machine names in order.
func (c *Controller) MachineNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, len(c.machines))
	for i := range c.machines {
		names[i] = c.machines[i].Name
	}
	return names
}

// MaxRetiredJobs returns the current retired-job cap.
func (c *Controller) MaxRetiredJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.maxRetiredJobs
}

// SetMaxRetiredJobs updates the retired-job cap and evicts any overflow.
func (c *Controller) SetMaxRetiredJobs(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxRetiredJobs = n
	c.evictRetiredLocked()
}

// SetMachines replaces the machine list, preserving the given order.
// Machines whose description is unchanged keep their BMP controller and
// their jobs. Machines that disappear or change have their jobs destroyed
// and their BMP controller replaced or stopped. Every added, removed or
// changed machine enters the machine change set.
func (c *Controller) SetMachines(machines []config.Machine) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := make(map[string]*config.Machine, len(c.machines))
	for i := range c.machines {
		old[c.machines[i].Name] = &c.machines[i]
	}
	next := make(map[string]struct{}, len(machines))
	for i := range machines {
		next[machines[i].Name] = struct{}{}
	}

	// Machines that disappeared.
	for name := range old {
		if _, ok := next[name]; ok {
			continue
		}
		c.dropMachineLocked(name)
		c.changedMachines[name] = struct{}{}
	}

	// Machines added or changed.
	for i := range machines {
		m := &machines[i]
		prev, existed := old[m.Name]
		switch {
		case !existed:
			c.addMachineLocked(m)
			c.changedMachines[m.Name] = struct{}{}
		case !prev.Equal(m):
			c.dropMachineLocked(m.Name)
			c.addMachineLocked(m)
			c.changedMachines[m.Name] = struct{}{}
		}
	}

	c.machines = make([]config.Machine, len(machines))
	copy(c.machines, machines)

	c.advanceQueueLocked(time.Now())
}

func (c *Controller) addMachineLocked(m *config.Machine) {
	client := c.cfg.clientFactory(m)
	ctrl, err := bmp.New(client,
		bmp.WithName(m.Name),
		bmp.WithLogger(c.logger))
	if err != nil {
		// Only a nil client can fail here; the factory contract forbids it.
		c.logger.Error("BMP controller creation failed", "machine", m.Name, "error", err)
		return
	}
	c.bmpControllers[m.Name] = ctrl
	c.usedBoards[m.Name] = make(map[coords.Logical]int)
}

func (c *Controller) dropMachineLocked(name string) {
	for id, j := range c.jobs {
		if j.machine == name && j.state() != JobStateDestroyed {
			c.destroyJobLocked(id, ReasonMachineRemoved, time.Now())
		}
	}
	if ctrl, ok := c.bmpControllers[name]; ok {
		delete(c.bmpControllers, name)
		ctrl.Stop()
		go ctrl.Join()
	}
	delete(c.usedBoards, name)
}

// ChangedJobs returns and clears the set of jobs changed since the last call.
func (c *Controller) ChangedJobs() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.changedJobs) == 0 {
		return nil
	}
	ids := make([]int, 0, len(c.changedJobs))
	for id := range c.changedJobs {
		ids = append(ids, id)
	}
	c.changedJobs = make(map[int]struct{})
	return ids
}

// ChangedMachines returns and clears the set of machines changed since the
// last call.
func (c *Controller) ChangedMachines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.changedMachines) == 0 {
		return nil
	}
	names := make([]string, 0, len(c.changedMachines))
	for name := range c.changedMachines {
		names = append(names, name)
	}
	c.changedMachines = make(map[string]struct{})
	return names
}

// Tick runs periodic work: keepalive expiry and queue advancement.
func (c *Controller) Tick(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, j := range c.jobs {
		if j.state() == JobStateDestroyed || j.keepalive == nil {
			continue
		}
		if now.After(j.deadline) {
			c.destroyJobLocked(id, ReasonTimedOut, now)
		}
	}

	c.advanceQueueLocked(now)
}

// Stop shuts down every BMP controller, draining their queues concurrently.
func (c *Controller) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	ctrls := make([]*bmp.Controller, 0, len(c.bmpControllers))
	for _, ctrl := range c.bmpControllers {
		ctrls = append(ctrls, ctrl)
	}
	c.mu.Unlock()

	jobs := make([]nursery.ConcurrentJob, 0, len(ctrls))
	for _, ctrl := range ctrls {
		jobs = append(jobs, func(ctx context.Context, errCh chan error) {
			ctrl.Stop()
			ctrl.Join()
		})
	}
	if len(jobs) > 0 {
		_ = nursery.RunConcurrently(jobs...)
	}
}
