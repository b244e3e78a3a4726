// SPDX-License-Identifier: BSD-3-Clause

package bmp

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/spalloc/spallocd/pkg/coords"
)

// powerGroup is a set of boards switching to the same power state, flushed to
// the hardware as a single call. Boards form a set; completions accumulate
// one per enqueued command.
type powerGroup struct {
	on          bool
	boards      map[int]struct{}
	completions []*Completion
}

// linkRequest is a single pending link-enable command.
type linkRequest struct {
	board      int
	link       coords.Link
	enable     bool
	completion *Completion
}

// Controller serialises power and link commands for one machine onto a
// single worker goroutine speaking to a blocking BMP client. See the package
// documentation for queueing, priority and shutdown semantics.
type Controller struct {
	cfg    config
	client Client
	logger *slog.Logger

	mu         sync.Mutex
	cond       *sync.Cond
	powerQueue []*powerGroup
	linkQueue  []*linkRequest
	stopping   bool
	done       chan struct{}

	hardwareCalls  metric.Int64Counter
	powerMerges    metric.Int64Counter
	cancelledLinks metric.Int64Counter
}

// New creates a controller for the given BMP client and starts its worker.
func New(client Client, opts ...Option) (*Controller, error) {
	if client == nil {
		return nil, ErrNilClient
	}

	cfg := defaultConfig()
	for _, opt := range opts {
		opt.apply(cfg)
	}

	c := &Controller{
		cfg:    *cfg,
		client: client,
		logger: cfg.logger.With("machine", cfg.name),
		done:   make(chan struct{}),
	}
	c.cond = sync.NewCond(&c.mu)

	meter := otel.Meter("spallocd/bmp")
	c.hardwareCalls, _ = meter.Int64Counter("bmp.hardware_calls",
		metric.WithDescription("Hardware calls issued by the BMP worker"))
	c.powerMerges, _ = meter.Int64Counter("bmp.power_merges",
		metric.WithDescription("Power commands merged into an existing group"))
	c.cancelledLinks, _ = meter.Int64Counter("bmp.cancelled_links",
		metric.WithDescription("Pending link commands cancelled by a power command"))

	go c.run()

	return c, nil
}

// SetPower enqueues a power command for one board and returns its completion.
func (c *Controller) SetPower(board int, on bool) *Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp := c.enqueuePowerLocked(board, on)
	c.cond.Broadcast()
	return comp
}

// SetLinkEnable enqueues a link-enable command for one board and returns its
// completion.
func (c *Controller) SetLinkEnable(board int, link coords.Link, enable bool) *Completion {
	c.mu.Lock()
	defer c.mu.Unlock()
	comp := c.enqueueLinkLocked(board, link, enable)
	c.cond.Broadcast()
	return comp
}

// Txn batches commands inside a Transaction. Commands enqueued through a Txn
// merge and order exactly as the direct methods do, but no worker cycle
// begins until the transaction returns.
type Txn struct {
	c *Controller
}

// SetPower enqueues a power command within the transaction.
func (t *Txn) SetPower(board int, on bool) *Completion {
	return t.c.enqueuePowerLocked(board, on)
}

// SetLinkEnable enqueues a link-enable command within the transaction.
func (t *Txn) SetLinkEnable(board int, link coords.Link, enable bool) *Completion {
	return t.c.enqueueLinkLocked(board, link, enable)
}

// Stop requests shutdown from within the transaction. Commands enqueued
// earlier in the same transaction still drain.
func (t *Txn) Stop() {
	t.c.stopping = true
}

// Transaction runs fn while holding the worker's guard. The worker dequeues
// nothing until fn returns, so all commands enqueued by fn form one atomic
// batch. fn must not block on the completions it creates.
func (c *Controller) Transaction(fn func(tx *Txn)) {
	c.mu.Lock()
	defer func() {
		c.cond.Broadcast()
		c.mu.Unlock()
	}()
	fn(&Txn{c: c})
}

// Stop requests shutdown. Commands already enqueued still drain; commands
// enqueued afterwards complete immediately with a false outcome. Inside a
// Transaction, use Txn.Stop instead.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.stopping = true
	c.mu.Unlock()
	c.cond.Broadcast()
}

// Join blocks until the worker has drained its queues and exited.
func (c *Controller) Join() {
	<-c.done
}

func (c *Controller) enqueuePowerLocked(board int, on bool) *Completion {
	comp := newCompletion()
	if c.stopping {
		comp.complete(false)
		return comp
	}

	// Powering the board invalidates its FPGA state; pending link edits for
	// it are meaningless and are cancelled before the power command queues.
	kept := c.linkQueue[:0]
	for _, lr := range c.linkQueue {
		if lr.board == board {
			c.cancelledLinks.Add(context.Background(), 1)
			lr.completion.complete(false)
			continue
		}
		kept = append(kept, lr)
	}
	c.linkQueue = kept

	if n := len(c.powerQueue); n > 0 && c.powerQueue[n-1].on == on {
		group := c.powerQueue[n-1]
		group.boards[board] = struct{}{}
		group.completions = append(group.completions, comp)
		c.powerMerges.Add(context.Background(), 1)
		return comp
	}

	c.powerQueue = append(c.powerQueue, &powerGroup{
		on:          on,
		boards:      map[int]struct{}{board: {}},
		completions: []*Completion{comp},
	})
	return comp
}

func (c *Controller) enqueueLinkLocked(board int, link coords.Link, enable bool) *Completion {
	comp := newCompletion()
	if c.stopping || !link.Valid() {
		comp.complete(false)
		return comp
	}
	c.linkQueue = append(c.linkQueue, &linkRequest{
		board:      board,
		link:       link,
		enable:     enable,
		completion: comp,
	})
	return comp
}

func (c *Controller) run() {
	defer close(c.done)

	if c.cfg.onWorkerStart != nil {
		c.cfg.onWorkerStart()
	}

	for {
		c.mu.Lock()
		for !c.stopping && len(c.powerQueue) == 0 && len(c.linkQueue) == 0 {
			c.cond.Wait()
		}
		if len(c.powerQueue) == 0 && len(c.linkQueue) == 0 {
			// Stop requested and both queues drained.
			c.mu.Unlock()
			return
		}

		// Power commands take strict priority over link commands.
		var (
			group *powerGroup
			lr    *linkRequest
		)
		if len(c.powerQueue) > 0 {
			group = c.powerQueue[0]
			c.powerQueue = c.powerQueue[1:]
		} else {
			lr = c.linkQueue[0]
			c.linkQueue = c.linkQueue[1:]
		}
		c.mu.Unlock()

		if group != nil {
			c.flushPowerGroup(group)
		} else {
			c.flushLink(lr)
		}
	}
}

func (c *Controller) flushPowerGroup(group *powerGroup) {
	boards := make([]int, 0, len(group.boards))
	for b := range group.boards {
		boards = append(boards, b)
	}
	sort.Ints(boards)

	err := c.call(func() error {
		return c.client.SetPower(group.on, boards)
	})
	c.hardwareCalls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", "power"),
		attribute.Bool("ok", err == nil)))
	if err != nil {
		c.logger.Error("power command failed", "on", group.on, "boards", boards, "error", err)
	}
	for _, comp := range group.completions {
		comp.complete(err == nil)
	}
}

func (c *Controller) flushLink(lr *linkRequest) {
	fpga, addr, err := lr.link.FPGARegister()
	if err == nil {
		err = c.call(func() error {
			return c.client.WriteFPGARegister(fpga, addr, coords.LinkStopValue(lr.enable), lr.board)
		})
	}
	c.hardwareCalls.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", "link"),
		attribute.Bool("ok", err == nil)))
	if err != nil {
		c.logger.Error("link command failed",
			"board", lr.board, "link", lr.link.String(), "enable", lr.enable, "error", err)
	}
	lr.completion.complete(err == nil)
}

// call runs one hardware call, converting a panic in the client into an
// error so a misbehaving client cannot kill the worker.
func (c *Controller) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrHardware, r)
		}
	}()
	return fn()
}
