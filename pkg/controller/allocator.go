// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/coords"
)

type requestKind int

const (
	reqSingleBoard requestKind = iota
	reqBoardCount
	reqTriadArea
	reqSpecificBoard
)

// request is a parsed allocation request.
type request struct {
	kind         requestKind
	numBoards    int
	widthTriads  int
	heightTriads int
	board        coords.Logical
	tags         []string
	machineName  string
	requireTorus bool
}

// parseRequest interprets the positional create_job arguments together with
// the allocation-related keyword arguments.
func parseRequest(args []any, kwargs map[string]any) (request, error) {
	req := request{tags: []string{"default"}}

	if raw, ok := kwargs["tags"]; ok && raw != nil {
		list, ok := raw.([]any)
		if !ok {
			return req, fmt.Errorf("%w: tags must be a list", ErrBadRequest)
		}
		req.tags = req.tags[:0]
		for _, t := range list {
			s, ok := t.(string)
			if !ok {
				return req, fmt.Errorf("%w: tags must be strings", ErrBadRequest)
			}
			req.tags = append(req.tags, s)
		}
	}
	if raw, ok := kwargs["machine"]; ok && raw != nil {
		s, ok := raw.(string)
		if !ok {
			return req, fmt.Errorf("%w: machine must be a string", ErrBadRequest)
		}
		req.machineName = s
	}
	if raw, ok := kwargs["require_torus"]; ok && raw != nil {
		b, ok := raw.(bool)
		if !ok {
			return req, fmt.Errorf("%w: require_torus must be a boolean", ErrBadRequest)
		}
		req.requireTorus = b
	}

	nums := make([]int, len(args))
	for i, a := range args {
		v, err := toInt(a)
		if err != nil {
			return req, fmt.Errorf("%w: argument %d: %w", ErrBadRequest, i, err)
		}
		nums[i] = v
	}

	switch len(nums) {
	case 0:
		req.kind = reqSingleBoard
	case 1:
		if nums[0] < 1 {
			return req, fmt.Errorf("%w: board count %d", ErrBadRequest, nums[0])
		}
		req.kind = reqBoardCount
		req.numBoards = nums[0]
	case 2:
		if nums[0] < 1 || nums[1] < 1 {
			return req, fmt.Errorf("%w: area %dx%d", ErrBadRequest, nums[0], nums[1])
		}
		req.kind = reqTriadArea
		req.widthTriads = nums[0]
		req.heightTriads = nums[1]
	case 3:
		req.kind = reqSpecificBoard
		req.board = coords.Logical{X: nums[0], Y: nums[1], Z: nums[2]}
	default:
		return req, fmt.Errorf("%w: %d positional arguments", ErrBadRequest, len(nums))
	}

	// A request for a single board never needs torus links.
	if req.requireTorus && (req.kind == reqSingleBoard || req.kind == reqSpecificBoard) {
		req.requireTorus = false
	}

	return req, nil
}

// requestKwargs copies the wire kwargs, dropping the fields held as
// dedicated job attributes.
func requestKwargs(kwargs map[string]any) map[string]any {
	out := make(map[string]any, len(kwargs))
	for k, v := range kwargs {
		if k == "owner" || k == "keepalive" {
			continue
		}
		out[k] = v
	}
	return out
}

// area returns the request size in triads, deriving a near-square rectangle
// for board-count requests.
func (r *request) area() (int, int) {
	switch r.kind {
	case reqTriadArea:
		return r.widthTriads, r.heightTriads
	case reqBoardCount:
		if r.numBoards <= 1 {
			return 0, 0
		}
		triads := (r.numBoards + 2) / 3
		w := int(math.Ceil(math.Sqrt(float64(triads))))
		h := (triads + w - 1) / w
		return w, h
	default:
		return 0, 0
	}
}

// machineEligible reports whether the request may consider a machine at all.
func (r *request) machineEligible(m *config.Machine) bool {
	if r.machineName != "" {
		return m.Name == r.machineName
	}
	for _, tag := range r.tags {
		if !m.HasTag(tag) {
			return false
		}
	}
	return true
}

// feasibleLocked reports whether some configured machine could satisfy the
// request on an empty fabric. Infeasible requests are cancelled rather than
// queued.
func (c *Controller) feasibleLocked(r *request) bool {
	for i := range c.machines {
		m := &c.machines[i]
		if !r.machineEligible(m) {
			continue
		}
		switch r.kind {
		case reqSingleBoard:
			if m.Width > 0 && m.Height > 0 && c.anyLiveBoardLocked(m) {
				return true
			}
		case reqBoardCount, reqTriadArea:
			w, h := r.area()
			if w == 0 {
				if c.anyLiveBoardLocked(m) {
					return true
				}
				continue
			}
			if w <= m.Width && h <= m.Height &&
				(!r.requireTorus || (w == m.Width && h == m.Height)) {
				return true
			}
		case reqSpecificBoard:
			if _, ok := m.LocationOf(r.board); ok && !m.IsDead(r.board) {
				return true
			}
		}
	}
	return false
}

func (c *Controller) anyLiveBoardLocked(m *config.Machine) bool {
	for _, bl := range m.BoardLocations {
		if !m.IsDead(bl.Logical) {
			return true
		}
	}
	return false
}

// advanceQueueLocked walks the queue in order, allocating jobs that now fit
// and cancelling jobs that no configuration change could ever satisfy.
func (c *Controller) advanceQueueLocked(now time.Time) {
	pending := c.queue
	c.queue = nil
	for _, id := range pending {
		j, ok := c.jobs[id]
		if !ok || j.state() != JobStateQueued {
			continue
		}
		if !c.feasibleLocked(&j.req) {
			c.destroyJobLocked(id, ReasonNoSuitableMachines, now)
			continue
		}
		if c.tryAllocateLocked(j) {
			continue
		}
		c.queue = append(c.queue, id)
	}
}

// tryAllocateLocked attempts to place a queued job on some machine now. On
// success the job enters the power state and its boards start powering on.
func (c *Controller) tryAllocateLocked(j *job) bool {
	for i := range c.machines {
		m := &c.machines[i]
		if !j.req.machineEligible(m) {
			continue
		}
		boards, origin, w, h, ok := c.placeOnLocked(m, &j.req)
		if !ok {
			continue
		}

		used := c.usedBoards[m.Name]
		for _, b := range boards {
			used[b] = j.id
		}
		j.machine = m.Name
		j.boards = boards
		j.origin = origin
		j.widthTriads = w
		j.heightTriads = h

		j.fire(triggerAllocate)
		c.startPowerChangeLocked(j, true)
		c.changedJobs[j.id] = struct{}{}
		c.changedMachines[m.Name] = struct{}{}
		return true
	}
	return false
}

// placeOnLocked finds free boards for the request on one machine. The
// returned triad extent is zero for single-board allocations.
func (c *Controller) placeOnLocked(m *config.Machine, r *request) ([]coords.Logical, coords.Logical, int, int, bool) {
	switch r.kind {
	case reqSpecificBoard:
		if c.boardFreeLocked(m, r.board) {
			return []coords.Logical{r.board}, r.board, 0, 0, true
		}
	case reqSingleBoard:
		if b, ok := c.firstFreeBoardLocked(m); ok {
			return []coords.Logical{b}, b, 0, 0, true
		}
	case reqBoardCount, reqTriadArea:
		w, h := r.area()
		if w == 0 {
			if b, ok := c.firstFreeBoardLocked(m); ok {
				return []coords.Logical{b}, b, 0, 0, true
			}
			return nil, coords.Logical{}, 0, 0, false
		}
		if w > m.Width || h > m.Height {
			return nil, coords.Logical{}, 0, 0, false
		}
		if r.requireTorus && (w != m.Width || h != m.Height) {
			return nil, coords.Logical{}, 0, 0, false
		}
		for y0 := 0; y0+h <= m.Height; y0++ {
			for x0 := 0; x0+w <= m.Width; x0++ {
				if boards, ok := c.rectFreeLocked(m, x0, y0, w, h); ok {
					return boards, coords.Logical{X: x0, Y: y0, Z: 0}, w, h, true
				}
			}
		}
	}
	return nil, coords.Logical{}, 0, 0, false
}

func (c *Controller) boardFreeLocked(m *config.Machine, b coords.Logical) bool {
	if _, located := m.LocationOf(b); !located || m.IsDead(b) {
		return false
	}
	_, inUse := c.usedBoards[m.Name][b]
	return !inUse
}

func (c *Controller) firstFreeBoardLocked(m *config.Machine) (coords.Logical, bool) {
	for y := 0; y < m.Height; y++ {
		for x := 0; x < m.Width; x++ {
			for z := 0; z < 3; z++ {
				b := coords.Logical{X: x, Y: y, Z: z}
				if c.boardFreeLocked(m, b) {
					return b, true
				}
			}
		}
	}
	return coords.Logical{}, false
}

// rectFreeLocked collects the boards of a triad rectangle when every one of
// them is located, alive and free.
func (c *Controller) rectFreeLocked(m *config.Machine, x0, y0, w, h int) ([]coords.Logical, bool) {
	boards := make([]coords.Logical, 0, w*h*3)
	for y := y0; y < y0+h; y++ {
		for x := x0; x < x0+w; x++ {
			for z := 0; z < 3; z++ {
				b := coords.Logical{X: x, Y: y, Z: z}
				if !c.boardFreeLocked(m, b) {
					return nil, false
				}
				boards = append(boards, b)
			}
		}
	}
	sort.Slice(boards, func(i, k int) bool {
		if boards[i].X != boards[k].X {
			return boards[i].X < boards[k].X
		}
		if boards[i].Y != boards[k].Y {
			return boards[i].Y < boards[k].Y
		}
		return boards[i].Z < boards[k].Z
	})
	return boards, true
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case float64:
		if n != math.Trunc(n) {
			return 0, fmt.Errorf("not an integer: %v", n)
		}
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}

func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case int:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("not a number: %T", v)
	}
}
