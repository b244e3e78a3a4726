// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/coords"
)

// WhereIsQuery selects a board or chip by one of four addressing forms:
// machine plus logical board, machine plus physical board, machine plus
// chip, or job plus job-local chip. Exactly one form should be populated.
type WhereIsQuery struct {
	Machine *string
	X, Y, Z *int

	Cabinet, Frame, Board *int

	ChipX, ChipY *int

	JobID *int
}

// WhereIsResult relates all the coordinate systems for one spot on the
// fabric. JobID and JobChip are nil when no job owns the board.
type WhereIsResult struct {
	Machine   string
	Logical   coords.Logical
	Physical  coords.Physical
	Chip      coords.Chip
	BoardChip coords.Chip
	JobID     *int
	JobChip   *coords.Chip
}

// WhereIs resolves a query between logical, physical, chip and job-relative
// coordinates. It returns nil when the target is unknown.
func (c *Controller) WhereIs(q WhereIsQuery) *WhereIsResult {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		m    *config.Machine
		chip coords.Chip
	)

	switch {
	case q.Machine != nil && q.X != nil && q.Y != nil && q.Z != nil:
		m = c.machineByNameLocked(*q.Machine)
		if m == nil {
			return nil
		}
		l := coords.Logical{X: *q.X, Y: *q.Y, Z: *q.Z}
		if !c.withinLocked(m, l) {
			return nil
		}
		chip = coords.BoardToChip(l)

	case q.Machine != nil && q.Cabinet != nil && q.Frame != nil && q.Board != nil:
		m = c.machineByNameLocked(*q.Machine)
		if m == nil {
			return nil
		}
		l, ok := m.BoardAt(coords.Physical{Cabinet: *q.Cabinet, Frame: *q.Frame, Board: *q.Board})
		if !ok {
			return nil
		}
		chip = coords.BoardToChip(l)

	case q.Machine != nil && q.ChipX != nil && q.ChipY != nil:
		m = c.machineByNameLocked(*q.Machine)
		if m == nil {
			return nil
		}
		chip = coords.Chip{X: *q.ChipX, Y: *q.ChipY}

	case q.JobID != nil && q.ChipX != nil && q.ChipY != nil:
		j, ok := c.jobs[*q.JobID]
		if !ok || j.machine == "" {
			return nil
		}
		m = c.machineByNameLocked(j.machine)
		if m == nil {
			return nil
		}
		origin := coords.BoardToChip(j.origin)
		chip = coords.Chip{X: origin.X + *q.ChipX, Y: origin.Y + *q.ChipY}

	default:
		return nil
	}

	chip = coords.WrapChip(chip, m.Width, m.Height)
	l, boardChip, ok := coords.ChipToBoard(chip, m.Width, m.Height)
	if !ok {
		return nil
	}
	p, located := m.LocationOf(l)
	if !located {
		return nil
	}

	result := &WhereIsResult{
		Machine:   m.Name,
		Logical:   l,
		Physical:  p,
		Chip:      chip,
		BoardChip: boardChip,
	}

	if owner, inUse := c.usedBoards[m.Name][l]; inUse {
		if j, ok := c.jobs[owner]; ok {
			id := owner
			origin := coords.BoardToChip(j.origin)
			jc := coords.WrapChip(coords.Chip{X: chip.X - origin.X, Y: chip.Y - origin.Y},
				m.Width, m.Height)
			result.JobID = &id
			result.JobChip = &jc
		}
	}

	return result
}

func (c *Controller) withinLocked(m *config.Machine, l coords.Logical) bool {
	return l.X >= 0 && l.X < m.Width && l.Y >= 0 && l.Y < m.Height && l.Z >= 0 && l.Z < 3
}
