// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/coords"
)

// MachineDescription is one entry of the machine listing.
type MachineDescription struct {
	Name       string
	Tags       []string
	Width      int
	Height     int
	DeadBoards []coords.Logical
	DeadLinks  []coords.DeadLink
}

// ListMachines describes the configured machines in configuration order.
func (c *Controller) ListMachines() []MachineDescription {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]MachineDescription, 0, len(c.machines))
	for i := range c.machines {
		m := &c.machines[i]
		out = append(out, MachineDescription{
			Name:       m.Name,
			Tags:       append([]string{}, m.Tags...),
			Width:      m.Width,
			Height:     m.Height,
			DeadBoards: append([]coords.Logical{}, m.DeadBoards...),
			DeadLinks:  append([]coords.DeadLink{}, m.DeadLinks...),
		})
	}
	return out
}

// Machines returns a copy of the configured machines in order.
func (c *Controller) Machines() []config.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]config.Machine, len(c.machines))
	copy(out, c.machines)
	return out
}

// GetBoardPosition converts a logical board coordinate to its physical
// identity, or nil when the machine or board is unknown.
func (c *Controller) GetBoardPosition(machine string, l coords.Logical) *coords.Physical {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.machineByNameLocked(machine)
	if m == nil {
		return nil
	}
	p, ok := m.LocationOf(l)
	if !ok {
		return nil
	}
	return &p
}

// GetBoardAtPosition converts a physical board identity to its logical
// coordinate, or nil when the machine or position is unknown.
func (c *Controller) GetBoardAtPosition(machine string, p coords.Physical) *coords.Logical {
	c.mu.Lock()
	defer c.mu.Unlock()

	m := c.machineByNameLocked(machine)
	if m == nil {
		return nil
	}
	l, ok := m.BoardAt(p)
	if !ok {
		return nil
	}
	return &l
}
