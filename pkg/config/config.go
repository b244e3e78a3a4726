// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"slices"

	"github.com/spalloc/spallocd/pkg/coords"
)

// Default values applied to absent configuration parameters.
const (
	DefaultPort                 = 22244
	DefaultTimeoutCheckInterval = 5.0
	DefaultMaxRetiredJobs       = 1200
	DefaultKeepalive            = 60.0
)

// BoardLocation maps one logical board coordinate to its physical identity.
type BoardLocation struct {
	coords.Logical  `yaml:",inline"`
	coords.Physical `yaml:",inline"`
}

// BMPAddress gives the hostname of the board management processor serving a
// (cabinet, frame) pair.
type BMPAddress struct {
	Cabinet int    `yaml:"cabinet" json:"cabinet"`
	Frame   int    `yaml:"frame" json:"frame"`
	Host    string `yaml:"host" json:"host"`
}

// BoardAddress gives the hostname of a board's own network interface.
type BoardAddress struct {
	coords.Logical `yaml:",inline"`
	Host           string `yaml:"host" json:"host"`
}

// Machine describes one physical cluster of boards.
type Machine struct {
	Name               string           `yaml:"name" json:"name"`
	Tags               []string         `yaml:"tags" json:"tags"`
	Width              int              `yaml:"width" json:"width"`
	Height             int              `yaml:"height" json:"height"`
	DeadBoards         []coords.Logical `yaml:"dead_boards" json:"dead_boards"`
	DeadLinks          []coords.DeadLink `yaml:"dead_links" json:"dead_links"`
	BoardLocations     []BoardLocation  `yaml:"board_locations" json:"board_locations"`
	BMPAddresses       []BMPAddress     `yaml:"bmp_addresses" json:"bmp_addresses"`
	SpiNNakerAddresses []BoardAddress   `yaml:"spinnaker_addresses" json:"spinnaker_addresses"`
}

// Configuration is the full daemon configuration.
type Configuration struct {
	IP                   string    `yaml:"ip" json:"ip"`
	Port                 int       `yaml:"port" json:"port"`
	TimeoutCheckInterval float64   `yaml:"timeout_check_interval" json:"timeout_check_interval"`
	MaxRetiredJobs       int       `yaml:"max_retired_jobs" json:"max_retired_jobs"`
	Machines             []Machine `yaml:"machines" json:"machines"`
}

// applyDefaults fills in absent parameters.
func (c *Configuration) applyDefaults() {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.TimeoutCheckInterval == 0 {
		c.TimeoutCheckInterval = DefaultTimeoutCheckInterval
	}
	if c.MaxRetiredJobs == 0 {
		c.MaxRetiredJobs = DefaultMaxRetiredJobs
	}
	for i := range c.Machines {
		if len(c.Machines[i].Tags) == 0 {
			c.Machines[i].Tags = []string{"default"}
		}
	}
}

// Validate checks the configuration for structural problems.
func (c *Configuration) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d", ErrInvalidParameter, c.Port)
	}
	if c.TimeoutCheckInterval <= 0 {
		return fmt.Errorf("%w: timeout_check_interval %v", ErrInvalidParameter, c.TimeoutCheckInterval)
	}
	if c.MaxRetiredJobs < 0 {
		return fmt.Errorf("%w: max_retired_jobs %d", ErrInvalidParameter, c.MaxRetiredJobs)
	}

	seen := make(map[string]struct{}, len(c.Machines))
	for i := range c.Machines {
		m := &c.Machines[i]
		if _, dup := seen[m.Name]; dup {
			return fmt.Errorf("%w: %q", ErrDuplicateMachine, m.Name)
		}
		seen[m.Name] = struct{}{}
		if err := m.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) validate() error {
	if m.Name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidMachine)
	}
	if m.Width <= 0 || m.Height <= 0 {
		return fmt.Errorf("%w: %q: dimensions %dx%d", ErrInvalidMachine, m.Name, m.Width, m.Height)
	}
	for _, b := range m.DeadBoards {
		if !m.inRange(b) {
			return fmt.Errorf("%w: %q: dead board (%d,%d,%d) outside machine",
				ErrInvalidMachine, m.Name, b.X, b.Y, b.Z)
		}
	}
	for _, l := range m.DeadLinks {
		if !m.inRange(coords.Logical{X: l.X, Y: l.Y, Z: l.Z}) || !l.Link.Valid() {
			return fmt.Errorf("%w: %q: dead link (%d,%d,%d,%v)",
				ErrInvalidMachine, m.Name, l.X, l.Y, l.Z, l.Link)
		}
	}
	for _, bl := range m.BoardLocations {
		if !m.inRange(bl.Logical) {
			return fmt.Errorf("%w: %q: board location (%d,%d,%d) outside machine",
				ErrInvalidMachine, m.Name, bl.Logical.X, bl.Logical.Y, bl.Logical.Z)
		}
	}
	return nil
}

func (m *Machine) inRange(l coords.Logical) bool {
	return l.X >= 0 && l.X < m.Width &&
		l.Y >= 0 && l.Y < m.Height &&
		l.Z >= 0 && l.Z < 3
}

// LocationOf returns the physical identity of a logical board, if known.
func (m *Machine) LocationOf(l coords.Logical) (coords.Physical, bool) {
	for _, bl := range m.BoardLocations {
		if bl.Logical == l {
			return bl.Physical, true
		}
	}
	return coords.Physical{}, false
}

// BoardAt returns the logical board at a physical position, if known.
func (m *Machine) BoardAt(p coords.Physical) (coords.Logical, bool) {
	for _, bl := range m.BoardLocations {
		if bl.Physical == p {
			return bl.Logical, true
		}
	}
	return coords.Logical{}, false
}

// AddressOf returns the network host of a logical board, if known.
func (m *Machine) AddressOf(l coords.Logical) (string, bool) {
	for _, ba := range m.SpiNNakerAddresses {
		if ba.Logical == l {
			return ba.Host, true
		}
	}
	return "", false
}

// IsDead reports whether a board is configured dead.
func (m *Machine) IsDead(l coords.Logical) bool {
	return slices.Contains(m.DeadBoards, l)
}

// HasTag reports whether the machine carries the given tag.
func (m *Machine) HasTag(tag string) bool {
	return slices.Contains(m.Tags, tag)
}

// Equal reports whether two machine descriptions are identical.
func (m *Machine) Equal(o *Machine) bool {
	return m.Name == o.Name &&
		m.Width == o.Width && m.Height == o.Height &&
		slices.Equal(m.Tags, o.Tags) &&
		slices.Equal(m.DeadBoards, o.DeadBoards) &&
		slices.Equal(m.DeadLinks, o.DeadLinks) &&
		slices.Equal(m.BoardLocations, o.BoardLocations) &&
		slices.Equal(m.BMPAddresses, o.BMPAddresses) &&
		slices.Equal(m.SpiNNakerAddresses, o.SpiNNakerAddresses)
}
