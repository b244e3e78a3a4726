// SPDX-License-Identifier: BSD-3-Clause

package controller

import "errors"

var (
	// ErrNoOwner indicates a job was created without an owner.
	ErrNoOwner = errors.New("job owner required")
	// ErrBadRequest indicates create_job arguments that make no sense.
	ErrBadRequest = errors.New("bad job request")
	// ErrUnknownMachine indicates a machine name outside the configuration.
	ErrUnknownMachine = errors.New("unknown machine")
	// ErrStopped indicates use of a controller after Stop.
	ErrStopped = errors.New("controller stopped")
	// ErrBadSnapshot indicates a state snapshot that cannot be decoded.
	ErrBadSnapshot = errors.New("bad state snapshot")
)

// Destruction reasons reported through get_job_state.
const (
	ReasonNoSuitableMachines = "Cancelled: No suitable machines available."
	ReasonTimedOut           = "Job timed out."
	ReasonMachineRemoved     = "Machine removed."
)
