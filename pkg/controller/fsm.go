// SPDX-License-Identifier: BSD-3-Clause

package controller

import "github.com/qmuntal/stateless"

// JobState enumerates the externally visible job states. The numeric values
// are part of the wire protocol.
type JobState int

const (
	JobStateUnknown JobState = iota
	JobStateQueued
	JobStatePower
	JobStateReady
	JobStateDestroyed
)

func (s JobState) String() string {
	switch s {
	case JobStateQueued:
		return "queued"
	case JobStatePower:
		return "power"
	case JobStateReady:
		return "ready"
	case JobStateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Triggers of the per-job state machine.
const (
	triggerAllocate = "allocate"
	triggerPowered  = "powered"
	triggerRepower  = "repower"
	triggerDestroy  = "destroy"
)

// newJobStateMachine builds the lifecycle machine for one job, starting in
// the given state (queued for fresh jobs, anything for restored ones).
func newJobStateMachine(initial JobState) *stateless.StateMachine {
	sm := stateless.NewStateMachine(initial)

	sm.Configure(JobStateQueued).
		Permit(triggerAllocate, JobStatePower).
		Permit(triggerDestroy, JobStateDestroyed)

	sm.Configure(JobStatePower).
		Permit(triggerPowered, JobStateReady).
		PermitReentry(triggerRepower).
		Permit(triggerDestroy, JobStateDestroyed)

	sm.Configure(JobStateReady).
		Permit(triggerRepower, JobStatePower).
		Permit(triggerDestroy, JobStateDestroyed)

	sm.Configure(JobStateDestroyed)

	return sm
}
