// SPDX-License-Identifier: BSD-3-Clause

// Package controller owns the job table of the daemon: it allocates boards
// to jobs, drives board power through the per-machine BMP controllers,
// enforces keepalive deadlines and accumulates the change sets the server
// fans out to subscribed clients.
//
// # Threading model
//
// All exported methods are called from the server's reactor goroutine. BMP
// completion callbacks run on BMP worker goroutines and never touch
// controller state directly; they post a closure to the controller's inbox,
// which the reactor drains and executes. A mutex still guards the internal
// state so tests and embedders can call into the controller from other
// goroutines.
//
// # Job lifecycle
//
// Jobs move through queued, power, ready and destroyed states, modelled as a
// per-job state machine. Allocation moves a job from queued to power and
// enqueues power-on commands for its boards; when every command has
// completed successfully the job becomes ready. A failed power change leaves
// the job in the power state with its power flag false; nothing retries.
// Destroyed jobs are retired: their records are kept for clients to inspect
// until the retired-job cap evicts them, after which their ids read as
// unknown.
package controller
