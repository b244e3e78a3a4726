// SPDX-License-Identifier: BSD-3-Clause

// Package bmp provides an asynchronous controller for the board management
// processors of a single machine. The BMP client primitives are slow and
// blocking; the controller presents a non-blocking enqueue API and serialises
// all hardware access onto a single background worker.
//
// # Command queues
//
// The controller keeps two queues. Power commands are grouped: a power
// request enqueued while the tail group has the same target state joins that
// group, and the whole group is flushed to the hardware as one call. Link
// control commands queue individually. The power queue has strict priority
// over the link queue, and enqueuing a power command for a board cancels any
// pending link commands for that board, because changing board power
// invalidates the FPGA state those commands would touch.
//
// # Completions
//
// Every enqueued command yields a Completion, a one-shot boolean outcome that
// can be waited on or observed through callbacks. Each completion fires
// exactly once; hardware failures fire every completion attached to the
// failed call with a false outcome and the worker carries on. There are no
// retries at this layer.
//
// # Transactions
//
// A caller that needs several commands treated as one batch runs them inside
// Transaction. The transaction holds the worker's own mutex, so no command is
// dequeued while the batch is being built and power merging spans the whole
// batch.
//
// # Shutdown
//
// Stop requests shutdown; commands already enqueued drain first, then the
// worker exits and Join returns. Commands enqueued after Stop complete
// immediately with a false outcome.
package bmp
