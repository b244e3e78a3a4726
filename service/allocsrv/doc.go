// SPDX-License-Identifier: BSD-3-Clause

// Package allocsrv implements the board-allocation daemon's client-facing
// service: a TCP server speaking a line-delimited JSON protocol, built
// around a single reactor goroutine that owns every piece of server state.
//
// # Protocol
//
// Each direction of a connection is a stream of UTF-8 JSON objects, one per
// line. Clients send {"command": ..., "args": [...], "kwargs": {...}};
// the server answers each command, in order, with {"return": value}.
// Interleaved with returns, subscribed clients receive notification objects
// {"jobs_changed": [...]} and {"machines_changed": [...]}. Any malformed
// line, unknown command or handler error disconnects the offending client;
// nothing is reported back to it.
//
// # Reactor
//
// An acceptor goroutine and one reader goroutine per connection feed
// channels; the reactor goroutine selects across new connections, complete
// request lines, connection closures, BMP completion callbacks, the
// configuration file watch and a periodic tick. All session registration,
// dispatch, controller mutation and notification fan-out happen on the
// reactor goroutine, so the server needs no further synchronisation.
//
// # Configuration reload
//
// The configuration file is watched; each successful re-read passes the
// machine list and parameters to the controller with minimal disruption.
// The listening socket is recreated only when the (ip, port) identity
// changes; client connections are never disturbed by a reload. A failed
// re-read keeps the previous configuration.
//
// # State
//
// On shutdown the controller state is written to a versioned sidecar file
// next to the configuration file; a later warm start restores it. Corrupt
// or missing state files produce a cold start.
package allocsrv
