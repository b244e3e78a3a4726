// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import "errors"

var (
	// ErrNoConfigFile indicates the server was created without a
	// configuration file path.
	ErrNoConfigFile = errors.New("configuration file required")
	// ErrInitialConfig indicates the initial configuration read failed;
	// this is fatal at startup, unlike reload failures.
	ErrInitialConfig = errors.New("initial configuration read failed")
	// ErrListen indicates the listening socket could not be opened.
	ErrListen = errors.New("failed to open listening socket")
	// ErrUnknownCommand indicates a command outside the dispatch table.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrBadArguments indicates command arguments that fail coercion.
	ErrBadArguments = errors.New("bad command arguments")
	// ErrAlreadyRunning indicates a second Run on the same server.
	ErrAlreadyRunning = errors.New("server already running")
)
