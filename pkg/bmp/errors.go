// SPDX-License-Identifier: BSD-3-Clause

package bmp

import "errors"

var (
	// ErrStopped indicates a command was enqueued after Stop was requested.
	ErrStopped = errors.New("controller stopped")
	// ErrNilClient indicates the controller was created without a BMP client.
	ErrNilClient = errors.New("nil BMP client")
	// ErrHardware indicates a hardware call failed.
	ErrHardware = errors.New("hardware call failed")
)
