// SPDX-License-Identifier: BSD-3-Clause

package log

import "errors"

var (
	// ErrLoggerInitialization indicates a failure during logger initialization.
	ErrLoggerInitialization = errors.New("failed to initialize logger")
	// ErrLoggerConfiguration indicates an invalid logger configuration.
	ErrLoggerConfiguration = errors.New("invalid logger configuration")
	// ErrOversightLogger indicates a failure in the oversight logger adapter.
	ErrOversightLogger = errors.New("oversight logger adapter error")
	// ErrLogLevel indicates an invalid log level configuration.
	ErrLogLevel = errors.New("invalid log level")
)
