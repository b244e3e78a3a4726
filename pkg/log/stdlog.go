// SPDX-License-Identifier: BSD-3-Clause

package log

import (
	"log"
	"log/slog"
)

// NewStdLoggerAt creates a standard library log.Logger that wraps the
// provided slog.Logger and logs every message at the given level, for
// third-party code that only accepts a log.Logger.
func NewStdLoggerAt(logger *slog.Logger, level slog.Level) *log.Logger {
	return slog.NewLogLogger(logger.Handler(), level)
}

// RedirectStdLog points the standard library log package at the provided
// slog.Logger at Info level, keeping log output structured even from code
// that writes through the global logger.
func RedirectStdLog(l *slog.Logger) {
	log.SetFlags(0)
	log.SetPrefix("")
	log.SetOutput(NewStdLoggerAt(l, slog.LevelInfo).Writer())
}
