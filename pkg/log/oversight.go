// SPDX-License-Identifier: BSD-3-Clause

package log

import (
	"fmt"
	"log/slog"

	"cirello.io/oversight/v2"
)

// NewOversightLogger creates an oversight.Logger that wraps the provided
// slog.Logger, so supervision tree events share the daemon's structured log
// stream. Oversight messages are logged at the Debug level with the prefix
// "oversight".
func NewOversightLogger(l *slog.Logger) oversight.Logger {
	return func(args ...any) {
		l.Debug("oversight", "msg", fmt.Sprint(args...))
	}
}
