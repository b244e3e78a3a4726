// SPDX-License-Identifier: BSD-3-Clause

// Package log provides structured logging functionality with multi-target output
// support for console and OpenTelemetry observability. The package integrates
// multiple logging libraries to provide a unified interface that outputs
// human-readable logs to the console while simultaneously sending structured
// telemetry data to OpenTelemetry.
//
// The package is built around Go's standard library slog package and provides
// adapters for the oversight process supervisor and for third-party code that
// expects a standard library log.Logger. This keeps structured logging
// consistent across all components of the daemon.
//
// # Basic Usage
//
// Creating and using the default logger:
//
//	logger := log.NewDefaultLogger()
//	logger.Info("daemon starting", "version", "1.0.0", "config", "/etc/spalloc/spalloc.yaml")
//	logger.Debug("debug information", "module", "bmp", "queue_depth", 5)
//	logger.Error("operation failed", "error", err, "operation", "power_on")
//
// Quiet mode restricts console output while keeping telemetry complete:
//
//	logger := log.NewLoggerAt(slog.LevelWarn)
//
// # Thread Safety
//
// All logger instances are safe for concurrent use from multiple goroutines.
// The underlying slog and zerolog implementations handle concurrent access
// appropriately.
package log
