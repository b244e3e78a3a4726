// SPDX-License-Identifier: BSD-3-Clause

package bmp

import (
	"log/slog"

	"github.com/spalloc/spallocd/pkg/log"
)

type config struct {
	name          string
	logger        *slog.Logger
	onWorkerStart func()
}

// Option represents a configuration option for the controller.
type Option interface {
	apply(*config)
}

type nameOption struct {
	name string
}

func (o *nameOption) apply(c *config) {
	c.name = o.name
}

// WithName sets the name used in log records and metric attributes,
// conventionally the machine name.
func WithName(name string) Option {
	return &nameOption{name: name}
}

type loggerOption struct {
	logger *slog.Logger
}

func (o *loggerOption) apply(c *config) {
	c.logger = o.logger
}

// WithLogger sets the structured logger used by the controller.
func WithLogger(logger *slog.Logger) Option {
	return &loggerOption{logger: logger}
}

type onWorkerStartOption struct {
	hook func()
}

func (o *onWorkerStartOption) apply(c *config) {
	c.onWorkerStart = o.hook
}

// WithOnWorkerStart sets a hook invoked exactly once when the worker
// goroutine starts, before any command is dequeued.
func WithOnWorkerStart(hook func()) Option {
	return &onWorkerStartOption{hook: hook}
}

func defaultConfig() *config {
	return &config{
		name:   "bmp",
		logger: log.GetGlobalLogger(),
	}
}
