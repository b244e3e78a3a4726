// SPDX-License-Identifier: BSD-3-Clause

package controller

import (
	"log/slog"

	"github.com/spalloc/spallocd/pkg/bmp"
	"github.com/spalloc/spallocd/pkg/config"
	"github.com/spalloc/spallocd/pkg/log"
)

// ClientFactory builds the BMP client used to reach one machine's hardware.
type ClientFactory func(m *config.Machine) bmp.Client

type ctrlConfig struct {
	logger         *slog.Logger
	clientFactory  ClientFactory
	maxRetiredJobs int
	inboxDepth     int
}

// Option represents a configuration option for the controller.
type Option interface {
	apply(*ctrlConfig)
}

type loggerOption struct {
	logger *slog.Logger
}

func (o *loggerOption) apply(c *ctrlConfig) {
	c.logger = o.logger
}

// WithLogger sets the structured logger used by the controller.
func WithLogger(logger *slog.Logger) Option {
	return &loggerOption{logger: logger}
}

type clientFactoryOption struct {
	factory ClientFactory
}

func (o *clientFactoryOption) apply(c *ctrlConfig) {
	c.clientFactory = o.factory
}

// WithClientFactory sets the factory used to build a BMP client whenever a
// machine is added to the configuration. Tests use this to substitute mock
// hardware.
func WithClientFactory(factory ClientFactory) Option {
	return &clientFactoryOption{factory: factory}
}

type maxRetiredJobsOption struct {
	n int
}

func (o *maxRetiredJobsOption) apply(c *ctrlConfig) {
	c.maxRetiredJobs = o.n
}

// WithMaxRetiredJobs sets the initial cap on retained destroyed jobs.
func WithMaxRetiredJobs(n int) Option {
	return &maxRetiredJobsOption{n: n}
}

func defaultCtrlConfig() *ctrlConfig {
	return &ctrlConfig{
		logger:         log.GetGlobalLogger(),
		clientFactory:  func(m *config.Machine) bmp.Client { return bmp.NewNopClient() },
		maxRetiredJobs: config.DefaultMaxRetiredJobs,
		inboxDepth:     256,
	}
}
