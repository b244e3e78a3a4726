// SPDX-License-Identifier: BSD-3-Clause

package allocsrv

import (
	"log/slog"

	"github.com/spalloc/spallocd/pkg/controller"
	"github.com/spalloc/spallocd/pkg/log"
	"github.com/spalloc/spallocd/pkg/version"
)

type srvConfig struct {
	name          string
	configPath    string
	coldStart     bool
	logger        *slog.Logger
	version       string
	clientFactory controller.ClientFactory
}

// Option represents a configuration option for the server.
type Option interface {
	apply(*srvConfig)
}

type configPathOption struct {
	path string
}

func (o *configPathOption) apply(c *srvConfig) {
	c.configPath = o.path
}

// WithConfigPath sets the path of the configuration file. Required.
func WithConfigPath(path string) Option {
	return &configPathOption{path: path}
}

type coldStartOption struct {
	cold bool
}

func (o *coldStartOption) apply(c *srvConfig) {
	c.coldStart = o.cold
}

// WithColdStart discards any existing state file on startup.
func WithColdStart(cold bool) Option {
	return &coldStartOption{cold: cold}
}

type loggerOption struct {
	logger *slog.Logger
}

func (o *loggerOption) apply(c *srvConfig) {
	c.logger = o.logger
}

// WithLogger sets the structured logger used by the server.
func WithLogger(logger *slog.Logger) Option {
	return &loggerOption{logger: logger}
}

type clientFactoryOption struct {
	factory controller.ClientFactory
}

func (o *clientFactoryOption) apply(c *srvConfig) {
	c.clientFactory = o.factory
}

// WithClientFactory sets the factory for per-machine BMP clients. Tests use
// this to substitute mock hardware.
func WithClientFactory(factory controller.ClientFactory) Option {
	return &clientFactoryOption{factory: factory}
}

type versionOption struct {
	version string
}

func (o *versionOption) apply(c *srvConfig) {
	c.version = o.version
}

// WithVersion overrides the version string reported to clients and used to
// tag the state file.
func WithVersion(v string) Option {
	return &versionOption{version: v}
}

func defaultSrvConfig() *srvConfig {
	return &srvConfig{
		name:    "allocsrv",
		logger:  log.GetGlobalLogger(),
		version: version.Version,
	}
}
