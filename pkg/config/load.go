// SPDX-License-Identifier: BSD-3-Clause

package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// document is the expected shape of the on-disk file: a single top-level
// `configuration` mapping.
type document struct {
	Configuration *Configuration `yaml:"configuration"`
}

// Load reads, decodes and validates a configuration file. It either returns
// a complete configuration with defaults applied, or an error and no
// configuration at all; a partially decoded document is never returned.
func Load(path string) (*Configuration, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	return Parse(raw)
}

// Parse decodes and validates a configuration document held in memory.
func Parse(raw []byte) (*Configuration, error) {
	var doc document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidDocument, err)
	}
	if doc.Configuration == nil {
		return nil, ErrNoConfiguration
	}

	cfg := doc.Configuration
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
