// SPDX-License-Identifier: BSD-3-Clause

package config

import "errors"

var (
	// ErrNoConfiguration indicates the document has no `configuration` mapping.
	ErrNoConfiguration = errors.New("no configuration produced")
	// ErrInvalidDocument indicates the file is not valid YAML.
	ErrInvalidDocument = errors.New("invalid configuration document")
	// ErrInvalidMachine indicates a machine entry failed validation.
	ErrInvalidMachine = errors.New("invalid machine")
	// ErrDuplicateMachine indicates two machines share a name.
	ErrDuplicateMachine = errors.New("duplicate machine name")
	// ErrInvalidParameter indicates a top-level parameter is out of range.
	ErrInvalidParameter = errors.New("invalid configuration parameter")
)
