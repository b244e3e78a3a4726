// SPDX-License-Identifier: BSD-3-Clause

package coords

import "errors"

var (
	// ErrUnknownLink indicates a link direction outside the six known ones.
	ErrUnknownLink = errors.New("unknown link direction")
	// ErrUnknownBoard indicates a board coordinate outside the machine.
	ErrUnknownBoard = errors.New("unknown board")
)
