// SPDX-License-Identifier: BSD-3-Clause

package bmp

import "github.com/spalloc/spallocd/pkg/coords"

// Client is the blocking interface to the board management processors of one
// machine. Both calls block until the hardware has acted and may fail with an
// I/O-class error. Implementations need not be safe for concurrent use; the
// controller issues at most one call at a time.
type Client interface {
	// SetPower switches every listed board to the given power state in a
	// single operation.
	SetPower(on bool, boards []int) error

	// WriteFPGARegister writes a word to a control register of one of the
	// three link FPGAs on the given board.
	WriteFPGARegister(fpga coords.FPGA, addr uint32, value uint32, board int) error

	// Close releases the connection to the machine.
	Close() error
}
