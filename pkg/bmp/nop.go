// SPDX-License-Identifier: BSD-3-Clause

package bmp

import "github.com/spalloc/spallocd/pkg/coords"

// NopClient is a Client that acknowledges every command without touching any
// hardware. It stands in for the real BMP transport in deployments that run
// the daemon against simulated machines, and in tests.
type NopClient struct{}

// NewNopClient creates a no-op BMP client.
func NewNopClient() *NopClient {
	return &NopClient{}
}

// SetPower acknowledges the power change.
func (c *NopClient) SetPower(on bool, boards []int) error {
	return nil
}

// WriteFPGARegister acknowledges the register write.
func (c *NopClient) WriteFPGARegister(fpga coords.FPGA, addr uint32, value uint32, board int) error {
	return nil
}

// Close releases nothing.
func (c *NopClient) Close() error {
	return nil
}
