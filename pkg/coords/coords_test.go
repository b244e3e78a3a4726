// SPDX-License-Identifier: BSD-3-Clause

package coords

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinkFPGARegisterMapping(t *testing.T) {
	tests := []struct {
		link Link
		fpga FPGA
		addr uint32
	}{
		{LinkEast, 0, 0x0000005C},
		{LinkSouth, 0, 0x0001005C},
		{LinkSouthWest, 1, 0x0000005C},
		{LinkWest, 1, 0x0001005C},
		{LinkNorth, 2, 0x0000005C},
		{LinkNorthEast, 2, 0x0001005C},
	}
	for _, tt := range tests {
		t.Run(tt.link.String(), func(t *testing.T) {
			fpga, addr, err := tt.link.FPGARegister()
			require.NoError(t, err)
			assert.Equal(t, tt.fpga, fpga)
			assert.Equal(t, tt.addr, addr)
		})
	}

	_, _, err := Link(17).FPGARegister()
	assert.ErrorIs(t, err, ErrUnknownLink)
}

func TestLinkStopValue(t *testing.T) {
	assert.Equal(t, uint32(0), LinkStopValue(true))
	assert.Equal(t, uint32(1), LinkStopValue(false))
}

func TestParseLinkRoundTrip(t *testing.T) {
	for _, l := range []Link{LinkEast, LinkNorthEast, LinkNorth, LinkWest, LinkSouthWest, LinkSouth} {
		parsed, err := ParseLink(l.String())
		require.NoError(t, err)
		assert.Equal(t, l, parsed)
	}

	_, err := ParseLink("north_west")
	assert.ErrorIs(t, err, ErrUnknownLink)
}

func TestBoardToChip(t *testing.T) {
	assert.Equal(t, Chip{0, 0}, BoardToChip(Logical{0, 0, 0}))
	assert.Equal(t, Chip{8, 4}, BoardToChip(Logical{0, 0, 1}))
	assert.Equal(t, Chip{4, 8}, BoardToChip(Logical{0, 0, 2}))
	assert.Equal(t, Chip{32, 16}, BoardToChip(Logical{2, 1, 1}))
}

func TestChipToBoard(t *testing.T) {
	// On a 1x2 triad machine, chip (5, 9) lands on the z=2 board of the
	// origin triad at board-local (1, 1).
	board, boardChip, ok := ChipToBoard(Chip{5, 9}, 1, 2)
	require.True(t, ok)
	assert.Equal(t, Logical{0, 0, 2}, board)
	assert.Equal(t, Chip{1, 1}, boardChip)

	board, boardChip, ok = ChipToBoard(Chip{0, 0}, 1, 2)
	require.True(t, ok)
	assert.Equal(t, Logical{0, 0, 0}, board)
	assert.Equal(t, Chip{0, 0}, boardChip)

	// Round trip: the origin chip of every board maps back to that board.
	for x := range 3 {
		for y := range 4 {
			for z := range 3 {
				l := Logical{x, y, z}
				chip := BoardToChip(l)
				got, gotChip, ok := ChipToBoard(chip, 3, 4)
				require.True(t, ok)
				assert.Equal(t, l, got)
				assert.Equal(t, Chip{0, 0}, gotChip)
			}
		}
	}
}

func TestChipToBoardWraps(t *testing.T) {
	// Negative and out-of-range chips wrap onto the machine.
	board, _, ok := ChipToBoard(Chip{-7, -3}, 1, 2)
	require.True(t, ok)
	assert.Equal(t, Logical{0, 1, 2}, board)
}

func TestWrapChip(t *testing.T) {
	assert.Equal(t, Chip{5, 9}, WrapChip(Chip{5, 9}, 1, 2))
	assert.Equal(t, Chip{5, 9}, WrapChip(Chip{17, 33}, 1, 2))
	assert.Equal(t, Chip{11, 23}, WrapChip(Chip{-1, -1}, 1, 2))
}
