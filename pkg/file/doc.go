// SPDX-License-Identifier: BSD-3-Clause

// Package file provides atomic file operations for safe and reliable file
// system interactions. It implements the common pattern of writing to a
// temporary file in the target directory and then atomically renaming it
// over the target, so other processes never observe a partially written
// file and a crash mid-write leaves the previous file intact.
//
// The daemon uses this for its state snapshot: the snapshot is either the
// complete previous state or the complete new state, never a truncated
// in-between that a later warm start would mistake for corruption.
package file
