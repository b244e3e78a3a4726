// SPDX-License-Identifier: BSD-3-Clause

// Package version carries the daemon version reported to clients and used
// to tag the on-disk state file.
package version

// Version is the daemon semantic version.
const Version = "1.0.0"
