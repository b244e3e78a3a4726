// SPDX-License-Identifier: BSD-3-Clause

// Package process adapts service.Service implementations into oversight
// child processes, converting panics into errors so a crashing service is
// restarted by its supervision tree rather than taking the daemon down.
package process
