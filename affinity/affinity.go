// File: affinity/affinity.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Platform-neutral API for CPU affinity. Platform-specific implementations
// live in separate files guarded by build tags.

package affinity

import "runtime"

// Pin binds the calling OS thread to the given logical CPU. The caller must
// hold the thread with runtime.LockOSThread for the pin to be meaningful.
// On unsupported platforms Pin returns an error.
func Pin(cpuID int) error {
	return pinPlatform(cpuID)
}

// Spread maps a zero-based worker index onto the available CPUs.
func Spread(idx int) int {
	return idx % runtime.NumCPU()
}
