//go:build !linux

// File: reactor/reactor_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub for platforms without a poller implementation.

package reactor

import "errors"

// NewPoller reports that this platform has no poller implementation.
func NewPoller() (Poller, error) {
	return nil, errors.New("reactor: platform not supported")
}
