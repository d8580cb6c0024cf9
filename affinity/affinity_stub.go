// File: affinity/affinity_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build !linux

package affinity

import "errors"

func pinPlatform(int) error {
	return errors.New("affinity: not supported on this platform")
}
