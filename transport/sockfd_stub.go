//go:build !linux

// File: transport/sockfd_stub.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Stub socket layer for platforms without an implementation.

package transport

import "errors"

var errPlatform = errors.New("transport: platform not supported")

func dialSocket(addr string) (int, bool, error) { return -1, false, errPlatform }

func listenSocket(addr string, backlog int, reuse bool) (int, string, error) {
	return -1, "", errPlatform
}

func acceptSocket(lfd int) (int, string, error) { return -1, "", errPlatform }

func sockRead(fd int, p []byte) (int, error) { return 0, errPlatform }

func sockWritev(fd int, v [][]byte) (int, error) { return 0, errPlatform }

func sockPendingError(fd int) error { return errPlatform }

func closeFD(fd int) error { return errPlatform }
