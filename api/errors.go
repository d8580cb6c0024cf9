// File: api/errors.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Sentinel errors shared across the transport core, one per fault class.
// Programmer faults (invariant violations) panic instead and are not
// represented here.

package api

import "errors"

var (
	// ErrManagerShutdown is returned by factory calls after Shutdown.
	ErrManagerShutdown = errors.New("connection manager shut down")

	// ErrConnClosed is returned when operating on a closed connection and
	// carried by the completions of writes cancelled by a close.
	ErrConnClosed = errors.New("connection closed")

	// ErrListenerClosed is returned by listener operations after Stop.
	ErrListenerClosed = errors.New("listener closed")

	// ErrPoolExhausted is the resource fault reported when the block pool
	// cannot supply another block within its cap.
	ErrPoolExhausted = errors.New("block pool exhausted")

	// ErrPoolClosed is returned by pool acquisition after Close.
	ErrPoolClosed = errors.New("block pool closed")

	// ErrProtocolFault is the base error for wire-level violations: bad
	// magic or version, checksum mismatch, oversize payload, broken
	// fragment sequence. A protocol fault closes its connection.
	ErrProtocolFault = errors.New("wire protocol fault")

	// ErrConnectTimeout is reported when an outbound connect does not
	// complete within the configured timeout.
	ErrConnectTimeout = errors.New("connect timed out")
)
