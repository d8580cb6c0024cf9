// File: api/events.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection lifecycle callbacks. Events for one connection are serialized
// and ordered with respect to its I/O; listeners run on the worker
// goroutine owning the connection and must not block.

package api

// ConnectionEventListener observes one connection's lifecycle.
type ConnectionEventListener interface {
	// OnConnect fires once the connection reaches the open state.
	OnConnect()

	// OnEOF fires when the peer shuts down its write side. An asynchronous
	// close follows.
	OnEOF()

	// OnError fires on a protocol or I/O fault. An asynchronous close
	// follows; err carries the fault.
	OnError(err error)

	// OnClose fires exactly once when the connection reaches the closed
	// state. err is nil for a clean close.
	OnClose(err error)
}

// NopConnectionListener is an embeddable no-op listener base.
type NopConnectionListener struct{}

func (NopConnectionListener) OnConnect()        {}
func (NopConnectionListener) OnEOF()            {}
func (NopConnectionListener) OnError(err error) {}
func (NopConnectionListener) OnClose(err error) {}

// WriteCallback is invoked on the worker goroutine when a queued write has
// been fully handed to the kernel (err nil) or cancelled (err non-nil,
// typically ErrConnClosed). A nil callback is permitted.
type WriteCallback func(err error)
