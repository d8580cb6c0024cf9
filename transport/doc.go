// File: transport/doc.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

// Package transport implements the connection layer: non-blocking TCP
// connections and listeners multiplexed over a small pool of I/O workers,
// with FIFO framed writes and back-pressured reads, all owned by a
// Manager.
package transport
