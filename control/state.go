// File: control/state.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Pull-based observability snapshot. The manager assembles a State on
// demand; nothing here is live.

package control

// ConnSummary describes one connection at snapshot time.
type ConnSummary struct {
	RemoteAddr string
	State      string
	BytesIn    int64
	BytesOut   int64
	QueueDepth int
}

// WorkerSummary describes one I/O worker at snapshot time.
type WorkerSummary struct {
	Index       int
	Connections int
}

// State is a point-in-time snapshot of the transport core.
type State struct {
	Connections []ConnSummary
	Listeners   []string
	Workers     []WorkerSummary

	// Pool accounting at snapshot time.
	BuffersCached     int
	BuffersReferenced int

	// BufferManager is the Go type name of the configured buffer-manager
	// factory, empty when raw.
	BufferManager string
}
