// File: api/adaptor.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Contracts between the connection layer and the protocol layer. The
// connection owns the socket and the read blocks; the adaptor owns frame
// reassembly; the sink owns dispatched messages.

package api

import "github.com/momentics/hioload-net/buffer"

// ProtocolAdaptor consumes raw bytes read off a connection's socket, in
// arrival order. Consume takes ownership of the block and must release it
// once its bytes are no longer needed. A returned error is treated as a
// protocol fault and closes the connection.
type ProtocolAdaptor interface {
	Consume(blk *buffer.Block) error

	// Reset discards any partially assembled state, releasing its blocks.
	// Called when the owning connection closes.
	Reset()
}

// MessageWriter is the sending face of a connection, handed to adaptor
// factories so sinks can respond on the connection that received a
// message.
type MessageWriter interface {
	SendMessage(msgType byte, session uint64, body buffer.Chain, done WriteCallback) error
}

// AdaptorFactory produces a fresh protocol adaptor for each accepted
// connection. w writes to that connection.
type AdaptorFactory func(w MessageWriter) ProtocolAdaptor

// MessageSink receives logical messages assembled by a protocol adaptor,
// on the reactor worker goroutine owning the connection. The sink takes
// ownership of the payload chain and must release its blocks. Sinks must
// not block.
type MessageSink interface {
	OnMessage(msgType byte, session uint64, payload buffer.Chain)
}

// MessageSinkFunc adapts a function to the MessageSink interface.
type MessageSinkFunc func(msgType byte, session uint64, payload buffer.Chain)

// OnMessage implements MessageSink.
func (f MessageSinkFunc) OnMessage(msgType byte, session uint64, payload buffer.Chain) {
	f(msgType, session, payload)
}

// BufferManager is an optional transform layer between a connection's block
// chains and the raw socket, e.g. a TLS record layer. Wrapped chains
// replace the originals on the respective path.
type BufferManager interface {
	// WrapWrite transforms an outgoing chain before it is queued on the
	// socket. The implementation takes ownership of in and the caller of
	// the returned chain.
	WrapWrite(in buffer.Chain) (buffer.Chain, error)

	// WrapRead transforms bytes read from the socket before they reach the
	// protocol adaptor.
	WrapRead(in buffer.Chain) (buffer.Chain, error)
}

// BufferManagerFactory produces a buffer manager per connection. A nil
// factory means raw pass-through I/O.
type BufferManagerFactory func() BufferManager
