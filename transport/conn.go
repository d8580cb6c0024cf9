// File: transport/conn.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// One TCP connection: a non-blocking socket, a FIFO send queue drained by
// scatter-gather writes, and a receive path feeding the protocol adaptor.
// All I/O for a connection happens on its worker goroutine; application
// goroutines only enqueue, observe, and close.

package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eapache/queue"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/buffer"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/protocol"
	"github.com/momentics/hioload-net/reactor"
)

// errWouldBlock is the internal marker for a drained or full socket
// buffer. It never escapes the transport package.
var errWouldBlock = errors.New("transport: operation would block")

// ConnState is a connection's lifecycle phase.
type ConnState int32

const (
	StateInit ConnState = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

type pendingWrite struct {
	wire buffer.Chain
	done api.WriteCallback
}

// connRegistry is the manager's narrow face toward its connections; it
// keeps the conn/manager reference cycle one-directional.
type connRegistry interface {
	removeConn(c *Conn)
}

// Conn is one transport connection. Writes are strictly FIFO on the wire;
// received messages are dispatched to the protocol adaptor in arrival
// order on the owning worker goroutine.
type Conn struct {
	worker   *worker
	pool     *pool.BlockPool
	adaptor  api.ProtocolAdaptor
	bufmgr   api.BufferManager
	log      api.Logger
	registry connRegistry

	connectTimeout time.Duration

	mu        sync.Mutex
	fd        int
	remote    string
	state     ConnState
	sendq     *queue.Queue
	stalled   bool
	draining  bool
	listeners []api.ConnectionEventListener

	connectTimer *time.Timer

	openErr    error
	openedOnce sync.Once
	opened     chan struct{}
	closedOnce sync.Once
	closed     chan struct{}

	bytesIn  atomic.Int64
	bytesOut atomic.Int64
}

func newConn(w *worker, p *pool.BlockPool, adaptor api.ProtocolAdaptor, bufmgr api.BufferManager,
	log api.Logger, reg connRegistry, connectTimeout time.Duration) *Conn {
	return &Conn{
		worker:         w,
		pool:           p,
		adaptor:        adaptor,
		bufmgr:         bufmgr,
		log:            log,
		registry:       reg,
		connectTimeout: connectTimeout,
		fd:             -1,
		state:          StateInit,
		sendq:          queue.New(),
		opened:         make(chan struct{}),
		closed:         make(chan struct{}),
	}
}

// adoptAccepted binds an already-established socket (from accept) to the
// connection and arms it for reading. Called by the listener.
func (c *Conn) adoptAccepted(fd int, remote string) error {
	c.mu.Lock()
	c.fd = fd
	c.remote = remote
	c.state = StateOpen
	c.mu.Unlock()
	// arm interest only after OnConnect so no I/O event precedes it
	if err := c.worker.attach(fd, c, 0); err != nil {
		c.closeNow(err)
		return err
	}
	c.markOpened(nil)
	c.fireConnect()
	c.mu.Lock()
	c.updateInterestLocked()
	c.mu.Unlock()
	return nil
}

// RemoteAddr returns the peer address, empty before connect.
func (c *Conn) RemoteAddr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remote
}

// State returns the connection's current lifecycle phase.
func (c *Conn) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// BytesIn returns the number of payload-path bytes read off the socket.
func (c *Conn) BytesIn() int64 { return c.bytesIn.Load() }

// BytesOut returns the number of bytes handed to the kernel.
func (c *Conn) BytesOut() int64 { return c.bytesOut.Load() }

// QueueDepth returns the number of writes waiting on the send queue.
func (c *Conn) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sendq.Length()
}

// Closed returns a channel that is closed once the connection reaches the
// closed state.
func (c *Conn) Closed() <-chan struct{} { return c.closed }

// AddListener registers a lifecycle listener. Listeners added before the
// connection opens see every event.
func (c *Conn) AddListener(l api.ConnectionEventListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

// Connect establishes the connection to addr. It blocks until the
// connection is open, the configured connect timeout fires, or ctx is
// done. Connect may be called once, on a connection in the initial state.
func (c *Conn) Connect(ctx context.Context, addr string) error {
	c.mu.Lock()
	if c.state != StateInit {
		st := c.state
		c.mu.Unlock()
		if st == StateClosed {
			return api.ErrConnClosed
		}
		return fmt.Errorf("transport: connect on %s connection", st)
	}
	c.state = StateConnecting
	c.remote = addr
	c.mu.Unlock()

	fd, inProgress, err := dialSocket(addr)
	if err != nil {
		c.closeNow(err)
		return err
	}
	c.mu.Lock()
	c.fd = fd
	if c.connectTimeout >= 0 {
		c.connectTimer = time.AfterFunc(c.connectTimeout, c.connectExpired)
	}
	c.mu.Unlock()

	if err := c.worker.attach(fd, c, reactor.InterestWrite); err != nil {
		c.closeNow(err)
		return err
	}
	if !inProgress {
		c.finishConnect()
	}

	select {
	case <-c.opened:
		return c.openErr
	case <-ctx.Done():
		c.closeNow(ctx.Err())
		return ctx.Err()
	}
}

func (c *Conn) connectExpired() {
	c.mu.Lock()
	expired := c.state == StateConnecting
	c.mu.Unlock()
	if expired {
		c.fireError(api.ErrConnectTimeout)
		c.closeNow(api.ErrConnectTimeout)
	}
}

func (c *Conn) finishConnect() {
	if err := sockPendingError(c.fd); err != nil {
		c.fireError(err)
		c.closeNow(err)
		return
	}
	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = StateOpen
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	c.updateInterestLocked()
	c.mu.Unlock()
	c.markOpened(nil)
	c.fireConnect()
}

// Send enqueues a readable chain for transmission. The connection takes
// ownership of the chain and releases it after the kernel has accepted all
// of its bytes; done then fires on the worker goroutine. On error the
// chain stays owned by the caller.
func (c *Conn) Send(wire buffer.Chain, done api.WriteCallback) error {
	c.mu.Lock()
	switch c.state {
	case StateClosing, StateClosed:
		c.mu.Unlock()
		return api.ErrConnClosed
	}
	c.sendq.Add(&pendingWrite{wire: wire, done: done})
	c.updateInterestLocked()
	c.mu.Unlock()
	return nil
}

// SendMessage frames body as a logical message and enqueues the wire form.
// The body chain stays owned by the caller until done fires; the framing
// blocks are pooled and released internally.
func (c *Conn) SendMessage(msgType byte, session uint64, body buffer.Chain, done api.WriteCallback) error {
	wire := protocol.Pack(msgType, session, body, c.pool)
	if c.bufmgr != nil {
		wrapped, err := c.bufmgr.WrapWrite(wire)
		if err != nil {
			return err
		}
		wire = wrapped
	}
	if err := c.Send(wire, done); err != nil {
		wire.Release()
		return err
	}
	return nil
}

// interestLocked derives the poller interest from the connection state.
func (c *Conn) interestLocked() reactor.Interest {
	var interest reactor.Interest
	switch c.state {
	case StateConnecting:
		interest = reactor.InterestWrite
	case StateOpen:
		if !c.stalled {
			interest = reactor.InterestRead
		}
		if c.sendq.Length() > 0 {
			interest |= reactor.InterestWrite
		}
	case StateClosing:
		if c.sendq.Length() > 0 {
			interest = reactor.InterestWrite
		}
	}
	return interest
}

func (c *Conn) updateInterestLocked() {
	if c.fd >= 0 && c.state != StateClosed && c.state != StateInit {
		_ = c.worker.modify(c.fd, c.interestLocked())
	}
}

// onReady is the worker's event entry point.
func (c *Conn) onReady(ev reactor.Event) {
	if ev.Err {
		err := sockPendingError(c.fd)
		if err == nil {
			err = io.ErrClosedPipe
		}
		c.fireError(err)
		c.closeNow(err)
		return
	}
	c.mu.Lock()
	st := c.state
	c.mu.Unlock()
	if st == StateConnecting {
		if ev.Ready.Writable() {
			c.finishConnect()
		}
		return
	}
	if ev.Ready.Readable() {
		c.readReady()
	}
	if ev.Ready.Writable() {
		c.writeReady()
	}
}

// readReady drains the socket into pooled blocks until it would block, the
// pool pushes back, or the connection leaves the open state.
func (c *Conn) readReady() {
	for {
		c.mu.Lock()
		if c.state != StateOpen {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		blk, err := c.pool.TryAcquire()
		if err != nil {
			if errors.Is(err, api.ErrPoolExhausted) {
				c.stallReads()
				return
			}
			c.fireError(err)
			c.closeNow(err)
			return
		}

		n, err := sockRead(c.fd, blk.Bytes())
		switch {
		case err == errWouldBlock:
			blk.Release()
			return
		case err == io.EOF:
			blk.Release()
			c.fireEOF()
			c.closeNow(nil)
			return
		case err != nil:
			blk.Release()
			c.fireError(err)
			c.closeNow(err)
			return
		}
		blk.Advance(n)
		blk.Flip()
		c.bytesIn.Add(int64(n))
		if !c.deliver(blk) {
			return
		}
	}
}

// deliver hands one read block through the optional buffer manager to the
// protocol adaptor. A protocol fault tears the connection down.
func (c *Conn) deliver(blk *buffer.Block) bool {
	in := buffer.Chain{blk}
	if c.bufmgr != nil {
		wrapped, err := c.bufmgr.WrapRead(in)
		if err != nil {
			c.fireError(err)
			c.closeNow(err)
			return false
		}
		in = wrapped
	}
	for _, b := range in {
		if err := c.adaptor.Consume(b); err != nil {
			c.fireError(err)
			c.closeNow(err)
			return false
		}
	}
	return true
}

// stallReads drops read interest under pool pressure. The worker re-probes
// via tryResumeReads until a block is available again.
func (c *Conn) stallReads() {
	c.mu.Lock()
	if !c.stalled && c.state == StateOpen {
		c.stalled = true
		c.updateInterestLocked()
		c.mu.Unlock()
		c.worker.markStalled(c)
		return
	}
	c.mu.Unlock()
}

// tryResumeReads re-arms read interest if the pool has headroom again.
// Returns true once the connection is no longer stalled.
func (c *Conn) tryResumeReads() bool {
	blk, err := c.pool.TryAcquire()
	if err != nil {
		c.mu.Lock()
		stillStalled := c.stalled && c.state == StateOpen
		c.mu.Unlock()
		return !stillStalled
	}
	blk.Release()
	c.mu.Lock()
	c.stalled = false
	c.updateInterestLocked()
	c.mu.Unlock()
	return true
}

// writeReady drains the send queue head-first with gather writes. A
// partially written head keeps its position and resumes on the next
// writable event.
func (c *Conn) writeReady() {
	for {
		c.mu.Lock()
		if c.state != StateOpen && c.state != StateClosing {
			c.mu.Unlock()
			return
		}
		if c.sendq.Length() == 0 {
			drained := c.draining
			if !drained {
				c.updateInterestLocked()
			}
			c.mu.Unlock()
			if drained {
				c.closeNow(nil)
			}
			return
		}
		pw := c.sendq.Peek().(*pendingWrite)
		c.mu.Unlock()

		views := pw.wire.Views()
		n, err := sockWritev(c.fd, views)
		if err == errWouldBlock {
			return
		}
		if err != nil {
			c.fireError(err)
			c.closeNow(err)
			return
		}
		c.bytesOut.Add(int64(n))
		pw.wire.Advance(n)
		if pw.wire.Remaining() > 0 {
			continue
		}

		c.mu.Lock()
		c.sendq.Remove()
		c.mu.Unlock()
		pw.wire.Release()
		if pw.done != nil {
			pw.done(nil)
		}
	}
}

// Close performs a graceful close: no new writes are accepted and the send
// queue is drained for at most timeout before the socket is closed. A
// non-positive timeout drops pending writes immediately. Close is
// idempotent.
func (c *Conn) Close(timeout time.Duration) error {
	c.mu.Lock()
	switch c.state {
	case StateClosed:
		c.mu.Unlock()
		return nil
	case StateInit, StateConnecting:
		c.mu.Unlock()
		c.closeNow(nil)
		return nil
	case StateClosing:
		c.mu.Unlock()
		c.awaitClosed(timeout)
		return nil
	}
	if timeout <= 0 || c.sendq.Length() == 0 {
		c.mu.Unlock()
		c.closeNow(nil)
		return nil
	}
	c.state = StateClosing
	c.draining = true
	c.updateInterestLocked()
	c.mu.Unlock()

	c.awaitClosed(timeout)
	return nil
}

func (c *Conn) awaitClosed(timeout time.Duration) {
	if timeout <= 0 {
		c.closeNow(nil)
		return
	}
	select {
	case <-c.closed:
	case <-time.After(timeout):
		c.closeNow(nil)
	}
}

// CloseAsync schedules an immediate close and returns without waiting.
// Pending writes are cancelled with ErrConnClosed.
func (c *Conn) CloseAsync() {
	c.closeNow(nil)
}

// closeNow is the single terminal transition. It detaches the descriptor,
// cancels queued writes, resets the adaptor, and fires OnClose exactly
// once.
func (c *Conn) closeNow(err error) {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateClosed
	fd := c.fd
	c.fd = -1
	if c.connectTimer != nil {
		c.connectTimer.Stop()
		c.connectTimer = nil
	}
	var cancelled []*pendingWrite
	for c.sendq.Length() > 0 {
		cancelled = append(cancelled, c.sendq.Remove().(*pendingWrite))
	}
	c.mu.Unlock()

	if fd >= 0 && prev != StateInit {
		c.worker.detach(fd, c)
		_ = closeFD(fd)
	}
	for _, pw := range cancelled {
		pw.wire.Release()
		if pw.done != nil {
			pw.done(api.ErrConnClosed)
		}
	}
	c.adaptor.Reset()
	if prev == StateInit || prev == StateConnecting {
		failure := err
		if failure == nil {
			failure = api.ErrConnClosed
		}
		c.markOpened(failure)
	}
	c.fireClose(err)
	c.registry.removeConn(c)
	c.closedOnce.Do(func() { close(c.closed) })
}

func (c *Conn) markOpened(err error) {
	c.openedOnce.Do(func() {
		c.openErr = err
		close(c.opened)
	})
}

func (c *Conn) snapshotListeners() []api.ConnectionEventListener {
	c.mu.Lock()
	out := make([]api.ConnectionEventListener, len(c.listeners))
	copy(out, c.listeners)
	c.mu.Unlock()
	return out
}

// Event callbacks are serialized on the owning worker: fire* enqueues, the
// worker loop runs the queue before dispatching new readiness events, so
// listeners never observe I/O for a transition they have not been told
// about.

func (c *Conn) fireConnect() {
	ls := c.snapshotListeners()
	c.worker.submit(func() {
		for _, l := range ls {
			l.OnConnect()
		}
	})
}

func (c *Conn) fireEOF() {
	ls := c.snapshotListeners()
	c.worker.submit(func() {
		for _, l := range ls {
			l.OnEOF()
		}
	})
}

func (c *Conn) fireError(err error) {
	c.log.Debug("connection error", "remote", c.RemoteAddr(), "err", err)
	ls := c.snapshotListeners()
	c.worker.submit(func() {
		for _, l := range ls {
			l.OnError(err)
		}
	})
}

func (c *Conn) fireClose(err error) {
	ls := c.snapshotListeners()
	c.worker.submit(func() {
		for _, l := range ls {
			l.OnClose(err)
		}
	})
}

var _ api.MessageWriter = (*Conn)(nil)
