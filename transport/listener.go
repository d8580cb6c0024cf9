// File: transport/listener.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Accepting side: a listening socket owned by one worker. Each accepted
// socket becomes a Conn assigned to the least-loaded worker with a fresh
// protocol adaptor from the listener's factory.

package transport

import (
	"sync"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/reactor"
)

// ListenerOption customizes a listener at creation time.
type ListenerOption func(*Listener)

// WithConnectionListener registers l on every connection the listener
// accepts, before the connection's first event fires.
func WithConnectionListener(l api.ConnectionEventListener) ListenerOption {
	return func(ln *Listener) { ln.connListener = l }
}

// WithCloseAcceptedOnStop makes Stop asynchronously close the connections
// this listener accepted, not just the listening socket.
func WithCloseAcceptedOnStop() ListenerOption {
	return func(ln *Listener) { ln.closeAccepted = true }
}

// Listener accepts inbound connections on a bound address.
type Listener struct {
	mgr     *Manager
	worker  *worker
	factory api.AdaptorFactory
	log     api.Logger

	connListener  api.ConnectionEventListener
	closeAccepted bool

	addr string

	mu       sync.Mutex
	fd       int
	closed   bool
	accepted map[*Conn]struct{}
}

// Addr returns the bound address, including the kernel-assigned port when
// the requested port was 0.
func (l *Listener) Addr() string { return l.addr }

// onReady drains the accept backlog.
func (l *Listener) onReady(ev reactor.Event) {
	if ev.Err {
		l.mu.Lock()
		closed := l.closed
		l.mu.Unlock()
		if !closed {
			l.log.Warn("listener error", "addr", l.addr)
		}
		return
	}
	for {
		l.mu.Lock()
		lfd := l.fd
		closed := l.closed
		l.mu.Unlock()
		if closed {
			return
		}
		fd, remote, err := acceptSocket(lfd)
		if err != nil {
			l.log.Warn("accept failed", "addr", l.addr, "err", err)
			return
		}
		if fd < 0 {
			return
		}
		l.accepted1(fd, remote)
	}
}

func (l *Listener) accepted1(fd int, remote string) {
	c, err := l.mgr.adoptConn(l.factory, l.connListener, fd, remote)
	if err != nil {
		l.log.Warn("accepted connection rejected", "remote", remote, "err", err)
		return
	}
	l.log.Debug("accepted", "remote", remote)
	if l.closeAccepted {
		l.mu.Lock()
		if !l.closed {
			l.accepted[c] = struct{}{}
		}
		l.mu.Unlock()
		go func() {
			<-c.Closed()
			l.mu.Lock()
			delete(l.accepted, c)
			l.mu.Unlock()
		}()
	}
}

// Stop closes the listening socket. With WithCloseAcceptedOnStop, the
// connections accepted through this listener are asynchronously closed as
// well. A second Stop has no effect and returns api.ErrListenerClosed.
func (l *Listener) Stop() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return api.ErrListenerClosed
	}
	l.closed = true
	fd := l.fd
	l.fd = -1
	conns := make([]*Conn, 0, len(l.accepted))
	for c := range l.accepted {
		conns = append(conns, c)
	}
	l.accepted = nil
	l.mu.Unlock()

	l.worker.detach(fd, nil)
	err := closeFD(fd)
	for _, c := range conns {
		c.CloseAsync()
	}
	l.mgr.removeListener(l)
	l.log.Info("listener stopped", "addr", l.addr)
	return err
}
