// File: transport/manager.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Connection manager: owns the worker pool, the block pool, and the sets
// of live connections and listeners. All factory entry points live here;
// Shutdown is the one-shot teardown.

package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/buffer"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/pool"
	"github.com/momentics/hioload-net/reactor"
)

// Manager is the root object of the transport core.
type Manager struct {
	cfg  control.Config
	log  api.Logger
	pool *pool.BlockPool

	workers []*worker
	group   *errgroup.Group
	cancel  context.CancelFunc

	mu        sync.Mutex
	conns     map[*Conn]struct{}
	listeners map[*Listener]struct{}
	down      bool

	shutdownOnce sync.Once
	shutdownErr  error
}

// NewManager validates cfg, creates the block pool, and starts the I/O
// workers. A WorkerCount of 0 runs a single combined loop.
func NewManager(cfg control.Config) (*Manager, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	m := &Manager{
		cfg:       cfg,
		log:       cfg.Logger,
		pool:      pool.NewBlockPool(cfg.PoolBlockSize, cfg.BufferPoolCap),
		conns:     make(map[*Conn]struct{}),
		listeners: make(map[*Listener]struct{}),
	}

	n := cfg.WorkerCount
	if n < 1 {
		n = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)
	m.cancel = cancel
	m.group = g
	for i := 0; i < n; i++ {
		w, err := newWorker(i, cfg.Logger, cfg.PinWorkers)
		if err != nil {
			cancel()
			for _, prev := range m.workers {
				prev.wake()
			}
			_ = g.Wait()
			m.pool.Close()
			return nil, err
		}
		m.workers = append(m.workers, w)
		g.Go(func() error { return w.run(ctx) })
	}
	m.log.Info("transport manager started", "workers", n, "pool_cap", cfg.BufferPoolCap)
	return m, nil
}

// Pool exposes the manager's block pool, for building protocol adaptors
// and message bodies that share its accounting.
func (m *Manager) Pool() *pool.BlockPool { return m.pool }

// NewStream creates an output stream sized by the manager's configuration
// (InitialBlockSize through MaxBlockSize) and backed by its block pool.
// Message bodies built with it share the pool's accounting.
func (m *Manager) NewStream() *buffer.OutputStream {
	return buffer.NewOutputStreamAlloc(m.cfg.InitialBlockSize, m.cfg.MaxBlockSize, m.pool.Allocator())
}

// leastLoaded picks the worker owning the fewest descriptors.
func (m *Manager) leastLoaded() *worker {
	best := m.workers[0]
	bestLoad := best.connCount()
	for _, w := range m.workers[1:] {
		if l := w.connCount(); l < bestLoad {
			best, bestLoad = w, l
		}
	}
	return best
}

func (m *Manager) bufferManager() api.BufferManager {
	if m.cfg.BufferManagerFactory == nil {
		return nil
	}
	return m.cfg.BufferManagerFactory()
}

// CreateConnection constructs an outbound connection in the initial
// state, bound to the least-loaded worker. The caller drives it with
// Connect.
func (m *Manager) CreateConnection(adaptor api.ProtocolAdaptor) (*Conn, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil, api.ErrManagerShutdown
	}
	c := newConn(m.leastLoaded(), m.pool, adaptor, m.bufferManager(), m.log, m, m.cfg.ConnectTimeout)
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	return c, nil
}

// adoptConn wraps an accepted socket in a Conn and registers it. Called by
// listeners on their worker goroutine.
func (m *Manager) adoptConn(factory api.AdaptorFactory, l api.ConnectionEventListener,
	fd int, remote string) (*Conn, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		_ = closeFD(fd)
		return nil, api.ErrManagerShutdown
	}
	c := newConn(m.leastLoaded(), m.pool, nil, m.bufferManager(), m.log, m, m.cfg.ConnectTimeout)
	c.adaptor = factory(c)
	if l != nil {
		c.listeners = append(c.listeners, l)
	}
	m.conns[c] = struct{}{}
	m.mu.Unlock()
	if err := c.adoptAccepted(fd, remote); err != nil {
		return nil, err
	}
	return c, nil
}

// removeConn implements connRegistry; closing connections prune
// themselves.
func (m *Manager) removeConn(c *Conn) {
	m.mu.Lock()
	delete(m.conns, c)
	m.mu.Unlock()
}

func (m *Manager) removeListener(l *Listener) {
	m.mu.Lock()
	delete(m.listeners, l)
	m.mu.Unlock()
}

// CreateListener binds addr and starts accepting. Each accepted connection
// gets a fresh adaptor from factory.
func (m *Manager) CreateListener(addr string, factory api.AdaptorFactory, opts ...ListenerOption) (*Listener, error) {
	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		return nil, api.ErrManagerShutdown
	}
	m.mu.Unlock()

	fd, bound, err := listenSocket(addr, m.cfg.AcceptBacklog, m.cfg.ReuseAddr)
	if err != nil {
		return nil, err
	}
	l := &Listener{
		mgr:      m,
		worker:   m.leastLoaded(),
		factory:  factory,
		log:      m.log,
		addr:     bound,
		fd:       fd,
		accepted: make(map[*Conn]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}

	m.mu.Lock()
	if m.down {
		m.mu.Unlock()
		_ = closeFD(fd)
		return nil, api.ErrManagerShutdown
	}
	m.listeners[l] = struct{}{}
	m.mu.Unlock()

	if err := l.worker.attach(fd, l, reactor.InterestRead); err != nil {
		m.removeListener(l)
		_ = closeFD(fd)
		return nil, err
	}
	m.log.Info("listener started", "addr", bound)
	return l, nil
}

func (m *Manager) snapshotConns() []*Conn {
	m.mu.Lock()
	out := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		out = append(out, c)
	}
	m.mu.Unlock()
	return out
}

func (m *Manager) snapshotListeners() []*Listener {
	m.mu.Lock()
	out := make([]*Listener, 0, len(m.listeners))
	for l := range m.listeners {
		out = append(out, l)
	}
	m.mu.Unlock()
	return out
}

// CloseAllConnections gracefully closes a snapshot of the current
// connections, each bounded by timeout, and waits for all of them.
func (m *Manager) CloseAllConnections(timeout time.Duration) {
	var wg sync.WaitGroup
	for _, c := range m.snapshotConns() {
		c := c
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = c.Close(timeout)
		}()
	}
	wg.Wait()
}

// AsyncCloseAllConnections schedules an immediate close of every current
// connection and returns without waiting.
func (m *Manager) AsyncCloseAllConnections() {
	for _, c := range m.snapshotConns() {
		c.CloseAsync()
	}
}

// CloseAllListeners stops every current listener.
func (m *Manager) CloseAllListeners() {
	for _, l := range m.snapshotListeners() {
		_ = l.Stop()
	}
}

// Shutdown tears the manager down: listeners stop, connections close
// asynchronously, workers exit, and the block pool is dropped. Further
// factory calls fail with ErrManagerShutdown. Shutdown is idempotent.
func (m *Manager) Shutdown() error {
	m.shutdownOnce.Do(func() {
		m.mu.Lock()
		m.down = true
		m.mu.Unlock()

		m.CloseAllListeners()
		m.AsyncCloseAllConnections()

		m.cancel()
		for _, w := range m.workers {
			w.wake()
		}
		m.shutdownErr = m.group.Wait()
		m.pool.Close()
		m.log.Info("transport manager stopped")
	})
	return m.shutdownErr
}

// StateMap assembles a point-in-time observability snapshot.
func (m *Manager) StateMap() control.State {
	var st control.State
	for _, c := range m.snapshotConns() {
		st.Connections = append(st.Connections, control.ConnSummary{
			RemoteAddr: c.RemoteAddr(),
			State:      c.State().String(),
			BytesIn:    c.BytesIn(),
			BytesOut:   c.BytesOut(),
			QueueDepth: c.QueueDepth(),
		})
	}
	for _, l := range m.snapshotListeners() {
		st.Listeners = append(st.Listeners, l.Addr())
	}
	for _, w := range m.workers {
		st.Workers = append(st.Workers, control.WorkerSummary{
			Index:       w.idx,
			Connections: w.connCount(),
		})
	}
	ps := m.pool.Stats()
	st.BuffersCached = ps.Cached
	st.BuffersReferenced = ps.Referenced
	if m.cfg.BufferManagerFactory != nil {
		st.BufferManager = fmt.Sprintf("%T", m.cfg.BufferManagerFactory)
	}
	return st
}
