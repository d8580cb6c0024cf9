// File: transport/worker.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// I/O worker: one goroutine around one poller, serializing all events for
// the descriptors it owns. A descriptor is attached to exactly one worker
// for its whole life.

package transport

import (
	"context"
	"runtime"
	"sync"

	"github.com/pkg/errors"

	"github.com/momentics/hioload-net/affinity"
	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/reactor"
)

// stallRetryMs bounds how long a read-stalled connection waits before the
// worker probes the pool again.
const stallRetryMs = 20

// pollHandler is the per-descriptor event target: a connection or a
// listener.
type pollHandler interface {
	onReady(ev reactor.Event)
}

type worker struct {
	idx    int
	poller reactor.Poller
	log    api.Logger
	pin    bool

	mu       sync.Mutex
	handlers map[int]pollHandler
	stalled  map[*Conn]struct{}
	tasks    []func()
	done     bool
	load     int
}

func newWorker(idx int, log api.Logger, pin bool) (*worker, error) {
	p, err := reactor.NewPoller()
	if err != nil {
		return nil, errors.Wrap(err, "new poller")
	}
	return &worker{
		idx:      idx,
		poller:   p,
		log:      log,
		pin:      pin,
		handlers: make(map[int]pollHandler),
		stalled:  make(map[*Conn]struct{}),
	}, nil
}

func (w *worker) attach(fd int, h pollHandler, interest reactor.Interest) error {
	w.mu.Lock()
	w.handlers[fd] = h
	w.load++
	w.mu.Unlock()
	if err := w.poller.Add(fd, interest); err != nil {
		w.detachEntry(fd, nil)
		return errors.Wrap(err, "poller add")
	}
	return nil
}

func (w *worker) detach(fd int, c *Conn) {
	_ = w.poller.Remove(fd)
	w.detachEntry(fd, c)
}

func (w *worker) detachEntry(fd int, c *Conn) {
	w.mu.Lock()
	if _, ok := w.handlers[fd]; ok {
		delete(w.handlers, fd)
		w.load--
	}
	if c != nil {
		delete(w.stalled, c)
	}
	w.mu.Unlock()
}

func (w *worker) modify(fd int, interest reactor.Interest) error {
	return w.poller.Modify(fd, interest)
}

func (w *worker) markStalled(c *Conn) {
	w.mu.Lock()
	w.stalled[c] = struct{}{}
	w.mu.Unlock()
	// shorten the current wait so the retry loop starts promptly
	_ = w.poller.Wakeup()
}

func (w *worker) connCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.load
}

func (w *worker) wake() {
	_ = w.poller.Wakeup()
}

// submit queues fn on the worker goroutine, keeping event callbacks
// single-threaded per connection. After the worker has exited, fn runs
// inline so close notifications still reach their listeners.
func (w *worker) submit(fn func()) {
	w.mu.Lock()
	if w.done {
		w.mu.Unlock()
		fn()
		return
	}
	w.tasks = append(w.tasks, fn)
	w.mu.Unlock()
	_ = w.poller.Wakeup()
}

func (w *worker) runTasks() {
	w.mu.Lock()
	tasks := w.tasks
	w.tasks = nil
	w.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

func (w *worker) drainTasks() {
	w.mu.Lock()
	w.done = true
	tasks := w.tasks
	w.tasks = nil
	w.mu.Unlock()
	for _, fn := range tasks {
		fn()
	}
}

func (w *worker) run(ctx context.Context) error {
	defer w.poller.Close()
	defer w.drainTasks()
	if w.pin {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		cpu := affinity.Spread(w.idx)
		if err := affinity.Pin(cpu); err != nil {
			w.log.Warn("worker pin failed", "worker", w.idx, "cpu", cpu, "err", err)
		}
	}
	events := make([]reactor.Event, 128)
	for {
		timeout := -1
		w.mu.Lock()
		if len(w.stalled) > 0 {
			timeout = stallRetryMs
		}
		w.mu.Unlock()

		n, err := w.poller.Wait(events, timeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "poller wait")
		}
		w.runTasks()
		for i := 0; i < n; i++ {
			w.mu.Lock()
			h := w.handlers[events[i].FD]
			w.mu.Unlock()
			if h != nil {
				w.dispatch(h, events[i])
			}
		}
		w.retryStalled()
	}
}

// dispatch isolates handler panics so one connection cannot take the
// worker loop down.
func (w *worker) dispatch(h pollHandler, ev reactor.Event) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("handler panic", "worker", w.idx, "fd", ev.FD, "panic", r)
		}
	}()
	h.onReady(ev)
}

func (w *worker) retryStalled() {
	w.mu.Lock()
	if len(w.stalled) == 0 {
		w.mu.Unlock()
		return
	}
	conns := make([]*Conn, 0, len(w.stalled))
	for c := range w.stalled {
		conns = append(conns, c)
	}
	w.mu.Unlock()

	for _, c := range conns {
		if c.tryResumeReads() {
			w.mu.Lock()
			delete(w.stalled, c)
			w.mu.Unlock()
		}
	}
}
