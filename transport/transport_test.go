// File: transport/transport_test.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

//go:build linux

package transport_test

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"

	"github.com/momentics/hioload-net/api"
	"github.com/momentics/hioload-net/buffer"
	"github.com/momentics/hioload-net/control"
	"github.com/momentics/hioload-net/protocol"
	"github.com/momentics/hioload-net/transport"
)

type received struct {
	msgType byte
	session uint64
	data    []byte
}

func bodyChain(data []byte) buffer.Chain {
	if len(data) == 0 {
		return nil
	}
	b := buffer.NewBlock(len(data))
	b.Put(data)
	b.Flip()
	return buffer.Chain{b}
}

func discardSink() api.MessageSink {
	return api.MessageSinkFunc(func(_ byte, _ uint64, payload buffer.Chain) {
		payload.Release()
	})
}

func newManager(t *testing.T, workers int) *transport.Manager {
	t.Helper()
	cfg := control.DefaultConfig()
	cfg.WorkerCount = workers
	mgr, err := transport.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	return mgr
}

// echoFactory builds a per-connection adaptor that sends every received
// message straight back on the same connection.
func echoFactory(mgr *transport.Manager) api.AdaptorFactory {
	return func(w api.MessageWriter) api.ProtocolAdaptor {
		sink := api.MessageSinkFunc(func(msgType byte, session uint64, payload buffer.Chain) {
			if err := w.SendMessage(msgType, session, payload, func(error) { payload.Release() }); err != nil {
				payload.Release()
			}
		})
		return protocol.NewAssembler(mgr.Pool(), sink)
	}
}

func dialEcho(t *testing.T, mgr *transport.Manager, addr string, got chan received) *transport.Conn {
	t.Helper()
	sink := api.MessageSinkFunc(func(msgType byte, session uint64, payload buffer.Chain) {
		got <- received{msgType, session, append([]byte(nil), payload.Bytes()...)}
		payload.Release()
	})
	c, err := mgr.CreateConnection(protocol.NewAssembler(mgr.Pool(), sink))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, addr); err != nil {
		t.Fatal(err)
	}
	return c
}

func sendBytes(t *testing.T, c *transport.Conn, msgType byte, session uint64, data []byte) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	body := bodyChain(data)
	err := c.SendMessage(msgType, session, body, func(err error) {
		body.Release()
		done <- err
	})
	if err != nil {
		body.Release()
		t.Fatal(err)
	}
	return done
}

func waitRecv(t *testing.T, got chan received) received {
	t.Helper()
	select {
	case r := <-got:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for a message")
		return received{}
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("write completion never fired")
		return nil
	}
}

func TestEchoRoundTrip(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mgr := newManager(t, 2)
	defer mgr.Shutdown()

	l, err := mgr.CreateListener("127.0.0.1:0", echoFactory(mgr))
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan received, 16)
	c := dialEcho(t, mgr, l.Addr(), got)

	first := []byte("the quick brown fox")
	second := bytes.Repeat([]byte{0xA5}, 300_000) // forces fragmentation

	d1 := sendBytes(t, c, 7, 42, first)
	d2 := sendBytes(t, c, 8, 43, second)
	if err := waitDone(t, d1); err != nil {
		t.Fatal(err)
	}
	if err := waitDone(t, d2); err != nil {
		t.Fatal(err)
	}

	r1 := waitRecv(t, got)
	if r1.msgType != 7 || r1.session != 42 || !bytes.Equal(r1.data, first) {
		t.Fatalf("first echo: type=%d session=%d len=%d", r1.msgType, r1.session, len(r1.data))
	}
	r2 := waitRecv(t, got)
	if r2.msgType != 8 || r2.session != 43 || !bytes.Equal(r2.data, second) {
		t.Fatalf("second echo: type=%d session=%d len=%d", r2.msgType, r2.session, len(r2.data))
	}

	if err := c.Close(2 * time.Second); err != nil {
		t.Fatal(err)
	}
	if c.State() != transport.StateClosed {
		t.Fatalf("state after close = %v", c.State())
	}
	if err := mgr.Shutdown(); err != nil {
		t.Fatal(err)
	}
}

func TestEmptyMessageEcho(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mgr := newManager(t, 1)
	defer mgr.Shutdown()

	l, err := mgr.CreateListener("127.0.0.1:0", echoFactory(mgr))
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan received, 1)
	c := dialEcho(t, mgr, l.Addr(), got)

	if err := waitDone(t, sendBytes(t, c, 1, 9, nil)); err != nil {
		t.Fatal(err)
	}
	r := waitRecv(t, got)
	if r.msgType != 1 || r.session != 9 || len(r.data) != 0 {
		t.Fatalf("empty echo: %+v", r)
	}
}

func TestSendOnClosedConn(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mgr := newManager(t, 1)
	defer mgr.Shutdown()

	c, err := mgr.CreateConnection(protocol.NewAssembler(mgr.Pool(), discardSink()))
	if err != nil {
		t.Fatal(err)
	}
	c.CloseAsync()
	<-c.Closed()

	if err := c.SendMessage(1, 1, bodyChain([]byte("x")), nil); !errors.Is(err, api.ErrConnClosed) {
		t.Fatalf("SendMessage on closed conn = %v, want ErrConnClosed", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.Connect(ctx, "127.0.0.1:1"); err == nil {
		t.Fatal("Connect on closed conn succeeded")
	}
}

func TestShutdownCompletesPendingWrites(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	// a peer that accepts and never reads, so the send queue backs up
	srv, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer srv.Close()
	hold := make(chan net.Conn, 1)
	go func() {
		nc, err := srv.Accept()
		if err == nil {
			hold <- nc
		}
	}()

	mgr := newManager(t, 1)
	c, err := mgr.CreateConnection(protocol.NewAssembler(mgr.Pool(), discardSink()))
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, srv.Addr().String()); err != nil {
		t.Fatal(err)
	}

	const n = 200
	var mu sync.Mutex
	var results []error
	payload := bytes.Repeat([]byte{0x5A}, 64<<10)
	for i := 0; i < n; i++ {
		body := bodyChain(payload)
		err := c.SendMessage(1, uint64(i), body, func(err error) {
			body.Release()
			mu.Lock()
			results = append(results, err)
			mu.Unlock()
		})
		if err != nil {
			t.Fatal(err)
		}
	}

	if err := mgr.Shutdown(); err != nil {
		t.Fatal(err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(results) != n {
		t.Fatalf("%d completions fired, want %d", len(results), n)
	}
	for i, err := range results {
		if err != nil && !errors.Is(err, api.ErrConnClosed) {
			t.Fatalf("completion %d = %v, want nil or ErrConnClosed", i, err)
		}
	}
	select {
	case nc := <-hold:
		nc.Close()
	default:
	}
}

func TestCreateAfterShutdown(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mgr := newManager(t, 1)
	if err := mgr.Shutdown(); err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.CreateConnection(nil); !errors.Is(err, api.ErrManagerShutdown) {
		t.Fatalf("CreateConnection = %v, want ErrManagerShutdown", err)
	}
	if _, err := mgr.CreateListener("127.0.0.1:0", echoFactory(mgr)); !errors.Is(err, api.ErrManagerShutdown) {
		t.Fatalf("CreateListener = %v, want ErrManagerShutdown", err)
	}
	if err := mgr.Shutdown(); err != nil {
		t.Fatal(err) // idempotent
	}
}

func TestListenerStop(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mgr := newManager(t, 1)
	defer mgr.Shutdown()

	l, err := mgr.CreateListener("127.0.0.1:0", echoFactory(mgr))
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr()
	if err := l.Stop(); err != nil {
		t.Fatal(err)
	}
	if err := l.Stop(); !errors.Is(err, api.ErrListenerClosed) {
		t.Fatalf("second Stop = %v, want ErrListenerClosed", err)
	}
	if nc, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		nc.Close()
		t.Fatal("stopped listener still accepts")
	}
}

func TestConnectionEvents(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mgr := newManager(t, 1)
	defer mgr.Shutdown()

	l, err := mgr.CreateListener("127.0.0.1:0", echoFactory(mgr))
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan received, 1)
	c := dialEcho(t, mgr, l.Addr(), got)

	closed := make(chan error, 1)
	c.AddListener(&eventRecorder{closed: closed})

	c.CloseAsync()
	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("OnClose never fired")
	}
}

type eventRecorder struct {
	api.NopConnectionListener
	closed chan error
}

func (r *eventRecorder) OnClose(err error) {
	select {
	case r.closed <- err:
	default:
	}
}

func TestStateMap(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	mgr := newManager(t, 2)
	defer mgr.Shutdown()

	l, err := mgr.CreateListener("127.0.0.1:0", echoFactory(mgr))
	if err != nil {
		t.Fatal(err)
	}
	got := make(chan received, 1)
	c := dialEcho(t, mgr, l.Addr(), got)
	if err := waitDone(t, sendBytes(t, c, 2, 2, []byte("ping"))); err != nil {
		t.Fatal(err)
	}
	waitRecv(t, got)

	st := mgr.StateMap()
	if len(st.Workers) != 2 {
		t.Fatalf("%d workers in state map", len(st.Workers))
	}
	if len(st.Listeners) != 1 || st.Listeners[0] != l.Addr() {
		t.Fatalf("listeners = %v", st.Listeners)
	}
	// client plus the accepted server side
	if len(st.Connections) < 2 {
		t.Fatalf("%d connections in state map", len(st.Connections))
	}
	var sawOut bool
	for _, cs := range st.Connections {
		if cs.BytesOut > 0 {
			sawOut = true
		}
	}
	if !sawOut {
		t.Fatal("no connection reports outbound bytes")
	}
}

func TestManagerStreamSizing(t *testing.T) {
	defer leaktest.CheckTimeout(t, 10*time.Second)()

	cfg := control.DefaultConfig()
	cfg.InitialBlockSize = 8
	cfg.MaxBlockSize = 16
	mgr, err := transport.NewManager(cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer mgr.Shutdown()

	s := mgr.NewStream()
	if _, err := s.Write(make([]byte, 64)); err != nil {
		t.Fatal(err)
	}
	ch := s.ToChain()
	defer ch.Release()
	if ch[0].Capacity() != 8 {
		t.Fatalf("first block capacity = %d, want 8", ch[0].Capacity())
	}
	for i, b := range ch[1:] {
		if b.Capacity() != 16 {
			t.Fatalf("block %d capacity = %d, want 16", i+1, b.Capacity())
		}
	}

	msg := &protocol.Message{Payload: make([]byte, 64)}
	body := msg.Encode(mgr.NewStream())
	defer body.Release()
	if body[0].Capacity() != 8 {
		t.Fatalf("encoded first block capacity = %d, want 8", body[0].Capacity())
	}
}
