package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeConn struct {
	in      chan []byte
	readErr chan error
	kill    chan struct{}

	mu         sync.Mutex
	writes     [][]byte
	closed     bool
	closedCode int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:      make(chan []byte, 16),
		readErr: make(chan error, 1),
		kill:    make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case m := <-c.in:
		return m, nil
	case err := <-c.readErr:
		return nil, err
	case <-c.kill:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("write on closed conn")
	}
	c.writes = append(c.writes, append([]byte(nil), data...))

	return nil
}

func (c *fakeConn) Close(code int, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closedCode = code
	}

	return nil
}

func (c *fakeConn) written() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.writes))
	for _, w := range c.writes {
		out = append(out, string(w))
	}

	return out
}

func (c *fakeConn) pings() []envelope {
	var out []envelope
	for _, w := range c.written() {
		var env envelope
		if json.Unmarshal([]byte(w), &env) == nil && env.Type == typePing {
			out = append(out, env)
		}
	}

	return out
}

func (c *fakeConn) closeState() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed, c.closedCode
}

type fakeDialer struct {
	conns chan *fakeConn
	gate  chan struct{}
	dials atomic.Int32
}

func newFakeDialer(conns ...*fakeConn) *fakeDialer {
	d := &fakeDialer{conns: make(chan *fakeConn, len(conns)+4)}
	for _, c := range conns {
		d.conns <- c
	}

	return d
}

func (d *fakeDialer) Dial(ctx context.Context, _ string) (Conn, error) {
	d.dials.Add(1)
	if d.gate != nil {
		select {
		case <-d.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	select {
	case c := <-d.conns:
		return c, nil
	default:
		return nil, errors.New("connection refused")
	}
}

func startClient(t *testing.T, dialer Dialer, opts Options) *Client {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	c := NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, dialer, opts)
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})

	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueuedMessagesFlushInOrder(t *testing.T) {
	conn := newFakeConn()
	t.Cleanup(func() { close(conn.kill) })
	dialer := newFakeDialer(conn)
	dialer.gate = make(chan struct{})

	c := startClient(t, dialer, Options{PingInterval: time.Hour})
	if err := c.Send(map[string]int{"n": 1}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if err := c.Connect("ws://device/ws"); err != nil {
		t.Fatalf("connect: %v", err)
	}
	waitFor(t, "connecting state", func() bool { return c.State() == StateConnecting })
	_ = c.Send(map[string]int{"n": 2})
	_ = c.Send(map[string]int{"n": 3})
	close(dialer.gate)

	waitFor(t, "queued writes", func() bool { return len(conn.written()) == 3 })
	want := []string{`{"n":1}`, `{"n":2}`, `{"n":3}`}
	for i, w := range conn.written() {
		if w != want[i] {
			t.Fatalf("write %d: expected %s, got %s", i, want[i], w)
		}
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open state, got %s", c.State())
	}

	_ = c.Send(map[string]int{"n": 4})
	waitFor(t, "direct write", func() bool { return len(conn.written()) == 4 })
}

func TestMessagesSentBeforeStartAreQueued(t *testing.T) {
	conn := newFakeConn()
	t.Cleanup(func() { close(conn.kill) })

	c := NewClient(slog.New(slog.NewTextHandler(io.Discard, nil)), nil, newFakeDialer(conn), Options{PingInterval: time.Hour})
	if c.State() != StateClosed {
		t.Fatalf("expected closed state before start, got %s", c.State())
	}
	if err := c.Send(map[string]string{"type": "hello"}); err != nil {
		t.Fatalf("send before start: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.Start(ctx)
	t.Cleanup(func() {
		cancel()
		<-c.Done()
	})
	if err := c.Send(map[string]int{"n": 2}); err != nil {
		t.Fatalf("send after start: %v", err)
	}
	if err := c.Connect("ws://device/ws"); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitFor(t, "queued writes", func() bool { return len(conn.written()) == 2 })
	want := []string{`{"type":"hello"}`, `{"n":2}`}
	for i, w := range conn.written() {
		if w != want[i] {
			t.Fatalf("write %d: expected %s, got %s", i, want[i], w)
		}
	}
}

func TestPongRecordsRTTAndSchedulesNextPing(t *testing.T) {
	conn := newFakeConn()
	t.Cleanup(func() { close(conn.kill) })

	c := startClient(t, newFakeDialer(conn), Options{PingInterval: 10 * time.Millisecond, PongTimeout: time.Second})
	pongSeen := atomic.Bool{}
	c.OnMessageType(typePong, func(json.RawMessage) { pongSeen.Store(true) })
	_ = c.Connect("ws://device/ws")

	waitFor(t, "first ping", func() bool { return len(conn.pings()) == 1 })
	time.Sleep(5 * time.Millisecond)
	conn.in <- []byte(`{"type":"pong"}`)

	waitFor(t, "second ping", func() bool { return len(conn.pings()) >= 2 })
	if c.RTT() <= 0 {
		t.Fatalf("expected positive RTT, got %s", c.RTT())
	}
	if c.State() != StateOpen {
		t.Fatalf("expected open state, got %s", c.State())
	}
	if pongSeen.Load() {
		t.Fatalf("pong must not be delivered to message handlers")
	}
}

func TestLatePongDoesNotResurrectConnection(t *testing.T) {
	conn := newFakeConn()
	t.Cleanup(func() { close(conn.kill) })
	dialer := newFakeDialer(conn)

	c := startClient(t, dialer, Options{
		PingInterval:   10 * time.Millisecond,
		PongTimeout:    20 * time.Millisecond,
		ReconnectDelay: time.Hour,
	})
	_ = c.Connect("ws://device/ws")

	waitFor(t, "ping", func() bool { return len(conn.pings()) == 1 })
	waitFor(t, "forced close", func() bool {
		closed, _ := conn.closeState()

		return closed
	})
	if _, code := conn.closeState(); code != closePongTimeout {
		t.Fatalf("expected close code %d, got %d", closePongTimeout, code)
	}
	waitFor(t, "closed state", func() bool { return c.State() == StateClosed })

	ping := conn.pings()[0]
	late, _ := json.Marshal(envelope{Type: typePong, Timestamp: ping.Timestamp})
	conn.in <- late
	time.Sleep(50 * time.Millisecond)

	if c.State() != StateClosed {
		t.Fatalf("late pong changed state to %s", c.State())
	}
	if c.RTT() != 0 {
		t.Fatalf("late pong recorded RTT %s", c.RTT())
	}
	if got := len(conn.pings()); got != 1 {
		t.Fatalf("expected no further pings on dead connection, got %d", got)
	}
	if got := dialer.dials.Load(); got != 1 {
		t.Fatalf("expected a single dial while reconnect is pending, got %d", got)
	}
}

func TestPeerCloseReconnectPolicy(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantReconnect bool
	}{
		{name: "clean close", err: &CloseError{Code: CloseNormal}, wantReconnect: false},
		{name: "abnormal close", err: &CloseError{Code: 1006}, wantReconnect: true},
		{name: "read error", err: io.ErrUnexpectedEOF, wantReconnect: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			first, second := newFakeConn(), newFakeConn()
			t.Cleanup(func() {
				close(first.kill)
				close(second.kill)
			})
			dialer := newFakeDialer(first, second)

			c := startClient(t, dialer, Options{PingInterval: time.Hour, ReconnectDelay: 10 * time.Millisecond})
			_ = c.Connect("ws://device/ws")
			waitFor(t, "open", func() bool { return c.State() == StateOpen })

			first.readErr <- tc.err
			if tc.wantReconnect {
				waitFor(t, "reconnect", func() bool { return dialer.dials.Load() == 2 && c.State() == StateOpen })

				return
			}
			waitFor(t, "closed", func() bool { return c.State() == StateClosed })
			time.Sleep(50 * time.Millisecond)
			if got := dialer.dials.Load(); got != 1 {
				t.Fatalf("expected no reconnect after clean close, got %d dials", got)
			}
		})
	}
}

func TestReconnectAttemptsDoNotStack(t *testing.T) {
	dialer := newFakeDialer()

	c := startClient(t, dialer, Options{ReconnectDelay: 30 * time.Millisecond})
	_ = c.Connect("ws://device/ws")

	time.Sleep(100 * time.Millisecond)
	// One dial at connect plus one per elapsed delay, never more.
	if got := dialer.dials.Load(); got < 2 || got > 4 {
		t.Fatalf("expected 2-4 dials in 100ms with 30ms delay, got %d", got)
	}
}

func TestPausedPingsAreNeverSent(t *testing.T) {
	conn := newFakeConn()
	t.Cleanup(func() { close(conn.kill) })

	c := startClient(t, newFakeDialer(conn), Options{PingInterval: 5 * time.Millisecond, PongTimeout: 10 * time.Millisecond})
	c.SetPingPaused(true)
	_ = c.Connect("ws://device/ws")

	waitFor(t, "open", func() bool { return c.State() == StateOpen })
	time.Sleep(60 * time.Millisecond)
	if got := len(conn.pings()); got != 0 {
		t.Fatalf("expected no pings while paused, got %d", got)
	}
	if c.State() != StateOpen {
		t.Fatalf("pause must not trip the pong timeout, state %s", c.State())
	}

	c.SetPingPaused(false)
	waitFor(t, "ping after unpause", func() bool { return len(conn.pings()) > 0 })
}

func TestOperatorClose(t *testing.T) {
	conn := newFakeConn()
	t.Cleanup(func() { close(conn.kill) })
	dialer := newFakeDialer(conn)

	c := startClient(t, dialer, Options{PingInterval: time.Hour, ReconnectDelay: 10 * time.Millisecond})
	_ = c.Connect("ws://device/ws")
	waitFor(t, "open", func() bool { return c.State() == StateOpen })

	if err := c.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitFor(t, "closed", func() bool { return c.State() == StateClosed })
	if closed, code := conn.closeState(); !closed || code != CloseNormal {
		t.Fatalf("expected clean close 1000, got closed=%v code=%d", closed, code)
	}

	_ = c.Send(map[string]string{"type": "later"})
	time.Sleep(40 * time.Millisecond)
	if got := dialer.dials.Load(); got != 1 {
		t.Fatalf("expected no reconnect after operator close, got %d dials", got)
	}
	if got := len(conn.written()); got != 0 {
		t.Fatalf("expected nothing written after close, got %d", got)
	}
}

func TestMessagesRoutedByType(t *testing.T) {
	conn := newFakeConn()
	t.Cleanup(func() { close(conn.kill) })

	c := startClient(t, newFakeDialer(conn), Options{PingInterval: time.Hour})
	got := make(chan string, 4)
	unsubscribe := c.OnMessageType("status", func(raw json.RawMessage) { got <- string(raw) })
	_ = c.Connect("ws://device/ws")
	waitFor(t, "open", func() bool { return c.State() == StateOpen })

	conn.in <- []byte(`{"type":"other"}`)
	conn.in <- []byte(`not json`)
	conn.in <- []byte(`{"type":"status","heap":1024}`)

	select {
	case raw := <-got:
		if raw != `{"type":"status","heap":1024}` {
			t.Fatalf("unexpected payload %s", raw)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for status message")
	}

	unsubscribe()
	conn.in <- []byte(`{"type":"status","heap":2048}`)
	select {
	case raw := <-got:
		t.Fatalf("unexpected delivery after unsubscribe: %s", raw)
	case <-time.After(50 * time.Millisecond):
	}
}
