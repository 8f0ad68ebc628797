package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
)

const (
	// CloseNormal is the clean close code; a connection closed with it is not re-established.
	CloseNormal = 1000
	// closePongTimeout is sent when the peer stopped answering pings.
	closePongTimeout   = 4000
	closeInternalError = 1011

	typePing = "ping"
	typePong = "pong"

	dispatchBuffer = 64
)

// ErrStopped is returned once the client loop has exited.
var ErrStopped = errors.New("dashboard client stopped")

type State int32

const (
	StateConnecting State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn is one established dashboard connection. ReadMessage is called from a
// single reader goroutine, the other methods from the client loop.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close(code int, reason string) error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// CloseError is returned by ReadMessage when the peer closed the connection.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("connection closed: %d %s", e.Code, e.Text)
}

type Options struct {
	PingInterval   time.Duration
	PongTimeout    time.Duration
	ReconnectDelay time.Duration
	DialTimeout    time.Duration
}

func DefaultOptions() Options {
	return Options{
		PingInterval:   10 * time.Second,
		PongTimeout:    6 * time.Second,
		ReconnectDelay: 3 * time.Second,
		DialTimeout:    5 * time.Second,
	}
}

type envelope struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// Client keeps one dashboard connection alive with ping/pong and reconnects
// after failures. All connection state is owned by a single loop goroutine;
// timers and the reader post closures to it tagged with the connection
// generation, so events from a torn-down connection are ignored.
type Client struct {
	logger *slog.Logger
	pub    bus.Publisher
	dialer Dialer
	opts   Options

	cmds     chan func()
	done     chan struct{}
	dispatch chan connectors.DashboardMessage
	started  atomic.Bool

	// pending holds messages sent before Start; the loop takes them over.
	pendingMu sync.Mutex
	pending   [][]byte

	state  atomic.Int32
	rtt    atomic.Int64
	paused atomic.Bool

	handlersMu sync.Mutex
	handlers   map[string]map[uint64]func(json.RawMessage)
	nextID     uint64

	// Loop-owned.
	ctx            context.Context
	url            string
	conn           Conn
	gen            uint64
	queue          [][]byte
	operatorClosed bool
	reconnecting   bool
	awaitingPong   bool
	pingSentAt     time.Time
	pingTimer      *time.Timer
	pongTimer      *time.Timer
	reconnectTimer *time.Timer
}

func NewClient(logger *slog.Logger, pub bus.Publisher, dialer Dialer, opts Options) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = bus.Nop{}
	}
	def := DefaultOptions()
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongTimeout <= 0 {
		opts.PongTimeout = def.PongTimeout
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = def.ReconnectDelay
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = def.DialTimeout
	}

	c := &Client{
		logger:   logger,
		pub:      pub,
		dialer:   dialer,
		opts:     opts,
		cmds:     make(chan func()),
		done:     make(chan struct{}),
		dispatch: make(chan connectors.DashboardMessage, dispatchBuffer),
		handlers: make(map[string]map[uint64]func(json.RawMessage)),
	}
	c.state.Store(int32(StateClosed))

	return c
}

// Start runs the client loop until ctx ends. The connection is closed cleanly on exit.
func (c *Client) Start(ctx context.Context) {
	c.pendingMu.Lock()
	if !c.started.CompareAndSwap(false, true) {
		c.pendingMu.Unlock()

		return
	}
	c.queue = c.pending
	c.pending = nil
	c.pendingMu.Unlock()

	c.ctx = ctx
	go c.run(ctx)
	go c.runDispatch()
}

// Done is closed when the loop has exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Connect dials url, replacing any current connection.
func (c *Client) Connect(url string) error {
	return c.post(func() {
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		c.url = url
		c.operatorClosed = false
		c.teardown(CloseNormal, "reconnecting")
		c.dial(false)
	})
}

// Send JSON-encodes msg and writes it, or queues it until the connection is open.
// Messages sent before Start are queued as well.
func (c *Client) Send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode dashboard message: %w", err)
	}

	c.pendingMu.Lock()
	if !c.started.Load() {
		c.pending = append(c.pending, data)
		c.pendingMu.Unlock()

		return nil
	}
	c.pendingMu.Unlock()

	return c.post(func() {
		if c.State() != StateOpen || c.conn == nil {
			c.queue = append(c.queue, data)

			return
		}
		if err := c.conn.WriteMessage(data); err != nil {
			c.logger.Warn("dashboard write failed", "error", err)
			c.queue = append(c.queue, data)
			c.fail(closeInternalError, err)
		}
	})
}

// Close is the operator disconnect: clean close, no reconnect, queue dropped.
func (c *Client) Close() error {
	return c.post(func() {
		c.operatorClosed = true
		if c.reconnectTimer != nil {
			c.reconnectTimer.Stop()
			c.reconnectTimer = nil
		}
		c.queue = nil
		c.teardown(CloseNormal, "Client requested disconnect")
		c.setState(StateClosed, nil)
	})
}

// SetPingPaused suspends keepalive pings without disturbing their schedule.
func (c *Client) SetPingPaused(paused bool) {
	c.paused.Store(paused)
}

func (c *Client) PingPaused() bool {
	return c.paused.Load()
}

func (c *Client) State() State {
	return State(c.state.Load())
}

// RTT is the last measured ping round trip, zero before the first pong.
func (c *Client) RTT() time.Duration {
	return time.Duration(c.rtt.Load())
}

// OnMessageType registers fn for inbound messages of the given type and returns
// a func that removes it. Handlers run on the dispatch goroutine.
func (c *Client) OnMessageType(typ string, fn func(json.RawMessage)) func() {
	c.handlersMu.Lock()
	c.nextID++
	id := c.nextID
	if c.handlers[typ] == nil {
		c.handlers[typ] = make(map[uint64]func(json.RawMessage))
	}
	c.handlers[typ][id] = fn
	c.handlersMu.Unlock()

	return func() {
		c.handlersMu.Lock()
		delete(c.handlers[typ], id)
		if len(c.handlers[typ]) == 0 {
			delete(c.handlers, typ)
		}
		c.handlersMu.Unlock()
	}
}

func (c *Client) post(fn func()) error {
	if !c.started.Load() {
		return errors.New("dashboard client not started")
	}
	select {
	case c.cmds <- fn:
		return nil
	case <-c.done:
		return ErrStopped
	}
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.dispatch)

	for {
		select {
		case <-ctx.Done():
			c.operatorClosed = true
			if c.reconnectTimer != nil {
				c.reconnectTimer.Stop()
			}
			c.teardown(CloseNormal, "client shutting down")
			c.setState(StateClosed, nil)

			return
		case fn := <-c.cmds:
			fn()
		}
	}
}

func (c *Client) dial(reconnect bool) {
	c.gen++
	gen := c.gen
	url := c.url
	c.reconnecting = reconnect
	c.setState(StateConnecting, nil)
	c.logger.Info("dashboard connecting", "url", url)

	go func() {
		dialCtx, cancel := context.WithTimeout(c.ctx, c.opts.DialTimeout)
		conn, err := c.dialer.Dial(dialCtx, url)
		cancel()
		if postErr := c.post(func() { c.onDialed(gen, conn, err) }); postErr != nil && conn != nil {
			_ = conn.Close(CloseNormal, "client stopped")
		}
	}()
}

func (c *Client) onDialed(gen uint64, conn Conn, err error) {
	if gen != c.gen || c.operatorClosed {
		if conn != nil {
			_ = conn.Close(CloseNormal, "superseded")
		}

		return
	}
	if err != nil {
		c.logger.Warn("dashboard connect failed", "url", c.url, "error", err)
		c.setState(StateClosed, err)
		c.scheduleReconnect()

		return
	}

	c.conn = conn
	c.setState(StateOpen, nil)
	c.logger.Info("dashboard connected", "url", c.url)
	go c.read(gen, conn)

	queued := c.queue
	c.queue = nil
	for i, data := range queued {
		if err := conn.WriteMessage(data); err != nil {
			c.queue = append(c.queue, queued[i:]...)
			c.fail(closeInternalError, err)

			return
		}
	}
	c.schedulePing()
}

func (c *Client) read(gen uint64, conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			_ = c.post(func() { c.onClosed(gen, err) })

			return
		}
		if c.post(func() { c.onMessage(gen, data) }) != nil {
			return
		}
	}
}

func (c *Client) onMessage(gen uint64, data []byte) {
	if gen != c.gen {
		return
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Debug("dashboard message is not json", "error", err)

		return
	}
	if env.Type == typePong {
		c.handlePong(env)

		return
	}
	if env.Type == "" {
		return
	}

	msg := connectors.DashboardMessage{Type: env.Type, Raw: json.RawMessage(data)}
	c.pub.Publish(connectors.TopicDashboardMessage, msg)
	select {
	case c.dispatch <- msg:
	default:
		c.logger.Warn("dashboard dispatch queue full, dropping message", "type", env.Type)
	}
}

func (c *Client) onClosed(gen uint64, err error) {
	if gen != c.gen {
		return
	}
	c.stopKeepalive()
	if c.conn != nil {
		_ = c.conn.Close(CloseNormal, "")
		c.conn = nil
	}

	var closeErr *CloseError
	if errors.As(err, &closeErr) && closeErr.Code == CloseNormal {
		c.logger.Info("dashboard closed cleanly", "reason", closeErr.Text)
		c.setState(StateClosed, nil)

		return
	}
	c.logger.Warn("dashboard disconnected", "error", err)
	c.setState(StateClosed, err)
	c.scheduleReconnect()
}

func (c *Client) handlePong(env envelope) {
	if !c.awaitingPong {
		return
	}
	c.awaitingPong = false
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}

	rtt := time.Since(c.pingSentAt)
	c.rtt.Store(int64(rtt))
	c.logger.Debug("dashboard pong", "rtt", rtt, "echoed_timestamp", env.Timestamp)
	c.schedulePing()
}

func (c *Client) schedulePing() {
	if c.pingTimer != nil {
		c.pingTimer.Stop()
	}
	gen := c.gen
	c.pingTimer = time.AfterFunc(c.opts.PingInterval, func() {
		_ = c.post(func() { c.onPingDue(gen) })
	})
}

func (c *Client) onPingDue(gen uint64) {
	if gen != c.gen || c.conn == nil || c.State() != StateOpen {
		return
	}
	if c.paused.Load() {
		c.schedulePing()

		return
	}

	now := time.Now()
	data, _ := json.Marshal(envelope{Type: typePing, Timestamp: now.UnixMilli()})
	if err := c.conn.WriteMessage(data); err != nil {
		c.fail(closeInternalError, err)

		return
	}
	c.pingSentAt = now
	c.awaitingPong = true
	if c.pongTimer != nil {
		c.pongTimer.Stop()
	}
	c.pongTimer = time.AfterFunc(c.opts.PongTimeout, func() {
		_ = c.post(func() { c.onPongTimeout(gen) })
	})
}

func (c *Client) onPongTimeout(gen uint64) {
	if gen != c.gen || !c.awaitingPong {
		return
	}
	c.logger.Warn("dashboard pong timeout, connection may be dead", "timeout", c.opts.PongTimeout)
	c.fail(closePongTimeout, errors.New("pong timeout"))
}

// fail force-closes the current connection and schedules a reconnect.
func (c *Client) fail(code int, err error) {
	c.teardown(code, err.Error())
	c.setState(StateClosed, err)
	c.scheduleReconnect()
}

// teardown drops the current connection. Bumping the generation makes any
// event already in flight for it a no-op.
func (c *Client) teardown(code int, reason string) {
	c.stopKeepalive()
	c.gen++
	if c.conn == nil {
		return
	}
	c.setState(StateClosing, nil)
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("dashboard close failed", "error", err)
	}
	c.conn = nil
}

func (c *Client) stopKeepalive() {
	c.awaitingPong = false
	if c.pingTimer != nil {
		c.pingTimer.Stop()
		c.pingTimer = nil
	}
	if c.pongTimer != nil {
		c.pongTimer.Stop()
		c.pongTimer = nil
	}
}

func (c *Client) scheduleReconnect() {
	if c.operatorClosed || c.reconnectTimer != nil || c.url == "" {
		return
	}
	c.logger.Info("dashboard reconnecting", "delay", c.opts.ReconnectDelay)
	c.reconnectTimer = time.AfterFunc(c.opts.ReconnectDelay, func() {
		_ = c.post(func() {
			c.reconnectTimer = nil
			if c.operatorClosed || c.conn != nil {
				return
			}
			c.dial(true)
		})
	})
}

func (c *Client) setState(s State, err error) {
	prev := State(c.state.Swap(int32(s)))
	if prev == s && err == nil {
		return
	}

	status := connectors.ConnectionStatus{
		TransportName: "dashboard",
		Target:        c.url,
		Timestamp:     time.Now(),
	}
	switch s {
	case StateConnecting:
		status.State = connectors.ConnectionStateConnecting
		if c.reconnecting {
			status.State = connectors.ConnectionStateReconnecting
		}
	case StateOpen:
		status.State = connectors.ConnectionStateConnected
	default:
		status.State = connectors.ConnectionStateDisconnected
	}
	if err != nil {
		status.Err = err.Error()
	}
	c.pub.Publish(connectors.TopicConnStatus, status)
}

func (c *Client) runDispatch() {
	for msg := range c.dispatch {
		c.handlersMu.Lock()
		fns := make([]func(json.RawMessage), 0, len(c.handlers[msg.Type]))
		for _, fn := range c.handlers[msg.Type] {
			fns = append(fns, fn)
		}
		c.handlersMu.Unlock()

		for _, fn := range fns {
			fn(msg.Raw)
		}
	}
}
