package progress

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/transport"
)

const (
	DefaultConnectTimeout = 3 * time.Second
	eventBuffer           = 64
	finalEventTimeout     = 2 * time.Second
)

// ErrConnectTimeout means the channel could not be opened within its time budget.
var ErrConnectTimeout = transport.ErrConnectTimeout

type EventKind int

const (
	EventOpened EventKind = iota
	EventMessage
	EventClosed
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventOpened:
		return "opened"
	case EventMessage:
		return "message"
	case EventClosed:
		return "closed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is the tagged variant produced by the reader and consumed by the dispatch loop.
type Event struct {
	Kind EventKind
	Text string
	Err  error
}

// Handler receives parsed device events. Handlers run on the dispatch goroutine.
type Handler func(Update)

// Channel is a best-effort receiver of device progress events.
type Channel struct {
	logger *slog.Logger
	pub    bus.Publisher
	tr     transport.Transport
	target string

	mu       sync.Mutex
	handlers []Handler

	events     chan Event
	cancel     context.CancelFunc
	closeOnce  sync.Once
	readerDone chan struct{}
	done       chan struct{}
	closeErr   error
}

// Open connects tr and starts the reader and dispatch loops. On failure tr is
// closed and the error is returned; callers are expected to carry on without progress.
func Open(ctx context.Context, logger *slog.Logger, pub bus.Publisher, tr transport.Transport, timeout time.Duration) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = bus.Nop{}
	}
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}

	target := ""
	if resolver, ok := tr.(transport.StatusTargetResolver); ok {
		target = resolver.StatusTarget()
	}
	publishStatus(pub, tr.Name(), target, connectors.ConnectionStateConnecting, nil)

	connectCtx, cancelConnect := context.WithTimeout(ctx, timeout)
	err := tr.Connect(connectCtx)
	timedOut := errors.Is(connectCtx.Err(), context.DeadlineExceeded)
	cancelConnect()
	if err != nil {
		_ = tr.Close()
		if timedOut || transport.IsTimeout(err) {
			err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, timeout, err)
		} else {
			err = fmt.Errorf("open progress channel: %w", err)
		}
		publishStatus(pub, tr.Name(), target, connectors.ConnectionStateDisconnected, err)
		logger.Debug("progress channel unavailable", "target", target, "error", err)

		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	c := &Channel{
		logger:     logger,
		pub:        pub,
		tr:         tr,
		target:     target,
		events:     make(chan Event, eventBuffer),
		cancel:     cancel,
		readerDone: make(chan struct{}),
		done:       make(chan struct{}),
	}
	go c.runReader(runCtx)
	go c.runDispatch()

	return c, nil
}

// OnMessage registers h for every parsed event with a non-empty type.
func (c *Channel) OnMessage(h Handler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	c.handlers = append(c.handlers, h)
	c.mu.Unlock()
}

// Done is closed after the dispatch loop has handled the final event.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// Close sends a Close frame and drops the connection. Safe to call more than once.
func (c *Channel) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		c.closeErr = c.tr.Close()
		<-c.readerDone
	})

	return c.closeErr
}

func (c *Channel) runReader(ctx context.Context) {
	defer close(c.readerDone)
	defer close(c.events)

	if !c.emit(ctx, Event{Kind: EventOpened}) {
		return
	}
	for {
		payload, err := c.tr.ReadFrame(ctx)
		if err != nil {
			kind := EventFailed
			if ctx.Err() != nil || errors.Is(err, transport.ErrConnectionClosed) {
				kind = EventClosed
			}
			// The run context may already be cancelled; wait for the dispatch loop instead.
			timer := time.NewTimer(finalEventTimeout)
			select {
			case c.events <- Event{Kind: kind, Err: err}:
			case <-timer.C:
				c.logger.Warn("dropping final progress channel event", "kind", kind, "error", err)
			}
			timer.Stop()

			return
		}
		if !c.emit(ctx, Event{Kind: EventMessage, Text: string(payload)}) {
			return
		}
	}
}

func (c *Channel) emit(ctx context.Context, ev Event) bool {
	select {
	case c.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Channel) runDispatch() {
	defer close(c.done)

	for ev := range c.events {
		switch ev.Kind {
		case EventOpened:
			c.logger.Debug("progress channel opened", "target", c.target)
			publishStatus(c.pub, c.tr.Name(), c.target, connectors.ConnectionStateConnected, nil)
		case EventMessage:
			update, ok := ParseUpdate(ev.Text)
			if !ok {
				c.logger.Debug("ignoring unrecognized progress payload", "len", len(ev.Text))
				continue
			}
			c.deliver(update)
		case EventClosed:
			c.logger.Debug("progress channel closed", "target", c.target)
			publishStatus(c.pub, c.tr.Name(), c.target, connectors.ConnectionStateDisconnected, nil)
		case EventFailed:
			c.logger.Debug("progress channel failed", "target", c.target, "error", ev.Err)
			publishStatus(c.pub, c.tr.Name(), c.target, connectors.ConnectionStateDisconnected, ev.Err)
		}
	}
}

func (c *Channel) deliver(update Update) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers...)
	c.mu.Unlock()

	for _, h := range handlers {
		h(update)
	}
}

func publishStatus(pub bus.Publisher, name, target string, state connectors.ConnectionState, err error) {
	status := connectors.ConnectionStatus{
		State:         state,
		TransportName: name,
		Target:        target,
		Timestamp:     time.Now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	pub.Publish(connectors.TopicConnStatus, status)
}
