package console

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/transport"
)

const (
	initialBackoff = time.Second
	maxBackoff     = 15 * time.Second
	writeTimeout   = 3 * time.Second
	outboxSize     = 32
)

type writeRequest struct {
	line   string
	result chan error
}

// Monitor keeps a console transport open, reconnecting with backoff while the
// device reboots, and publishes every received line as connectors.SerialLine.
type Monitor struct {
	logger    *slog.Logger
	transport transport.Transport
	pub       bus.Publisher
	now       func() time.Time
	done      chan struct{}

	outboxMu     sync.Mutex
	outbox       chan writeRequest
	outboxClosed bool
}

func NewMonitor(logger *slog.Logger, pub bus.Publisher, tr transport.Transport) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	if pub == nil {
		pub = bus.Nop{}
	}

	return &Monitor{
		logger:    logger,
		transport: tr,
		pub:       pub,
		outbox:    make(chan writeRequest, outboxSize),
		now:       time.Now,
		done:      make(chan struct{}),
	}
}

// Start runs the monitor until ctx ends; the transport is closed on exit.
func (m *Monitor) Start(ctx context.Context) {
	go m.runOutbox(ctx)
	go func() {
		defer close(m.done)
		m.runConnector(ctx)
	}()
}

// Done is closed after the connector loop has exited and the port is released.
func (m *Monitor) Done() <-chan struct{} {
	return m.done
}

// WriteLine sends one line to the device console. The result channel yields
// exactly one value.
func (m *Monitor) WriteLine(line string) <-chan error {
	resCh := make(chan error, 1)
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		resCh <- errors.New("console line is empty")
		close(resCh)

		return resCh
	}

	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()
	if m.outboxClosed {
		resCh <- errors.New("console monitor stopped")
		close(resCh)

		return resCh
	}
	select {
	case m.outbox <- writeRequest{line: line, result: resCh}:
	default:
		resCh <- errors.New("console write queue is full")
		close(resCh)
	}

	return resCh
}

func (m *Monitor) runConnector(ctx context.Context) {
	defer func() {
		_ = m.transport.Close()
		m.publishStatus(connectors.ConnectionStateDisconnected, nil)
	}()

	backoff := initialBackoff
	for {
		if err := ctx.Err(); err != nil {
			return
		}

		m.publishStatus(connectors.ConnectionStateConnecting, nil)
		if err := m.transport.Connect(ctx); err != nil {
			m.publishStatus(connectors.ConnectionStateReconnecting, err)
			m.logger.Warn("console connect failed", "error", err, "retry_in", backoff)
			if !sleepWithContext(ctx, backoff) {
				return
			}
			backoff = nextBackoff(backoff)

			continue
		}

		backoff = initialBackoff
		m.publishStatus(connectors.ConnectionStateConnected, nil)
		err := m.runReader(ctx)
		_ = m.transport.Close()
		if ctx.Err() != nil {
			return
		}
		m.logger.Warn("console read failed", "error", err)
		m.publishStatus(connectors.ConnectionStateReconnecting, err)

		if !sleepWithContext(ctx, backoff) {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (m *Monitor) runReader(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		payload, err := m.transport.ReadFrame(ctx)
		if err != nil {
			return err
		}
		m.pub.Publish(connectors.TopicSerialLine, connectors.SerialLine{
			Port:      m.target(),
			Text:      string(payload),
			Timestamp: m.now(),
		})
	}
}

func (m *Monitor) runOutbox(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.drainOutbox(ctx.Err())

			return
		case req := <-m.outbox:
			writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := m.transport.WriteFrame(writeCtx, []byte(req.line))
			cancel()
			if err != nil {
				err = fmt.Errorf("write console line: %w", err)
			}
			req.result <- err
			close(req.result)
		}
	}
}

func (m *Monitor) drainOutbox(err error) {
	m.outboxMu.Lock()
	defer m.outboxMu.Unlock()
	m.outboxClosed = true
	for {
		select {
		case req := <-m.outbox:
			req.result <- err
			close(req.result)
		default:
			return
		}
	}
}

func (m *Monitor) target() string {
	if r, ok := m.transport.(transport.StatusTargetResolver); ok {
		return r.StatusTarget()
	}

	return ""
}

func (m *Monitor) publishStatus(state connectors.ConnectionState, err error) {
	status := connectors.ConnectionStatus{
		State:         state,
		TransportName: m.transport.Name(),
		Target:        m.target(),
		Timestamp:     m.now(),
	}
	if err != nil {
		status.Err = err.Error()
	}
	m.pub.Publish(connectors.TopicConnStatus, status)
}

func nextBackoff(d time.Duration) time.Duration {
	return min(d*2, maxBackoff)
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
