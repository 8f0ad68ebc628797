package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/skobkin/espdeploy/internal/bus"
	"github.com/skobkin/espdeploy/internal/connectors"
)

const progressStepPercent = 10

type fileKey struct {
	token string
	index int
}

// renderer turns live bus events into log lines: upload progress in 10% steps,
// restart polling and connection trouble. Console lines go to out unchanged.
type renderer struct {
	logger *slog.Logger
	out    io.Writer

	mu        sync.Mutex
	lastSteps map[fileKey]int
}

func newRenderer(logger *slog.Logger, out io.Writer) *renderer {
	return &renderer{
		logger:    logger,
		out:       out,
		lastSteps: make(map[fileKey]int),
	}
}

// Start subscribes to deploy, device and console events until ctx ends.
// The returned channel is closed once the subscriptions are released.
func (r *renderer) Start(ctx context.Context, b bus.MessageBus) <-chan struct{} {
	done := make(chan struct{})
	progressSub := b.Subscribe(connectors.TopicUploadProgress)
	outcomeSub := b.Subscribe(connectors.TopicTransferOutcome)
	restartSub := b.Subscribe(connectors.TopicRestartStatus)
	connSub := b.Subscribe(connectors.TopicConnStatus)
	serialSub := b.Subscribe(connectors.TopicSerialLine)

	go func() {
		defer close(done)
		defer b.Unsubscribe(progressSub, connectors.TopicUploadProgress)
		defer b.Unsubscribe(outcomeSub, connectors.TopicTransferOutcome)
		defer b.Unsubscribe(restartSub, connectors.TopicRestartStatus)
		defer b.Unsubscribe(connSub, connectors.TopicConnStatus)
		defer b.Unsubscribe(serialSub, connectors.TopicSerialLine)

		for {
			select {
			case <-ctx.Done():
				return
			case raw := <-progressSub:
				if p, ok := raw.(connectors.UploadProgress); ok {
					r.progress(p)
				}
			case raw := <-outcomeSub:
				if o, ok := raw.(connectors.TransferOutcome); ok {
					r.outcome(o)
				}
			case raw := <-restartSub:
				if s, ok := raw.(connectors.RestartStatus); ok {
					r.restart(s)
				}
			case raw := <-connSub:
				if s, ok := raw.(connectors.ConnectionStatus); ok {
					r.connection(s)
				}
			case raw := <-serialSub:
				if line, ok := raw.(connectors.SerialLine); ok {
					_, _ = fmt.Fprintln(r.out, line.Text)
				}
			}
		}
	}()

	return done
}

func (r *renderer) progress(p connectors.UploadProgress) {
	key := fileKey{token: p.Token, index: p.Index}
	step := p.Percent / progressStepPercent

	r.mu.Lock()
	last, seen := r.lastSteps[key]
	if seen && step <= last {
		r.mu.Unlock()

		return
	}
	r.lastSteps[key] = step
	r.mu.Unlock()

	r.logger.Info(fmt.Sprintf("Uploading %s (%d/%d)", p.File, p.Index, p.Count), "percent", p.Percent, "kind", p.Kind)
}

// outcome forgets the file's progress state; the coordinator logs the result itself.
func (r *renderer) outcome(o connectors.TransferOutcome) {
	r.mu.Lock()
	delete(r.lastSteps, fileKey{token: o.Token, index: o.Index})
	r.mu.Unlock()
}

func (r *renderer) restart(s connectors.RestartStatus) {
	if s.Final {
		return
	}
	r.logger.Debug("waiting for device restart", "host", s.Host, "phase", s.Phase, "attempt", s.Attempts)
}

func (r *renderer) connection(s connectors.ConnectionStatus) {
	attrs := []any{"transport", s.TransportName, "target", s.Target, "state", s.State}
	if s.Err != "" {
		r.logger.Warn("connection state changed", append(attrs, "error", s.Err)...)

		return
	}
	r.logger.Debug("connection state changed", attrs...)
}
