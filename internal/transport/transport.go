package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
)

// Transport is a message-oriented connection to the device.
// ReadFrame returns the next application payload; control traffic is handled internally.
type Transport interface {
	Name() string
	Connect(ctx context.Context) error
	Close() error
	ReadFrame(ctx context.Context) ([]byte, error)
	WriteFrame(ctx context.Context, payload []byte) error
}

// ErrConnectTimeout marks a connect or probe that ran out of its time budget.
var ErrConnectTimeout = errors.New("connect timeout")

type StatusTargetResolver interface {
	StatusTarget() string
}

// IsTimeout reports whether err came from an expired deadline or dial timeout.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error

	return errors.As(err, &netErr) && netErr.Timeout()
}

func transportLogger(name string, attrs ...any) *slog.Logger {
	logger := slog.With("component", "transport", "transport", name)
	if len(attrs) == 0 {
		return logger
	}

	return logger.With(attrs...)
}
