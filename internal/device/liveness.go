package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/skobkin/espdeploy/internal/transport"
)

const (
	DefaultProbeTimeout = 3 * time.Second
	probeDrainLimit     = 512
)

// ErrUnreachable is returned by Check when the device did not answer.
var ErrUnreachable = errors.New("device unreachable")

type Liveness int

const (
	LivenessUnknown Liveness = iota
	LivenessReachable
	LivenessUnreachable
)

func (l Liveness) String() string {
	switch l {
	case LivenessReachable:
		return "reachable"
	case LivenessUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// ProbeResult is one liveness observation. Err is set only for unreachable results.
type ProbeResult struct {
	State      Liveness
	StatusCode int
	Detail     string
	Err        error
}

func (r ProbeResult) Reachable() bool {
	return r.State == LivenessReachable
}

// Prober checks reachability with GET / against the device. Any HTTP response
// counts as reachable, regardless of status.
type Prober struct {
	// UserAgent is sent when set.
	UserAgent string

	logger *slog.Logger
	client *http.Client
}

func NewProber(logger *slog.Logger) *Prober {
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		logger: logger,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// Probe never fails; errors are folded into an unreachable result.
func (p *Prober) Probe(ctx context.Context, host string, timeout time.Duration) ProbeResult {
	if timeout <= 0 {
		timeout = DefaultProbeTimeout
	}
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	target := BaseURL(host) + "/"
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, target, nil)
	if err != nil {
		return unreachable(fmt.Errorf("build probe request: %w", err))
	}
	if p.UserAgent != "" {
		req.Header.Set("User-Agent", p.UserAgent)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if transport.IsTimeout(err) || errors.Is(probeCtx.Err(), context.DeadlineExceeded) {
			err = fmt.Errorf("%w after %s", transport.ErrConnectTimeout, timeout)
		}
		p.logger.Debug("probe failed", "target", target, "error", err)

		return unreachable(err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, probeDrainLimit))
	_ = resp.Body.Close()
	p.logger.Debug("probe answered", "target", target, "status", resp.StatusCode)

	return ProbeResult{
		State:      LivenessReachable,
		StatusCode: resp.StatusCode,
		Detail:     resp.Status,
	}
}

// Check is the explicit reachability check: it turns an unreachable result into an error.
func (p *Prober) Check(ctx context.Context, host string, timeout time.Duration) (ProbeResult, error) {
	res := p.Probe(ctx, host, timeout)
	if res.Reachable() {
		return res, nil
	}
	if errors.Is(res.Err, transport.ErrConnectTimeout) {
		return res, res.Err
	}

	return res, fmt.Errorf("%w: %s", ErrUnreachable, res.Detail)
}

// BaseURL turns a bare host ("esp32.local", "192.168.4.1:8080") into an http URL without a trailing slash.
func BaseURL(host string) string {
	host = strings.TrimSpace(host)
	if !strings.Contains(host, "://") {
		host = "http://" + host
	}

	return strings.TrimRight(host, "/")
}

func unreachable(err error) ProbeResult {
	return ProbeResult{
		State:  LivenessUnreachable,
		Detail: err.Error(),
		Err:    err,
	}
}
