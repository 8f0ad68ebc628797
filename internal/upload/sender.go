package upload

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/skobkin/espdeploy/internal/device"
)

const (
	DefaultRequestTimeout = 5 * time.Minute
	responseBodyLimit     = 4 << 10
)

// Sender transfers one file and waits for the device's definitive answer.
type Sender interface {
	Send(ctx context.Context, s Session, f File) error
}

// HTTPSender posts the raw file to /upload/<name>.
type HTTPSender struct {
	// UserAgent is sent when set.
	UserAgent string

	logger  *slog.Logger
	client  *http.Client
	timeout time.Duration
}

func NewHTTPSender(logger *slog.Logger, timeout time.Duration) *HTTPSender {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}

	return &HTTPSender{
		logger: logger,
		client: &http.Client{
			Transport: &http.Transport{
				Proxy:             http.ProxyFromEnvironment,
				DisableKeepAlives: true,
			},
		},
		timeout: timeout,
	}
}

func (s *HTTPSender) Send(ctx context.Context, sess Session, f File) error {
	body, err := os.ReadFile(f.Path)
	if err != nil {
		return fmt.Errorf("read %s: %w", f.Path, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	target := device.BaseURL(sess.Host) + "/upload/" + url.PathEscape(f.Name)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("Cookie", sess.Cookie())
	req.Header.Set(PasswordHeader, sess.Credential)
	if s.UserAgent != "" {
		req.Header.Set("User-Agent", s.UserAgent)
	}

	s.logger.Debug("uploading file", "file", f.Name, "bytes", len(body), "target", target)
	start := time.Now()
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", f.Name, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	detail, _ := io.ReadAll(io.LimitReader(resp.Body, responseBodyLimit))
	if resp.StatusCode != http.StatusOK {
		return &TransferError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(detail)),
		}
	}
	s.logger.Debug("file uploaded", "file", f.Name, "duration", time.Since(start))

	return nil
}
