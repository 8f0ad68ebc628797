package device

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/skobkin/espdeploy/internal/transport"
)

func testProber() *Prober {
	return NewProber(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestProbeAnyResponseIsReachable(t *testing.T) {
	tests := []struct {
		name   string
		status int
	}{
		{name: "ok", status: http.StatusOK},
		{name: "not found", status: http.StatusNotFound},
		{name: "server error", status: http.StatusInternalServerError},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var gotPath string
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotPath = r.URL.Path
				w.WriteHeader(tc.status)
			}))
			defer srv.Close()

			res := testProber().Probe(context.Background(), strings.TrimPrefix(srv.URL, "http://"), time.Second)
			if !res.Reachable() {
				t.Fatalf("expected reachable, got %+v", res)
			}
			if res.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, res.StatusCode)
			}
			if gotPath != "/" {
				t.Fatalf("expected probe on /, got %q", gotPath)
			}
		})
	}
}

func TestProbeUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	res := testProber().Probe(context.Background(), host, time.Second)
	if res.Reachable() {
		t.Fatalf("expected unreachable for closed server")
	}
	if res.State != LivenessUnreachable {
		t.Fatalf("expected state %s, got %s", LivenessUnreachable, res.State)
	}
	if res.Detail == "" || res.Err == nil {
		t.Fatalf("expected error detail, got %+v", res)
	}

	if _, err := testProber().Check(context.Background(), host, time.Second); !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable from check, got %v", err)
	}
}

func TestProbeTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	host := strings.TrimPrefix(srv.URL, "http://")
	res := testProber().Probe(context.Background(), host, 50*time.Millisecond)
	if res.Reachable() {
		t.Fatalf("expected unreachable on timeout")
	}
	if !errors.Is(res.Err, transport.ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", res.Err)
	}

	if _, err := testProber().Check(context.Background(), host, 50*time.Millisecond); !errors.Is(err, transport.ErrConnectTimeout) {
		t.Fatalf("expected check to report ErrConnectTimeout, got %v", err)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "esp32.local", want: "http://esp32.local"},
		{in: " 192.168.4.1:8080 ", want: "http://192.168.4.1:8080"},
		{in: "http://device/", want: "http://device"},
		{in: "https://device.example", want: "https://device.example"},
	}

	for _, tc := range tests {
		if got := BaseURL(tc.in); got != tc.want {
			t.Fatalf("BaseURL(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}
