package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/skobkin/espdeploy/internal/connectors"
	"github.com/skobkin/espdeploy/internal/device"
)

type deviceRequest struct {
	path        string
	cookie      string
	password    string
	contentType string
	length      int64
	body        string
}

// fakeDevice answers /upload/<name> with the status configured for name, 200 otherwise.
type fakeDevice struct {
	mu       sync.Mutex
	requests []deviceRequest
	statuses map[string]int
}

func (d *fakeDevice) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	cookie := ""
	if c, err := r.Cookie(SessionCookie); err == nil {
		cookie = c.Value
	}
	d.mu.Lock()
	d.requests = append(d.requests, deviceRequest{
		path:        r.URL.Path,
		cookie:      cookie,
		password:    r.Header.Get(PasswordHeader),
		contentType: r.Header.Get("Content-Type"),
		length:      r.ContentLength,
		body:        string(body),
	})
	status := d.statuses[strings.TrimPrefix(r.URL.Path, "/upload/")]
	d.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)

		return
	}
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = io.WriteString(w, http.StatusText(status)+"\n")
}

func writeFile(t *testing.T, dir, name, content string) File {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}

	return File{Path: path, Name: name}
}

func TestHTTPSenderRequestShape(t *testing.T) {
	dev := &fakeDevice{}
	srv := httptest.NewServer(dev)
	defer srv.Close()

	f := writeFile(t, t.TempDir(), "index.html", "<html></html>")
	sess := Session{Token: "0011223344556677", Host: strings.TrimPrefix(srv.URL, "http://"), Credential: "secret"}

	if err := NewHTTPSender(quietLogger(), time.Second).Send(context.Background(), sess, f); err != nil {
		t.Fatalf("send: %v", err)
	}

	if len(dev.requests) != 1 {
		t.Fatalf("expected one request, got %d", len(dev.requests))
	}
	got := dev.requests[0]
	want := deviceRequest{
		path:        "/upload/index.html",
		cookie:      "0011223344556677",
		password:    "secret",
		contentType: "application/octet-stream",
		length:      int64(len("<html></html>")),
		body:        "<html></html>",
	}
	if got != want {
		t.Fatalf("expected request %+v, got %+v", want, got)
	}
}

func TestHTTPSenderStatusMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantAuth bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantAuth: true},
		{name: "forbidden", status: http.StatusForbidden, wantAuth: true},
		{name: "server error", status: http.StatusInternalServerError},
		{name: "created is not success", status: http.StatusCreated},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			dev := &fakeDevice{statuses: map[string]int{"app.js": tc.status}}
			srv := httptest.NewServer(dev)
			defer srv.Close()

			f := writeFile(t, t.TempDir(), "app.js", "console.log(1)")
			sess := Session{Token: "t", Host: srv.URL}
			err := NewHTTPSender(quietLogger(), time.Second).Send(context.Background(), sess, f)

			var te *TransferError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransferError, got %v", err)
			}
			if te.StatusCode != tc.status {
				t.Fatalf("expected status %d, got %d", tc.status, te.StatusCode)
			}
			if te.Body != http.StatusText(tc.status) {
				t.Fatalf("expected body detail %q, got %q", http.StatusText(tc.status), te.Body)
			}
			if errors.Is(err, ErrUnauthorized) != tc.wantAuth {
				t.Fatalf("expected auth=%v for status %d", tc.wantAuth, tc.status)
			}
		})
	}
}

func TestHTTPSenderMissingFile(t *testing.T) {
	err := NewHTTPSender(quietLogger(), time.Second).Send(context.Background(), Session{Host: "127.0.0.1:1"}, File{Path: filepath.Join(t.TempDir(), "missing.bin"), Name: "missing.bin"})
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestCoordinatorAgainstFakeDevice(t *testing.T) {
	dev := &fakeDevice{statuses: map[string]int{"b.js": http.StatusInternalServerError}}
	srv := httptest.NewServer(dev)
	defer srv.Close()

	dir := t.TempDir()
	files := []File{
		writeFile(t, dir, "a.html", "a"),
		writeFile(t, dir, "b.js", "b"),
		writeFile(t, dir, "c.css", "c"),
	}
	host := strings.TrimPrefix(srv.URL, "http://")
	c := NewCoordinator(quietLogger(), nil, NewHTTPSender(quietLogger(), time.Second), nil, nil, device.RestartOptions{})

	res := c.Run(context.Background(), Request{Kind: connectors.SessionKindData, Host: host, Credential: "pw", Files: files})
	if res.Succeeded != 2 || res.Failed != 1 || res.Aborted {
		t.Fatalf("expected 2/1/false, got %d/%d/%v", res.Succeeded, res.Failed, res.Aborted)
	}
	if len(dev.requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(dev.requests))
	}
	for i, name := range []string{"a.html", "b.js", "c.css"} {
		if dev.requests[i].path != "/upload/"+name {
			t.Fatalf("request %d: expected /upload/%s, got %s", i, name, dev.requests[i].path)
		}
		if dev.requests[i].cookie != res.Token {
			t.Fatalf("request %d: expected cookie %q, got %q", i, res.Token, dev.requests[i].cookie)
		}
	}
}
