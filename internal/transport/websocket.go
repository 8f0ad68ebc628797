package transport

import (
	"bufio"
	"context"
	"crypto/rand"
	"crypto/sha1" // #nosec G505 -- required by the websocket accept-key derivation.
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultWSPort           = "80"
	defaultWSPath           = "/ws"
	defaultHandshakeTimeout = 3 * time.Second
	closeWriteTimeout       = time.Second
	readChunkSize           = 4096
	handshakeGUID           = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"
)

// ErrConnectionClosed is returned by ReadFrame once the peer sent a Close frame.
var ErrConnectionClosed = errors.New("websocket connection closed by peer")

// WSTransport is a minimal websocket client: upgrade handshake, masked text
// frames out, text messages in, ping/pong/close handled internally.
type WSTransport struct {
	host             string
	path             string
	header           http.Header
	handshakeTimeout time.Duration

	mu        sync.Mutex
	conn      net.Conn
	reader    *bufio.Reader
	writeMu   sync.Mutex
	closeSent atomic.Bool

	// Owned by the ReadFrame caller.
	recv    ReceiveBuffer
	pending []Decoded
	readErr error
}

// NewWSTransport creates a transport for ws://host/path. Extra handshake headers
// (e.g. the session cookie) are sent verbatim.
func NewWSTransport(host, path string, header http.Header) *WSTransport {
	if strings.TrimSpace(path) == "" {
		path = defaultWSPath
	}

	return &WSTransport{
		host:             strings.TrimSpace(host),
		path:             path,
		header:           header.Clone(),
		handshakeTimeout: defaultHandshakeTimeout,
	}
}

func (t *WSTransport) Name() string {
	return "websocket"
}

// SetHandshakeTimeout bounds dialing plus the upgrade exchange.
func (t *WSTransport) SetHandshakeTimeout(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d > 0 {
		t.handshakeTimeout = d
	}
}

func (t *WSTransport) StatusTarget() string {
	if t.host == "" {
		return ""
	}

	return "ws://" + t.host + t.path
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.conn != nil
}

func (t *WSTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("websocket", "target", t.StatusTarget())
	if t.conn != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if t.host == "" {
		logger.Warn("connect failed: host is empty")

		return errors.New("websocket host is empty")
	}

	addr := hostWithPort(t.host, defaultWSPort)
	dialer := net.Dialer{Timeout: t.handshakeTimeout}
	logger.Debug("connecting", "addr", addr)
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		logger.Debug("dial failed", "error", err)

		return fmt.Errorf("dial tcp: %w", err)
	}

	deadline := time.Now().Add(t.handshakeTimeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	_ = conn.SetDeadline(deadline)

	reader, err := t.handshake(conn)
	if err != nil {
		_ = conn.Close()
		logger.Debug("handshake failed", "error", err)

		return err
	}
	_ = conn.SetDeadline(time.Time{})

	t.attach(conn, reader)
	logger.Info("connected", "remote", conn.RemoteAddr().String())

	return nil
}

func (t *WSTransport) handshake(conn net.Conn) (*bufio.Reader, error) {
	key := newHandshakeKey()

	header := t.header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set("Upgrade", "websocket")
	header.Set("Connection", "Upgrade")
	header.Set("Sec-WebSocket-Key", key)
	header.Set("Sec-WebSocket-Version", "13")

	req := &http.Request{
		Method:     http.MethodGet,
		URL:        &url.URL{Scheme: "http", Host: t.host, Path: t.path},
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     header,
		Host:       t.host,
	}
	if err := req.Write(conn); err != nil {
		return nil, fmt.Errorf("write handshake request: %w", err)
	}

	reader := bufio.NewReaderSize(conn, readChunkSize)
	resp, err := http.ReadResponse(reader, req)
	if err != nil {
		return nil, fmt.Errorf("read handshake response: %w", err)
	}
	_ = resp.Body.Close()

	if resp.StatusCode != http.StatusSwitchingProtocols {
		return nil, fmt.Errorf("unexpected handshake status: %s", resp.Status)
	}
	if !strings.EqualFold(resp.Header.Get("Upgrade"), "websocket") {
		return nil, fmt.Errorf("unexpected upgrade header: %q", resp.Header.Get("Upgrade"))
	}
	if got, want := resp.Header.Get("Sec-WebSocket-Accept"), acceptKey(key); got != want {
		return nil, fmt.Errorf("handshake accept key mismatch: got %q want %q", got, want)
	}

	return reader, nil
}

// attach installs an already upgraded connection. Bytes buffered in reader past
// the handshake response are decoded before any new read.
func (t *WSTransport) attach(conn net.Conn, reader *bufio.Reader) {
	if reader == nil {
		reader = bufio.NewReaderSize(conn, readChunkSize)
	}
	t.conn = conn
	t.reader = reader
	t.closeSent.Store(false)
	t.recv.Reset()
	t.pending = nil
	t.readErr = nil
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("websocket", "target", t.StatusTarget())
	if t.conn == nil {
		logger.Debug("close skipped: not connected")

		return nil
	}

	if t.closeSent.CompareAndSwap(false, true) {
		if frame, err := EncodeClose(RoleClient); err == nil {
			t.writeMu.Lock()
			_ = t.conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
			if _, err := t.conn.Write(frame); err != nil {
				logger.Debug("write close frame failed", "error", err)
			}
			t.writeMu.Unlock()
		}
	}

	err := t.conn.Close()
	t.conn = nil
	t.reader = nil
	if err != nil {
		logger.Warn("close failed", "error", err)

		return err
	}
	logger.Info("closed")

	return nil
}

// ReadFrame returns the next non-empty text message. Pings are answered with
// pongs, pongs are dropped, a Close frame ends the stream with ErrConnectionClosed.
func (t *WSTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	logger := transportLogger("websocket")
	conn, reader, err := t.current()
	if err != nil {
		logger.Debug("read frame failed: not connected", "error", err)

		return nil, err
	}

	chunk := make([]byte, readChunkSize)
	for {
		for len(t.pending) > 0 {
			d := t.pending[0]
			t.pending = t.pending[1:]

			switch d.Kind {
			case DecodeMessage:
				logger.Debug("read frame", "len", len(d.Text))

				return []byte(d.Text), nil
			case DecodePing:
				if err := t.writeFrame(ctx, conn, OpPong, d.Payload); err != nil {
					logger.Debug("pong write failed", "error", err)
				}
			case DecodeClose:
				logger.Debug("close frame received")
				t.replyClose(conn)

				return nil, ErrConnectionClosed
			case DecodePong, DecodeNone:
			}
		}
		if t.readErr != nil {
			return nil, t.readErr
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if deadline, ok := ctx.Deadline(); ok {
			_ = conn.SetReadDeadline(deadline)
		} else {
			_ = conn.SetReadDeadline(time.Time{})
		}
		n, err := reader.Read(chunk)
		if n > 0 {
			t.pending = append(t.pending, t.recv.Feed(chunk[:n])...)
		}
		if err != nil {
			t.readErr = fmt.Errorf("read websocket: %w", err)
		}
	}
}

// WriteFrame sends payload as a single masked text frame.
func (t *WSTransport) WriteFrame(ctx context.Context, payload []byte) error {
	logger := transportLogger("websocket")
	conn, _, err := t.current()
	if err != nil {
		logger.Debug("write frame failed: not connected", "error", err)

		return err
	}
	if err := t.writeFrame(ctx, conn, OpText, payload); err != nil {
		logger.Warn("write frame failed", "payload_len", len(payload), "error", err)

		return err
	}
	logger.Debug("write frame", "payload_len", len(payload))

	return nil
}

func (t *WSTransport) writeFrame(ctx context.Context, conn net.Conn, op Opcode, payload []byte) error {
	frame, err := EncodeFrame(RoleClient, op, payload)
	if err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetWriteDeadline(deadline)
	} else {
		_ = conn.SetWriteDeadline(time.Time{})
	}
	if _, err := conn.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}

	return nil
}

func (t *WSTransport) replyClose(conn net.Conn) {
	if !t.closeSent.CompareAndSwap(false, true) {
		return
	}
	frame, err := EncodeClose(RoleClient)
	if err != nil {
		return
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(closeWriteTimeout))
	_, _ = conn.Write(frame)
}

func (t *WSTransport) current() (net.Conn, *bufio.Reader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn == nil {
		return nil, nil, errors.New("transport is not connected")
	}

	return t.conn, t.reader, nil
}

func hostWithPort(host, defaultPort string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}

	return net.JoinHostPort(strings.Trim(host, "[]"), defaultPort)
}

func newHandshakeKey() string {
	var raw [16]byte
	_, _ = rand.Read(raw[:])

	return base64.StdEncoding.EncodeToString(raw[:])
}

func acceptKey(key string) string {
	// #nosec G401 -- sha1 is mandated by the handshake, not used for security.
	sum := sha1.Sum([]byte(key + handshakeGUID))

	return base64.StdEncoding.EncodeToString(sum[:])
}
