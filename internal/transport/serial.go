package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	defaultSerialReadTimeout = 300 * time.Millisecond
	maxConsoleLine           = 16 << 10
)

// SerialTransport is a line-oriented view of the device's USB console.
// Each ReadFrame returns one line without its terminator.
type SerialTransport struct {
	portName string
	baudRate int

	mu      sync.Mutex
	port    serial.Port
	lines   *lineReader
	writeMu sync.Mutex
}

func NewSerialTransport(portName string, baudRate int) *SerialTransport {
	return &SerialTransport{
		portName: portName,
		baudRate: baudRate,
	}
}

func (t *SerialTransport) Name() string {
	return "serial"
}

func (t *SerialTransport) StatusTarget() string {
	return t.PortName()
}

func (t *SerialTransport) PortName() string {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.portName
}

func (t *SerialTransport) BaudRate() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.baudRate
}

func (t *SerialTransport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	logger := transportLogger("serial", "port", t.portName, "baud", t.baudRate)
	if t.port != nil {
		logger.Debug("connect skipped: already connected")

		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.portName == "" {
		logger.Warn("connect failed: serial port is empty")

		return errors.New("serial port is empty")
	}
	if t.baudRate <= 0 {
		logger.Warn("connect failed: invalid baud rate")

		return fmt.Errorf("invalid serial baud rate: %d", t.baudRate)
	}

	port, err := serial.Open(t.portName, &serial.Mode{BaudRate: t.baudRate})
	if err != nil {
		logger.Warn("open serial port failed", "error", err)

		return fmt.Errorf("open serial port %q: %w", t.portName, err)
	}
	if err := port.SetReadTimeout(defaultSerialReadTimeout); err != nil {
		_ = port.Close()

		return fmt.Errorf("set serial read timeout: %w", err)
	}
	t.port = port
	t.lines = newLineReader(port)
	logger.Info("connected")

	return nil
}

func (t *SerialTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.port == nil {
		return nil
	}
	err := t.port.Close()
	t.port = nil
	t.lines = nil
	transportLogger("serial", "port", t.portName).Info("closed")

	return err
}

func (t *SerialTransport) ReadFrame(ctx context.Context) ([]byte, error) {
	t.mu.Lock()
	lines := t.lines
	t.mu.Unlock()
	if lines == nil {
		return nil, errors.New("transport is not connected")
	}

	return lines.next(ctx)
}

// WriteFrame sends payload followed by a newline.
func (t *SerialTransport) WriteFrame(ctx context.Context, payload []byte) error {
	t.mu.Lock()
	port := t.port
	t.mu.Unlock()
	if port == nil {
		return errors.New("transport is not connected")
	}

	line := make([]byte, 0, len(payload)+1)
	line = append(line, payload...)
	line = append(line, '\n')

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFull(ctx, port, line); err != nil {
		return fmt.Errorf("write line: %w", err)
	}

	return nil
}

// ListPorts returns the serial ports visible to the OS.
func ListPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("list serial ports: %w", err)
	}

	return ports, nil
}

// lineReader splits a byte stream into lines. Reads returning (0, nil), as a
// serial port does on its read timeout, are retried until ctx ends.
type lineReader struct {
	r   io.Reader
	buf []byte
}

func newLineReader(r io.Reader) *lineReader {
	return &lineReader{r: r}
}

func (l *lineReader) next(ctx context.Context) ([]byte, error) {
	chunk := make([]byte, 512)
	for {
		if i := bytes.IndexByte(l.buf, '\n'); i >= 0 {
			line := bytes.TrimRight(l.buf[:i], "\r")
			out := append([]byte(nil), line...)
			l.buf = l.buf[i+1:]

			return out, nil
		}
		if len(l.buf) > maxConsoleLine {
			out := append([]byte(nil), l.buf...)
			l.buf = nil

			return out, nil
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := l.r.Read(chunk)
		if n > 0 {
			l.buf = append(l.buf, chunk[:n]...)
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(l.buf) > 0 {
				out := bytes.TrimRight(l.buf, "\r")
				l.buf = nil

				return append([]byte(nil), out...), nil
			}

			return nil, fmt.Errorf("read serial: %w", err)
		}
	}
}

func writeFull(ctx context.Context, w io.Writer, buf []byte) error {
	written := 0
	for written < len(buf) {
		if err := ctx.Err(); err != nil {
			return err
		}
		n, err := w.Write(buf[written:])
		if err != nil {
			return err
		}
		written += n
	}

	return nil
}
