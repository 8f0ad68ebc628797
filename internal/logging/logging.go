package logging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/skobkin/espdeploy/internal/config"
)

// Manager owns the process logger. Console records go to stderr at the
// configured level and format. The optional log file gets every record from
// debug up as JSON.
type Manager struct {
	mu      sync.RWMutex
	console io.Writer
	level   *slog.LevelVar
	root    *slog.Logger
	file    *os.File
}

func NewManager() *Manager {
	return NewManagerWithConsole(os.Stderr)
}

// NewManagerWithConsole writes console records to w instead of stderr.
func NewManagerWithConsole(w io.Writer) *Manager {
	if w == nil {
		w = io.Discard
	}
	level := new(slog.LevelVar)
	level.Set(slog.LevelInfo)

	return &Manager{
		console: w,
		level:   level,
		root:    slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})),
	}
}

func (m *Manager) Configure(cfg config.LoggingConfig, filePath string) error {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return err
	}

	var file *os.File
	if cfg.LogToFile {
		if strings.TrimSpace(filePath) == "" {
			return errors.New("log file path is empty")
		}
		cleanPath := filepath.Clean(filePath)
		if err := os.MkdirAll(filepath.Dir(cleanPath), 0o750); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
		// #nosec G304 -- path is resolved by app runtime and points to user config dir.
		file, err = os.OpenFile(cleanPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file != nil {
		_ = m.file.Close()
	}
	m.file = file
	m.level.Set(level)

	handler := consoleHandler(cfg.Format, m.console, m.level)
	if file != nil {
		handler = teeHandler{handler, slog.NewJSONHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug})}
	}
	m.root = slog.New(handler)
	slog.SetDefault(m.root)

	return nil
}

// Logger returns the root logger tagged with component.
func (m *Manager) Logger(component string) *slog.Logger {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.root.With("component", component)
}

// Level is the current console level.
func (m *Manager) Level() slog.Level {
	return m.level.Level()
}

func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.file == nil {
		return nil
	}
	err := m.file.Close()
	m.file = nil

	return err
}

// ParseLevel accepts debug, info, warn (or warning) and error. Empty means info.
func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported log level: %q", raw)
	}
}

func consoleHandler(format config.LogFormat, w io.Writer, level slog.Leveler) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if format == config.LogFormatJSON {
		return slog.NewJSONHandler(w, opts)
	}

	return slog.NewTextHandler(w, opts)
}

// teeHandler hands each record to every child that accepts its level.
// A record counts as handled when at least one child wrote it.
type teeHandler []slog.Handler

func (t teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t {
		if h.Enabled(ctx, level) {
			return true
		}
	}

	return false
}

func (t teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var (
		handled bool
		errs    []error
	)
	for _, h := range t {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
			continue
		}
		handled = true
	}
	if handled {
		return nil
	}

	return errors.Join(errs...)
}

func (t teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithAttrs(attrs)
	}

	return out
}

func (t teeHandler) WithGroup(name string) slog.Handler {
	out := make(teeHandler, len(t))
	for i, h := range t {
		out[i] = h.WithGroup(name)
	}

	return out
}
