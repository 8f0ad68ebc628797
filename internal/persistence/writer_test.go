package persistence

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func TestWriterQueueRunsInOrderAndFlushes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWriterQueue(slog.New(slog.NewTextHandler(io.Discard, nil)), 8)
	w.Start(ctx)

	var (
		mu  sync.Mutex
		got []int
	)
	for i := 1; i <= 5; i++ {
		n := i
		w.Enqueue("append", func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			got = append(got, n)

			return nil
		})
	}

	flushCtx, flushCancel := context.WithTimeout(ctx, 2*time.Second)
	defer flushCancel()
	if err := w.Flush(flushCtx); err != nil {
		t.Fatalf("flush: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 5 {
		t.Fatalf("expected 5 writes before flush returned, got %v", got)
	}
}

func TestWriterQueueRetriesFailedWrite(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	w := NewWriterQueue(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	w.Start(ctx)

	attempts := 0
	w.Enqueue("flaky", func(context.Context) error {
		attempts++
		if attempts < 2 {
			return errors.New("database is locked")
		}

		return nil
	})

	flushCtx, flushCancel := context.WithTimeout(ctx, 2*time.Second)
	defer flushCancel()
	if err := w.Flush(flushCtx); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if attempts != 2 {
		t.Fatalf("expected 2 attempts, got %d", attempts)
	}
}

func TestWriterQueueFlushAfterStop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	w := NewWriterQueue(slog.New(slog.NewTextHandler(io.Discard, nil)), 0)
	w.Start(ctx)
	cancel()
	<-w.Done()

	if err := w.Flush(context.Background()); err == nil {
		t.Fatalf("expected flush error after writer stopped")
	}
}
