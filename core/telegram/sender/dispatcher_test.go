package sender

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestDispatcherRetriesTransientErrors(t *testing.T) {
	transient := errors.New("transient")
	d := NewDispatcher(Options{
		Workers:      1,
		MaxRetries:   2,
		RetryBackoff: time.Millisecond,
		Retryable:    func(err error) bool { return errors.Is(err, transient) },
	})
	var calls atomic.Int32
	err := d.Enqueue(context.Background(), "test", func() error {
		if calls.Add(1) < 3 {
			return transient
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d.Close()
	if calls.Load() != 3 {
		t.Fatalf("calls = %d, want 3", calls.Load())
	}
	if sent, failed := d.Stats(); sent != 1 || failed != 0 {
		t.Fatalf("stats = %d/%d", sent, failed)
	}
}

func TestDispatcherStopsOnPermanentError(t *testing.T) {
	d := NewDispatcher(Options{Workers: 1, MaxRetries: 5, RetryBackoff: time.Millisecond})
	var calls atomic.Int32
	if err := d.Enqueue(context.Background(), "test", func() error {
		calls.Add(1)
		return errors.New("bad request")
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	d.Close()
	if calls.Load() != 1 {
		t.Fatalf("permanent errors must not retry, calls = %d", calls.Load())
	}
	if _, failed := d.Stats(); failed != 1 {
		t.Fatalf("failed = %d", failed)
	}
}

func TestDispatcherClosedAndFull(t *testing.T) {
	block := make(chan struct{})
	d := NewDispatcher(Options{Workers: 1, QueueSize: 1})
	started := make(chan struct{})
	_ = d.Enqueue(context.Background(), "block", func() error {
		close(started)
		<-block
		return nil
	})
	<-started
	if err := d.Enqueue(context.Background(), "queued", func() error { return nil }); err != nil {
		t.Fatalf("Enqueue into free slot: %v", err)
	}
	if err := d.Enqueue(context.Background(), "overflow", func() error { return nil }); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	close(block)
	d.Close()
	if err := d.Enqueue(context.Background(), "late", func() error { return nil }); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected ErrQueueClosed, got %v", err)
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(nil) || Retryable(errors.New("telegram: bad request (400)")) {
		t.Fatal("client errors must not be retried")
	}
	if !Retryable(errors.New("telegram: internal error (502)")) {
		t.Fatal("5xx responses should be retried")
	}
	if got := redact(errors.New("Post https://api.telegram.org/bot123:ABC-def/sendMessage")); got != "Post https://api.telegram.org/bot<redacted>/sendMessage" {
		t.Fatalf("redact = %q", got)
	}
}
