package poll

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestEveryRunsImmediatelyAndStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	done := make(chan error, 1)
	go func() {
		done <- Every(ctx, 5*time.Millisecond, func(context.Context) error {
			calls.Add(1)
			return nil
		})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for calls.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil on cancel, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("poll did not stop after cancel")
	}
	stopped := calls.Load()
	if stopped < 3 {
		t.Fatalf("expected at least 3 ticks, got %d", stopped)
	}
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != stopped {
		t.Fatalf("expected no ticks after cancel")
	}
}

func TestEveryReturnsFnError(t *testing.T) {
	boom := errors.New("boom")
	err := Every(context.Background(), time.Millisecond, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if err := Every(context.Background(), 0, func(context.Context) error { return nil }); err == nil {
		t.Fatalf("expected interval validation error")
	}
}
