package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"hyperliquid-sentry/internal/logging"
)

func TestRunKeepsTickingThroughErrors(t *testing.T) {
	s := New(Options{Name: "test", Interval: 10 * time.Millisecond}, logging.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls int32
	done := make(chan error, 1)
	go func() {
		done <- s.Run(ctx, func(ctx context.Context, bucket time.Time) error {
			if atomic.AddInt32(&calls, 1) >= 3 {
				cancel()
			}
			return errors.New("boom")
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("run should end with context error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancel")
	}

	if got := atomic.LoadInt32(&calls); got < 3 {
		t.Fatalf("expected at least 3 ticks despite errors, got %d", got)
	}
}

func TestNextTickAligns(t *testing.T) {
	s := New(Options{Name: "test", Interval: time.Hour, AlignToStart: true}, logging.Nop())

	now := time.Date(2026, 2, 3, 10, 20, 0, 0, time.UTC)
	next := s.nextTick(now)
	if want := time.Date(2026, 2, 3, 11, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Fatalf("next tick = %s, want %s", next, want)
	}
	if !s.bucketStart(next).Equal(next) {
		t.Fatalf("aligned bucket should equal tick time")
	}

	exact := time.Date(2026, 2, 3, 11, 0, 0, 0, time.UTC)
	if got := s.nextTick(exact); !got.Equal(exact.Add(time.Hour)) {
		t.Fatalf("tick on the boundary should move to the next bucket, got %s", got)
	}
}

func TestNextTickUnaligned(t *testing.T) {
	s := New(Options{Name: "test", Interval: time.Minute}, logging.Nop())

	now := time.Date(2026, 2, 3, 10, 20, 30, 0, time.UTC)
	if got := s.nextTick(now); !got.Equal(now.Add(time.Minute)) {
		t.Fatalf("unaligned next tick = %s", got)
	}
}

func TestNewPanicsOnBadInterval(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic for non-positive interval")
		}
	}()
	New(Options{Name: "broken"}, logging.Nop())
}
