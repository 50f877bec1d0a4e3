package httpclient

import (
	"context"
	"testing"
	"time"
)

func TestLimiterAdmitsUpToMax(t *testing.T) {
	clock := time.Unix(1000, 0)
	l := NewLimiter(3, time.Minute)
	l.now = func() time.Time { return clock }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		t.Fatalf("Unexpected sleep of %v", d)
		return nil
	}

	for i := 0; i < 3; i++ {
		if err := l.Wait(context.Background()); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	if got := l.Pending(); got != 3 {
		t.Errorf("Pending() = %d, want 3", got)
	}
}

func TestLimiterBlocksUntilWindowRolls(t *testing.T) {
	clock := time.Unix(1000, 0)
	var slept time.Duration
	l := NewLimiter(2, time.Minute)
	l.now = func() time.Time { return clock }
	l.sleep = func(ctx context.Context, d time.Duration) error {
		slept += d
		clock = clock.Add(d)
		return nil
	}

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := l.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}

	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait() after full window error = %v", err)
	}

	if slept != time.Minute {
		t.Errorf("Expected to wait one full window, slept %v", slept)
	}
	if got := l.Pending(); got != 1 {
		t.Errorf("Pending() after roll = %d, want 1", got)
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	clock := time.Unix(1000, 0)
	l := NewLimiter(2, time.Minute)
	l.now = func() time.Time { return clock }

	ctx := context.Background()
	_ = l.Wait(ctx)
	_ = l.Wait(ctx)

	clock = clock.Add(61 * time.Second)

	if got := l.Pending(); got != 0 {
		t.Errorf("Pending() after expiry = %d, want 0", got)
	}
	if err := l.Wait(ctx); err != nil {
		t.Errorf("Wait() after expiry error = %v", err)
	}
}

func TestLimiterRespectsContext(t *testing.T) {
	l := NewLimiter(1, time.Hour)

	ctx := context.Background()
	if err := l.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}

	cancelled, cancel := context.WithCancel(ctx)
	cancel()

	if err := l.Wait(cancelled); err != context.Canceled {
		t.Errorf("Wait() with cancelled context = %v, want context.Canceled", err)
	}
}

func TestLimiterDisabled(t *testing.T) {
	var l *Limiter
	if err := l.Wait(context.Background()); err != nil {
		t.Errorf("nil limiter Wait() error = %v", err)
	}

	zero := NewLimiter(0, time.Minute)
	for i := 0; i < 100; i++ {
		if err := zero.Wait(context.Background()); err != nil {
			t.Fatalf("Disabled limiter Wait() error = %v", err)
		}
	}
}
