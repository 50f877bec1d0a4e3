package httpclient

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter. It records the timestamp of
// each admitted call and blocks a new one while the window already holds
// maxCalls timestamps, waking when the oldest falls out of the window.
type Limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	calls    []time.Time
	now      func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// NewLimiter creates a limiter admitting maxCalls per window. A non-positive
// maxCalls disables limiting.
func NewLimiter(maxCalls int, window time.Duration) *Limiter {
	return &Limiter{
		maxCalls: maxCalls,
		window:   window,
		now:      time.Now,
		sleep:    sleepContext,
	}
}

// Wait blocks until a call slot is available or ctx is done. On success the
// call is recorded against the window.
func (l *Limiter) Wait(ctx context.Context) error {
	if l == nil || l.maxCalls <= 0 {
		return nil
	}

	for {
		l.mu.Lock()
		now := l.now()
		l.prune(now)

		if len(l.calls) < l.maxCalls {
			l.calls = append(l.calls, now)
			l.mu.Unlock()
			return nil
		}

		wait := l.calls[0].Add(l.window).Sub(now)
		l.mu.Unlock()

		if wait <= 0 {
			continue
		}

		slog.Debug("Rate limit window full, waiting",
			"wait", wait, "max_calls", l.maxCalls, "window", l.window)
		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Pending reports how many calls currently sit inside the window.
func (l *Limiter) Pending() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.calls)
}

// prune drops timestamps older than the window. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	i := 0
	for i < len(l.calls) && !l.calls[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.calls = append(l.calls[:0], l.calls[i:]...)
	}
}
