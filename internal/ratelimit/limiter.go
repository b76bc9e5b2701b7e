// Package ratelimit bounds the outbound call rate to a broker endpoint with
// a rolling-window limiter. The KIS gateway enforces per-second quotas that
// differ between the live and paper endpoints, so one Limiter is constructed
// per endpoint profile and never shared across profiles.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"kisbot/internal/observ"
)

// Limiter admits at most maxCalls calls within any rolling period. Acquire
// blocks the caller until a slot is free; Remaining is a non-blocking read.
type Limiter struct {
	mu       sync.Mutex
	name     string
	maxCalls int
	period   time.Duration
	calls    []time.Time

	now   func() time.Time
	sleep func(context.Context, time.Duration) error
}

// New constructs a limiter for one endpoint profile.
func New(name string, maxCalls int, period time.Duration) *Limiter {
	return &Limiter{
		name:     name,
		maxCalls: maxCalls,
		period:   period,
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// prune drops window entries older than period. Caller holds mu.
func (l *Limiter) prune(now time.Time) {
	cut := 0
	for cut < len(l.calls) && now.Sub(l.calls[cut]) >= l.period {
		cut++
	}
	l.calls = l.calls[cut:]
}

// Acquire blocks until a call slot is available, then records the call.
// The whole check-and-record sequence runs under one lock so that two
// concurrent acquirers cannot both observe the same free slot.
func (l *Limiter) Acquire(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)

	if len(l.calls) >= l.maxCalls {
		wait := l.period - now.Sub(l.calls[0])
		if wait > 0 {
			observ.Warn("rate_limit_wait", map[string]any{
				"limiter": l.name, "in_window": len(l.calls), "max": l.maxCalls, "wait_ms": wait.Milliseconds(),
			})
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
		}
		l.calls = l.calls[1:]
	}

	l.calls = append(l.calls, l.now())
	return nil
}

// Remaining returns how many calls are still admissible in the current window.
func (l *Limiter) Remaining() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return l.maxCalls - len(l.calls)
}
