// Package ratelimit caps submission attempts per caller key in fixed windows.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Decision is the outcome of one attempt against the limit.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ResetAtEpochMs is the end of the current window in milliseconds since epoch.
func (d Decision) ResetAtEpochMs() int64 {
	return d.ResetAt.UnixMilli()
}

// RetryAfter is how long the caller should wait before the window resets.
// It is never below one second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now).Round(time.Second)
	if wait < time.Second {
		wait = time.Second
	}
	return wait
}

// Limiter counts one attempt for key and reports whether it is allowed.
type Limiter interface {
	CheckLimit(ctx context.Context, key string) (Decision, error)
}

func decide(limit, count int, windowStart time.Time, window time.Duration) Decision {
	d := Decision{
		Allowed:   count <= limit,
		Limit:     limit,
		Remaining: limit - count,
		ResetAt:   windowStart.Add(window),
	}
	if d.Remaining < 0 {
		d.Remaining = 0
	}
	return d
}

type counterWindow struct {
	start time.Time
	count int
}

// Memory keeps counters in process. It is correct for a single instance only;
// use SQL when several instances serve the same callers.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu       sync.Mutex
	counters map[string]*counterWindow
	sweepAt  time.Time
}

func NewMemory(limit int, window time.Duration) *Memory {
	return &Memory{
		limit:    limit,
		window:   window,
		now:      time.Now,
		counters: map[string]*counterWindow{},
	}
}

func (m *Memory) CheckLimit(ctx context.Context, key string) (Decision, error) {
	now := m.now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.sweep(now)

	w, ok := m.counters[key]
	if !ok || !now.Before(w.start.Add(m.window)) {
		w = &counterWindow{start: now}
		m.counters[key] = w
	}
	w.count++

	return decide(m.limit, w.count, w.start, m.window), nil
}

// sweep drops expired windows, at most once per window length.
func (m *Memory) sweep(now time.Time) {
	if now.Before(m.sweepAt) {
		return
	}
	for key, w := range m.counters {
		if !now.Before(w.start.Add(m.window)) {
			delete(m.counters, key)
		}
	}
	m.sweepAt = now.Add(m.window)
}
