package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	// idleAfter is how long a caller may stay quiet before its allowance is
	// forgotten. A forgotten caller starts again with a full burst.
	idleAfter    = 10 * time.Minute
	sweepEvery   = time.Minute
	minimumBurst = 1
)

// allowance is what one caller of one limited endpoint has left.
type allowance struct {
	tokens float64
	seen   time.Time
}

// take refills a for the time since it was last seen and spends one token.
func (a *allowance) take(now time.Time, perSecond, ceiling float64) bool {
	a.tokens = min(ceiling, a.tokens+now.Sub(a.seen).Seconds()*perSecond)
	a.seen = now
	if a.tokens < 1 {
		return false
	}
	a.tokens--
	return true
}

// MemoryLimiter keeps an allowance per key in this process. Keys come from
// Middleware as "<endpoint>:<client ip>", so the service-account token
// endpoint and agent login are throttled independently for the same client.
// Separate instances behind a load balancer each count on their own.
type MemoryLimiter struct {
	perSecond float64
	ceiling   float64
	clock     func() time.Time

	mu      sync.Mutex
	callers map[string]*allowance

	closeOnce sync.Once
	stop      chan struct{}
}

// NewMemoryLimiter allows perSecond requests per key on average and up to
// burst at once. It starts a janitor goroutine that Close stops.
func NewMemoryLimiter(perSecond float64, burst int) *MemoryLimiter {
	m := newMemoryLimiter(perSecond, burst, time.Now)
	go m.janitor()
	return m
}

func newMemoryLimiter(perSecond float64, burst int, clock func() time.Time) *MemoryLimiter {
	return &MemoryLimiter{
		perSecond: perSecond,
		ceiling:   float64(max(burst, minimumBurst)),
		clock:     clock,
		callers:   make(map[string]*allowance),
		stop:      make(chan struct{}),
	}
}

func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()
	a, known := m.callers[key]
	if !known {
		a = &allowance{tokens: m.ceiling, seen: now}
		m.callers[key] = a
	}
	return a.take(now, m.perSecond, m.ceiling), nil
}

// Close stops the janitor. Later calls are no-ops.
func (m *MemoryLimiter) Close() error {
	m.closeOnce.Do(func() { close(m.stop) })
	return nil
}

func (m *MemoryLimiter) janitor() {
	t := time.NewTicker(sweepEvery)
	defer t.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-t.C:
			m.sweep()
		}
	}
}

// sweep forgets callers idle for longer than idleAfter.
func (m *MemoryLimiter) sweep() {
	cutoff := m.clock().Add(-idleAfter)

	m.mu.Lock()
	defer m.mu.Unlock()
	for key, a := range m.callers {
		if a.seen.Before(cutoff) {
			delete(m.callers, key)
		}
	}
}

func (m *MemoryLimiter) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.callers)
}
