package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Counter is a windowed hit counter. Incr bumps the key's count,
// starting a fresh window (with expiry) on the first hit, and returns
// the running count plus the time left in the window.
//
// Backed either by a shared Redis instance or by the in-process Local
// implementation.
type Counter interface {
	Incr(ctx context.Context, key string, window time.Duration) (count int64, ttl time.Duration, err error)
}

type localEntry struct {
	count     int64
	expiresAt time.Time
}

// Local is a process-wide Counter on a plain map. Suitable for a single
// replica; multi-replica deployments should point at Redis instead.
type Local struct {
	mu      sync.Mutex
	entries map[string]*localEntry
}

func NewLocal() *Local {
	return &Local{entries: make(map[string]*localEntry)}
}

func (l *Local) Incr(_ context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	e, ok := l.entries[key]
	if !ok || now.After(e.expiresAt) {
		e = &localEntry{expiresAt: now.Add(window)}
		l.entries[key] = e
	}
	e.count++

	// Opportunistic sweep so abandoned keys don't accumulate.
	if len(l.entries) > 4096 {
		for k, v := range l.entries {
			if now.After(v.expiresAt) {
				delete(l.entries, k)
			}
		}
	}

	return e.count, time.Until(e.expiresAt), nil
}
