// Package ratelimit paces requests per target host.
package ratelimit

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter spaces out requests to the same key, typically a target host, with
// optional jitter. Distinct keys do not wait on each other. It is safe for
// concurrent use; a nil Limiter never blocks.
type Limiter struct {
	rps      float64
	jitter   float64 // 0.0 to 1.0
	interval time.Duration

	mu   sync.Mutex
	keys map[string]*rate.Limiter
}

// NewLimiter creates a limiter allowing rps requests per second per key with
// up to jitter*interval of extra random delay. It returns nil when rps <= 0.
func NewLimiter(rps float64, jitter float64) *Limiter {
	if rps <= 0 {
		return nil
	}
	return &Limiter{
		rps:      rps,
		jitter:   min(max(jitter, 0), 1),
		interval: time.Duration(float64(time.Second) / rps),
		keys:     make(map[string]*rate.Limiter),
	}
}

// Wait blocks until a request to key may be sent or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	if l == nil {
		return nil
	}
	if err := l.forKey(key).Wait(ctx); err != nil {
		return err
	}
	if l.jitter == 0 {
		return nil
	}

	extra := time.Duration(rand.Float64() * l.jitter * float64(l.interval))
	timer := time.NewTimer(extra)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Limiter) forKey(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.keys[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(l.rps), 1)
		l.keys[key] = lim
	}
	return lim
}
