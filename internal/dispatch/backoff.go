package dispatch

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Policy selects how the delay between attempts grows.
type Policy string

const (
	PolicyFixed       Policy = "fixed"
	PolicyExponential Policy = "exponential"
)

// ParsePolicy validates a configured backoff policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyFixed, PolicyExponential:
		return Policy(s), nil
	case "":
		return PolicyExponential, nil
	default:
		return "", fmt.Errorf("unknown backoff policy %q", s)
	}
}

// Backoff configures the delay applied before a URL is retried.
type Backoff struct {
	Policy Policy
	// Base is the fixed delay, or the first delay of an exponential series.
	Base time.Duration
	// Max caps exponential growth.
	Max time.Duration
	// Multiplier defaults to 2.
	Multiplier float64
	// Jitter adds up to Jitter*delay of random extra wait (0.0 to 1.0).
	Jitter float64
}

// DefaultBackoff returns an exponential backoff starting at 500ms capped at 10s.
func DefaultBackoff() Backoff {
	return Backoff{
		Policy:     PolicyExponential,
		Base:       500 * time.Millisecond,
		Max:        10 * time.Second,
		Multiplier: 2,
	}
}

// maxDelay is the longest representable wait.
const maxDelay = time.Duration(math.MaxInt64)

// Delay returns the wait before the given retry, counting from 1. Without a
// Max the exponential series saturates at maxDelay instead of overflowing.
func (b Backoff) Delay(retry int) time.Duration {
	if b.Base <= 0 || retry < 1 {
		return 0
	}

	d := b.Base
	if b.Policy != PolicyFixed {
		mult := b.Multiplier
		if mult <= 1 {
			mult = 2
		}
		f := float64(b.Base) * math.Pow(mult, float64(retry-1))
		if b.Max > 0 && f > float64(b.Max) {
			f = float64(b.Max)
		}
		if f >= float64(maxDelay) {
			d = maxDelay
		} else {
			d = time.Duration(f)
		}
	}

	if b.Jitter > 0 {
		j := min(b.Jitter, 1)
		extra := rand.Float64() * j * float64(d)
		if extra >= float64(maxDelay-d) {
			return maxDelay
		}
		d += time.Duration(extra)
	}
	return d
}

// Wait sleeps for the delay of the given retry or until ctx is done.
func (b Backoff) Wait(ctx context.Context, retry int) error {
	d := b.Delay(retry)
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
