package dispatch

import (
	"errors"
	"fmt"

	"github.com/FranksOps/rotor/pkg/proxy"
)

var (
	// ErrNoProxyAvailable is returned for a URL when the pool had no
	// eligible proxy at selection time. It is not retried.
	ErrNoProxyAvailable = errors.New("no proxy available")
	// ErrRequestExhausted is returned for a URL that failed on every attempt.
	ErrRequestExhausted = errors.New("request exhausted")
)

// RequestExhaustedError carries the final attempt of a URL that ran out of retries.
type RequestExhaustedError struct {
	URL      string
	Attempts int
	Last     proxy.Outcome
}

func (e *RequestExhaustedError) Error() string {
	msg := fmt.Sprintf("request exhausted for %s after %d attempts: last outcome %s", e.URL, e.Attempts, e.Last.Kind)
	if e.Last.Reason != "" {
		msg += ": " + e.Last.Reason
	}
	return msg
}

func (e *RequestExhaustedError) Unwrap() error { return ErrRequestExhausted }
