package proxy

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateProxy is returned by Load when two entries share an address and port.
	ErrDuplicateProxy = errors.New("duplicate proxy")
	// ErrMalformedProxyEntry marks a proxy list line that could not be parsed.
	ErrMalformedProxyEntry = errors.New("malformed proxy entry")
	// ErrPoolExhausted is returned when no record is eligible for selection.
	ErrPoolExhausted = errors.New("proxy pool exhausted")
	// ErrUnknownProxy is returned when a key does not belong to the pool.
	ErrUnknownProxy = errors.New("proxy not found in pool")
	// ErrNotReserved is returned by Release for a record that was not selected.
	ErrNotReserved = errors.New("proxy is not reserved")
	// ErrReserved is returned by MarkValidated for a record that is in flight.
	ErrReserved = errors.New("proxy is reserved")
	// ErrPoolBusy is returned by Load while reservations are outstanding.
	ErrPoolBusy = errors.New("proxy pool has outstanding reservations")
)

// DuplicateProxyError names the key that appeared twice.
type DuplicateProxyError struct {
	Key string
}

func (e *DuplicateProxyError) Error() string {
	return fmt.Sprintf("%s: %s", ErrDuplicateProxy, e.Key)
}

func (e *DuplicateProxyError) Unwrap() error { return ErrDuplicateProxy }

// MalformedEntryError describes a rejected line of a proxy list.
type MalformedEntryError struct {
	Line   int
	Raw    string
	Reason string
}

func (e *MalformedEntryError) Error() string {
	return fmt.Sprintf("%s at line %d (%q): %s", ErrMalformedProxyEntry, e.Line, e.Raw, e.Reason)
}

func (e *MalformedEntryError) Unwrap() error { return ErrMalformedProxyEntry }

// ExhaustedError reports why selection found nothing eligible.
type ExhaustedError struct {
	Total    int
	Dead     int
	Reserved int
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("%s: %d proxies, %d dead, %d reserved", ErrPoolExhausted, e.Total, e.Dead, e.Reserved)
}

func (e *ExhaustedError) Unwrap() error { return ErrPoolExhausted }
