package proxy

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Protocol is the scheme used to talk to an upstream proxy.
type Protocol string

const (
	ProtocolSOCKS5 Protocol = "socks5"
	ProtocolHTTP   Protocol = "http"
)

// ParseProtocol maps a URL scheme onto a supported Protocol.
func ParseProtocol(s string) (Protocol, error) {
	switch s {
	case "socks5", "socks5h":
		return ProtocolSOCKS5, nil
	case "http":
		return ProtocolHTTP, nil
	default:
		return "", fmt.Errorf("unsupported proxy protocol %q", s)
	}
}

// Status is the health classification of a proxy record.
type Status int

const (
	StatusUntested Status = iota
	StatusWorking
	StatusDead
	StatusReserved
)

func (s Status) String() string {
	switch s {
	case StatusUntested:
		return "untested"
	case StatusWorking:
		return "working"
	case StatusDead:
		return "dead"
	case StatusReserved:
		return "reserved"
	default:
		return "unknown"
	}
}

// Endpoint identifies an upstream proxy. Two endpoints with the same
// Address and Port are the same proxy regardless of protocol or credentials.
type Endpoint struct {
	Address  string
	Port     int
	Protocol Protocol
	Username string
	Password string
}

// Key returns the identity key of the endpoint, "address:port".
func (e Endpoint) Key() string {
	return net.JoinHostPort(strings.ToLower(e.Address), strconv.Itoa(e.Port))
}

// URL renders the endpoint as a proxy URL, including credentials if present.
func (e Endpoint) URL() *url.URL {
	u := &url.URL{
		Scheme: string(e.Protocol),
		Host:   e.Key(),
	}
	if e.Username != "" {
		u.User = url.UserPassword(e.Username, e.Password)
	}
	return u
}

// String renders the endpoint without credentials, safe for logs and metrics.
func (e Endpoint) String() string {
	return string(e.Protocol) + "://" + e.Key()
}

// Stats holds per-proxy request counters accumulated across releases.
type Stats struct {
	TotalRequests  int
	Successes      int
	ProxyFailures  int
	TargetFailures int
	StatusCodes    map[int]int
}

func (s Stats) clone() Stats {
	c := s
	if s.StatusCodes != nil {
		c.StatusCodes = make(map[int]int, len(s.StatusCodes))
		for code, n := range s.StatusCodes {
			c.StatusCodes[code] = n
		}
	}
	return c
}

// Record is a point-in-time copy of one proxy's identity and health state.
// Records handed out by the Pool are snapshots; mutating them has no effect
// on the pool.
type Record struct {
	Endpoint
	Status          Status
	FailureCount    int
	LastUsedAt      time.Time // zero means never used
	LastValidatedAt time.Time // zero means never probed
	Stats           Stats
}
