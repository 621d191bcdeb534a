package storage

import (
	"context"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Outcome labels stored with each result.
const (
	OutcomeSuccess   = "success"
	OutcomeExhausted = "exhausted"
	OutcomeNoProxy   = "no_proxy"
)

// ScrapeResult is the terminal record of one target URL: the response of
// the successful attempt, or the last failure once retries ran out.
type ScrapeResult struct {
	ID           string
	URL          string
	Method       string
	StatusCode   int
	Headers      map[string][]string
	Body         []byte
	Duration     time.Duration
	DetectedBot  bool
	DetectionSrc string // e.g. "Cloudflare", "Akamai", "PerimeterX", "DataDome"
	Proxy        string // endpoint that served the final attempt, without credentials
	Attempts     int
	Outcome      string // see Outcome constants
	CreatedAt    time.Time
	Error        string // non-empty when the URL did not succeed
}

// NewResult returns a result with a fresh ID and CreatedAt stamped now.
func NewResult(url, method string) *ScrapeResult {
	return &ScrapeResult{
		ID:        uuid.New().String(),
		URL:       url,
		Method:    method,
		CreatedAt: time.Now().UTC(),
	}
}

// Succeeded reports whether the result is a successful fetch.
func (r *ScrapeResult) Succeeded() bool {
	return r.Outcome == OutcomeSuccess
}

// Filter allows querying for specific ScrapeResults.
type Filter struct {
	URL         string
	Proxy       string
	Outcome     string
	DetectedBot *bool
	Since       *time.Time
	Limit       int
	Offset      int
}

// Backend defines the interface for storing and querying scrape results.
type Backend interface {
	Save(ctx context.Context, result *ScrapeResult) error
	Query(ctx context.Context, filter Filter) ([]*ScrapeResult, error)
	Close() error
}

// Match reports whether r satisfies every set field of the filter. File
// backends filter in memory with it.
func (f Filter) Match(r *ScrapeResult) bool {
	if f.URL != "" && r.URL != f.URL {
		return false
	}
	if f.Proxy != "" && r.Proxy != f.Proxy {
		return false
	}
	if f.Outcome != "" && r.Outcome != f.Outcome {
		return false
	}
	if f.DetectedBot != nil && r.DetectedBot != *f.DetectedBot {
		return false
	}
	if f.Since != nil && r.CreatedAt.Before(*f.Since) {
		return false
	}
	return true
}

// Page orders results appended in insertion order newest first and applies
// Offset and Limit.
func (f Filter) Page(results []*ScrapeResult) []*ScrapeResult {
	slices.Reverse(results)

	if f.Offset > 0 {
		if f.Offset >= len(results) {
			return []*ScrapeResult{}
		}
		results = results[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(results) {
		results = results[:f.Limit]
	}
	return results
}
