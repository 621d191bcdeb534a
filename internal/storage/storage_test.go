package storage

import (
	"context"
	"testing"
	"time"
)

func TestNewResult(t *testing.T) {
	before := time.Now().UTC()
	a := NewResult("http://example.com", "GET")
	b := NewResult("http://example.com", "GET")

	if a.ID == "" || a.ID == b.ID {
		t.Errorf("expected unique non-empty IDs, got %q and %q", a.ID, b.ID)
	}
	if a.CreatedAt.Before(before) {
		t.Errorf("expected CreatedAt to be stamped now, got %v", a.CreatedAt)
	}
	if a.Succeeded() {
		t.Error("fresh result must not report success")
	}

	a.Outcome = OutcomeSuccess
	if !a.Succeeded() {
		t.Error("expected success outcome to report success")
	}
}

// Ensure Backend interface exists and is implementable
type mockBackend struct{}

func (m *mockBackend) Save(ctx context.Context, result *ScrapeResult) error { return nil }
func (m *mockBackend) Query(ctx context.Context, filter Filter) ([]*ScrapeResult, error) {
	return nil, nil
}
func (m *mockBackend) Close() error { return nil }

func TestBackendInterface(t *testing.T) {
	var b Backend = &mockBackend{}
	_ = b
}

func TestFilter_MatchAndPage(t *testing.T) {
	now := time.Now()
	results := []*ScrapeResult{
		{ID: "1", URL: "http://a", Proxy: "socks5://p1:1", Outcome: OutcomeSuccess, CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "2", URL: "http://a", Proxy: "socks5://p2:1", Outcome: OutcomeExhausted, DetectedBot: true, CreatedAt: now.Add(-time.Minute)},
		{ID: "3", URL: "http://b", Proxy: "socks5://p1:1", Outcome: OutcomeSuccess, CreatedAt: now},
	}

	since := now.Add(-time.Hour)
	bot := true
	tests := []struct {
		name   string
		filter Filter
		want   []string
	}{
		{"all", Filter{}, []string{"3", "2", "1"}},
		{"url", Filter{URL: "http://a"}, []string{"2", "1"}},
		{"proxy", Filter{Proxy: "socks5://p1:1"}, []string{"3", "1"}},
		{"outcome", Filter{Outcome: OutcomeExhausted}, []string{"2"}},
		{"bot", Filter{DetectedBot: &bot}, []string{"2"}},
		{"since", Filter{Since: &since}, []string{"3", "2"}},
		{"limit", Filter{Limit: 1}, []string{"3"}},
		{"offset", Filter{Offset: 1, Limit: 1}, []string{"2"}},
		{"offset past end", Filter{Offset: 5}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var matched []*ScrapeResult
			for _, r := range results {
				if tt.filter.Match(r) {
					matched = append(matched, r)
				}
			}
			got := tt.filter.Page(matched)
			if len(got) != len(tt.want) {
				t.Fatalf("expected %v, got %d results", tt.want, len(got))
			}
			for i, r := range got {
				if r.ID != tt.want[i] {
					t.Errorf("position %d: expected %s, got %s", i, tt.want[i], r.ID)
				}
			}
		})
	}
}
