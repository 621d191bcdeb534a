package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"sync"

	"github.com/FranksOps/rotor/internal/storage"
	"github.com/temoto/robotstxt"
)

// FetchFunc retrieves one auxiliary document such as robots.txt or a
// sitemap. It returns an error when no usable response was obtained.
type FetchFunc func(ctx context.Context, url string) (*storage.ScrapeResult, error)

// RobotsTxtAuditor manages robots.txt fetching and enforcement. Hosts whose
// robots.txt cannot be fetched or parsed are treated as allowing everything.
type RobotsTxtAuditor struct {
	fetch  FetchFunc
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*robotsEntry
}

// robotsEntry is resolved once per host; concurrent callers wait on ready.
type robotsEntry struct {
	ready chan struct{}
	data  *robotstxt.RobotsData
}

// NewRobotsTxtAuditor creates a new instance.
func NewRobotsTxtAuditor(fetch FetchFunc, logger *slog.Logger) *RobotsTxtAuditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RobotsTxtAuditor{
		fetch:  fetch,
		logger: logger,
		cache:  make(map[string]*robotsEntry),
	}
}

// IsAllowed determines if the given URL is allowed by the host's robots.txt for the provided User-Agent.
func (r *RobotsTxtAuditor) IsAllowed(ctx context.Context, targetURL string, userAgent string) (bool, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return false, fmt.Errorf("invalid url: %w", err)
	}

	data, err := r.get(ctx, u.Scheme+"://"+u.Host)
	if err != nil {
		return false, err
	}
	if data == nil {
		return true, nil
	}

	path := u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return data.FindGroup(userAgent).Test(path), nil
}

// get returns the parsed robots.txt for host, fetching it on first use. A
// nil result means no restrictions apply.
func (r *RobotsTxtAuditor) get(ctx context.Context, host string) (*robotstxt.RobotsData, error) {
	r.mu.Lock()
	entry, exists := r.cache[host]
	if !exists {
		entry = &robotsEntry{ready: make(chan struct{})}
		r.cache[host] = entry
	}
	r.mu.Unlock()

	if exists {
		select {
		case <-entry.ready:
			return entry.data, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	entry.data = r.load(ctx, host)
	close(entry.ready)
	return entry.data, nil
}

func (r *RobotsTxtAuditor) load(ctx context.Context, host string) *robotstxt.RobotsData {
	robotsURL := host + "/robots.txt"

	result, err := r.fetch(ctx, robotsURL)
	if err != nil {
		r.logger.Debug("robots.txt fetch failed, defaulting to allow", "host", host, "error", err)
		return nil
	}
	if result.StatusCode >= 400 {
		return nil
	}

	parsed, err := robotstxt.FromBytes(result.Body)
	if err != nil {
		r.logger.Debug("robots.txt parse failed, defaulting to allow", "host", host, "error", err)
		return nil
	}
	return parsed
}
