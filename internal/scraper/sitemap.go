package scraper

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/oxffaa/gopher-parse-sitemap"
)

// errStopWalk stops sitemap parsing once the consumer is done.
var errStopWalk = errors.New("stop walk")

// maxSitemapDepth bounds sitemap index nesting.
const maxSitemapDepth = 5

// SitemapFetcher is responsible for fetching and parsing sitemaps to discover target URLs.
type SitemapFetcher struct {
	fetch  FetchFunc
	logger *slog.Logger
}

// NewSitemapFetcher initializes a new SitemapFetcher.
func NewSitemapFetcher(fetch FetchFunc, logger *slog.Logger) *SitemapFetcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &SitemapFetcher{
		fetch:  fetch,
		logger: logger,
	}
}

// Walk streams the page URLs of a sitemap or sitemap index to yield, one
// nested sitemap at a time. It stops early when yield returns false.
func (s *SitemapFetcher) Walk(ctx context.Context, sitemapURL string, yield func(string) bool) error {
	_, err := s.walk(ctx, sitemapURL, yield, 0)
	return err
}

// walk reports whether the consumer wants more URLs.
func (s *SitemapFetcher) walk(ctx context.Context, sitemapURL string, yield func(string) bool, depth int) (bool, error) {
	if depth > maxSitemapDepth {
		return true, fmt.Errorf("sitemap nesting deeper than %d", maxSitemapDepth)
	}
	s.logger.Debug("fetching sitemap", "url", sitemapURL)

	result, err := s.fetch(ctx, sitemapURL)
	if err != nil {
		return true, fmt.Errorf("failed to fetch sitemap: %w", err)
	}
	if result.StatusCode >= 400 {
		return true, fmt.Errorf("bad status code: %d", result.StatusCode)
	}

	var (
		pages int
		more  = true
	)
	err = sitemap.Parse(bytes.NewReader(result.Body), func(e sitemap.Entry) error {
		pages++
		if !yield(e.GetLocation()) {
			more = false
			return errStopWalk
		}
		return nil
	})
	if !more {
		return false, nil
	}
	if err == nil && pages > 0 {
		return true, nil
	}

	// It might be a sitemap index or invalid XML
	var nested []string
	indexErr := sitemap.ParseIndex(bytes.NewReader(result.Body), func(e sitemap.IndexEntry) error {
		nested = append(nested, e.GetLocation())
		return nil
	})
	if indexErr != nil || len(nested) == 0 {
		if err == nil {
			err = indexErr
		}
		if err == nil {
			err = errors.New("no entries")
		}
		return true, fmt.Errorf("failed to parse as sitemap or index: %w", err)
	}

	for _, nestedURL := range nested {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		more, err := s.walk(ctx, nestedURL, yield, depth+1)
		if err != nil {
			s.logger.Warn("failed to fetch nested sitemap", "url", nestedURL, "error", err)
			continue
		}
		if !more {
			return false, nil
		}
	}
	return true, nil
}
