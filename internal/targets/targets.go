// Package targets provides lazy, restartable sequences of target URLs.
// Every sequence can be ranged over more than once and only holds the
// current URL in memory.
package targets

import (
	"bufio"
	"context"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"strings"

	"github.com/FranksOps/rotor/internal/scraper"
)

// FromSlice yields the non-blank entries of urls in order.
func FromSlice(urls []string) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, u := range urls {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			if !yield(u) {
				return
			}
		}
	}
}

// FromFile yields one URL per line of the file at path, skipping blank
// lines and # comments. The file is reopened on every iteration. It fails
// up front if the file cannot be opened; read errors during iteration are
// logged and end the sequence.
func FromFile(path string, logger *slog.Logger) (iter.Seq[string], error) {
	if logger == nil {
		logger = slog.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open targets file: %w", err)
	}
	_ = f.Close()

	return func(yield func(string) bool) {
		f, err := os.Open(path)
		if err != nil {
			logger.Error("failed to open targets file", "path", path, "error", err)
			return
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			if !yield(line) {
				return
			}
		}
		if err := scanner.Err(); err != nil {
			logger.Error("failed to read targets file", "path", path, "error", err)
		}
	}, nil
}

// FromSitemap streams the page URLs of a sitemap or sitemap index, fetching
// nested sitemaps only as the consumer gets to them.
func FromSitemap(ctx context.Context, fetch scraper.FetchFunc, sitemapURL string, logger *slog.Logger) iter.Seq[string] {
	if logger == nil {
		logger = slog.Default()
	}
	walker := scraper.NewSitemapFetcher(fetch, logger)
	return func(yield func(string) bool) {
		if err := walker.Walk(ctx, sitemapURL, yield); err != nil {
			logger.Error("failed to walk sitemap", "url", sitemapURL, "error", err)
		}
	}
}

// Concat yields every sequence in turn.
func Concat(seqs ...iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		for _, seq := range seqs {
			for u := range seq {
				if !yield(u) {
					return
				}
			}
		}
	}
}

// Unique drops URLs already yielded in the current iteration.
func Unique(seq iter.Seq[string]) iter.Seq[string] {
	return func(yield func(string) bool) {
		seen := make(map[string]struct{})
		for u := range seq {
			if _, ok := seen[u]; ok {
				continue
			}
			seen[u] = struct{}{}
			if !yield(u) {
				return
			}
		}
	}
}
