package scraper

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/FranksOps/rotor/internal/storage"
)

// docs serves canned documents by URL and records what was requested.
// Unknown URLs answer 404.
type docs struct {
	mu      sync.Mutex
	bodies  map[string]string
	fetched []string
}

func newDocs(bodies map[string]string) *docs {
	return &docs{bodies: bodies}
}

func (d *docs) fetch(ctx context.Context, url string) (*storage.ScrapeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fetched = append(d.fetched, url)

	res := storage.NewResult(url, http.MethodGet)
	body, ok := d.bodies[url]
	if !ok {
		res.StatusCode = http.StatusNotFound
		return res, nil
	}
	res.StatusCode = http.StatusOK
	res.Body = []byte(body)
	return res, nil
}

func (d *docs) calls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.fetched...)
}

func urlset(locs ...string) string {
	s := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" + `<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, l := range locs {
		s += fmt.Sprintf("<url><loc>%s</loc></url>", l)
	}
	return s + "</urlset>"
}

func sitemapIndex(locs ...string) string {
	s := `<?xml version="1.0" encoding="UTF-8"?>` + "\n" + `<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">`
	for _, l := range locs {
		s += fmt.Sprintf("<sitemap><loc>%s</loc></sitemap>", l)
	}
	return s + "</sitemapindex>"
}
