package targets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/FranksOps/rotor/internal/storage"
)

func TestFromSlice(t *testing.T) {
	got := slices.Collect(FromSlice([]string{"http://a.test/", "  ", "http://b.test/"}))
	want := []string{"http://a.test/", "http://b.test/"}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "targets.txt")
	content := "# seeds\nhttp://a.test/\n\nhttp://b.test/\n  http://c.test/  \n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	seq, err := FromFile(path, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	want := []string{"http://a.test/", "http://b.test/", "http://c.test/"}
	// ranging twice restarts from the top
	for i := 0; i < 2; i++ {
		if got := slices.Collect(seq); !slices.Equal(got, want) {
			t.Errorf("pass %d: expected %v, got %v", i, want, got)
		}
	}

	var first []string
	for u := range seq {
		first = append(first, u)
		break
	}
	if len(first) != 1 {
		t.Errorf("expected early stop after one url, got %v", first)
	}
}

func TestFromFile_Missing(t *testing.T) {
	if _, err := FromFile(filepath.Join(t.TempDir(), "nope.txt"), nil); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestFromSitemap(t *testing.T) {
	docs := map[string]string{
		"http://site.test/index.xml": `<?xml version="1.0" encoding="UTF-8"?>
<sitemapindex xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <sitemap><loc>http://site.test/a.xml</loc></sitemap>
  <sitemap><loc>http://site.test/b.xml</loc></sitemap>
</sitemapindex>`,
		"http://site.test/a.xml": `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://site.test/1</loc></url>
  <url><loc>http://site.test/2</loc></url>
</urlset>`,
		"http://site.test/b.xml": `<?xml version="1.0" encoding="UTF-8"?>
<urlset xmlns="http://www.sitemaps.org/schemas/sitemap/0.9">
  <url><loc>http://site.test/3</loc></url>
</urlset>`,
	}

	var fetched []string
	fetch := func(ctx context.Context, u string) (*storage.ScrapeResult, error) {
		fetched = append(fetched, u)
		body, ok := docs[u]
		if !ok {
			return nil, errors.New("not found")
		}
		res := storage.NewResult(u, "GET")
		res.StatusCode = 200
		res.Body = []byte(body)
		return res, nil
	}

	seq := FromSitemap(context.Background(), fetch, "http://site.test/index.xml", nil)
	got := slices.Collect(seq)
	want := []string{"http://site.test/1", "http://site.test/2", "http://site.test/3"}
	if !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}

	// stopping after the first url never touches the second nested sitemap
	fetched = nil
	for range seq {
		break
	}
	for _, u := range fetched {
		if strings.HasSuffix(u, "/b.xml") {
			t.Errorf("expected lazy walk, but fetched %s", u)
		}
	}
}

func TestConcatUnique(t *testing.T) {
	seq := Unique(Concat(
		FromSlice([]string{"http://a.test/", "http://b.test/"}),
		FromSlice([]string{"http://b.test/", "http://c.test/"}),
	))
	want := []string{"http://a.test/", "http://b.test/", "http://c.test/"}
	if got := slices.Collect(seq); !slices.Equal(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	// a fresh iteration starts with an empty seen set
	if got := slices.Collect(seq); !slices.Equal(got, want) {
		t.Errorf("expected restart to yield %v, got %v", want, got)
	}
}
