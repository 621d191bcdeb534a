package httpclient

import (
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
)

func TestCache_ReusesClientPerKey(t *testing.T) {
	var (
		mu     sync.Mutex
		builds []string
	)
	cache := NewCache(Config{}, func(u *url.URL) (http.RoundTripper, error) {
		mu.Lock()
		builds = append(builds, u.Host)
		mu.Unlock()
		return http.DefaultTransport.(*http.Transport).Clone(), nil
	})

	a := &url.URL{Scheme: "http", Host: "10.0.0.1:8080"}
	b := &url.URL{Scheme: "socks5", Host: "10.0.0.2:1080"}

	c1, err := cache.For("10.0.0.1:8080", a)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c2, _ := cache.For("10.0.0.1:8080", a)
	c3, _ := cache.For("10.0.0.2:1080", b)

	if c1 != c2 {
		t.Error("expected the same client for the same proxy")
	}
	if c1 == c3 {
		t.Error("expected distinct clients for distinct proxies")
	}
	if len(builds) != 2 {
		t.Errorf("expected 2 transport builds, got %d", len(builds))
	}

	cache.Evict("10.0.0.1:8080")
	if cache.Len() != 1 {
		t.Errorf("expected 1 cached client after evict, got %d", cache.Len())
	}
	c4, _ := cache.For("10.0.0.1:8080", a)
	if c4 == c1 {
		t.Error("expected a fresh client after evict")
	}

	cache.Close()
	if cache.Len() != 0 {
		t.Errorf("expected empty cache after close, got %d", cache.Len())
	}
}

func TestCache_BuildError(t *testing.T) {
	wantErr := errors.New("boom")
	cache := NewCache(Config{}, func(*url.URL) (http.RoundTripper, error) {
		return nil, wantErr
	})

	if _, err := cache.For("k", nil); !errors.Is(err, wantErr) {
		t.Errorf("expected build error, got %v", err)
	}
	if cache.Len() != 0 {
		t.Error("failed builds must not be cached")
	}
}
