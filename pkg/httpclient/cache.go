package httpclient

import (
	"net/http"
	"net/url"
	"sync"
)

// TransportFunc builds a transport that routes through proxyURL.
type TransportFunc func(proxyURL *url.URL) (http.RoundTripper, error)

// Cache keeps one Client per upstream proxy so connections and cookies are
// reused across requests through the same proxy but never shared between
// proxies. It is safe for concurrent use.
type Cache struct {
	cfg   Config
	build TransportFunc

	mu      sync.Mutex
	clients map[string]*Client
}

// NewCache creates a cache. cfg.Transport is ignored; every client gets the
// transport returned by build.
func NewCache(cfg Config, build TransportFunc) *Cache {
	return &Cache{
		cfg:     cfg,
		build:   build,
		clients: make(map[string]*Client),
	}
}

// For returns the client for the proxy identified by key, creating it on
// first use.
func (c *Cache) For(key string, proxyURL *url.URL) (*Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if client, ok := c.clients[key]; ok {
		return client, nil
	}

	rt, err := c.build(proxyURL)
	if err != nil {
		return nil, err
	}
	cfg := c.cfg
	cfg.Transport = rt
	client, err := New(cfg)
	if err != nil {
		return nil, err
	}
	c.clients[key] = client
	return client, nil
}

// Evict drops the client for key and closes its idle connections. Used when
// a proxy dies so its sockets are not kept around.
func (c *Cache) Evict(key string) {
	c.mu.Lock()
	client, ok := c.clients[key]
	delete(c.clients, key)
	c.mu.Unlock()

	if ok {
		client.CloseIdleConnections()
	}
}

// Len returns the number of cached clients.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

// Close closes idle connections of every cached client.
func (c *Cache) Close() {
	c.mu.Lock()
	clients := c.clients
	c.clients = make(map[string]*Client)
	c.mu.Unlock()

	for _, client := range clients {
		client.CloseIdleConnections()
	}
}
