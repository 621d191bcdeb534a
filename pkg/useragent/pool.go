// Package useragent assigns browser User-Agent strings to proxies.
package useragent

import "sync"

// Browser User-Agents grouped by the TLS fingerprint profile they are
// consistent with. Sending a Firefox UA over a Chrome ClientHello is an easy
// tell, so the fetcher draws from the group matching its profile.
var (
	Chrome = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/132.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36 Edg/131.0.0.0",
	}
	Firefox = []string{
		"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:133.0) Gecko/20100101 Firefox/133.0",
		"Mozilla/5.0 (X11; Linux x86_64; rv:133.0) Gecko/20100101 Firefox/133.0",
	}
	Safari = []string{
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
		"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.6 Safari/605.1.15",
	}
)

// ForProfile returns a pool for the named fingerprint profile. Explicit uas
// win; unknown profiles get the Chrome set.
func ForProfile(profile string, uas []string) *Pool {
	if len(uas) > 0 {
		return NewPool(uas)
	}
	switch profile {
	case "firefox":
		return NewPool(Firefox)
	case "safari":
		return NewPool(Safari)
	default:
		return NewPool(Chrome)
	}
}

// Pool hands out User-Agents. Each proxy key sticks to one agent for the
// lifetime of the pool so a given exit IP always presents the same browser;
// new keys are assigned round-robin.
type Pool struct {
	uas []string

	mu       sync.Mutex
	assigned map[string]string
	next     int
}

// NewPool creates a pool over a copy of uas. An empty slice falls back to Chrome.
func NewPool(uas []string) *Pool {
	if len(uas) == 0 {
		uas = Chrome
	}
	return &Pool{
		uas:      append([]string(nil), uas...),
		assigned: make(map[string]string),
	}
}

// For returns the agent assigned to key, assigning the next one on first use.
// It is safe for concurrent use.
func (p *Pool) For(key string) string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ua, ok := p.assigned[key]; ok {
		return ua
	}
	ua := p.uas[p.next%len(p.uas)]
	p.next++
	p.assigned[key] = ua
	return ua
}

// Forget drops the assignment of key, e.g. once its proxy is Dead.
func (p *Pool) Forget(key string) {
	p.mu.Lock()
	delete(p.assigned, key)
	p.mu.Unlock()
}

// Len returns the number of distinct agents.
func (p *Pool) Len() int {
	return len(p.uas)
}
