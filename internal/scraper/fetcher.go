package scraper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/FranksOps/rotor/internal/bypass"
	"github.com/FranksOps/rotor/internal/fingerprint"
	"github.com/FranksOps/rotor/internal/metrics"
	"github.com/FranksOps/rotor/internal/storage"
	"github.com/FranksOps/rotor/pkg/httpclient"
	"github.com/FranksOps/rotor/pkg/proxy"
	"github.com/FranksOps/rotor/pkg/useragent"
)

const directKey = "direct"

// FetchConfig configures how single fetches are issued.
type FetchConfig struct {
	Timeout      time.Duration
	DialTimeout  time.Duration
	MaxRedirects int
	UseCookieJar bool
	Fingerprint  fingerprint.Profile
	UAPool       *useragent.Pool
	// RequiredSelector, when set, must match in HTML responses for the
	// fetch to count as a success.
	RequiredSelector string
	// MaxBodyBytes caps how much of a body is read. Defaults to 10 MiB.
	MaxBodyBytes int64
	Detectors    []bypass.Detector
	// InsecureSkipVerify disables certificate checks. Tests only.
	InsecureSkipVerify bool
}

// Fetcher performs single URL fetches through a given proxy. One client is
// kept per proxy so connection reuse and cookies never cross proxies.
type Fetcher struct {
	config  FetchConfig
	clients *httpclient.Cache
}

// NewFetcher initializes a new Fetcher with the given configuration.
func NewFetcher(cfg FetchConfig) (*Fetcher, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if string(cfg.Fingerprint) == "" {
		cfg.Fingerprint = fingerprint.ProfileChrome
	}
	if cfg.UAPool == nil {
		cfg.UAPool = useragent.ForProfile(string(cfg.Fingerprint), nil)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 10 << 20
	}
	if cfg.Detectors == nil {
		cfg.Detectors = bypass.DefaultDetectors()
	}

	// fail fast on a bad profile rather than on the first fetch
	if _, err := fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{}); err != nil {
		return nil, fmt.Errorf("failed to setup transport: %w", err)
	}

	build := func(proxyURL *url.URL) (http.RoundTripper, error) {
		return fingerprint.Transport(cfg.Fingerprint, fingerprint.Options{
			Proxy:              proxyURL,
			DialTimeout:        cfg.DialTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
		})
	}

	return &Fetcher{
		config: cfg,
		clients: httpclient.NewCache(httpclient.Config{
			Timeout:      cfg.Timeout,
			MaxRedirects: cfg.MaxRedirects,
			UseCookieJar: cfg.UseCookieJar,
		}, build),
	}, nil
}

// Fetch executes a GET request to targetURL through the proxy described by
// rec and classifies the attempt. A zero rec fetches directly. The returned
// result always carries the attempt's timing and, when a response arrived,
// its status, headers and body.
func (f *Fetcher) Fetch(ctx context.Context, targetURL string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome) {
	start := time.Now()
	result := storage.NewResult(targetURL, http.MethodGet)

	key, proxyURL := directKey, (*url.URL)(nil)
	if rec.Address != "" {
		key, proxyURL = rec.Key(), rec.URL()
		result.Proxy = rec.Endpoint.String()
	}

	outcome := f.fetch(ctx, result, key, proxyURL)

	result.Duration = time.Since(start)
	if outcome.Kind != proxy.Success {
		result.Error = outcome.Reason
	}
	metrics.RecordAttempt(outcome.Kind.String(), result.Duration, len(result.Body), result.DetectionSrc)
	return result, outcome
}

func (f *Fetcher) fetch(ctx context.Context, result *storage.ScrapeResult, key string, proxyURL *url.URL) proxy.Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, result.URL, nil)
	if err != nil {
		return proxy.Outcome{Kind: proxy.TargetFailure, Reason: fmt.Sprintf("failed to create request: %v", err)}
	}

	client, err := f.clients.For(key, proxyURL)
	if err != nil {
		return proxy.Outcome{Kind: proxy.ProxyFailure, Reason: fmt.Sprintf("failed to setup transport: %v", err)}
	}

	req.Header.Set("User-Agent", f.config.UAPool.For(key))

	resp, err := client.Do(ctx, req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Headers = resp.Header

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.config.MaxBodyBytes))
	result.Body = body
	if err != nil {
		return proxy.Outcome{Kind: proxy.ProxyFailure, StatusCode: resp.StatusCode, Reason: fmt.Sprintf("failed to read body: %v", err)}
	}

	return f.classifyResponse(result)
}

// classifyError maps a transport error onto an outcome. Everything that
// prevented a response from arriving is blamed on the proxy except a
// redirect loop, which is the target's doing.
func classifyError(err error) proxy.Outcome {
	if errors.Is(err, httpclient.ErrTooManyRedirects) {
		return proxy.Outcome{Kind: proxy.TargetFailure, Reason: err.Error()}
	}

	var ce *fingerprint.ConnectError
	if errors.As(err, &ce) {
		return proxy.Outcome{Kind: proxy.ProxyFailure, StatusCode: ce.StatusCode, Reason: ce.Error()}
	}

	reason := fmt.Sprintf("request failed: %v", err)
	if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
		reason = fmt.Sprintf("timeout: %v", err)
	}
	return proxy.Outcome{Kind: proxy.ProxyFailure, Reason: reason}
}

func isTimeout(err error) bool {
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

func (f *Fetcher) classifyResponse(result *storage.ScrapeResult) proxy.Outcome {
	code := result.StatusCode

	if code == http.StatusProxyAuthRequired {
		return proxy.Outcome{Kind: proxy.ProxyFailure, StatusCode: code, Reason: "proxy authentication required"}
	}

	if bypass.Analyze(result, f.config.Detectors) {
		return proxy.Outcome{Kind: proxy.TargetFailure, StatusCode: code, Reason: "blocked by " + result.DetectionSrc}
	}

	if code >= http.StatusBadRequest {
		return proxy.Outcome{Kind: proxy.TargetFailure, StatusCode: code, Reason: fmt.Sprintf("http status %d", code)}
	}

	// 204 and unfollowed redirects carry no document to inspect
	if code < http.StatusMultipleChoices && code != http.StatusNoContent {
		if reason := bypass.Inspect(result, f.config.RequiredSelector); reason != "" {
			return proxy.Outcome{Kind: proxy.TargetFailure, StatusCode: code, Reason: reason}
		}
	}

	return proxy.Outcome{Kind: proxy.Success, StatusCode: code}
}

// Forget drops the cached client and agent of a proxy, typically once it is Dead.
func (f *Fetcher) Forget(key string) {
	f.clients.Evict(key)
	f.config.UAPool.Forget(key)
}

// Close releases idle connections of every proxy client.
func (f *Fetcher) Close() {
	f.clients.Close()
}
