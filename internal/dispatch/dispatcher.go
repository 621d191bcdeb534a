package dispatch

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/FranksOps/rotor/internal/metrics"
	"github.com/FranksOps/rotor/internal/scraper"
	"github.com/FranksOps/rotor/internal/storage"
	"github.com/FranksOps/rotor/pkg/proxy"
	"github.com/FranksOps/rotor/pkg/ratelimit"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// Fetcher issues one request through one proxy and classifies the attempt.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome)
}

// Sink receives the terminal result of every URL. Every storage.Backend is a Sink.
type Sink interface {
	Save(ctx context.Context, result *storage.ScrapeResult) error
}

// forgetter is implemented by fetchers that cache per-proxy clients.
type forgetter interface {
	Forget(key string)
}

// Config controls the dispatch loop.
type Config struct {
	// Workers is the maximum number of URLs processed at once. It also caps
	// fetches in flight, including those issued through Fetch by target
	// sources and the robots auditor.
	Workers int
	// MaxRetries is the number of attempts allowed after the first.
	MaxRetries int
	Backoff    Backoff
	// AttemptTimeout bounds each fetch. In-flight fetches are not cut short
	// by cancellation of the run, only by this timeout.
	AttemptTimeout time.Duration
	// WaitForProxy makes selection wait for a release when every live proxy
	// is in flight instead of failing the URL.
	WaitForProxy bool
	Limiter      *ratelimit.Limiter
	// RespectRobots skips URLs disallowed by the host's robots.txt for UserAgent.
	RespectRobots bool
	UserAgent     string
	Sink          Sink
}

// Stats summarises one Run.
type Stats struct {
	Total      int
	Succeeded  int
	Exhausted  int
	NoProxy    int
	Disallowed int
	Cancelled  int
	Attempts   int
	Duration   time.Duration
}

// Dispatcher fetches target URLs through proxies drawn from a pool, retrying
// failed URLs on freshly selected proxies.
type Dispatcher struct {
	pool    *proxy.Pool
	fetcher Fetcher
	config  Config
	logger  *slog.Logger
	auditor *scraper.RobotsTxtAuditor
	// slots bounds fetches in flight across workers and auxiliary fetches
	// issued by target sources or the robots auditor.
	slots *semaphore.Weighted
}

// New creates a Dispatcher. Zero config values fall back to defaults.
func New(pool *proxy.Pool, fetcher Fetcher, cfg Config, logger *slog.Logger) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 10
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 30 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "*"
	}
	if logger == nil {
		logger = slog.Default()
	}

	d := &Dispatcher{
		pool:    pool,
		fetcher: fetcher,
		config:  cfg,
		logger:  logger,
		slots:   semaphore.NewWeighted(int64(cfg.Workers)),
	}
	if cfg.RespectRobots {
		d.auditor = scraper.NewRobotsTxtAuditor(d.Fetch, logger)
	}
	return d
}

// Run processes every URL of targets with up to Workers URLs in flight and
// blocks until the sequence is drained or ctx is cancelled. Per-URL failures
// are logged and saved to the sink, never returned; the only error is the
// context's.
func (d *Dispatcher) Run(ctx context.Context, targets iter.Seq[string]) (Stats, error) {
	start := time.Now()
	urls := make(chan string)
	st := &runStats{}

	var g errgroup.Group

	g.Go(func() error {
		defer close(urls)
		for u := range targets {
			select {
			case urls <- u:
			case <-ctx.Done():
				return nil
			}
		}
		return nil
	})

	for range d.config.Workers {
		g.Go(func() error {
			for u := range urls {
				if ctx.Err() != nil {
					continue
				}
				d.handle(ctx, u, st)
			}
			return nil
		})
	}

	_ = g.Wait()

	stats := st.snapshot()
	stats.Duration = time.Since(start)
	d.logger.Info("dispatch finished",
		"total", stats.Total,
		"succeeded", stats.Succeeded,
		"exhausted", stats.Exhausted,
		"no_proxy", stats.NoProxy,
		"disallowed", stats.Disallowed,
		"attempts", stats.Attempts,
		"duration", stats.Duration)
	return stats, ctx.Err()
}

func (d *Dispatcher) handle(ctx context.Context, targetURL string, st *runStats) {
	if d.auditor != nil {
		allowed, err := d.auditor.IsAllowed(ctx, targetURL, d.config.UserAgent)
		if err != nil {
			d.logger.Warn("error checking robots.txt", "url", targetURL, "error", err)
		} else if !allowed {
			d.logger.Debug("url blocked by robots.txt", "url", targetURL)
			st.add(func(s *Stats) { s.Total++; s.Disallowed++ })
			metrics.URLsTotal.WithLabelValues("disallowed").Inc()
			return
		}
	}

	res, err := d.Process(ctx, targetURL)
	attempts := 0
	if res != nil {
		attempts = res.Attempts
	}

	switch {
	case err == nil:
		st.add(func(s *Stats) { s.Total++; s.Succeeded++; s.Attempts += attempts })
		d.logger.Debug("fetched", "url", targetURL, "status", res.StatusCode, "attempts", attempts, "proxy", res.Proxy)
	case errors.Is(err, ErrNoProxyAvailable):
		st.add(func(s *Stats) { s.Total++; s.NoProxy++; s.Attempts += attempts })
		d.logger.Warn("no proxy available", "url", targetURL, "error", err)
	case errors.Is(err, ErrRequestExhausted):
		st.add(func(s *Stats) { s.Total++; s.Exhausted++; s.Attempts += attempts })
		d.logger.Warn("request exhausted", "url", targetURL, "error", err)
	default:
		st.add(func(s *Stats) { s.Cancelled++; s.Attempts += attempts })
		d.logger.Debug("url cancelled", "url", targetURL, "error", err)
		return
	}

	metrics.URLsTotal.WithLabelValues(res.Outcome).Inc()

	if d.config.Sink != nil {
		// terminal results produced during shutdown are still stored
		if err := d.config.Sink.Save(context.WithoutCancel(ctx), res); err != nil {
			d.logger.Error("failed to save result", "url", targetURL, "error", err)
		}
	}
}

// Process runs the attempt loop for a single URL. It returns the successful
// result, or the terminal result together with an error wrapping
// ErrNoProxyAvailable or ErrRequestExhausted. On cancellation the context's
// error is returned with whatever result the last attempt produced.
func (d *Dispatcher) Process(ctx context.Context, targetURL string) (*storage.ScrapeResult, error) {
	return d.process(ctx, newTask(targetURL, true))
}

// Fetch fetches url through the pool without retrying target rejections, so
// a missing robots.txt or sitemap costs one attempt. Any response is returned
// without error; it satisfies scraper.FetchFunc.
func (d *Dispatcher) Fetch(ctx context.Context, targetURL string) (*storage.ScrapeResult, error) {
	res, err := d.process(ctx, newTask(targetURL, false))
	if res != nil && res.StatusCode != 0 {
		return res, nil
	}
	return res, err
}

type state int

const (
	stateSelecting state = iota
	stateFetching
	stateRetrying
	stateSucceeded
	stateExhausted
	stateNoProxy
	stateCancelled
)

// task is the per-URL state carried between transitions.
type task struct {
	url                 string
	host                string
	retryTargetFailures bool

	attempts  int
	rec       proxy.Record
	result    *storage.ScrapeResult
	last      proxy.Outcome
	selectErr error
}

func newTask(targetURL string, retryTargetFailures bool) *task {
	t := &task{url: targetURL, retryTargetFailures: retryTargetFailures}
	if u, err := url.Parse(targetURL); err == nil {
		t.host = u.Host
	}
	return t
}

func (d *Dispatcher) process(ctx context.Context, t *task) (*storage.ScrapeResult, error) {
	s := stateSelecting
	for {
		switch s {
		case stateSelecting:
			s = d.selecting(ctx, t)
		case stateFetching:
			s = d.fetching(ctx, t)
		case stateRetrying:
			s = d.retrying(ctx, t)
		case stateSucceeded:
			t.result.Outcome = storage.OutcomeSuccess
			return t.result, nil
		case stateExhausted:
			t.result.Outcome = storage.OutcomeExhausted
			return t.result, &RequestExhaustedError{URL: t.url, Attempts: t.attempts, Last: t.last}
		case stateNoProxy:
			if t.result == nil {
				t.result = storage.NewResult(t.url, http.MethodGet)
			}
			t.result.Outcome = storage.OutcomeNoProxy
			t.result.Attempts = t.attempts
			t.result.Error = t.selectErr.Error()
			return t.result, fmt.Errorf("%w for %s: %w", ErrNoProxyAvailable, t.url, t.selectErr)
		case stateCancelled:
			return t.result, ctx.Err()
		}
	}
}

func (d *Dispatcher) selecting(ctx context.Context, t *task) state {
	if err := d.config.Limiter.Wait(ctx, t.host); err != nil && ctx.Err() == nil {
		if _, ok := ctx.Deadline(); !ok {
			d.logger.Error("rate limiter failed, sending unpaced", "url", t.url, "error", err)
		} else {
			// the next token falls after the run's deadline
			<-ctx.Done()
		}
	}
	if ctx.Err() != nil {
		return stateCancelled
	}

	// the slot is held until the fetch returns
	if err := d.slots.Acquire(ctx, 1); err != nil {
		return stateCancelled
	}

	var (
		rec proxy.Record
		err error
	)
	if d.config.WaitForProxy {
		rec, err = d.pool.Acquire(ctx)
	} else {
		rec, err = d.pool.Select()
	}
	if err != nil {
		d.slots.Release(1)
		if ctx.Err() != nil {
			return stateCancelled
		}
		t.selectErr = err
		return stateNoProxy
	}

	if ctx.Err() != nil {
		d.slots.Release(1)
		d.release(rec, proxy.Outcome{Kind: proxy.Aborted})
		return stateCancelled
	}

	t.rec = rec
	return stateFetching
}

func (d *Dispatcher) fetching(ctx context.Context, t *task) state {
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.config.AttemptTimeout)
	metrics.InFlight.Inc()
	res, outcome := d.fetcher.Fetch(fetchCtx, t.url, t.rec)
	metrics.InFlight.Dec()
	cancel()
	d.slots.Release(1)

	if res == nil {
		res = storage.NewResult(t.url, http.MethodGet)
	}
	t.attempts++
	res.Attempts = t.attempts
	t.result, t.last = res, outcome

	released := outcome
	if ctx.Err() != nil {
		// the run was cancelled while this proxy was reserved
		released = proxy.Outcome{Kind: proxy.Aborted}
	}
	d.release(t.rec, released)

	if outcome.Kind == proxy.Success {
		return stateSucceeded
	}

	d.logger.Debug("attempt failed",
		"url", t.url,
		"attempt", t.attempts,
		"proxy", t.rec.Endpoint.String(),
		"outcome", outcome.Kind.String(),
		"reason", outcome.Reason)

	if ctx.Err() != nil {
		return stateCancelled
	}
	return stateRetrying
}

func (d *Dispatcher) retrying(ctx context.Context, t *task) state {
	if t.attempts > d.config.MaxRetries {
		return stateExhausted
	}
	if !t.retryTargetFailures && t.last.Kind == proxy.TargetFailure {
		return stateExhausted
	}

	metrics.Retries.Inc()
	if err := d.config.Backoff.Wait(ctx, t.attempts); err != nil {
		return stateCancelled
	}
	return stateSelecting
}

// release hands the reservation back and reacts to a proxy dying.
func (d *Dispatcher) release(rec proxy.Record, o proxy.Outcome) {
	updated, err := d.pool.Release(rec.Key(), o)
	if err != nil {
		d.logger.Error("failed to release proxy", "proxy", rec.Endpoint.String(), "error", err)
		return
	}
	if o.Kind == proxy.Aborted {
		return
	}

	metrics.ProxyOutcomes.WithLabelValues(rec.Endpoint.String(), o.Kind.String()).Inc()

	if o.Kind == proxy.ProxyFailure && updated.Status == proxy.StatusDead {
		metrics.ProxyDeaths.Inc()
		d.logger.Warn("proxy marked dead", "proxy", rec.Endpoint.String(), "failures", updated.FailureCount)
		if f, ok := d.fetcher.(forgetter); ok {
			f.Forget(rec.Key())
		}
	}

	c := d.pool.Counts()
	metrics.SetPoolCounts(c.Untested, c.Working, c.Dead, c.Reserved)
}

type runStats struct {
	mu sync.Mutex
	s  Stats
}

func (r *runStats) add(f func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	f(&r.s)
}

func (r *runStats) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.s
}
