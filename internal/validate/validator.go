package validate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/FranksOps/rotor/internal/metrics"
	"github.com/FranksOps/rotor/internal/storage"
	"github.com/FranksOps/rotor/pkg/proxy"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"
)

// DefaultURLs are probed when no validation URLs are configured.
var DefaultURLs = []string{
	"https://httpbin.org/ip",
	"https://api.ipify.org?format=json",
	"https://www.google.com/generate_204",
}

// Fetcher issues a single request through a proxy and classifies it.
type Fetcher interface {
	Fetch(ctx context.Context, targetURL string, rec proxy.Record) (*storage.ScrapeResult, proxy.Outcome)
}

// Config controls how proxies are probed.
type Config struct {
	URLs        []string
	Timeout     time.Duration
	Concurrency int
}

// Result counts the verdicts of one validation pass.
type Result struct {
	Working int
	Dead    int
	// Skipped records were reserved by a request before their verdict could be stored.
	Skipped int
}

// Validator probes proxies against known-good URLs.
type Validator struct {
	fetcher Fetcher
	config  Config
	logger  *slog.Logger
}

// New creates a Validator. Zero config values fall back to defaults.
func New(f Fetcher, cfg Config, logger *slog.Logger) *Validator {
	if len(cfg.URLs) == 0 {
		cfg.URLs = DefaultURLs
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{fetcher: f, config: cfg, logger: logger}
}

// Validate fetches each test URL through rec in order and reports whether
// any of them succeeded. Each probe is bounded by the configured timeout.
func (v *Validator) Validate(ctx context.Context, rec proxy.Record, testURLs []string) bool {
	for _, u := range testURLs {
		if ctx.Err() != nil {
			return false
		}

		probeCtx, cancel := context.WithTimeout(ctx, v.config.Timeout)
		_, outcome := v.fetcher.Fetch(probeCtx, u, rec)
		cancel()

		if outcome.Kind == proxy.Success {
			v.logger.Debug("proxy probe succeeded", "proxy", rec.Endpoint.String(), "url", u)
			return true
		}
		v.logger.Debug("proxy probe failed",
			"proxy", rec.Endpoint.String(),
			"url", u,
			"outcome", outcome.Kind.String(),
			"reason", outcome.Reason)
	}
	return false
}

// ValidateAll probes every Untested record in the pool and stores the verdicts.
func (v *Validator) ValidateAll(ctx context.Context, pool *proxy.Pool) (Result, error) {
	return v.validateWhere(ctx, pool, proxy.StatusUntested)
}

// Revalidate gives Dead records a fresh evaluation cycle.
func (v *Validator) Revalidate(ctx context.Context, pool *proxy.Pool) (Result, error) {
	return v.validateWhere(ctx, pool, proxy.StatusDead)
}

func (v *Validator) validateWhere(ctx context.Context, pool *proxy.Pool, status proxy.Status) (Result, error) {
	var (
		mu  sync.Mutex
		res Result
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(v.config.Concurrency)

	for _, rec := range pool.Snapshot() {
		if rec.Status != status {
			continue
		}
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			working := v.Validate(gctx, rec, v.config.URLs)
			// a cancelled probe says nothing about the proxy
			if gctx.Err() != nil {
				return nil
			}

			err := pool.MarkValidated(rec.Key(), working)

			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, proxy.ErrReserved):
				res.Skipped++
				return nil
			case err != nil:
				return fmt.Errorf("failed to store verdict for %s: %w", rec.Endpoint.String(), err)
			case working:
				res.Working++
				metrics.Validations.WithLabelValues("working").Inc()
			default:
				res.Dead++
				metrics.Validations.WithLabelValues("dead").Inc()
			}
			return nil
		})
	}

	err := g.Wait()

	c := pool.Counts()
	metrics.SetPoolCounts(c.Untested, c.Working, c.Dead, c.Reserved)

	if err != nil {
		return res, err
	}
	if ctx.Err() != nil {
		return res, ctx.Err()
	}

	v.logger.Info("proxy validation finished",
		"checked", status.String(),
		"working", res.Working,
		"dead", res.Dead,
		"skipped", res.Skipped)
	return res, nil
}

// Schedule runs Revalidate against pool on a cron spec such as
// "*/15 * * * *" or "@every 10m" until the returned stop function is called
// or ctx is done. Overlapping runs are skipped.
func (v *Validator) Schedule(ctx context.Context, spec string, pool *proxy.Pool) (func(), error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithChain(cron.Recover(cron.DefaultLogger), cron.SkipIfStillRunning(cron.DefaultLogger)),
	)

	_, err := c.AddFunc(spec, func() {
		if ctx.Err() != nil {
			return
		}
		v.logger.Info("revalidating dead proxies", "schedule", spec)
		if _, err := v.Revalidate(ctx, pool); err != nil && !errors.Is(err, context.Canceled) {
			v.logger.Error("scheduled revalidation failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse cron expression %q: %w", spec, err)
	}

	c.Start()
	return func() { <-c.Stop().Done() }, nil
}
