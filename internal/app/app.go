// Package app wires configuration into a runnable proxy pool, validator and
// dispatcher.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"strconv"

	"github.com/FranksOps/rotor/internal/config"
	"github.com/FranksOps/rotor/internal/dispatch"
	"github.com/FranksOps/rotor/internal/fingerprint"
	"github.com/FranksOps/rotor/internal/metrics"
	"github.com/FranksOps/rotor/internal/report"
	"github.com/FranksOps/rotor/internal/scraper"
	"github.com/FranksOps/rotor/internal/targets"
	"github.com/FranksOps/rotor/internal/validate"
	"github.com/FranksOps/rotor/pkg/proxy"
	"github.com/FranksOps/rotor/pkg/ratelimit"
	"github.com/FranksOps/rotor/pkg/useragent"
)

// ErrNoTargets is returned by Run when no target source is configured.
var ErrNoTargets = errors.New("no targets configured")

// App holds the long-lived components built from a Config.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	pool      *proxy.Pool
	fetcher   *scraper.Fetcher
	validator *validate.Validator

	// Out receives the report when no report output file is configured.
	Out io.Writer
}

// New loads the proxy list and builds the fetcher and validator.
func New(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}

	pool, err := LoadPool(cfg.Proxies, logger)
	if err != nil {
		return nil, err
	}

	profile, err := fingerprint.ParseProfile(cfg.Fetch.Fingerprint)
	if err != nil {
		return nil, err
	}
	var uas *useragent.Pool
	if len(cfg.Fetch.UserAgents) > 0 {
		uas = useragent.NewPool(cfg.Fetch.UserAgents)
	}

	fetcher, err := scraper.NewFetcher(scraper.FetchConfig{
		Timeout:          cfg.Fetch.Timeout,
		DialTimeout:      cfg.Fetch.DialTimeout,
		MaxRedirects:     cfg.Fetch.MaxRedirects,
		UseCookieJar:     cfg.Fetch.UseCookieJar,
		Fingerprint:      profile,
		UAPool:           uas,
		RequiredSelector: cfg.Fetch.RequiredSelector,
		MaxBodyBytes:     cfg.Fetch.MaxBodyBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fetcher: %w", err)
	}

	validator := validate.New(fetcher, validate.Config{
		URLs:        cfg.Validation.URLs,
		Timeout:     cfg.Validation.Timeout,
		Concurrency: cfg.Validation.Concurrency,
	}, logger)

	return &App{
		cfg:       cfg,
		logger:    logger,
		pool:      pool,
		fetcher:   fetcher,
		validator: validator,
		Out:       os.Stdout,
	}, nil
}

// LoadPool reads the proxy list file into a new pool. Malformed lines are
// logged and skipped; duplicate proxies fail the load.
func LoadPool(cfg config.ProxiesConfig, logger *slog.Logger) (*proxy.Pool, error) {
	protocol, err := proxy.ParseProtocol(cfg.DefaultProtocol)
	if err != nil {
		return nil, err
	}

	endpoints, problems, err := proxy.LoadFile(cfg.File, protocol)
	if err != nil {
		return nil, fmt.Errorf("failed to read proxy list: %w", err)
	}
	for _, p := range problems {
		logger.Warn("skipping malformed proxy entry", "error", p)
	}

	pool := proxy.NewPool(proxy.Config{MaxFailures: cfg.MaxFailures})
	if err := pool.Load(endpoints); err != nil {
		return nil, fmt.Errorf("failed to load proxies: %w", err)
	}
	logger.Info("proxies loaded", "file", cfg.File, "count", pool.Len(), "skipped", len(problems))
	return pool, nil
}

// Pool exposes the proxy pool.
func (a *App) Pool() *proxy.Pool { return a.pool }

// Validate probes every untested proxy. Ending with no working proxy is
// logged as a warning, not returned as an error.
func (a *App) Validate(ctx context.Context) (validate.Result, error) {
	a.logger.Info("validating proxies", "count", a.pool.Len(), "concurrency", a.cfg.Validation.Concurrency)
	res, err := a.validator.ValidateAll(ctx, a.pool)
	if err != nil {
		return res, fmt.Errorf("failed to validate proxies: %w", err)
	}
	if res.Working == 0 {
		a.logger.Warn("no working proxies after validation", "dead", res.Dead)
	}
	return res, nil
}

// Run validates the pool, fetches every configured target through it and
// writes the run report.
func (a *App) Run(ctx context.Context) (dispatch.Stats, error) {
	if !a.cfg.HasTargets() {
		return dispatch.Stats{}, ErrNoTargets
	}

	if a.cfg.Metrics.Port > 0 {
		srv, err := metrics.Start(":"+strconv.Itoa(a.cfg.Metrics.Port), a.logger)
		if err != nil {
			return dispatch.Stats{}, fmt.Errorf("failed to start metrics server: %w", err)
		}
		defer srv.Stop(context.WithoutCancel(ctx))
	}

	if a.cfg.Validation.Skip {
		a.logger.Info("skipping proxy validation")
	} else if _, err := a.Validate(ctx); err != nil {
		return dispatch.Stats{}, err
	}

	if spec := a.cfg.Validation.Schedule; spec != "" {
		stop, err := a.validator.Schedule(ctx, spec, a.pool)
		if err != nil {
			return dispatch.Stats{}, err
		}
		defer stop()
	}

	backend, err := OpenBackend(ctx, a.cfg.Storage)
	if err != nil {
		return dispatch.Stats{}, err
	}
	collector := report.NewCollector()
	sink := teeSink{collector}
	if backend != nil {
		defer backend.Close()
		sink = append(sink, backend)
	}

	policy, err := dispatch.ParsePolicy(a.cfg.Dispatch.Backoff.Policy)
	if err != nil {
		return dispatch.Stats{}, err
	}

	d := dispatch.New(a.pool, a.fetcher, dispatch.Config{
		Workers:    a.cfg.Dispatch.Workers,
		MaxRetries: a.cfg.Dispatch.MaxRetries,
		Backoff: dispatch.Backoff{
			Policy:     policy,
			Base:       a.cfg.Dispatch.Backoff.Base,
			Max:        a.cfg.Dispatch.Backoff.Max,
			Multiplier: a.cfg.Dispatch.Backoff.Multiplier,
			Jitter:     a.cfg.Dispatch.Backoff.Jitter,
		},
		AttemptTimeout: a.cfg.Dispatch.AttemptTimeout,
		WaitForProxy:   a.cfg.Dispatch.WaitForProxy,
		Limiter:        ratelimit.NewLimiter(a.cfg.Dispatch.RequestsPerSecond, a.cfg.Dispatch.Jitter),
		RespectRobots:  a.cfg.Dispatch.RespectRobots,
		UserAgent:      a.cfg.Dispatch.UserAgent,
		Sink:           sink,
	}, a.logger)

	seq, err := a.targets(ctx, d)
	if err != nil {
		return dispatch.Stats{}, err
	}

	stats, runErr := d.Run(ctx, seq)

	summary := collector.Summary()
	r := report.Report{
		Summary: &summary,
		Proxies: report.SummarizeProxies(a.pool.Snapshot()),
	}
	if err := a.writeReport(r); err != nil {
		return stats, errors.Join(runErr, err)
	}
	return stats, runErr
}

// targets chains the configured sources: inline URLs, then the file, then
// the sitemap, which is fetched through the pool.
func (a *App) targets(ctx context.Context, d *dispatch.Dispatcher) (iter.Seq[string], error) {
	var seqs []iter.Seq[string]
	if len(a.cfg.Targets.URLs) > 0 {
		seqs = append(seqs, targets.FromSlice(a.cfg.Targets.URLs))
	}
	if a.cfg.Targets.File != "" {
		seq, err := targets.FromFile(a.cfg.Targets.File, a.logger)
		if err != nil {
			return nil, err
		}
		seqs = append(seqs, seq)
	}
	if a.cfg.Targets.Sitemap != "" {
		seqs = append(seqs, targets.FromSitemap(ctx, d.Fetch, a.cfg.Targets.Sitemap, a.logger))
	}
	return targets.Unique(targets.Concat(seqs...)), nil
}

// WriteProxyReport writes only the pool section of a report.
func (a *App) WriteProxyReport() error {
	return a.writeReport(report.Report{Proxies: report.SummarizeProxies(a.pool.Snapshot())})
}

func (a *App) writeReport(r report.Report) error {
	w := a.Out
	if path := a.cfg.Report.Output; path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create report file: %w", err)
		}
		defer f.Close()
		w = f
	}
	return report.Write(w, a.cfg.Report.Format, r)
}

// Close releases the fetcher's connections.
func (a *App) Close() {
	a.fetcher.Close()
}
