package main

import (
	"context"
	"errors"

	"github.com/FranksOps/rotor/internal/app"
	"github.com/spf13/cobra"
)

func newRunCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [url...]",
		Short: "Validate the proxy pool and fetch every target through it",
		Example: `  rotor run --proxies proxy.txt https://example.com/a https://example.com/b
  rotor run --targets-file urls.txt --workers 20
  rotor run --sitemap https://example.com/sitemap.xml --respect-robots`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				opts.v.Set("targets.urls", args)
			}

			cfg, logger, closeLog, err := opts.load()
			if err != nil {
				return err
			}
			defer closeLog()

			a, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			a.Out = cmd.OutOrStdout()

			stats, err := a.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				logger.Warn("run interrupted", "completed", stats.Total)
				return nil
			}
			return err
		},
	}

	flags := cmd.Flags()
	flags.String("targets-file", "", "file with one target URL per line")
	flags.String("sitemap", "", "sitemap or sitemap index URL to read targets from")
	flags.Int("workers", 0, "number of concurrent workers")
	flags.Int("max-retries", 0, "attempts allowed after the first for each URL")
	flags.Bool("wait-for-proxy", false, "wait for a busy proxy instead of failing the URL")
	flags.Bool("respect-robots", false, "skip URLs disallowed by robots.txt")
	flags.Bool("skip-validation", false, "put proxies into rotation without probing them first")
	flags.Int("metrics-port", 0, "expose Prometheus metrics on this port")
	flags.String("storage", "", "result backend: json, csv, sqlite, postgres or none")
	flags.String("dsn", "", "result file path or postgres connection string")
	opts.bind(flags, map[string]string{
		"targets.file":            "targets-file",
		"targets.sitemap":         "sitemap",
		"dispatch.workers":        "workers",
		"dispatch.max_retries":    "max-retries",
		"dispatch.wait_for_proxy": "wait-for-proxy",
		"dispatch.respect_robots": "respect-robots",
		"validation.skip":         "skip-validation",
		"metrics.port":            "metrics-port",
		"storage.backend":         "storage",
		"storage.dsn":             "dsn",
	})

	return cmd
}
