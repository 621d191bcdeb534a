package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/FranksOps/rotor/internal/config"
	"github.com/FranksOps/rotor/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

var version = "dev"

// options is shared by every subcommand.
type options struct {
	v       *viper.Viper
	cfgFile string
}

func newRootCmd() *cobra.Command {
	opts := &options{v: viper.New()}

	cmd := &cobra.Command{
		Use:   "rotor",
		Short: "Fetch URLs through a rotating, health-tracked proxy pool",
		Long: `rotor routes every request through a pool of upstream proxies,
tracks the health of each proxy and retries failed URLs on a different one.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is ./rotor.yaml, .toml or .json)")
	flags.String("log-level", "", "log level: debug, info, warn, error")
	flags.String("log-format", "", "log format: text or json")
	flags.String("proxies", "", "proxy list file")
	flags.String("report-format", "", "report format: text, json or html")
	flags.String("report-output", "", "write the report to this file instead of stdout")
	opts.bind(flags, map[string]string{
		"log.level":     "log-level",
		"log.format":    "log-format",
		"proxies.file":  "proxies",
		"report.format": "report-format",
		"report.output": "report-output",
	})

	cmd.AddCommand(newRunCmd(opts))
	cmd.AddCommand(newValidateCmd(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rotor version %s\n", version)
		},
	})

	return cmd
}

// bind maps config keys onto flags so flags override file and environment.
func (o *options) bind(flags *pflag.FlagSet, keys map[string]string) {
	for key, name := range keys {
		if err := o.v.BindPFlag(key, flags.Lookup(name)); err != nil {
			panic(fmt.Sprintf("failed to bind flag %s: %v", name, err))
		}
	}
}

// load reads the configuration and installs the configured logger as the
// default. The returned function closes the log file.
func (o *options) load() (*config.Config, *slog.Logger, func() error, error) {
	cfg, err := config.Load(o.v, o.cfgFile)
	if err != nil {
		return nil, nil, nil, err
	}

	logger, closeLog, err := logging.New(logging.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	}, os.Stderr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to set up logging: %w", err)
	}
	slog.SetDefault(logger)
	return cfg, logger, closeLog, nil
}
