// Package config loads rotor settings from a config file, ROTOR_* environment
// variables and built-in defaults, in increasing order of precedence:
// defaults, file, environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/FranksOps/rotor/internal/dispatch"
	"github.com/FranksOps/rotor/internal/fingerprint"
	"github.com/FranksOps/rotor/internal/logging"
	"github.com/FranksOps/rotor/pkg/proxy"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. ROTOR_DISPATCH_WORKERS.
const EnvPrefix = "ROTOR"

// Config is the complete rotor configuration.
type Config struct {
	Proxies    ProxiesConfig    `mapstructure:"proxies"`
	Dispatch   DispatchConfig   `mapstructure:"dispatch"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Validation ValidationConfig `mapstructure:"validation"`
	Targets    TargetsConfig    `mapstructure:"targets"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Report     ReportConfig     `mapstructure:"report"`
}

type ProxiesConfig struct {
	File            string `mapstructure:"file"`
	DefaultProtocol string `mapstructure:"default_protocol"`
	MaxFailures     int    `mapstructure:"max_failures"`
}

type BackoffConfig struct {
	Policy     string        `mapstructure:"policy"`
	Base       time.Duration `mapstructure:"base"`
	Max        time.Duration `mapstructure:"max"`
	Multiplier float64       `mapstructure:"multiplier"`
	Jitter     float64       `mapstructure:"jitter"`
}

type DispatchConfig struct {
	Workers           int           `mapstructure:"workers"`
	MaxRetries        int           `mapstructure:"max_retries"`
	Backoff           BackoffConfig `mapstructure:"backoff"`
	AttemptTimeout    time.Duration `mapstructure:"attempt_timeout"`
	WaitForProxy      bool          `mapstructure:"wait_for_proxy"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Jitter            float64       `mapstructure:"jitter"`
	RespectRobots     bool          `mapstructure:"respect_robots"`
	UserAgent         string        `mapstructure:"user_agent"`
}

type FetchConfig struct {
	Timeout          time.Duration `mapstructure:"timeout"`
	DialTimeout      time.Duration `mapstructure:"dial_timeout"`
	Fingerprint      string        `mapstructure:"fingerprint"`
	MaxRedirects     int           `mapstructure:"max_redirects"`
	UseCookieJar     bool          `mapstructure:"use_cookie_jar"`
	UserAgents       []string      `mapstructure:"user_agents"`
	RequiredSelector string        `mapstructure:"required_selector"`
	MaxBodyBytes     int64         `mapstructure:"max_body_bytes"`
}

type ValidationConfig struct {
	URLs        []string      `mapstructure:"urls"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Concurrency int           `mapstructure:"concurrency"`
	// Schedule is a cron expression for re-validating dead proxies. Empty disables it.
	Schedule string `mapstructure:"schedule"`
	// Skip puts proxies into rotation untested.
	Skip bool `mapstructure:"skip"`
}

type TargetsConfig struct {
	URLs    []string `mapstructure:"urls"`
	File    string   `mapstructure:"file"`
	Sitemap string   `mapstructure:"sitemap"`
}

// StorageConfig selects the result sink. DSN is a file path for json, csv
// and sqlite, and a connection string for postgres.
type StorageConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

type MetricsConfig struct {
	// Port exposes /metrics when non-zero.
	Port int `mapstructure:"port"`
}

type ReportConfig struct {
	Format string `mapstructure:"format"`
	// Output is a file path; empty writes to stdout.
	Output string `mapstructure:"output"`
}

// SetDefaults registers every key with its default so environment
// overrides apply even when the key is absent from the file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("proxies.file", "proxy.txt")
	v.SetDefault("proxies.default_protocol", string(proxy.ProtocolSOCKS5))
	v.SetDefault("proxies.max_failures", 3)

	v.SetDefault("dispatch.workers", 10)
	v.SetDefault("dispatch.max_retries", 3)
	v.SetDefault("dispatch.backoff.policy", string(dispatch.PolicyExponential))
	v.SetDefault("dispatch.backoff.base", 2*time.Second)
	v.SetDefault("dispatch.backoff.max", 30*time.Second)
	v.SetDefault("dispatch.backoff.multiplier", 2.0)
	v.SetDefault("dispatch.backoff.jitter", 0.2)
	v.SetDefault("dispatch.attempt_timeout", 30*time.Second)
	v.SetDefault("dispatch.wait_for_proxy", false)
	v.SetDefault("dispatch.requests_per_second", 0.0)
	v.SetDefault("dispatch.jitter", 0.0)
	v.SetDefault("dispatch.respect_robots", false)
	v.SetDefault("dispatch.user_agent", "rotor")

	v.SetDefault("fetch.timeout", 30*time.Second)
	v.SetDefault("fetch.dial_timeout", 10*time.Second)
	v.SetDefault("fetch.fingerprint", string(fingerprint.ProfileChrome))
	v.SetDefault("fetch.max_redirects", 10)
	v.SetDefault("fetch.use_cookie_jar", false)
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.required_selector", "")
	v.SetDefault("fetch.max_body_bytes", int64(10<<20))

	v.SetDefault("validation.urls", []string{})
	v.SetDefault("validation.timeout", 15*time.Second)
	v.SetDefault("validation.concurrency", 5)
	v.SetDefault("validation.schedule", "")
	v.SetDefault("validation.skip", false)

	v.SetDefault("targets.urls", []string{})
	v.SetDefault("targets.file", "")
	v.SetDefault("targets.sitemap", "")

	v.SetDefault("storage.backend", "json")
	v.SetDefault("storage.dsn", "results.jsonl")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.file", "")

	v.SetDefault("metrics.port", 0)

	v.SetDefault("report.format", "text")
	v.SetDefault("report.output", "")
}

// Load reads the config file at path, or rotor.{yaml,toml,json} from the
// working directory when path is empty, applies environment overrides and
// validates the result. A missing default file is not an error.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("rotor")
		v.AddConfigPath(".")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Proxies.File == "" {
		add("proxies.file is required")
	}
	if _, err := proxy.ParseProtocol(c.Proxies.DefaultProtocol); err != nil {
		add("proxies.default_protocol: %w", err)
	}
	if c.Proxies.MaxFailures <= 0 {
		add("proxies.max_failures must be greater than 0")
	}

	if c.Dispatch.Workers <= 0 {
		add("dispatch.workers must be greater than 0")
	}
	if c.Dispatch.MaxRetries < 0 {
		add("dispatch.max_retries cannot be negative")
	}
	if _, err := dispatch.ParsePolicy(c.Dispatch.Backoff.Policy); err != nil {
		add("dispatch.backoff.policy: %w", err)
	}
	if c.Dispatch.Backoff.Base < 0 || c.Dispatch.Backoff.Max < 0 {
		add("dispatch.backoff delays cannot be negative")
	}
	if c.Dispatch.Backoff.Jitter < 0 || c.Dispatch.Backoff.Jitter > 1 {
		add("dispatch.backoff.jitter must be between 0 and 1")
	}
	if c.Dispatch.AttemptTimeout <= 0 {
		add("dispatch.attempt_timeout must be greater than 0")
	}
	if c.Dispatch.RequestsPerSecond < 0 {
		add("dispatch.requests_per_second cannot be negative")
	}
	if c.Dispatch.Jitter < 0 || c.Dispatch.Jitter > 1 {
		add("dispatch.jitter must be between 0 and 1")
	}

	if c.Fetch.Timeout <= 0 {
		add("fetch.timeout must be greater than 0")
	}
	if _, err := fingerprint.ParseProfile(c.Fetch.Fingerprint); err != nil {
		add("fetch.fingerprint: %w", err)
	}

	if c.Validation.Timeout <= 0 {
		add("validation.timeout must be greater than 0")
	}
	if c.Validation.Concurrency <= 0 {
		add("validation.concurrency must be greater than 0")
	}
	for _, u := range c.Validation.URLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			add("validation.urls: %q must start with http(s)", u)
		}
	}

	switch c.Storage.Backend {
	case "none":
	case "json", "csv", "sqlite", "postgres":
		if c.Storage.DSN == "" {
			add("storage.dsn is required for the %s backend", c.Storage.Backend)
		}
	default:
		add("storage.backend: unknown backend %q", c.Storage.Backend)
	}

	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		add("log.level: %w", err)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		add("log.format: unknown format %q", c.Log.Format)
	}

	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port out of range: %d", c.Metrics.Port)
	}

	switch strings.ToLower(c.Report.Format) {
	case "", "text", "json", "html":
	default:
		add("report.format: unknown format %q", c.Report.Format)
	}

	return errors.Join(errs...)
}

// HasTargets reports whether any target source is configured.
func (c *Config) HasTargets() bool {
	return len(c.Targets.URLs) > 0 || c.Targets.File != "" || c.Targets.Sitemap != ""
}
