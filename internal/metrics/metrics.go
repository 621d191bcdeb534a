package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	AttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_attempts_total",
			Help: "Fetch attempts by outcome kind",
		},
		[]string{"outcome"},
	)

	AttemptDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rotor_attempt_duration_seconds",
			Help:    "Duration of fetch attempts in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"outcome"},
	)

	BytesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_bytes_total",
			Help: "Total response bytes downloaded",
		},
	)

	Detections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_bot_detections_total",
			Help: "Responses identified as bot protection block pages",
		},
		[]string{"source"},
	)

	ProxyOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_proxy_outcomes_total",
			Help: "Released reservations per proxy and outcome kind",
		},
		[]string{"proxy", "outcome"},
	)

	ProxyDeaths = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_proxy_deaths_total",
			Help: "Proxies that crossed the failure threshold",
		},
	)

	ProxiesByStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rotor_proxies",
			Help: "Proxies in the pool by status",
		},
		[]string{"status"},
	)

	URLsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_urls_total",
			Help: "Target URLs by terminal state",
		},
		[]string{"state"},
	)

	Retries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "rotor_retries_total",
			Help: "Attempts beyond the first for a target URL",
		},
	)

	InFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "rotor_in_flight",
			Help: "Fetches currently in flight",
		},
	)

	Validations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rotor_validations_total",
			Help: "Proxy validation probes by verdict",
		},
		[]string{"verdict"},
	)
)

// RecordAttempt updates the attempt metrics for one fetch.
func RecordAttempt(outcome string, d time.Duration, bytes int, detectionSrc string) {
	AttemptsTotal.WithLabelValues(outcome).Inc()
	AttemptDuration.WithLabelValues(outcome).Observe(d.Seconds())
	BytesTotal.Add(float64(bytes))
	if detectionSrc != "" {
		Detections.WithLabelValues(detectionSrc).Inc()
	}
}

// SetPoolCounts publishes the pool composition.
func SetPoolCounts(untested, working, dead, reserved int) {
	ProxiesByStatus.WithLabelValues("untested").Set(float64(untested))
	ProxiesByStatus.WithLabelValues("working").Set(float64(working))
	ProxiesByStatus.WithLabelValues("dead").Set(float64(dead))
	ProxiesByStatus.WithLabelValues("reserved").Set(float64(reserved))
}

// Server encapsulates an HTTP server for Prometheus metrics.
type Server struct {
	srv *http.Server
	ln  net.Listener
}

// Start listens on addr (e.g. ":9090") and exposes /metrics. The listener is
// bound before Start returns so address errors surface immediately.
func Start(addr string, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()

	logger.Info("metrics server listening", "addr", ln.Addr().String())
	return &Server{srv: srv, ln: ln}, nil
}

// Addr returns the bound listen address.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// Stop gracefully shuts down the metrics server.
func (s *Server) Stop(ctx context.Context) error {
	if s == nil || s.srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.srv.Shutdown(ctx)
}
