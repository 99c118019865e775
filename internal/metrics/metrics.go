// Package metrics registers the Prometheus collectors for the detection
// pipeline and optionally serves them over HTTP.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"hyperliquid-sentry/internal/config"
	"hyperliquid-sentry/internal/logging"
)

var (
	CyclesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentry_detection_cycles_total",
			Help: "Detection cycles run, by monitor and outcome",
		},
		[]string{"monitor", "status"},
	)

	CycleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsentry_detection_cycle_duration_seconds",
			Help:    "Duration of one detection cycle including data fetch",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"monitor"},
	)

	EventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentry_security_events_total",
			Help: "Security events emitted, by monitor and severity",
		},
		[]string{"monitor", "severity"},
	)

	PatternsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentry_liquidation_patterns_total",
			Help: "Liquidation patterns detected, by type",
		},
		[]string{"type"},
	)

	SuspicionScores = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "hlsentry_pattern_suspicion_scores",
			Help:    "Distribution of pattern suspicion scores (0-100)",
			Buckets: []float64{10, 20, 30, 40, 50, 60, 70, 75, 80, 85, 90, 95, 100},
		},
	)

	ExploitsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentry_exploits_recorded_total",
			Help: "Exploit records produced for downstream consumers, by category",
		},
		[]string{"category"},
	)

	VaultAnomalyScore = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "hlsentry_vault_anomaly_score",
			Help: "Latest blended anomaly score per vault (0-100)",
		},
		[]string{"vault"},
	)

	ActiveDeviations = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsentry_active_oracle_deviations",
			Help: "Oracle deviations currently above the warning threshold",
		},
	)

	LiquidationsIngested = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "hlsentry_liquidations_ingested_total",
			Help: "Liquidation events accepted into the rolling window",
		},
	)

	LiquidationWindow = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "hlsentry_liquidation_window_events",
			Help: "Liquidation events currently retained in the rolling window",
		},
	)

	AlertsSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentry_alerts_sent_total",
			Help: "Alert deliveries, by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	AlertsSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentry_alerts_suppressed_total",
			Help: "Alerts dropped before delivery, by reason",
		},
		[]string{"reason"},
	)

	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "hlsentry_api_requests_total",
			Help: "Upstream API requests, by host and outcome",
		},
		[]string{"host", "status"},
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "hlsentry_api_request_duration_seconds",
			Help:    "Duration of upstream API requests",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"host"},
	)
)

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

// RecordCycle records one monitor pass.
func RecordCycle(monitor string, duration time.Duration, err error) {
	CyclesTotal.WithLabelValues(monitor, statusLabel(err)).Inc()
	CycleDuration.WithLabelValues(monitor).Observe(duration.Seconds())
}

// RecordEvent counts an emitted security event.
func RecordEvent(monitor, severity string) {
	EventsEmitted.WithLabelValues(monitor, severity).Inc()
}

// RecordPattern counts a detected pattern and tracks its suspicion score.
func RecordPattern(patternType string, suspicion float64) {
	PatternsDetected.WithLabelValues(patternType).Inc()
	SuspicionScores.Observe(suspicion)
}

// RecordExploit counts an exploit record handed to consumers.
func RecordExploit(category string) {
	ExploitsRecorded.WithLabelValues(category).Inc()
}

// SetVaultScore publishes the latest anomaly score for a vault.
func SetVaultScore(vault string, score float64) {
	VaultAnomalyScore.WithLabelValues(vault).Set(score)
}

// SetActiveDeviations publishes the current active-deviation count.
func SetActiveDeviations(n int) {
	ActiveDeviations.Set(float64(n))
}

// RecordLiquidations counts events accepted into the window.
func RecordLiquidations(n int) {
	LiquidationsIngested.Add(float64(n))
}

// SetLiquidationWindow publishes the current rolling-window size.
func SetLiquidationWindow(n int) {
	LiquidationWindow.Set(float64(n))
}

// RecordAlert records an alert delivery attempt.
func RecordAlert(channel string, err error) {
	AlertsSent.WithLabelValues(channel, statusLabel(err)).Inc()
}

// RecordAlertSuppressed counts an alert dropped before delivery.
func RecordAlertSuppressed(reason string) {
	AlertsSuppressed.WithLabelValues(reason).Inc()
}

// RecordAPIRequest records one upstream call.
func RecordAPIRequest(host string, duration time.Duration, err error) {
	APIRequests.WithLabelValues(host, statusLabel(err)).Inc()
	APIRequestDuration.WithLabelValues(host).Observe(duration.Seconds())
}

// Server exposes the default registry over HTTP alongside a liveness probe.
type Server struct {
	cfg    config.MetricsConfig
	logger zerolog.Logger
}

func NewServer(cfg config.MetricsConfig, logger zerolog.Logger) *Server {
	return &Server{cfg: cfg, logger: logging.Component(logger, "metrics")}
}

// Run serves until ctx is cancelled. A blank listen address disables the
// listener; collectors stay registered either way.
func (s *Server) Run(ctx context.Context) error {
	if s.cfg.ListenAddr == "" {
		s.logger.Debug().Msg("metrics listener disabled")
		return nil
	}

	path := s.cfg.Path
	if path == "" {
		path = "/metrics"
	}

	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()

	s.logger.Info().Str("addr", s.cfg.ListenAddr).Str("path", path).Msg("metrics listener started")

	select {
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
