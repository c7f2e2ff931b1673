// Package observability — metrics.go
//
// Prometheus metrics for the duskwarden nightly supervisor.
//
// Endpoint: GET /metrics on 127.0.0.1:9091 (configurable).
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: the configured address; the default is loopback only.
//
// Metric naming convention: duskwarden_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.

package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metric descriptors for duskwarden.
type Metrics struct {
	registry *prometheus.Registry

	// ─── Telemetry ────────────────────────────────────────────────────────────

	// WindSpeedMPH is the current smoothed wind speed.
	WindSpeedMPH prometheus.Gauge

	// SeeingArcsec is the current smoothed seeing estimate.
	SeeingArcsec prometheus.Gauge

	// SlowdownFactor is the current guide-count-rate slowdown estimate.
	SlowdownFactor prometheus.Gauge

	// OpenOK reports the current open_ok invariant as 0/1.
	OpenOK prometheus.Gauge

	// KeywordUpdatesTotal counts keyword bus updates delivered to
	// subscribers. Labels: key.
	KeywordUpdatesTotal *prometheus.CounterVec

	// KeywordUpdatesDroppedTotal counts updates dropped for queue
	// overflow on the reference bus.
	KeywordUpdatesDroppedTotal prometheus.Counter

	// ─── Action Executor ──────────────────────────────────────────────────────

	// ActionsTotal counts Executor operations, by action and outcome
	// (issued, success, failure).
	ActionsTotal *prometheus.CounterVec

	// ActionAttemptsTotal counts individual script invocation attempts,
	// including retries.
	ActionAttemptsTotal prometheus.Counter

	// ActionFailuresTotal counts individual script invocation failures.
	ActionFailuresTotal prometheus.Counter

	// ─── Phase Sequencer ──────────────────────────────────────────────────────

	// PhaseTransitionsTotal counts pipeline phase transitions. Labels:
	// from_phase, to_phase.
	PhaseTransitionsTotal *prometheus.CounterVec

	// GuardViolationsTotal counts TransitionGuard rejections. Labels:
	// violation_type.
	GuardViolationsTotal *prometheus.CounterVec

	// CurrentPhase is the current pipeline phase as an enum value gauge.
	CurrentPhase prometheus.Gauge

	// ─── Storage ──────────────────────────────────────────────────────────────

	// StorageWriteLatency records BoltDB write transaction latency.
	StorageWriteLatency prometheus.Histogram

	// LedgerEntries is the current number of completed-observation
	// ledger entries.
	LedgerEntries prometheus.Gauge

	// ─── Agent ────────────────────────────────────────────────────────────────

	// UptimeSeconds is the number of seconds since the supervisor
	// started.
	UptimeSeconds prometheus.Gauge

	// startTime records when the supervisor started (for uptime
	// calculation).
	startTime time.Time
}

// NewMetrics creates and registers all duskwarden Prometheus metrics.
// Returns a *Metrics with all descriptors initialised.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry:  reg,
		startTime: time.Now(),

		WindSpeedMPH: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskwarden",
			Subsystem: "telemetry",
			Name:      "wind_speed_mph",
			Help:      "Current smoothed wind speed in miles per hour.",
		}),

		SeeingArcsec: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskwarden",
			Subsystem: "telemetry",
			Name:      "seeing_arcsec",
			Help:      "Current smoothed seeing estimate in arcseconds.",
		}),

		SlowdownFactor: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskwarden",
			Subsystem: "telemetry",
			Name:      "slowdown_factor",
			Help:      "Current guide-count-rate slowdown estimate.",
		}),

		OpenOK: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskwarden",
			Subsystem: "telemetry",
			Name:      "open_ok",
			Help:      "Current value of the open_ok invariant (1 = safe to be open).",
		}),

		KeywordUpdatesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duskwarden",
			Subsystem: "keyword",
			Name:      "updates_total",
			Help:      "Total keyword bus updates delivered to subscribers, by key.",
		}, []string{"key"}),

		KeywordUpdatesDroppedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duskwarden",
			Subsystem: "keyword",
			Name:      "updates_dropped_total",
			Help:      "Total keyword bus updates dropped for queue overflow.",
		}),

		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duskwarden",
			Subsystem: "action",
			Name:      "total",
			Help:      "Total Executor operations, by action and outcome.",
		}, []string{"action", "outcome"}),

		ActionAttemptsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duskwarden",
			Subsystem: "action",
			Name:      "attempts_total",
			Help:      "Total script invocation attempts, including retries.",
		}),

		ActionFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "duskwarden",
			Subsystem: "action",
			Name:      "failures_total",
			Help:      "Total script invocation failures.",
		}),

		PhaseTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duskwarden",
			Subsystem: "phase",
			Name:      "transitions_total",
			Help:      "Total pipeline phase transitions, by from_phase and to_phase.",
		}, []string{"from_phase", "to_phase"}),

		GuardViolationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "duskwarden",
			Subsystem: "phase",
			Name:      "guard_violations_total",
			Help:      "Total transition guard rejections, by violation type.",
		}, []string{"violation_type"}),

		CurrentPhase: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskwarden",
			Subsystem: "phase",
			Name:      "current",
			Help:      "Current pipeline phase as an enum value (0=ObsInfo .. 5=Finished).",
		}),

		StorageWriteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "duskwarden",
			Subsystem: "storage",
			Name:      "write_latency_seconds",
			Help:      "BoltDB write transaction latency in seconds.",
			Buckets:   prometheus.DefBuckets,
		}),

		LedgerEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskwarden",
			Subsystem: "storage",
			Name:      "ledger_entries",
			Help:      "Current number of completed-observation ledger entries in BoltDB.",
		}),

		UptimeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "duskwarden",
			Subsystem: "agent",
			Name:      "uptime_seconds",
			Help:      "Number of seconds since the supervisor started.",
		}),
	}

	reg.MustRegister(
		m.WindSpeedMPH,
		m.SeeingArcsec,
		m.SlowdownFactor,
		m.OpenOK,
		m.KeywordUpdatesTotal,
		m.KeywordUpdatesDroppedTotal,
		m.ActionsTotal,
		m.ActionAttemptsTotal,
		m.ActionFailuresTotal,
		m.PhaseTransitionsTotal,
		m.GuardViolationsTotal,
		m.CurrentPhase,
		m.StorageWriteLatency,
		m.LedgerEntries,
		m.UptimeSeconds,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// ServeMetrics starts the Prometheus HTTP metrics server on the given address.
// Blocks until ctx is cancelled or the server fails.
// The server binds to addr (e.g., "127.0.0.1:9091") and serves GET /metrics.
// Returns an error only if the server fails to start or encounters a fatal error.
func (m *Metrics) ServeMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go m.updateUptime(ctx)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}

// updateUptime periodically updates the UptimeSeconds gauge.
func (m *Metrics) updateUptime(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.UptimeSeconds.Set(time.Since(m.startTime).Seconds())
		case <-ctx.Done():
			return
		}
	}
}
