// Package metrics exposes the kernel's Prometheus surface: admission and
// park ratios per tier, receipt throughput, MAPE-K cycle latency, and
// per-pattern execution counts. Adapted from internal/metrics/metrics.go's
// promauto-constructed package-var style and safeRegister/NewMetricsServer
// shape.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

var (
	// AdmissionsTotal counts admission decisions per tier (R1/W1/C1) and
	// outcome (admit/park).
	AdmissionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knhkd_admissions_total",
			Help: "Total number of admission decisions",
		},
		[]string{"tier", "outcome"},
	)

	// BeatDuration records how long one scheduler beat took to process,
	// bucketed finely since the hot-path budget is single-digit ticks.
	BeatDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knhkd_beat_duration_seconds",
			Help:    "Time spent processing one scheduler beat",
			Buckets: []float64{0.00001, 0.00005, 0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1},
		},
		[]string{"tier"},
	)

	// ParkRatio is, per tier, the fraction of the router's admission
	// decisions that parked the delta instead of admitting it.
	ParkRatio = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "knhkd_park_ratio",
			Help: "Fraction of admission decisions per tier that parked the delta",
		},
		[]string{"tier"},
	)

	// ReceiptsAppendedTotal counts receipts appended to Γ by kind.
	ReceiptsAppendedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knhkd_receipts_appended_total",
			Help: "Total number of receipts appended to the receipt log",
		},
		[]string{"kind"},
	)

	// ReceiptAppendDuration is the latency of a single Append call,
	// including fsync when the log's sync mode requires it.
	ReceiptAppendDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "knhkd_receipt_append_duration_seconds",
		Help:    "Time spent appending a single receipt",
		Buckets: prometheus.DefBuckets,
	})

	// PatternExecutionsTotal counts task executions per van der Aalst
	// pattern id and outcome string ("ok", "parked", "compensated",
	// "escalated", "fatal").
	PatternExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knhkd_pattern_executions_total",
			Help: "Total number of task executions per workflow pattern",
		},
		[]string{"pattern_id", "outcome"},
	)

	// CasesActive is the current number of cases in each lifecycle state.
	CasesActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "knhkd_cases_active",
			Help: "Current number of cases by state",
		},
		[]string{"state"},
	)

	// SyncGateWaitDuration is how long a multi-instance join waited for
	// its completion condition to be satisfied.
	SyncGateWaitDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "knhkd_sync_gate_wait_duration_seconds",
			Help:    "Time spent waiting for a multi-instance sync gate to open",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"pattern_id"},
	)

	// GuardEvaluationsTotal counts guard evaluations by predicate id and
	// pass/fail.
	GuardEvaluationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knhkd_guard_evaluations_total",
			Help: "Total number of guard evaluations",
		},
		[]string{"predicate_id", "passed"},
	)

	// OverlayPromotionsTotal counts promotions by safety class and
	// success/failure.
	OverlayPromotionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knhkd_overlay_promotions_total",
			Help: "Total number of overlay promotion attempts",
		},
		[]string{"class", "result"},
	)

	// CanaryRolloutFraction is the current traffic fraction for an
	// in-flight canary rollout, 0 when none is active.
	CanaryRolloutFraction = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "knhkd_canary_rollout_fraction",
		Help: "Current traffic fraction directed at an in-flight canary overlay",
	})

	// MapeKCycleDuration is the wall-clock time of one full MAPE-K cycle.
	MapeKCycleDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "knhkd_mapek_cycle_duration_seconds",
		Help:    "Time spent running one Monitor/Analyze/Plan/Execute/Knowledge cycle",
		Buckets: prometheus.DefBuckets,
	})

	// MapeKRegressionsTotal counts regressions Analyze detected, by kind.
	MapeKRegressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knhkd_mapek_regressions_total",
			Help: "Total number of regressions detected by Analyze",
		},
		[]string{"kind"},
	)

	// HookInvocationsTotal counts hook/guard registry lookups by
	// predicate id and kernel kind (Hot/Warm/Cold).
	HookInvocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "knhkd_hook_invocations_total",
			Help: "Total number of hook registry guard invocations",
		},
		[]string{"predicate_id", "kernel"},
	)
)

// Server exposes /metrics and /health over HTTP, mirroring
// internal/metrics/metrics.go's MetricsServer shape. Metric variables
// above are promauto-registered against the default registry at
// declaration time, so Server itself only needs to mount the handler.
type Server struct {
	server *http.Server
	logger *logrus.Logger
}

// NewServer returns a metrics server bound to addr.
func NewServer(addr string, logger *logrus.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{Addr: addr, Handler: mux},
		logger: logger,
	}
}

// Start begins serving in a background goroutine.
func (s *Server) Start() error {
	s.logger.WithField("addr", s.server.Addr).Info("starting metrics server")
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("metrics server error")
		}
	}()
	return nil
}

// Stop shuts the server down.
func (s *Server) Stop() error {
	s.logger.Info("stopping metrics server")
	return s.server.Close()
}

// RecordAdmission records one admission decision.
func RecordAdmission(tier, outcome string) {
	AdmissionsTotal.WithLabelValues(tier, outcome).Inc()
}

// RecordBeat records one scheduler beat's processing duration.
func RecordBeat(tier string, d time.Duration) {
	BeatDuration.WithLabelValues(tier).Observe(d.Seconds())
}

// SetParkRatio sets the current park ratio for tier.
func SetParkRatio(tier string, ratio float64) {
	ParkRatio.WithLabelValues(tier).Set(ratio)
}

// RecordReceiptAppend records one receipt append of kind, taking d.
func RecordReceiptAppend(kind string, d time.Duration) {
	ReceiptsAppendedTotal.WithLabelValues(kind).Inc()
	ReceiptAppendDuration.Observe(d.Seconds())
}

// RecordPatternExecution records one task execution outcome for
// patternID.
func RecordPatternExecution(patternID int, outcome string) {
	PatternExecutionsTotal.WithLabelValues(strconv.Itoa(patternID), outcome).Inc()
}

// SetCasesActive sets the current count of cases in state.
func SetCasesActive(state string, count int) {
	CasesActive.WithLabelValues(state).Set(float64(count))
}

// RecordSyncGateWait records how long a multi-instance join waited.
func RecordSyncGateWait(patternID int, d time.Duration) {
	SyncGateWaitDuration.WithLabelValues(strconv.Itoa(patternID)).Observe(d.Seconds())
}

// RecordGuardEvaluation records one guard evaluation's outcome.
func RecordGuardEvaluation(predicateID uint64, passed bool) {
	GuardEvaluationsTotal.WithLabelValues(strconv.FormatUint(predicateID, 10), strconv.FormatBool(passed)).Inc()
}

// RecordOverlayPromotion records one promotion attempt's outcome.
func RecordOverlayPromotion(class, result string) {
	OverlayPromotionsTotal.WithLabelValues(class, result).Inc()
}

// SetCanaryRolloutFraction sets the current canary traffic fraction.
func SetCanaryRolloutFraction(fraction float64) {
	CanaryRolloutFraction.Set(fraction)
}

// RecordMapeKCycle records one MAPE-K cycle's wall-clock duration.
func RecordMapeKCycle(d time.Duration) {
	MapeKCycleDuration.Observe(d.Seconds())
}

// RecordMapeKRegression records one regression Analyze detected.
func RecordMapeKRegression(kind string) {
	MapeKRegressionsTotal.WithLabelValues(kind).Inc()
}

// RecordHookInvocation records one hook registry guard invocation.
func RecordHookInvocation(predicateID, kernel string) {
	HookInvocationsTotal.WithLabelValues(predicateID, kernel).Inc()
}

