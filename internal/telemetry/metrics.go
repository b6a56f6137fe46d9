package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus metrics for the chat pipeline. All
// recording methods are fire-and-forget from the caller's perspective.
type Metrics struct {
	registry *prometheus.Registry

	turnsTotal      *prometheus.CounterVec
	stageDuration   *prometheus.HistogramVec
	lockWaitSeconds prometheus.Histogram
	lockTimeouts    prometheus.Counter
	idemReplays     *prometheus.CounterVec
	modelLatency    *prometheus.HistogramVec
	modelRetries    prometheus.Counter
	tokensTotal     *prometheus.CounterVec
	streamEvents    *prometheus.CounterVec
	policyBlocks    *prometheus.CounterVec
	exposures       *prometheus.CounterVec
}

// NewMetrics creates a metrics collector on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		turnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_turns_total",
			Help: "Completed chat turns by outcome",
		}, []string{"outcome"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatflow_stage_duration_seconds",
			Help:    "Per-stage pipeline durations",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"stage"}),
		lockWaitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chatflow_lock_wait_seconds",
			Help:    "Time spent waiting for the session lock",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
		}),
		lockTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_lock_timeouts_total",
			Help: "Lock acquisitions that timed out",
		}),
		idemReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_idempotency_claims_total",
			Help: "Idempotency claim outcomes",
		}, []string{"outcome"}),
		modelLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatflow_model_latency_seconds",
			Help:    "Outbound model call latency",
			Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tier"}),
		modelRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatflow_model_retries_total",
			Help: "Model calls retried on the fallback tier",
		}),
		tokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_tokens_total",
			Help: "Model tokens consumed",
		}, []string{"tier", "direction"}),
		streamEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_stream_events_total",
			Help: "NDJSON events emitted to clients",
		}, []string{"type"}),
		policyBlocks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_policy_blocks_total",
			Help: "Turns blocked by policy",
		}, []string{"rule"}),
		exposures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatflow_experiment_exposures_total",
			Help: "Experiment exposures recorded",
		}, []string{"experiment", "variant"}),
	}

	reg.MustRegister(
		m.turnsTotal, m.stageDuration, m.lockWaitSeconds, m.lockTimeouts,
		m.idemReplays, m.modelLatency, m.modelRetries, m.tokensTotal,
		m.streamEvents, m.policyBlocks, m.exposures,
	)
	return m
}

// RecordTurn records a finished turn by outcome ("ok", "policy_blocked",
// "error", "replayed", ...).
func (m *Metrics) RecordTurn(outcome string) {
	m.turnsTotal.WithLabelValues(outcome).Inc()
}

// RecordStage records the duration of one pipeline stage.
func (m *Metrics) RecordStage(stage string, d time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

// RecordLockWait records how long a request waited for its session lock.
func (m *Metrics) RecordLockWait(d time.Duration) {
	m.lockWaitSeconds.Observe(d.Seconds())
}

// RecordLockTimeout counts a lock acquisition that gave up.
func (m *Metrics) RecordLockTimeout() {
	m.lockTimeouts.Inc()
}

// RecordClaim records an idempotency claim outcome ("acquired",
// "replayed", "pending").
func (m *Metrics) RecordClaim(outcome string) {
	m.idemReplays.WithLabelValues(outcome).Inc()
}

// RecordModelCall records latency and tokens for one model call.
func (m *Metrics) RecordModelCall(tier string, d time.Duration, inputTokens, outputTokens int) {
	m.modelLatency.WithLabelValues(tier).Observe(d.Seconds())
	m.tokensTotal.WithLabelValues(tier, "input").Add(float64(inputTokens))
	m.tokensTotal.WithLabelValues(tier, "output").Add(float64(outputTokens))
}

// RecordModelRetry counts a failed model call retried on the fallback
// tier.
func (m *Metrics) RecordModelRetry() {
	m.modelRetries.Inc()
}

// RecordStreamEvent counts one emitted NDJSON event.
func (m *Metrics) RecordStreamEvent(eventType string) {
	m.streamEvents.WithLabelValues(eventType).Inc()
}

// RecordPolicyBlock counts a turn blocked by the named rule.
func (m *Metrics) RecordPolicyBlock(rule string) {
	m.policyBlocks.WithLabelValues(rule).Inc()
}

// RecordExposure counts one experiment exposure.
func (m *Metrics) RecordExposure(experiment, variant string) {
	m.exposures.WithLabelValues(experiment, variant).Inc()
}

// Handler returns an HTTP handler serving the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
