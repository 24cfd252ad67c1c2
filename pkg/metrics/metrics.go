package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	EnvelopesReceivedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_envelopes_received_total",
			Help: "Total number of envelopes received on the ingest endpoint (count)",
		},
		[]string{"status"},
	)

	EnvelopeProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_envelope_processing_duration_ms",
			Help:    "End-to-end envelope processing duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	ItemOutcomesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_item_outcomes_total",
			Help: "Total number of per-item verdicts by category (count)",
		},
		[]string{"category", "verdict"},
	)

	ProjectCacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_project_cache_lookups_total",
			Help: "Project state cache lookups by result (count)",
		},
		[]string{"result"},
	)

	ProjectCacheFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_project_cache_fetches_total",
			Help: "Upstream project config fetches by outcome (count)",
		},
		[]string{"outcome"},
	)

	ProjectCacheSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "inlet_project_cache_size",
			Help: "Number of project states currently cached (count)",
		},
	)

	ProjectFetchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "inlet_project_fetch_duration_ms",
			Help:    "Upstream project config fetch duration in milliseconds",
			Buckets: []float64{10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000},
		},
	)

	QuotaStoreRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_quota_store_requests_total",
			Help: "Round-trips to the shared quota counter store by status (count)",
		},
		[]string{"status"},
	)

	QuotaVerdictCacheHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inlet_quota_verdict_cache_hits_total",
			Help: "Rate limit checks answered from the local exceeded-verdict cache (count)",
		},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_fallback_usage_total",
			Help: "Fallback decisions taken while a dependency was failing (count)",
		},
		[]string{"component", "policy"},
	)

	OutcomesRecordedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_outcomes_recorded_total",
			Help: "Outcome records accepted into the reporter buffer (count)",
		},
		[]string{"verdict"},
	)

	OutcomesDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "inlet_outcomes_dropped_total",
			Help: "Outcome records dropped due to reporter buffer overflow (count)",
		},
	)

	OutcomeFlushesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_outcome_flushes_total",
			Help: "Outcome buffer flushes by status (count)",
		},
		[]string{"status"},
	)

	ForwarderSendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_forwarder_sends_total",
			Help: "Envelope item batches sent by route and status (count)",
		},
		[]string{"route", "status"},
	)

	ForwarderSendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "inlet_forwarder_send_duration_ms",
			Help:    "Forward send duration in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"route"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_http_rate_limit_requests_total",
			Help: "Requests through the per-client admission limiter (count)",
		},
		[]string{"status"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_retry_attempts_total",
			Help: "Total number of retry attempts by component (count)",
		},
		[]string{"component"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "inlet_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "inlet_circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)
)

func RegisterServerMetrics() {
	prometheus.MustRegister(
		EnvelopesReceivedTotal,
		EnvelopeProcessingDuration,
		ItemOutcomesTotal,
		RateLimitRequestsTotal,
	)
}

func RegisterProjectMetrics() {
	prometheus.MustRegister(
		ProjectCacheLookupsTotal,
		ProjectCacheFetchesTotal,
		ProjectCacheSize,
		ProjectFetchDuration,
	)
}

func RegisterQuotaMetrics() {
	prometheus.MustRegister(
		QuotaStoreRequestsTotal,
		QuotaVerdictCacheHitsTotal,
		FallbackUsageTotal,
	)
}

func RegisterOutcomeMetrics() {
	prometheus.MustRegister(
		OutcomesRecordedTotal,
		OutcomesDroppedTotal,
		OutcomeFlushesTotal,
	)
}

func RegisterForwarderMetrics() {
	prometheus.MustRegister(
		ForwarderSendsTotal,
		ForwarderSendDuration,
		RetryAttemptsTotal,
	)
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(
		CircuitBreakerState,
		CircuitBreakerRequests,
	)
}

func ObserveEnvelopeProcessing(d time.Duration, status string) {
	EnvelopeProcessingDuration.WithLabelValues(status).Observe(float64(d.Milliseconds()))
}

func ObserveForwarderSend(d time.Duration, route string) {
	ForwarderSendDuration.WithLabelValues(route).Observe(float64(d.Milliseconds()))
}

func ObserveProjectFetch(d time.Duration) {
	ProjectFetchDuration.Observe(float64(d.Milliseconds()))
}
