// Package metrics holds the collector's Prometheus instrumentation,
// registered once at package init via promauto and scraped through
// the health server's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rpsouza441/ticker-monitor/pkg/resilience"
)

var (
	// --- Fetch Engine metrics ---

	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_monitor",
			Subsystem: "fetch",
			Name:      "batches_total",
			Help:      "Total Quote Source batch calls by outcome",
		},
		[]string{"outcome"}, // success, exhausted
	)

	BatchRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_monitor",
			Subsystem: "fetch",
			Name:      "batch_retries_total",
			Help:      "Total retry attempts across all batches",
		},
		[]string{"reason"}, // throttled, transient, circuit_open
	)

	SymbolsFetched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_monitor",
			Subsystem: "fetch",
			Name:      "symbols_total",
			Help:      "Total per-symbol fetch outcomes",
		},
		[]string{"outcome"}, // success, permanent_failure
	)

	FetchBatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ticker_monitor",
			Subsystem: "fetch",
			Name:      "batch_duration_seconds",
			Help:      "Wall-clock time to resolve one batch, including retries",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 15),
		},
	)

	// --- Rate-Limit Tracker metrics ---

	RateLimitEventsOpened = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ticker_monitor",
			Subsystem: "ratelimit",
			Name:      "events_opened_total",
			Help:      "Total rate-limit events opened",
		},
	)

	RateLimitEventsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ticker_monitor",
			Subsystem: "ratelimit",
			Name:      "events_active",
			Help:      "Current count of ACTIVE (unresolved) rate-limit events",
		},
	)

	// --- Persistence metrics ---

	RecordsSaved = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ticker_monitor",
			Subsystem: "persistence",
			Name:      "records_saved_total",
			Help:      "Total quote records committed",
		},
	)

	RecordsFailed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "ticker_monitor",
			Subsystem: "persistence",
			Name:      "records_failed_total",
			Help:      "Total quote records whose commit rolled back",
		},
	)

	// --- Scheduler metrics ---

	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_monitor",
			Subsystem: "scheduler",
			Name:      "jobs_total",
			Help:      "Total jobs by terminal status",
		},
		[]string{"status"}, // success, failed
	)

	JobGatingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ticker_monitor",
			Subsystem: "scheduler",
			Name:      "gating_decisions_total",
			Help:      "Wall-clock gate decisions per delivery",
		},
		[]string{"decision"}, // run, not_due, non_business_day
	)

	SchedulerLag = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "ticker_monitor",
			Subsystem: "scheduler",
			Name:      "lag_seconds",
			Help:      "Delay between a job's scheduled_at and the moment it actually ran",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	// --- Circuit breaker state ---

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "ticker_monitor",
			Subsystem: "fetch",
			Name:      "circuit_breaker_state",
			Help:      "Quote Source circuit breaker state: 0=closed, 1=open, 2=half_open",
		},
		[]string{"name"},
	)
)

// WireCircuitBreaker registers an OnStateChange callback that keeps
// CircuitBreakerState in sync with the breaker's transitions, instead
// of polling it.
func WireCircuitBreaker(cb *resilience.CircuitBreaker, name string) {
	cb.OnStateChange(func(_ string, state resilience.CircuitState) {
		CircuitBreakerState.WithLabelValues(name).Set(float64(state))
	})
}
