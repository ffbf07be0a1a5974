// CTI Updater
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/oxbowsec/cti-updater

// Package metrics exposes Prometheus instrumentation for the update
// pipeline: KV-store operation latency, download outcomes, circuit
// breaker transitions, and scheduler run counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// KVStoreOpDuration tracks latency of KVStore operations.
	KVStoreOpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kvstore_operation_duration_seconds",
			Help:    "Duration of KVStore operations in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "column"},
	)

	// KVStoreErrors counts failed KVStore operations.
	KVStoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kvstore_operation_errors_total",
			Help: "Total number of failed KVStore operations",
		},
		[]string{"operation"},
	)

	// DownloadDuration tracks HTTP download latency by topic.
	DownloadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "download_duration_seconds",
			Help:    "Duration of content downloads in seconds",
			Buckets: []float64{.1, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"topic"},
	)

	// DownloadErrors counts failed downloads by topic and reason.
	DownloadErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_errors_total",
			Help: "Total number of failed content downloads",
		},
		[]string{"topic", "reason"},
	)

	// DownloadRetries counts retry attempts triggered by 5xx responses.
	DownloadRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "download_retries_total",
			Help: "Total number of download retry attempts",
		},
		[]string{"topic"},
	)

	// CircuitBreakerState reflects the current gobreaker state (0=closed,
	// 1=half-open, 2=open) per topic.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "downloader_circuit_breaker_state",
			Help: "Current circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"topic"},
	)

	// CircuitBreakerTransitions counts circuit breaker state changes.
	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "downloader_circuit_breaker_transitions_total",
			Help: "Total number of circuit breaker state transitions",
		},
		[]string{"topic", "from", "to"},
	)

	// SchedulerRuns counts chain executions triggered by the scheduler,
	// by topic and outcome.
	SchedulerRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "scheduler_runs_total",
			Help: "Total number of scheduled chain executions",
		},
		[]string{"topic", "outcome"},
	)

	// OnDemandRuns counts chain executions triggered via the on-demand
	// endpoint, by topic and outcome.
	OnDemandRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ondemand_runs_total",
			Help: "Total number of on-demand chain executions",
		},
		[]string{"topic", "outcome"},
	)

	// PersistedOffset reports the last persisted offset per topic.
	PersistedOffset = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "persisted_offset",
			Help: "Last persisted offset value",
		},
		[]string{"topic"},
	)

	// PublishErrors counts failed publish attempts by topic.
	PublishErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "publish_errors_total",
			Help: "Total number of failed message publish attempts",
		},
		[]string{"topic"},
	)
)

// CircuitBreakerStateValue maps a gobreaker state name to the numeric
// value used by CircuitBreakerState.
func CircuitBreakerStateValue(state string) float64 {
	switch state {
	case "closed":
		return 0
	case "half-open":
		return 1
	case "open":
		return 2
	default:
		return -1
	}
}
