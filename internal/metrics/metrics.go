// Package metrics exposes Prometheus collectors for the learning pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citytailor_events_submitted_total",
			Help: "Learning events accepted at submission, by type and route (queued or immediate)",
		},
		[]string{"event_type", "route"},
	)

	EventsRejected = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citytailor_events_rejected_total",
			Help: "Submissions rejected for an unknown event type",
		},
	)

	EventsProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citytailor_events_processed_total",
			Help: "Learning events handled by the processor, by type and outcome",
		},
		[]string{"event_type", "outcome"}, // "applied", "malformed", "failed"
	)

	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citytailor_events_dropped_total",
			Help: "Learning events dropped without being applied",
		},
		[]string{"reason"}, // "malformed", "store_timeout", "shutdown", "shutdown_timeout"
	)

	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "citytailor_event_queue_depth",
			Help: "Events waiting for the next batch drain",
		},
	)

	BatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citytailor_batch_size",
			Help:    "Number of events per drained batch",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	BatchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citytailor_batch_duration_seconds",
			Help:    "Time spent processing one drained batch",
			Buckets: prometheus.DefBuckets,
		},
	)

	SchedulerOverlaps = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citytailor_scheduler_overlaps_total",
			Help: "Scheduler ticks skipped because a drain was still running",
		},
	)

	RuleWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citytailor_rule_writes_total",
			Help: "Adaptation rule mutations, by rule category and operation",
		},
		[]string{"category", "op"}, // "insert", "merge", "penalize", "decay"
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "citytailor_rule_store_errors_total",
			Help: "Persistence errors seen by the rule store",
		},
		[]string{"op"},
	)

	RuleCacheSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "citytailor_rule_cache_users",
			Help: "Users with rule sets resident in the in-memory cache",
		},
	)

	RecommendationRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "citytailor_recommendation_requests_total",
			Help: "Recommendation scoring calls",
		},
	)

	RecommendationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "citytailor_recommendation_duration_seconds",
			Help:    "Latency of a recommendation scoring call including rule lookup",
			Buckets: prometheus.DefBuckets,
		},
	)
)
