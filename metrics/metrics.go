package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "archive_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	WebsocketSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "archive_websocket_sessions",
			Help: "Connected event feed sessions",
		},
	)

	// Ingestion
	EventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_events_ingested_total",
			Help: "Events handled by the router",
		},
		[]string{"kind", "outcome"}, // outcome: applied, noop, invalid, late, not_found, error
	)

	// Hot tier cache
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_record_cache_lookups_total",
			Help: "Hot record cache lookups",
		},
		[]string{"result"}, // hit, miss
	)

	// Migration
	MigrationCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_migration_cycles_total",
			Help: "Migration cycles run",
		},
		[]string{"outcome"}, // ok, insert_failed, error, canceled
	)

	RecordsMigrated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archive_records_migrated_total",
			Help: "Records moved from the hot to the cold tier",
		},
	)

	RecordsDeferred = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_records_deferred_total",
			Help: "Records left hot for a later cycle",
		},
		[]string{"reason"}, // embedding_unavailable, failed, changed
	)

	MigrationDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archive_migration_cycle_duration_seconds",
			Help:    "Migration cycle duration",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 15, 60, 300},
		},
	)

	// Embedding
	EmbeddingLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "archive_embedding_latency_seconds",
			Help:    "Embedding gateway call latency",
			Buckets: []float64{.0005, .001, .005, .01, .05, .1, .5, 1, 5},
		},
	)

	EmbeddingFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_embedding_failures_total",
			Help: "Embedding gateway failures",
		},
		[]string{"reason"}, // unavailable, timeout, invalid
	)

	// Queries
	SearchQueries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "archive_search_queries_total",
			Help: "Search queries served",
		},
		[]string{"kind"}, // semantic, context, keyword
	)

	PartialContextResults = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "archive_context_partial_total",
			Help: "Context lookups answered from the hot tier only",
		},
	)
)
