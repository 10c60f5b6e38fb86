// Package metrics holds the Prometheus collectors for the sync pipeline and
// the relay.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Flush results.
const (
	ResultAcked     = "acked"
	ResultDuplicate = "duplicate"
	ResultRetried   = "retried"
	ResultDead      = "dead_lettered"
	ResultRejected  = "rejected"
)

// Cache lookup results.
const (
	CacheHit  = "hit"
	CacheMiss = "miss"
)

// Ingest outcomes.
const (
	OutcomeApplied  = "applied"
	OutcomeSkipped  = "skipped"
	OutcomeDeferred = "deferred"
)

var (
	FlushedEntries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "buffer",
		Name:      "flushed_entries_total",
		Help:      "Write buffer entries sent to the remote, by result",
	}, []string{"result"})

	FlushRuns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "buffer",
		Name:      "flush_runs_total",
		Help:      "Number of write buffer flush passes",
	})

	BufferDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "buffer",
		Name:      "pending_entries",
		Help:      "Entries waiting in the write buffer after the last flush",
	})

	IngestedBatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "reconcile",
		Name:      "batches_total",
		Help:      "Inbound change batches by entity type and outcome",
	}, []string{"entity_type", "outcome"})

	DeferredBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "reconcile",
		Name:      "deferred_batches",
		Help:      "Inbound batches waiting for missing references",
	})

	RelayMutations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "relay",
		Name:      "mutations_total",
		Help:      "Mutations received by the relay, by result",
	}, []string{"result"})

	RelaySubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "recall",
		Subsystem: "relay",
		Name:      "subscribers",
		Help:      "Open change stream connections",
	})

	RelayRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "recall",
		Subsystem: "relay",
		Name:      "request_duration_seconds",
		Help:      "Relay HTTP request latency by route and status class",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "status"})

	CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "recall",
		Subsystem: "querycache",
		Name:      "lookups_total",
		Help:      "Reader cache lookups by result",
	}, []string{"result"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
