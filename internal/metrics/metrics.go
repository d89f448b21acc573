// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// NodesSent counts point-buffer messages written to clients.
	NodesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcview_stream_nodes_sent_total",
		Help: "Total point-buffer messages sent by dataset",
	}, []string{"dataset"})

	// PointsSent counts points written to clients.
	PointsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcview_stream_points_sent_total",
		Help: "Total points sent by dataset",
	}, []string{"dataset"})

	// Deliveries counts finished delivery tasks by outcome.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcview_stream_deliveries_total",
		Help: "Total delivery tasks by dataset and status",
	}, []string{"dataset", "status"}) // "completed", "cancelled" or "failed"

	// ActiveSessions tracks open streaming sessions.
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pcview_stream_active_sessions",
		Help: "Number of open streaming sessions",
	})

	// SelectionDuration tracks node selection latency.
	SelectionDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pcview_selection_duration_seconds",
		Help:    "Node selection duration in seconds",
		Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 0.1ms to ~800ms
	}, []string{"dataset"})

	// SubtreeCacheHits counts on-disk node loads served from the subtree cache.
	SubtreeCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcview_subtree_cache_hits_total",
		Help: "Total on-disk subtree cache hits",
	})

	// SubtreeCacheMisses counts on-disk node loads that decoded node files.
	SubtreeCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pcview_subtree_cache_misses_total",
		Help: "Total on-disk subtree cache misses",
	})

	// PayloadCacheHits counts encoded node payloads served from cache.
	PayloadCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pcview_payload_cache_hits_total",
		Help: "Total node payload cache hits",
	}, []string{"dataset"})
)
