package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type engineMetrics struct {
	memoryAddTotal   *prometheus.CounterVec
	memoryItemsTotal prometheus.Gauge

	queryTotal    *prometheus.CounterVec
	queryDuration prometheus.Histogram

	consolidationRuns     *prometheus.CounterVec
	consolidationPromoted prometheus.Counter
	consolidationDuration prometheus.Histogram

	shortTermTracked   prometheus.Gauge
	shortTermEvictions *prometheus.CounterVec

	embeddingCacheOps *prometheus.CounterVec
	embeddingDuration prometheus.Histogram

	factsTotal     prometheus.Gauge
	episodesActive prometheus.Gauge

	snapshotSaveDuration prometheus.Histogram
	snapshotLoadDuration prometheus.Histogram
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			memoryAddTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_add_total",
					Help: "Total memory writes by tier.",
				},
				[]string{"tier"},
			),
			memoryItemsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "memory_items_total",
					Help: "Current item count in the base store.",
				},
			),
			queryTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "memory_query_total",
					Help: "Total queries by tier and status.",
				},
				[]string{"tier", "status"},
			),
			queryDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "memory_query_duration_seconds",
					Help:    "Query duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			consolidationRuns: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "consolidation_runs_total",
					Help: "Total consolidation runs by status.",
				},
				[]string{"status"},
			),
			consolidationPromoted: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "consolidation_promoted_total",
					Help: "Total items promoted from short-term to long-term.",
				},
			),
			consolidationDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "consolidation_duration_seconds",
					Help:    "Consolidation run duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			shortTermTracked: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "shortterm_tracked_items",
					Help: "Items currently tracked by the short-term tier.",
				},
			),
			shortTermEvictions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "shortterm_evictions_total",
					Help: "Short-term evictions by reason (expired, capacity).",
				},
				[]string{"reason"},
			),
			embeddingCacheOps: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "embedding_cache_ops_total",
					Help: "Embedding cache lookups by outcome (hit, miss).",
				},
				[]string{"outcome"},
			),
			embeddingDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "embedding_duration_seconds",
					Help:    "Embedding generation duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			factsTotal: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "semantic_facts_total",
					Help: "Total facts stored in the semantic tier.",
				},
			),
			episodesActive: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "episodic_active_episodes",
					Help: "Currently active episodes.",
				},
			),
			snapshotSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_save_duration_seconds",
					Help:    "Snapshot save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			snapshotLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "snapshot_load_duration_seconds",
					Help:    "Snapshot load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
		}

		prometheus.MustRegister(
			m.memoryAddTotal,
			m.memoryItemsTotal,
			m.queryTotal,
			m.queryDuration,
			m.consolidationRuns,
			m.consolidationPromoted,
			m.consolidationDuration,
			m.shortTermTracked,
			m.shortTermEvictions,
			m.embeddingCacheOps,
			m.embeddingDuration,
			m.factsTotal,
			m.episodesActive,
			m.snapshotSaveDuration,
			m.snapshotLoadDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordMemoryAdd(tier string) {
	m := getMetrics()
	m.memoryAddTotal.WithLabelValues(tier).Inc()
}

func SetMemoryItems(count int) {
	m := getMetrics()
	m.memoryItemsTotal.Set(float64(count))
}

func RecordQuery(tier string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.queryTotal.WithLabelValues(tier, status).Inc()
	m.queryDuration.Observe(duration.Seconds())
}

func RecordConsolidation(duration time.Duration, promoted int, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.consolidationRuns.WithLabelValues(status).Inc()
	m.consolidationDuration.Observe(duration.Seconds())
	if promoted > 0 {
		m.consolidationPromoted.Add(float64(promoted))
	}
}

func SetShortTermTracked(count int) {
	m := getMetrics()
	m.shortTermTracked.Set(float64(count))
}

func RecordShortTermEviction(reason string, count int) {
	m := getMetrics()
	if count > 0 {
		m.shortTermEvictions.WithLabelValues(reason).Add(float64(count))
	}
}

func RecordEmbeddingCache(hit bool) {
	m := getMetrics()
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.embeddingCacheOps.WithLabelValues(outcome).Inc()
}

func RecordEmbedding(duration time.Duration) {
	m := getMetrics()
	m.embeddingDuration.Observe(duration.Seconds())
}

func SetFactCount(count int) {
	m := getMetrics()
	m.factsTotal.Set(float64(count))
}

func SetActiveEpisodes(count int) {
	m := getMetrics()
	m.episodesActive.Set(float64(count))
}

func RecordSnapshotSave(duration time.Duration) {
	m := getMetrics()
	m.snapshotSaveDuration.Observe(duration.Seconds())
}

func RecordSnapshotLoad(duration time.Duration) {
	m := getMetrics()
	m.snapshotLoadDuration.Observe(duration.Seconds())
}
