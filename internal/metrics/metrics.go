// Package metrics exposes Prometheus collectors for the crawler service.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	crawlerPagesTotal    *prometheus.CounterVec
	crawlerLinksTotal    prometheus.Counter
	crawlerFetchErrors   *prometheus.CounterVec
	crawlerFetchDuration *prometheus.HistogramVec
	crawlerBatchesTotal  *prometheus.CounterVec
	crawlerActiveWorkers prometheus.Gauge
	crawlerFrontierSize  prometheus.Gauge
	databaseUsageRatio   *prometheus.GaugeVec
	databaseProbeRTT     *prometheus.GaugeVec
	analyzerPassDuration prometheus.Histogram
	analyzerGraphNodes   prometheus.Gauge

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		crawlerPagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratcrowler_pages_total",
				Help: "Total pages crawled, labeled by HTTP status class.",
			},
			[]string{"status"},
		)

		crawlerLinksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "ratcrowler_links_total",
				Help: "Total outbound links discovered.",
			},
		)

		crawlerFetchErrors = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratcrowler_fetch_errors_total",
				Help: "Total fetch failures, labeled by error kind.",
			},
			[]string{"kind"},
		)

		crawlerFetchDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ratcrowler_fetch_duration_seconds",
				Help:    "Histogram of fetch latencies, labeled by outcome.",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"outcome"},
		)

		crawlerBatchesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratcrowler_batches_total",
				Help: "Total scheduler batches, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		crawlerActiveWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratcrowler_active_workers",
				Help: "Number of fetch workers currently processing a URL.",
			},
		)

		crawlerFrontierSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratcrowler_frontier_urls",
				Help: "Distinct URLs in the backlinks frontier at last count.",
			},
		)

		databaseUsageRatio = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratcrowler_database_usage_ratio",
				Help: "Quota consumption per database and axis (writes, storage).",
			},
			[]string{"db", "axis"},
		)

		databaseProbeRTT = promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ratcrowler_database_probe_rtt_seconds",
				Help: "Latency of the last health probe per database.",
			},
			[]string{"db"},
		)

		analyzerPassDuration = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ratcrowler_analyzer_pass_duration_seconds",
				Help:    "Duration of full link-graph analyzer passes.",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
		)

		analyzerGraphNodes = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "ratcrowler_analyzer_graph_nodes",
				Help: "Node count of the link graph at the last analyzer pass.",
			},
		)
	})
}

// ObservePage records a crawled page by status class.
func ObservePage(statusClass string) {
	if crawlerPagesTotal != nil {
		crawlerPagesTotal.WithLabelValues(statusClass).Inc()
	}
}

// ObserveLinks adds discovered link counts.
func ObserveLinks(n int) {
	if crawlerLinksTotal != nil {
		crawlerLinksTotal.Add(float64(n))
	}
}

// ObserveFetchError records a classified fetch failure.
func ObserveFetchError(kind string) {
	if crawlerFetchErrors != nil {
		crawlerFetchErrors.WithLabelValues(kind).Inc()
	}
}

// ObserveFetchDuration records one fetch latency by outcome.
func ObserveFetchDuration(outcome string, d time.Duration) {
	if crawlerFetchDuration != nil {
		crawlerFetchDuration.WithLabelValues(outcome).Observe(d.Seconds())
	}
}

// ObserveBatch records a finished scheduler batch.
func ObserveBatch(outcome string) {
	if crawlerBatchesTotal != nil {
		crawlerBatchesTotal.WithLabelValues(outcome).Inc()
	}
}

// WorkerStarted and WorkerFinished track the active worker gauge.
func WorkerStarted() {
	if crawlerActiveWorkers != nil {
		crawlerActiveWorkers.Inc()
	}
}

// WorkerFinished decrements the active worker gauge.
func WorkerFinished() {
	if crawlerActiveWorkers != nil {
		crawlerActiveWorkers.Dec()
	}
}

// SetFrontierSize publishes the last frontier count.
func SetFrontierSize(n int) {
	if crawlerFrontierSize != nil {
		crawlerFrontierSize.Set(float64(n))
	}
}

// SetDatabaseUsage publishes quota ratios and probe latency for one target.
func SetDatabaseUsage(db string, writeRatio, storageRatio float64, probeRTT time.Duration) {
	if databaseUsageRatio != nil {
		databaseUsageRatio.WithLabelValues(db, "writes").Set(writeRatio)
		databaseUsageRatio.WithLabelValues(db, "storage").Set(storageRatio)
	}
	if databaseProbeRTT != nil {
		databaseProbeRTT.WithLabelValues(db).Set(probeRTT.Seconds())
	}
}

// ObserveAnalyzerPass records one analyzer run.
func ObserveAnalyzerPass(d time.Duration, nodes int) {
	if analyzerPassDuration != nil {
		analyzerPassDuration.Observe(d.Seconds())
	}
	if analyzerGraphNodes != nil {
		analyzerGraphNodes.Set(float64(nodes))
	}
}

// Handler returns the Prometheus scrape endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass groups an HTTP status code for the pages counter.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500 && code < 600:
		return "5xx"
	default:
		return "other"
	}
}
