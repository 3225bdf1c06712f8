package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dunamismax/facecraft/internal/pipeline"
)

var (
	latencyBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
	sizeBuckets    = prometheus.ExponentialBuckets(16<<10, 4, 8)
)

type metrics struct {
	registry *prometheus.Registry

	requests        *prometheus.CounterVec
	latency         *prometheus.HistogramVec
	responseBytes   *prometheus.HistogramVec
	inFlight        prometheus.Gauge
	rateLimited     *prometheus.CounterVec
	enqueued        *prometheus.CounterVec
	uploadBytes     prometheus.Histogram
	janitorRemovals prometheus.Counter
}

func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	labels := []string{"method", "route", "status"}

	m := &metrics{registry: registry}
	m.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "facecraft_api_requests_total",
		Help: "HTTP requests served, by route and status.",
	}, labels)
	m.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facecraft_api_request_duration_seconds",
		Help:    "Time to serve an HTTP request.",
		Buckets: latencyBuckets,
	}, labels)
	m.responseBytes = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "facecraft_api_response_bytes",
		Help:    "Bytes written in HTTP response bodies.",
		Buckets: sizeBuckets,
	}, []string{"route"})
	m.inFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "facecraft_api_requests_in_flight",
		Help: "Requests currently being served.",
	})
	m.rateLimited = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "facecraft_api_rate_limit_rejections_total",
		Help: "Requests answered with 429.",
	}, []string{"route"})
	m.enqueued = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "facecraft_queue_jobs_enqueued_total",
		Help: "Jobs handed to the worker queue.",
	}, []string{"queue"})
	m.uploadBytes = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "facecraft_api_upload_bytes",
		Help:    "Size of accepted image uploads.",
		Buckets: sizeBuckets,
	})
	m.janitorRemovals = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "facecraft_api_cleanup_removed_total",
		Help: "Files removed by the output janitor.",
	})

	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requests, m.latency, m.responseBytes, m.inFlight,
		m.rateLimited, m.enqueued, m.uploadBytes, m.janitorRemovals,
	)
	return m
}

// registerPipeline exports processor statistics as gauges read at scrape time.
func (m *metrics) registerPipeline(stats *pipeline.Stats) {
	m.registry.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "facecraft_pipeline_success_ratio",
			Help: "Share of processed images that produced a portrait.",
		}, func() float64 { return stats.Snapshot().SuccessRate }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "facecraft_pipeline_avg_processing_milliseconds",
			Help: "Mean processing time of the last 100 successful portraits.",
		}, func() float64 { return stats.Snapshot().AvgProcessingMS }),
	)
}

func (m *metrics) handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *metrics) observeRequest(method, route string, status int, written int64, elapsed time.Duration) {
	code := strconv.Itoa(status)
	m.requests.WithLabelValues(method, route, code).Inc()
	m.latency.WithLabelValues(method, route, code).Observe(elapsed.Seconds())
	m.responseBytes.WithLabelValues(route).Observe(float64(written))
}
