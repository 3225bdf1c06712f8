package worker

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type metrics struct {
	registry         *prometheus.Registry
	jobsTotal        *prometheus.CounterVec
	jobDuration      *prometheus.HistogramVec
	activeJobs       prometheus.Gauge
	outputsTotal     prometheus.Counter
	outputBytesTotal prometheus.Counter
	webhookFailures  *prometheus.CounterVec
}

// newMetrics registers the runtime and worker collectors on registry. The
// pipeline collectors may share it.
func newMetrics(registry *prometheus.Registry) *metrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &metrics{
		registry: registry,
		jobsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facecraft_worker_jobs_total",
			Help: "Portrait jobs handled by the worker by source type and outcome.",
		}, []string{"source_type", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facecraft_worker_job_duration_seconds",
			Help:    "Wall time of each portrait job attempt.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}, []string{"source_type", "status"}),
		activeJobs: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "facecraft_worker_active_jobs",
			Help: "Portrait jobs currently holding a processing slot.",
		}),
		outputsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facecraft_worker_outputs_total",
			Help: "Portrait artifacts written by the worker.",
		}),
		outputBytesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "facecraft_worker_output_bytes_total",
			Help: "Bytes of portrait artifacts written by the worker.",
		}),
		webhookFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facecraft_worker_webhook_failures_total",
			Help: "Webhook deliveries that failed after all attempts, by event.",
		}, []string{"event"}),
	}

	registry.MustRegister(
		m.jobsTotal,
		m.jobDuration,
		m.activeJobs,
		m.outputsTotal,
		m.outputBytesTotal,
		m.webhookFailures,
	)
	return m
}

func (m *metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
