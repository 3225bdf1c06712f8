package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeSuccess = "success"
	outcomeNoFace  = "no_face"
	outcomeLoad    = "load_error"
	outcomeError   = "error"
)

type metrics struct {
	stageDuration *prometheus.HistogramVec
	resultsTotal  *prometheus.CounterVec
	jpegQuality   prometheus.Histogram
}

func newMetrics(registerer prometheus.Registerer) *metrics {
	m := &metrics{
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "facecraft_pipeline_stage_duration_seconds",
			Help:    "Duration of each portrait pipeline stage.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage"}),
		resultsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "facecraft_pipeline_results_total",
			Help: "Total portrait pipeline runs by outcome.",
		}, []string{"outcome"}),
		jpegQuality: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "facecraft_pipeline_jpeg_quality",
			Help:    "JPEG quality chosen by the size-bounded encoder.",
			Buckets: prometheus.LinearBuckets(50, 5, 9),
		}),
	}
	if registerer != nil {
		registerer.MustRegister(m.stageDuration, m.resultsTotal, m.jpegQuality)
	}
	return m
}

func (m *metrics) observeStage(stage string, elapsed time.Duration) {
	m.stageDuration.WithLabelValues(stage).Observe(elapsed.Seconds())
}
