package hooks

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/Skryldev/imageproxy/core"
)

// PrometheusMetrics exports orchestrator observations as Prometheus series
// under the "ipx" namespace.
type PrometheusMetrics struct {
	stageDuration *prometheus.HistogramVec
	errors        *prometheus.CounterVec
	responses     *prometheus.CounterVec
	bytes         prometheus.Counter
}

var _ core.MetricsCollector = (*PrometheusMetrics)(nil)

// NewPrometheusMetrics registers the collectors with reg. A nil reg uses
// prometheus.DefaultRegisterer.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusMetrics{
		stageDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "ipx",
				Name:      "stage_duration_seconds",
				Help:      "Duration of request stages in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"stage"},
		),
		errors: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ipx",
				Name:      "errors_total",
				Help:      "Total number of stage errors",
			},
			[]string{"stage", "category"},
		),
		responses: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "ipx",
				Name:      "responses_total",
				Help:      "Total number of responses by status code",
			},
			[]string{"status"},
		),
		bytes: f.NewCounter(prometheus.CounterOpts{
			Namespace: "ipx",
			Name:      "response_bytes_total",
			Help:      "Total number of response body bytes",
		}),
	}
}

func (p *PrometheusMetrics) RecordProcessingTime(stage string, d time.Duration) {
	p.stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}

func (p *PrometheusMetrics) RecordThroughput(bytes int64) {
	p.bytes.Add(float64(bytes))
}

func (p *PrometheusMetrics) RecordResponse(status int) {
	p.responses.WithLabelValues(statusLabel(status)).Inc()
}

func (p *PrometheusMetrics) RecordError(stage, category string) {
	p.errors.WithLabelValues(stage, category).Inc()
}
