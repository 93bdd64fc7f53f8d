package services

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "netmigrate"

// Metrics is a prometheus.Collector for job lifecycle events. A nil *Metrics
// records nothing.
type Metrics struct {
	submissions       *prometheus.CounterVec
	retrievals        *prometheus.CounterVec
	reaped            prometheus.Counter
	conversionSeconds prometheus.Histogram
}

func NewMetrics() *Metrics {
	return &Metrics{
		submissions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "submissions_total",
				Help:      "Submissions by outcome.",
			}, []string{"outcome"},
		),
		retrievals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "retrievals_total",
				Help:      "Retrievals by format and outcome.",
			}, []string{"format", "outcome"},
		),
		reaped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "jobs_reaped_total",
				Help:      "Jobs removed after their TTL elapsed.",
			},
		),
		conversionSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "conversion_seconds",
				Help:      "Wall time of converter runs.",
				Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.submissions.Describe(ch)
	m.retrievals.Describe(ch)
	m.reaped.Describe(ch)
	m.conversionSeconds.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.submissions.Collect(ch)
	m.retrievals.Collect(ch)
	m.reaped.Collect(ch)
	m.conversionSeconds.Collect(ch)
}

func (m *Metrics) Submission(outcome string) {
	if m == nil {
		return
	}
	m.submissions.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Retrieval(format, outcome string) {
	if m == nil {
		return
	}
	m.retrievals.WithLabelValues(format, outcome).Inc()
}

func (m *Metrics) Reaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.reaped.Add(float64(n))
}

func (m *Metrics) ConversionTook(d time.Duration) {
	if m == nil {
		return
	}
	m.conversionSeconds.Observe(d.Seconds())
}
