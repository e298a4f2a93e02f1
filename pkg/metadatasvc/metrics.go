package metadatasvc

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Fetch outcomes, used as the outcome label.
const (
	OutcomeOK              = "ok"
	OutcomeInvalidArgument = "invalid_argument"
	OutcomeNotFound        = "not_found"
	OutcomeInitError       = "init_error"
	OutcomeTrapped         = "trapped"
	OutcomeExternality     = "externality"
	OutcomeBadPrefix       = "bad_prefix"
	OutcomeInternal        = "internal"
)

// Metrics holds the service's Prometheus collectors.
type Metrics struct {
	fetches  *prometheus.CounterVec
	duration prometheus.Histogram
	size     prometheus.Histogram
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "stratus_metadata_fetch_total",
				Help: "Metadata fetches by outcome",
			},
			[]string{"outcome"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stratus_metadata_fetch_duration_seconds",
				Help:    "Time spent running the metadata entry point",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
			},
		),
		size: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "stratus_metadata_bytes",
				Help:    "Size of returned metadata in bytes",
				Buckets: prometheus.ExponentialBuckets(1024, 4, 8),
			},
		),
	}

	if reg != nil {
		reg.MustRegister(m.fetches, m.duration, m.size)
	}
	return m
}

func (m *Metrics) observe(outcome string, seconds float64, size int) {
	m.fetches.WithLabelValues(outcome).Inc()
	m.duration.Observe(seconds)
	if outcome == OutcomeOK {
		m.size.Observe(float64(size))
	}
}
