package cache

import "github.com/prometheus/client_golang/prometheus"

const (
	namespace = "tsplot"
	subsystem = "cache"
)

// Metrics represents cache metrics.
type Metrics struct {
	points   prometheus.Gauge
	fetches  *prometheus.CounterVec
	evicted  prometheus.Counter
	deferred *prometheus.CounterVec
}

func newMetrics() *Metrics {
	return &Metrics{
		points: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "points",
				Help:      "The current number of cached points.",
			},
		),
		fetches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "fetches_total",
				Help:      "Total number of completed gap fetches.",
			},
			[]string{"result"},
		),
		evicted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "evicted_points_total",
				Help:      "Total number of points evicted to limit memory.",
			},
		),
		deferred: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: subsystem,
				Name:      "secondary_requests_total",
				Help:      "Total number of requests at a non-current resolution, by outcome.",
			},
			[]string{"action"},
		),
	}
}

// Describe implements prometheus.Collector.
func (m *Metrics) Describe(ch chan<- *prometheus.Desc) {
	m.points.Describe(ch)
	m.fetches.Describe(ch)
	m.evicted.Describe(ch)
	m.deferred.Describe(ch)
}

// Collect implements prometheus.Collector.
func (m *Metrics) Collect(ch chan<- prometheus.Metric) {
	m.points.Collect(ch)
	m.fetches.Collect(ch)
	m.evicted.Collect(ch)
	m.deferred.Collect(ch)
}

// check interfaces
var (
	_ prometheus.Collector = (*Metrics)(nil)
)
