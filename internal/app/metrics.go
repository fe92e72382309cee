package app

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the server's own Prometheus registry so tests can build
// isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	datasetLoads      prometheus.Counter
	datasetLoadErrors prometheus.Counter
	streamEvents      prometheus.Counter
	activeStreams     prometheus.Gauge
	ordersSubmitted   prometheus.Counter
	fillsRecorded     prometheus.Counter
	seeks             prometheus.Counter
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		datasetLoads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "dataset_loads_total",
			Help:      "Total day datasets loaded from disk",
		}),
		datasetLoadErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "dataset_load_errors_total",
			Help:      "Total failed dataset loads",
		}),
		streamEvents: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "replay",
			Name:      "stream_events_total",
			Help:      "Total events pushed to stream clients",
		}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "replay",
			Name:      "active_streams",
			Help:      "Currently connected stream clients",
		}),
		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sim",
			Name:      "orders_submitted_total",
			Help:      "Total orders submitted across sessions",
		}),
		fillsRecorded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sim",
			Name:      "fills_recorded_total",
			Help:      "Total fills recorded across sessions",
		}),
		seeks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "sim",
			Name:      "seeks_total",
			Help:      "Total session seeks",
		}),
	}

	registry.MustRegister(
		m.datasetLoads,
		m.datasetLoadErrors,
		m.streamEvents,
		m.activeStreams,
		m.ordersSubmitted,
		m.fillsRecorded,
		m.seeks,
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
