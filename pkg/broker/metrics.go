package broker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the broker adapter
type Metrics struct {
	PublishedTotal    *prometheus.CounterVec
	PublishDuration   *prometheus.HistogramVec
	DeliveriesTotal   *prometheus.CounterVec
	HandlerDuration   *prometheus.HistogramVec
	SignalsTotal      *prometheus.CounterVec
	ReconnectsTotal   prometheus.Counter
	Connected         prometheus.Gauge
	ActiveSubscribers prometheus.Gauge
}

// NewMetrics creates broker metrics and registers them with reg.
// A nil registerer keeps the metrics unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	const namespace, subsystem = "chainrelay", "broker"

	return &Metrics{
		PublishedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "published_total",
			Help:      "Total number of publish attempts by publication and result",
		}, []string{"publication", "routing_key", "result"}),
		PublishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "publish_duration_seconds",
			Help:      "Time from publish to broker confirmation",
			Buckets:   prometheus.DefBuckets,
		}, []string{"publication"}),
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "deliveries_total",
			Help:      "Total number of deliveries by subscription and outcome",
		}, []string{"subscription", "outcome"}),
		HandlerDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_duration_seconds",
			Help:      "Time spent in subscription handlers",
			Buckets:   prometheus.DefBuckets,
		}, []string{"subscription"}),
		SignalsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "signals_total",
			Help:      "Total number of adapter signals emitted",
		}, []string{"signal"}),
		ReconnectsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Total number of successful reconnects",
		}),
		Connected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connected",
			Help:      "Whether the broker connection is up (1) or down (0)",
		}),
		ActiveSubscribers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_subscriptions",
			Help:      "Number of subscriptions with a running consumer",
		}),
	}
}
