package listener

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for chain listeners
type Metrics struct {
	PollsTotal         *prometheus.CounterVec
	EventsTotal        *prometheus.CounterVec
	DroppedLogsTotal   *prometheus.CounterVec
	HandlerErrorsTotal *prometheus.CounterVec
	LastBlock          *prometheus.GaugeVec
	PollInterval       *prometheus.GaugeVec
	CatchupDuration    *prometheus.HistogramVec
}

// NewMetrics creates listener metrics and registers them with reg.
// A nil registerer keeps the metrics unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	factory := promauto.With(reg)

	const namespace, subsystem = "chainrelay", "listener"

	return &Metrics{
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "polls_total",
			Help:      "Total number of poll ticks by result",
		}, []string{"chain", "result"}),
		EventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "events_total",
			Help:      "Total number of canonical events dispatched",
		}, []string{"chain", "kind", "source"}),
		DroppedLogsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dropped_logs_total",
			Help:      "Total number of matching logs that could not be decoded or enriched",
		}, []string{"chain", "reason"}),
		HandlerErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "handler_errors_total",
			Help:      "Total number of events the downstream handler rejected",
		}, []string{"chain", "kind"}),
		LastBlock: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "last_block",
			Help:      "Highest block number observed by the listener",
		}, []string{"chain"}),
		PollInterval: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_interval_seconds",
			Help:      "Estimated poll interval",
		}, []string{"chain"}),
		CatchupDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "catchup_duration_seconds",
			Help:      "Time spent replaying a disconnected range",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300},
		}, []string{"chain"}),
	}
}
