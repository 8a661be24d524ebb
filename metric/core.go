package metric

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the core gateway metrics shared across components.
type Metrics struct {
	// Session
	CommandsTotal *prometheus.CounterVec // labels: op, status
	ParseErrors   prometheus.Counter

	// Subscription delivery
	MessagesDelivered   prometheus.Counter
	ActiveSubscriptions prometheus.Gauge
	DeliverDuration     prometheus.Histogram

	// Notification bridge
	TriggersTotal   prometheus.Counter
	SignalsObserved prometheus.Counter
	CallbackErrors  prometheus.Counter

	// Supervisor
	EngineRestarts prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shortbus_commands_total",
			Help: "Commands processed by the protocol session",
		}, []string{"op", "status"}),
		ParseErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shortbus_parse_errors_total",
			Help: "Malformed input lines rejected by the protocol session",
		}),
		MessagesDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shortbus_messages_delivered_total",
			Help: "Message events emitted to subscribers",
		}),
		ActiveSubscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shortbus_active_subscriptions",
			Help: "Currently registered subscriptions",
		}),
		DeliverDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shortbus_deliver_duration_seconds",
			Help:    "Time spent fetching and emitting messages per deliver call",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		}),
		TriggersTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shortbus_triggers_total",
			Help: "Trigger signals written by the publish path",
		}),
		SignalsObserved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shortbus_signals_observed_total",
			Help: "Topic activity signals observed by the notification bridge",
		}),
		CallbackErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shortbus_callback_errors_total",
			Help: "Errors raised inside notification callbacks",
		}),
		EngineRestarts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shortbus_engine_restarts_total",
			Help: "Engine subprocess restarts after a crash",
		}),
	}
}

func (m *Metrics) register(reg *prometheus.Registry) {
	reg.MustRegister(
		m.CommandsTotal,
		m.ParseErrors,
		m.MessagesDelivered,
		m.ActiveSubscriptions,
		m.DeliverDuration,
		m.TriggersTotal,
		m.SignalsObserved,
		m.CallbackErrors,
		m.EngineRestarts,
	)
}
