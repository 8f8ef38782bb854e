package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics saga 引擎的业务指标，nil 安全
type Metrics struct {
	ordersCreated    prometheus.Counter
	transitions      *prometheus.CounterVec
	events           *prometheus.CounterVec
	dispatchFailures *prometheus.CounterVec
	fanoutDropped    *prometheus.CounterVec
	timeouts         prometheus.Counter
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		ordersCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "saga_orders_created_total",
			Help: "Orders accepted and started.",
		}),
		transitions: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_transitions_total",
			Help: "Accepted state transitions.",
		}, []string{"from", "to"}),
		events: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_events_total",
			Help: "Ingested events by outcome (applied, duplicate, illegal, error).",
		}, []string{"outcome"}),
		dispatchFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_dispatch_failures_total",
			Help: "Commands converted into synthetic failure events.",
		}, []string{"command", "reason"}),
		fanoutDropped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_fanout_dropped_total",
			Help: "Notifications dropped because a subscriber was slow or failing.",
		}, []string{"subscriber"}),
		timeouts: f.NewCounter(prometheus.CounterOpts{
			Name: "saga_timeouts_total",
			Help: "Timeout events raised by the watchdog.",
		}),
	}
}

func (m *Metrics) orderCreated() {
	if m != nil {
		m.ordersCreated.Inc()
	}
}

func (m *Metrics) transition(from, to string) {
	if m != nil {
		m.transitions.WithLabelValues(from, to).Inc()
	}
}

func (m *Metrics) event(outcome string) {
	if m != nil {
		m.events.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) dispatchFailure(command, reason string) {
	if m != nil {
		m.dispatchFailures.WithLabelValues(command, reason).Inc()
	}
}

func (m *Metrics) fanoutDrop(subscriber string) {
	if m != nil {
		m.fanoutDropped.WithLabelValues(subscriber).Inc()
	}
}

func (m *Metrics) timeout() {
	if m != nil {
		m.timeouts.Inc()
	}
}
