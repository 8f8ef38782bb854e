package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 下游调用的 Prometheus 指标，所有 Guard 共享一份
type Metrics struct {
	calls        *prometheus.CounterVec
	circuitState *prometheus.GaugeVec
	inFlight     *prometheus.GaugeVec
}

// NewMetrics 在 reg 上注册指标；reg 为 nil 时只创建不注册（测试用）
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		calls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "saga_partner_calls_total",
			Help: "Outbound partner calls by outcome (success, failure, permanent, circuit_open, bulkhead_full, retries_exhausted).",
		}, []string{"partner", "outcome"}),
		circuitState: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_partner_circuit_state",
			Help: "Circuit breaker state per partner: 0 closed, 1 open, 2 half-open.",
		}, []string{"partner"}),
		inFlight: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "saga_partner_in_flight",
			Help: "Calls currently holding a bulkhead slot.",
		}, []string{"partner"}),
	}
}

func (m *Metrics) observe(partner, outcome string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(partner, outcome).Inc()
}

func (m *Metrics) setState(partner string, s State) {
	if m == nil {
		return
	}
	m.circuitState.WithLabelValues(partner).Set(float64(s))
}

func (m *Metrics) setInFlight(partner string, n int64) {
	if m == nil {
		return
	}
	m.inFlight.WithLabelValues(partner).Set(float64(n))
}
