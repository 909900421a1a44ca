package phone

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics счетчики телефона для Prometheus. Используется собственный
// registry, чтобы не конфликтовать с глобальным в тестах.
type Metrics struct {
	reg *prometheus.Registry

	callsTotal     *prometheus.CounterVec
	transfersTotal *prometheus.CounterVec
	reconnects     prometheus.Counter
	disagreements  prometheus.Counter
	reachable      prometheus.Gauge
	callActive     prometheus.Gauge
}

// NewMetrics регистрирует метрики в новом registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		reg: reg,
		callsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_phone",
			Name:      "calls_total",
			Help:      "Завершенные вызовы по направлению и исходу.",
		}, []string{"direction", "outcome"}),
		transfersTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agent_phone",
			Name:      "transfers_total",
			Help:      "Переводы по типу и исходу.",
		}, []string{"kind", "outcome"}),
		reconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_phone",
			Name:      "reconnect_attempts_total",
			Help:      "Попытки восстановления регистрации.",
		}),
		disagreements: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "agent_phone",
			Name:      "reachability_disagreements_total",
			Help:      "Расхождения сигналов доступности (SIP против бэкенда).",
		}),
		reachable: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_phone",
			Name:      "reachable",
			Help:      "1 — агент доступен для вызовов.",
		}),
		callActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "agent_phone",
			Name:      "call_active",
			Help:      "1 — есть активный вызов.",
		}),
	}
}

// Registry для экспорта через promhttp.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) RecordCall(direction, outcome string) {
	m.callsTotal.WithLabelValues(direction, outcome).Inc()
}

func (m *Metrics) RecordTransfer(kind, outcome string) {
	m.transfersTotal.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) RecordReconnect() { m.reconnects.Inc() }

func (m *Metrics) RecordDisagreement() { m.disagreements.Inc() }

func (m *Metrics) SetReachable(ok bool) {
	if ok {
		m.reachable.Set(1)
	} else {
		m.reachable.Set(0)
	}
}

func (m *Metrics) SetCallActive(active bool) {
	if active {
		m.callActive.Set(1)
	} else {
		m.callActive.Set(0)
	}
}
