package lifecycle

import (
	"deriv-bot-manager/internal/registry"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes controller activity to Prometheus:
//   - bot_workers_registered / bot_workers_running  gauges of the registry
//   - bot_activations_total{source,result}          activate outcomes
//   - bot_control_ops_total{op,result}              stop/start/limit/terminate outcomes
//   - bot_durable_writes_total{op,result}           persistence queue outcomes
//   - bot_pending_activations_total{result}         staging workflow outcomes
type Metrics struct {
	workersRegistered prometheus.Gauge
	workersRunning    prometheus.Gauge
	activations       *prometheus.CounterVec
	controlOps        *prometheus.CounterVec
	durableWrites     *prometheus.CounterVec
	pending           *prometheus.CounterVec
}

// NewMetrics registers the controller metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		workersRegistered: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_workers_registered",
			Help: "Worker handles currently in the registry",
		}),
		workersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "bot_workers_running",
			Help: "Registered workers with trading enabled",
		}),
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_activations_total",
			Help: "Activation attempts by trigger and outcome",
		}, []string{"source", "result"}),
		controlOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_control_ops_total",
			Help: "Control operations by kind and outcome",
		}, []string{"op", "result"}),
		durableWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_durable_writes_total",
			Help: "Durable store writes by kind and outcome",
		}, []string{"op", "result"}),
		pending: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "bot_pending_activations_total",
			Help: "Pending activation workflow events",
		}, []string{"result"}),
	}
	reg.MustRegister(
		m.workersRegistered,
		m.workersRunning,
		m.activations,
		m.controlOps,
		m.durableWrites,
		m.pending,
	)
	return m
}

func (m *Metrics) activation(source, result string) {
	if m == nil {
		return
	}
	m.activations.WithLabelValues(source, result).Inc()
}

func (m *Metrics) controlOp(op, result string) {
	if m == nil {
		return
	}
	m.controlOps.WithLabelValues(op, result).Inc()
}

func (m *Metrics) durableWrite(op, result string) {
	if m == nil {
		return
	}
	m.durableWrites.WithLabelValues(op, result).Inc()
}

func (m *Metrics) pendingEvent(result string) {
	if m == nil {
		return
	}
	m.pending.WithLabelValues(result).Inc()
}

func (m *Metrics) observeRegistry(reg *registry.Registry) {
	if m == nil {
		return
	}
	handles := reg.List()
	running := 0
	for _, h := range handles {
		if h.Snapshot().IsRunning {
			running++
		}
	}
	m.workersRegistered.Set(float64(len(handles)))
	m.workersRunning.Set(float64(running))
}
