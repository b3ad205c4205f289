package prom

import (
	"net/http"

	"github.com/corvusc2/corvus/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// NewRegistry returns a fresh Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// Handler returns a Prometheus HTTP handler bound to the registry.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// AgentObserver exports agent-core metrics to Prometheus.
type AgentObserver struct {
	agentGauge    prometheus.Gauge
	stagingTotal  *prometheus.CounterVec
	packetTotal   *prometheus.CounterVec
	dispatchTotal *prometheus.CounterVec
	dropTotal     *prometheus.CounterVec
	taskBatch     prometheus.Histogram
}

// NewAgentObserver registers agent metrics on the registry.
func NewAgentObserver(reg *prometheus.Registry) *AgentObserver {
	o := &AgentObserver{
		agentGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "corvus_agents",
			Help: "Current live agent count.",
		}),
		stagingTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvus_staging_total",
			Help: "Staging attempts by result and reason.",
		}, []string{"result", "reason"}),
		packetTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvus_packets_total",
			Help: "Routing frames by meta tag.",
		}, []string{"meta"}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvus_dispatch_total",
			Help: "Result packets dispatched by opcode.",
		}, []string{"opcode"}),
		dropTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "corvus_drops_total",
			Help: "Discarded inbound data by reason.",
		}, []string{"reason"}),
		taskBatch: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "corvus_task_batch_size",
			Help:    "Tasks delivered per agent poll.",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50},
		}),
	}
	reg.MustRegister(
		o.agentGauge,
		o.stagingTotal,
		o.packetTotal,
		o.dispatchTotal,
		o.dropTotal,
		o.taskBatch,
	)
	return o
}

func (o *AgentObserver) AgentCount(n int) {
	o.agentGauge.Set(float64(n))
}

func (o *AgentObserver) Staging(result observability.StageResult, reason observability.StageReason) {
	o.stagingTotal.WithLabelValues(string(result), string(reason)).Inc()
}

func (o *AgentObserver) Packet(meta string) {
	o.packetTotal.WithLabelValues(meta).Inc()
}

func (o *AgentObserver) Dispatch(opcode string) {
	o.dispatchTotal.WithLabelValues(opcode).Inc()
}

func (o *AgentObserver) Drop(reason observability.DropReason) {
	o.dropTotal.WithLabelValues(string(reason)).Inc()
}

func (o *AgentObserver) TaskBatch(n int) {
	o.taskBatch.Observe(float64(n))
}
