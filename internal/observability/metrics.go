// Package observability holds the Prometheus instruments of the service.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the service. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	Pipelines      *prometheus.CounterVec
	StageDuration  *prometheus.HistogramVec
	StageFailures  *prometheus.CounterVec
	Dispositions   *prometheus.CounterVec
	Deliveries     *prometheus.CounterVec
	StepUpOutcomes *prometheus.CounterVec
	InboundQueue   prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewMetrics registers the instruments on reg. A nil reg uses a fresh
// registry.
func NewMetrics(namespace string, reg *prometheus.Registry) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	f := promauto.With(reg)
	return &Metrics{
		Pipelines: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pipelines_total",
			Help:      "Pipeline runs by channel and outcome.",
		}, []string{"channel", "outcome"}),
		StageDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_ms",
			Help:      "Pipeline stage latency in milliseconds.",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"stage"}),
		StageFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_failures_total",
			Help:      "Stage failures by stage and error code.",
		}, []string{"stage", "code"}),
		Dispositions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispositions_total",
			Help:      "Turn dispositions by code.",
		}, []string{"disposition"}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Outbound delivery attempts by channel and status.",
		}, []string{"channel", "status"}),
		StepUpOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stepup_outcomes_total",
			Help:      "Step-up authentication outcomes.",
		}, []string{"method", "outcome"}),
		InboundQueue: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "inbound_queue_depth",
			Help:      "Inbound messages waiting for a supervisor worker.",
		}),
		gatherer: reg,
	}
}

func (m *Metrics) ObserveStage(stage string, d time.Duration, code string) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage).Observe(float64(d.Milliseconds()))
	if code != "" {
		m.StageFailures.WithLabelValues(stage, code).Inc()
	}
}

func (m *Metrics) ObservePipeline(channel, outcome, disposition string) {
	if m == nil {
		return
	}
	m.Pipelines.WithLabelValues(channel, outcome).Inc()
	if disposition != "" {
		m.Dispositions.WithLabelValues(disposition).Inc()
	}
}

func (m *Metrics) ObserveDelivery(channel, status string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(channel, status).Inc()
}

func (m *Metrics) ObserveStepUp(method, outcome string) {
	if m == nil || outcome == "" {
		return
	}
	m.StepUpOutcomes.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) SetInboundQueue(n int) {
	if m == nil {
		return
	}
	m.InboundQueue.Set(float64(n))
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
