// Package metrics exposes Prometheus instruments for workflow execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "dreamteam"

// Collector records engine activity. A nil *Collector is valid and records
// nothing.
type Collector struct {
	transitions   *prometheus.CounterVec
	steps         *prometheus.CounterVec
	retries       *prometheus.CounterVec
	invocations   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	sinkFailures  prometheus.Counter
	stateFailures prometheus.Counter
}

// NewCollector registers the engine metrics on reg under namespace.
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	f := promauto.With(reg)
	return &Collector{
		transitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_transitions_total",
				Help:      "Workflow instance state transitions by target status",
			},
			[]string{"status"},
		),
		steps: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_total",
				Help:      "Step outcomes by step kind",
			},
			[]string{"kind", "outcome"},
		),
		retries: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "step_retries_total",
				Help:      "Agent invocation retries by agent",
			},
			[]string{"agent"},
		),
		invocations: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "agent_invocation_duration_seconds",
				Help:      "Agent invocation latency",
				Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
			},
			[]string{"agent", "outcome"},
		),
		activeRuns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Execution loops currently owned by this process",
		}),
		sinkFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "event_sink_failures_total",
			Help:      "Events that could not be delivered to a sink",
		}),
		stateFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_save_failures_total",
			Help:      "Failed instance saves",
		}),
	}
}

// Transition counts an instance entering status.
func (c *Collector) Transition(status string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(status).Inc()
}

// Step counts a step outcome (completed, skipped, failed, routed).
func (c *Collector) Step(kind, outcome string) {
	if c == nil {
		return
	}
	c.steps.WithLabelValues(kind, outcome).Inc()
}

// Retry counts a retried agent invocation.
func (c *Collector) Retry(agent string) {
	if c == nil {
		return
	}
	c.retries.WithLabelValues(agent).Inc()
}

// ObserveInvocation records the latency of one agent call.
func (c *Collector) ObserveInvocation(agent string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "error"
	}
	c.invocations.WithLabelValues(agent, outcome).Observe(d.Seconds())
}

// RunStarted increments the active loop gauge.
func (c *Collector) RunStarted() {
	if c == nil {
		return
	}
	c.activeRuns.Inc()
}

// RunFinished decrements the active loop gauge.
func (c *Collector) RunFinished() {
	if c == nil {
		return
	}
	c.activeRuns.Dec()
}

// SinkFailure counts an undelivered event.
func (c *Collector) SinkFailure() {
	if c == nil {
		return
	}
	c.sinkFailures.Inc()
}

// StateFailure counts a failed save.
func (c *Collector) StateFailure() {
	if c == nil {
		return
	}
	c.stateFailures.Inc()
}
