// Package metrics exposes Prometheus collectors for leases, dispatch, dequeuing and step execution.
// All methods are safe on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "conductor"

type Metrics struct {
	registry *prometheus.Registry

	leaseConflicts   *prometheus.CounterVec
	dispatches       *prometheus.CounterVec
	dequeuePasses    prometheus.Counter
	dequeueAttempts  *prometheus.CounterVec
	executions       *prometheus.CounterVec
	activeExecutions prometheus.Gauge
	stepDuration     *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		leaseConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_conflicts_total",
			Help:      "Execution starts rejected because another agent's active lease conflicts.",
		}, []string{"role", "kind"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Orchestrator dispatch attempts by outcome.",
		}, []string{"kind", "outcome"}),
		dequeuePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dequeue_passes_total",
			Help:      "Completed dequeuer passes.",
		}),
		dequeueAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dequeue_attempts_total",
			Help:      "Queued jobs offered to agents by outcome.",
		}, []string{"outcome"}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions on this agent by final status.",
		}, []string{"kind", "status"}),
		activeExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "1 while this agent's execution slot is occupied.",
		}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step phase duration.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		}, []string{"scope", "phase", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.leaseConflicts, m.dispatches, m.dequeuePasses, m.dequeueAttempts,
		m.executions, m.activeExecutions, m.stepDuration,
	)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) LeaseConflict(role, kind string) {
	if m == nil {
		return
	}
	m.leaseConflicts.WithLabelValues(role, kind).Inc()
}

// Dispatch outcomes: started, skipped_busy, skipped_timeout, conflict, no_agent, queued, error.
func (m *Metrics) Dispatch(kind, outcome string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(kind, outcome).Inc()
}

func (m *Metrics) DequeuePass() {
	if m == nil {
		return
	}
	m.dequeuePasses.Inc()
}

// DequeueAttempt outcomes: dispatched, conflict, failed.
func (m *Metrics) DequeueAttempt(outcome string) {
	if m == nil {
		return
	}
	m.dequeueAttempts.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SlotOccupied(occupied bool) {
	if m == nil {
		return
	}
	if occupied {
		m.activeExecutions.Set(1)
	} else {
		m.activeExecutions.Set(0)
	}
}

func (m *Metrics) ExecutionFinished(kind, status string) {
	if m == nil {
		return
	}
	m.executions.WithLabelValues(kind, status).Inc()
}

func (m *Metrics) StepObserved(scope string, after bool, status string, d time.Duration) {
	if m == nil {
		return
	}
	phase := "before"
	if after {
		phase = "after"
	}
	m.stepDuration.WithLabelValues(scope, phase, status).Observe(d.Seconds())
}
