// Package metrics provides engine-level Prometheus instrumentation and a
// query service for per-session aggregates.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder counts engine events: dispatched tasks, phase transitions, gate
// outcomes, iteration passes, monitor state changes, finished sessions.
// Implementations must be safe for concurrent use.
type Recorder interface {
	// RecordTask counts one finished task with its final classified status.
	RecordTask(role, group, status string, duration time.Duration)

	// RecordPhaseTransition counts one phase-to-phase move.
	RecordPhaseTransition(from, to string)

	// RecordGateOutcome counts one quality-gate decision.
	RecordGateOutcome(phase, outcome string)

	// RecordIteration counts one rework pass triggered by a failed gate.
	RecordIteration(phase string)

	// RecordMonitorTransition counts one background-task detection change.
	RecordMonitorTransition(from, to string)

	// RecordSession counts one session reaching a terminal phase.
	RecordSession(status string)
}

// PrometheusRecorder implements Recorder using Prometheus metrics.
type PrometheusRecorder struct {
	tasksTotal         *prometheus.CounterVec
	taskDuration       *prometheus.HistogramVec
	phaseTransitions   *prometheus.CounterVec
	gateOutcomes       *prometheus.CounterVec
	iterationsTotal    *prometheus.CounterVec
	monitorTransitions *prometheus.CounterVec
	sessionsTotal      *prometheus.CounterVec
}

// NewPrometheusRecorder creates the engine metrics recorder. Construct it
// once; promauto registers with the default registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	return &PrometheusRecorder{
		tasksTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dispatch_tasks_total",
				Help: "Total number of dispatched tasks by role, group, and final status",
			},
			[]string{"role", "group", "status"},
		),
		taskDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dispatch_task_duration_seconds",
				Help:    "Duration of dispatched tasks in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"role", "group"},
		),
		phaseTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_phase_transitions_total",
				Help: "Total number of workflow phase transitions",
			},
			[]string{"from_phase", "to_phase"},
		),
		gateOutcomes: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_gate_outcomes_total",
				Help: "Total number of quality gate decisions by phase and outcome",
			},
			[]string{"phase", "outcome"},
		),
		iterationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_iterations_total",
				Help: "Total number of rework passes triggered by failed gates",
			},
			[]string{"phase"},
		),
		monitorTransitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "monitor_transitions_total",
				Help: "Total number of background-task detection state transitions",
			},
			[]string{"from_state", "to_state"},
		),
		sessionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "workflow_sessions_total",
				Help: "Total number of sessions reaching a terminal phase",
			},
			[]string{"status"},
		),
	}
}

// RecordTask counts one finished task and observes its duration.
func (p *PrometheusRecorder) RecordTask(role, group, status string, duration time.Duration) {
	p.tasksTotal.WithLabelValues(role, group, status).Inc()
	p.taskDuration.WithLabelValues(role, group).Observe(duration.Seconds())
}

// RecordPhaseTransition counts one phase-to-phase move.
func (p *PrometheusRecorder) RecordPhaseTransition(from, to string) {
	p.phaseTransitions.WithLabelValues(from, to).Inc()
}

// RecordGateOutcome counts one quality-gate decision.
func (p *PrometheusRecorder) RecordGateOutcome(phase, outcome string) {
	p.gateOutcomes.WithLabelValues(phase, outcome).Inc()
}

// RecordIteration counts one rework pass.
func (p *PrometheusRecorder) RecordIteration(phase string) {
	p.iterationsTotal.WithLabelValues(phase).Inc()
}

// RecordMonitorTransition counts one detection state change.
func (p *PrometheusRecorder) RecordMonitorTransition(from, to string) {
	p.monitorTransitions.WithLabelValues(from, to).Inc()
}

// RecordSession counts one session reaching a terminal phase.
func (p *PrometheusRecorder) RecordSession(status string) {
	p.sessionsTotal.WithLabelValues(status).Inc()
}

// NoopRecorder discards all observations.
type NoopRecorder struct{}

// Nop returns a recorder that drops everything, for tests and disabled metrics.
func Nop() Recorder {
	return NoopRecorder{}
}

// RecordTask implements Recorder.
func (NoopRecorder) RecordTask(_, _, _ string, _ time.Duration) {}

// RecordPhaseTransition implements Recorder.
func (NoopRecorder) RecordPhaseTransition(_, _ string) {}

// RecordGateOutcome implements Recorder.
func (NoopRecorder) RecordGateOutcome(_, _ string) {}

// RecordIteration implements Recorder.
func (NoopRecorder) RecordIteration(_ string) {}

// RecordMonitorTransition implements Recorder.
func (NoopRecorder) RecordMonitorTransition(_, _ string) {}

// RecordSession implements Recorder.
func (NoopRecorder) RecordSession(_ string) {}
