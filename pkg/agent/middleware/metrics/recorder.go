// Package metrics provides metrics recording for LLM client operations.
package metrics

import (
	"time"
)

// TaskProvider provides access to the active task for metrics labeling.
// The invoker passes itself (or a per-invocation view) so the middleware can
// attribute requests to the session, role, and execution group that issued them.
type TaskProvider interface {
	// GetSessionID returns the session the request belongs to.
	GetSessionID() string
	// GetRole returns the role being invoked (planner, validator, etc).
	GetRole() string
	// GetGroup returns the execution group tag of the active task.
	GetGroup() string
}

// Recorder defines the interface for recording LLM operation metrics.
type Recorder interface {
	// ObserveRequest records metrics for a completed LLM request.
	ObserveRequest(
		model, sessionID, role, group string,
		promptTokens, completionTokens int,
		success bool,
		errorType string,
		duration time.Duration,
	)
}

// anonymousTask is the TaskProvider used when a client is built without task context.
type anonymousTask struct{}

func (anonymousTask) GetSessionID() string { return "" }
func (anonymousTask) GetRole() string      { return "" }
func (anonymousTask) GetGroup() string     { return "" }

// NoopRecorder implements Recorder with no-op behavior for when metrics are disabled.
type NoopRecorder struct{}

// Nop returns a no-op metrics recorder that discards all metrics.
func Nop() Recorder {
	return &NoopRecorder{}
}

// ObserveRequest does nothing in the no-op recorder.
func (n *NoopRecorder) ObserveRequest(
	_, _, _, _ string,
	_, _ int,
	_ bool,
	_ string,
	_ time.Duration,
) {
	// No-op
}

// fanout forwards each observation to all wrapped recorders.
type fanout struct {
	recorders []Recorder
}

// Fanout returns a Recorder that forwards each observation to every given recorder.
func Fanout(recorders ...Recorder) Recorder {
	return &fanout{recorders: recorders}
}

// ObserveRequest forwards the observation to all wrapped recorders.
func (f *fanout) ObserveRequest(
	model, sessionID, role, group string,
	promptTokens, completionTokens int,
	success bool,
	errorType string,
	duration time.Duration,
) {
	for _, r := range f.recorders {
		r.ObserveRequest(model, sessionID, role, group, promptTokens, completionTokens, success, errorType, duration)
	}
}
