package monitor

import (
	"context"
	"time"
)

// DetectionState is the completion-detection state of one tracked task.
type DetectionState string

const (
	// StateRunning means the task is presumed active: output still moving,
	// no idle evidence yet.
	StateRunning DetectionState = "running"

	// StateIdleCandidate means an idle signal arrived (notification or poll
	// fallback) but stability is not yet proven.
	StateIdleCandidate DetectionState = "idle_candidate"

	// StateStableCandidate means the output fingerprint held still for the
	// required consecutive observations.
	StateStableCandidate DetectionState = "stable_candidate"

	// StateCompleted is terminal: stable output that passed validity.
	StateCompleted DetectionState = "completed"

	// StateStuck is terminal: deadline expiry or cancellation.
	StateStuck DetectionState = "stuck"
)

// Transition reasons surfaced on Change events and terminal records. The
// engine maps a stuck record with ReasonDeadline to a background_timeout
// task failure.
const (
	ReasonDeadline  = "background_timeout"
	ReasonCancelled = "cancelled"

	reasonIdleNotification = "idle_notification"
	reasonPollFallback     = "poll_fallback"
	reasonOutputChanged    = "output_changed"
	reasonOutputStable     = "output_stable"
	reasonValidated        = "validated"
)

var validTransitions = map[DetectionState][]DetectionState{
	StateRunning:         {StateIdleCandidate, StateStuck},
	StateIdleCandidate:   {StateStableCandidate, StateRunning, StateStuck},
	StateStableCandidate: {StateCompleted, StateRunning, StateStuck},
	StateCompleted:       {},
	StateStuck:           {},
}

func isValidTransition(from, to DetectionState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a detection state is final.
func IsTerminal(state DetectionState) bool {
	return state == StateCompleted || state == StateStuck
}

// BackgroundTaskRecord tracks one externally-executing task. The monitor
// exclusively owns record mutation; other components read snapshots via Poll
// or Await.
type BackgroundTaskRecord struct {
	TaskID      string         `json:"task_id"`
	SessionID   string         `json:"session_id"`
	State       DetectionState `json:"state"`
	Fingerprint string         `json:"fingerprint,omitempty"`
	Output      string         `json:"output,omitempty"`
	StableCount int            `json:"stable_count"`
	IdlePolls   int            `json:"idle_polls"`
	Reason      string         `json:"reason,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
	Deadline    time.Time      `json:"deadline"`
	FinishedAt  time.Time      `json:"finished_at,omitempty"`
}

// Change is one detection-state transition, streamed to the engine.
type Change struct {
	TaskID    string         `json:"task_id"`
	SessionID string         `json:"session_id"`
	From      DetectionState `json:"from"`
	To        DetectionState `json:"to"`
	Reason    string         `json:"reason"`
	Time      time.Time      `json:"time"`
}

// Prober observes a tracked task's current output. A fingerprint is any
// stable digest of the observable output; equality across polls is the only
// property the monitor relies on.
type Prober interface {
	Probe(ctx context.Context, taskID string) (fingerprint, output string, err error)
}

// Validator checks a stable output for minimal validity (non-empty, expected
// shape for the task kind) before the record completes. It runs on the
// monitor's polling goroutine and must be fast.
type Validator interface {
	Validate(taskID, output string) error
}
