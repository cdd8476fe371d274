package proto

import (
	"fmt"
	"strings"
	"time"
)

// Severity classifies an issue surfaced into a quality gate. Any critical
// issue forces a gate to fail; medium/low issues may still pass with an
// advisory attached to the phase record.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// ValidateSeverity validates if a string is a valid severity.
func ValidateSeverity(s string) (Severity, bool) {
	switch Severity(s) {
	case SeverityCritical, SeverityMedium, SeverityLow:
		return Severity(s), true
	default:
		return "", false
	}
}

// ParseSeverity parses a string into a Severity with validation.
func ParseSeverity(s string) (Severity, error) {
	if sev, ok := ValidateSeverity(strings.ToLower(strings.TrimSpace(s))); ok {
		return sev, nil
	}
	return "", fmt.Errorf("invalid severity: %s", s)
}

// ErrorCode is the closed failure taxonomy of the engine.
type ErrorCode string

const (
	// ErrCodeClassificationAmbiguous is soft: the session defaults to Mixed.
	ErrCodeClassificationAmbiguous ErrorCode = "classification_ambiguous"

	// ErrCodeAgentTimeout marks a task that exceeded its deadline; treated as
	// a missing vote for quorum purposes.
	ErrCodeAgentTimeout ErrorCode = "agent_timeout"

	// ErrCodeAgentUnavailable marks an invocation rejected by the capability
	// after the fallback chain was exhausted.
	ErrCodeAgentUnavailable ErrorCode = "agent_unavailable"

	// ErrCodeInputInvalid marks work rejected before dispatch; it fails fast
	// and is never retried automatically.
	ErrCodeInputInvalid ErrorCode = "input_invalid"

	// ErrCodeValidationFailure marks a failed gate; triggers the bounded
	// iteration loop.
	ErrCodeValidationFailure ErrorCode = "validation_failure"

	// ErrCodePartialFailure marks a parallel batch where some siblings failed
	// but quorum was met; the phase proceeds degraded.
	ErrCodePartialFailure ErrorCode = "partial_failure"

	// ErrCodeSessionCorruption marks an unreadable snapshot; the session is
	// failed, never silently repaired.
	ErrCodeSessionCorruption ErrorCode = "session_corruption"

	// ErrCodeMaxIterationsExceeded escalates a blocked phase to the external
	// decision point.
	ErrCodeMaxIterationsExceeded ErrorCode = "max_iterations_exceeded"

	// ErrCodeBackgroundTimeout marks a tracked background task that hit its
	// deadline without completing.
	ErrCodeBackgroundTimeout ErrorCode = "background_timeout"
)

// ErrorEvent is one classified failure annotation attached to a phase record
// or task result. Completed phases stay immutable except for appended events.
type ErrorEvent struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
}

// NewErrorEvent creates a timestamped error event.
func NewErrorEvent(code ErrorCode, severity Severity, format string, args ...any) ErrorEvent {
	return ErrorEvent{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Severity: severity,
		Time:     time.Now().UTC(),
	}
}

// Error renders the event as "code: message" for logs and wrapped errors.
func (e ErrorEvent) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// HasCritical reports whether any event in the slice carries critical severity.
func HasCritical(events []ErrorEvent) bool {
	for i := range events {
		if events[i].Severity == SeverityCritical {
			return true
		}
	}
	return false
}
