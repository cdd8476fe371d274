// Package proto defines the shared data model for the workflow engine:
// sessions, phases, quality gates, tasks, and the error taxonomy exchanged
// between the state machine, dispatcher, monitor, and stores.
package proto

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SessionStatus represents the lifecycle status of a workflow session.
type SessionStatus string

const (
	// SessionActive indicates the session is progressing through phases.
	SessionActive SessionStatus = "active"

	// SessionCompleted indicates the session reached Delivered.
	SessionCompleted SessionStatus = "completed"

	// SessionFailed indicates an unrecoverable failure (corruption, critical gate).
	SessionFailed SessionStatus = "failed"

	// SessionAbandoned indicates the user walked away at a decision point.
	SessionAbandoned SessionStatus = "abandoned"
)

// ValidateSessionStatus validates if a string is a valid session status.
func ValidateSessionStatus(s string) (SessionStatus, bool) {
	switch SessionStatus(s) {
	case SessionActive, SessionCompleted, SessionFailed, SessionAbandoned:
		return SessionStatus(s), true
	default:
		return "", false
	}
}

// IsTerminalSessionStatus returns true when no further transitions are allowed.
func IsTerminalSessionStatus(s SessionStatus) bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionAbandoned
}

// Classification captures the workflow family computed once at session entry.
type Classification string

const (
	// ClassificationUI marks a UI-focused workflow (TDD-loop phases skipped).
	ClassificationUI Classification = "ui"

	// ClassificationAPI marks an API-focused workflow (design-review phases skipped).
	ClassificationAPI Classification = "api"

	// ClassificationMixed is the default for ambiguous or hybrid requests.
	ClassificationMixed Classification = "mixed"
)

// ValidateClassification validates if a string is a valid classification.
func ValidateClassification(s string) (Classification, bool) {
	switch Classification(s) {
	case ClassificationUI, ClassificationAPI, ClassificationMixed:
		return Classification(s), true
	default:
		return "", false
	}
}

// Phase is a named stage in the workflow's fixed ordered sequence.
// The transition table and entry-point phase lists live in pkg/workflow.
type Phase string

const (
	PhaseClassifying        Phase = "CLASSIFYING"
	PhasePlanning           Phase = "PLANNING"
	PhaseAwaitingApproval   Phase = "AWAITING_APPROVAL"
	PhaseDesignReview       Phase = "DESIGN_REVIEW"
	PhaseImplementing       Phase = "IMPLEMENTING"
	PhaseValidating         Phase = "VALIDATING"
	PhaseReviewing          Phase = "REVIEWING"
	PhaseTesting            Phase = "TESTING"
	PhaseAwaitingAcceptance Phase = "AWAITING_ACCEPTANCE"
	PhaseCleanup            Phase = "CLEANUP"
	PhaseDelivered          Phase = "DELIVERED"
)

// AllPhases lists every phase in canonical workflow order.
//
//nolint:gochecknoglobals // Static phase catalogue
var AllPhases = []Phase{
	PhaseClassifying,
	PhasePlanning,
	PhaseAwaitingApproval,
	PhaseDesignReview,
	PhaseImplementing,
	PhaseValidating,
	PhaseReviewing,
	PhaseTesting,
	PhaseAwaitingAcceptance,
	PhaseCleanup,
	PhaseDelivered,
}

// ValidatePhase validates if a string is a known phase name.
func ValidatePhase(s string) (Phase, bool) {
	for _, p := range AllPhases {
		if Phase(s) == p {
			return p, true
		}
	}
	return "", false
}

// PhaseStatus represents the progress state of a single phase within a session.
type PhaseStatus string

const (
	// PhaseStatusPending indicates the phase has not started yet.
	PhaseStatusPending PhaseStatus = "pending"

	// PhaseStatusInProgress indicates the phase is the session's active phase.
	// Invariant: at most one phase per session holds this status.
	PhaseStatusInProgress PhaseStatus = "in_progress"

	// PhaseStatusCompleted indicates all gates passed; the record is immutable
	// except for appended error annotations.
	PhaseStatusCompleted PhaseStatus = "completed"

	// PhaseStatusSkipped indicates the phase is inapplicable to the session's
	// classification; a skip reason is always recorded.
	PhaseStatusSkipped PhaseStatus = "skipped"

	// PhaseStatusFailed indicates the phase failed terminally.
	PhaseStatusFailed PhaseStatus = "failed"

	// PhaseStatusBlocked indicates the iteration cap was exceeded and an external
	// decision is pending.
	PhaseStatusBlocked PhaseStatus = "blocked"
)

// ValidatePhaseStatus validates if a string is a valid phase status.
func ValidatePhaseStatus(s string) (PhaseStatus, bool) {
	switch PhaseStatus(s) {
	case PhaseStatusPending, PhaseStatusInProgress, PhaseStatusCompleted, PhaseStatusSkipped, PhaseStatusFailed, PhaseStatusBlocked:
		return PhaseStatus(s), true
	default:
		return "", false
	}
}

// GateKind identifies how a quality gate's outcome is derived.
type GateKind string

const (
	// GateUserApproval suspends the session until an external selection is made.
	GateUserApproval GateKind = "user_approval"

	// GateAutomaticValidation derives pass/fail from task results.
	GateAutomaticValidation GateKind = "automatic_validation"

	// GateSeverityClassification derives pass/fail from classified issues.
	GateSeverityClassification GateKind = "severity_classification"

	// GateConsensus derives an aggregated verdict from independent reviewers.
	GateConsensus GateKind = "consensus"
)

// GateOutcome is the derived result of a quality gate. Outcomes are computed
// by evaluators, never set directly, and recomputed whenever inputs change.
type GateOutcome string

const (
	GatePass    GateOutcome = "pass"
	GateFail    GateOutcome = "fail"
	GatePending GateOutcome = "pending"
)

// Confidence grades a consensus outcome by the strength of reviewer agreement.
type Confidence string

const (
	ConfidenceHigh   Confidence = "high"   // unanimous agreement
	ConfidenceMedium Confidence = "medium" // strict majority
	ConfidenceLow    Confidence = "low"    // lone dissent, non-blocking
)

// Verdict is a single reviewer's pass/fail judgement.
type Verdict string

const (
	VerdictPass Verdict = "pass"
	VerdictFail Verdict = "fail"
)

// ReviewVerdict is one independent reviewer outcome feeding a consensus gate.
type ReviewVerdict struct {
	Reviewer string   `json:"reviewer"`
	Verdict  Verdict  `json:"verdict"`
	Severity Severity `json:"severity,omitempty"` // set on fail verdicts
	Note     string   `json:"note,omitempty"`
}

// QualityGate is a pass/fail/pending checkpoint gating phase advancement.
type QualityGate struct {
	Kind       GateKind        `json:"kind"`
	Outcome    GateOutcome     `json:"outcome"`
	Confidence Confidence      `json:"confidence,omitempty"`
	Advisory   string          `json:"advisory,omitempty"`
	Verdicts   []ReviewVerdict `json:"verdicts,omitempty"`
}

// PhaseRecord tracks one phase's progress within a session.
type PhaseRecord struct {
	Name        Phase         `json:"name"`
	Status      PhaseStatus   `json:"status"`
	Iteration   int           `json:"iteration"`
	SkipReason  string        `json:"skip_reason,omitempty"`
	Gates       []QualityGate `json:"gates,omitempty"`
	Errors      []ErrorEvent  `json:"errors,omitempty"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// Session is one end-to-end run of the workflow. It is owned exclusively by
// the workflow engine and persisted as a whole snapshot by the session store;
// this layout is the compatibility-sensitive resume format.
type Session struct {
	ID             string            `json:"id"`
	Classification Classification    `json:"classification"`
	Status         SessionStatus     `json:"status"`
	Phases         []PhaseRecord     `json:"phases"`
	CreatedAt      time.Time         `json:"createdAt"`
	UpdatedAt      time.Time         `json:"updatedAt"`
	Artifacts      map[string]string `json:"artifacts,omitempty"`
	Advisories     []string          `json:"advisories,omitempty"`
	Result         string            `json:"result,omitempty"`
}

// NewSession creates an active session with pending phase records.
func NewSession(classification Classification, phases []Phase) *Session {
	records := make([]PhaseRecord, 0, len(phases))
	for _, p := range phases {
		records = append(records, PhaseRecord{Name: p, Status: PhaseStatusPending})
	}
	now := time.Now().UTC()
	return &Session{
		ID:             NewSessionID(),
		Classification: classification,
		Status:         SessionActive,
		Phases:         records,
		CreatedAt:      now,
		UpdatedAt:      now,
		Artifacts:      make(map[string]string),
	}
}

// NewSessionID returns a sortable unique session identifier.
func NewSessionID() string {
	return fmt.Sprintf("session-%d-%s", time.Now().Unix(), uuid.NewString()[:8])
}

// FindPhase returns the record for the named phase, or nil.
func (s *Session) FindPhase(name Phase) *PhaseRecord {
	for i := range s.Phases {
		if s.Phases[i].Name == name {
			return &s.Phases[i]
		}
	}
	return nil
}

// CurrentPhase returns the in_progress record if one exists, otherwise the
// first pending or blocked record, otherwise nil (all phases settled).
func (s *Session) CurrentPhase() *PhaseRecord {
	for i := range s.Phases {
		if s.Phases[i].Status == PhaseStatusInProgress {
			return &s.Phases[i]
		}
	}
	for i := range s.Phases {
		switch s.Phases[i].Status {
		case PhaseStatusPending, PhaseStatusBlocked:
			return &s.Phases[i]
		}
	}
	return nil
}

// Checkpoint derives the resume pointer: the last completed phase and the
// next phase still owed work. Derived from the session, never stored alone.
func (s *Session) Checkpoint() Checkpoint {
	cp := Checkpoint{SessionID: s.ID}
	for i := range s.Phases {
		switch s.Phases[i].Status {
		case PhaseStatusCompleted, PhaseStatusSkipped:
			cp.LastCompleted = s.Phases[i].Name
		case PhaseStatusPending, PhaseStatusInProgress, PhaseStatusBlocked:
			if cp.Next == "" {
				cp.Next = s.Phases[i].Name
			}
		}
	}
	return cp
}

// AppendAdvisory records a non-blocking note on the session.
func (s *Session) AppendAdvisory(note string) {
	s.Advisories = append(s.Advisories, note)
}

// Validate checks structural invariants: a known status and classification,
// and at most one in_progress phase.
func (s *Session) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("session ID is required")
	}
	if _, ok := ValidateSessionStatus(string(s.Status)); !ok {
		return fmt.Errorf("invalid session status: %s", s.Status)
	}
	if _, ok := ValidateClassification(string(s.Classification)); !ok {
		return fmt.Errorf("invalid classification: %s", s.Classification)
	}
	inProgress := 0
	for i := range s.Phases {
		if _, ok := ValidatePhaseStatus(string(s.Phases[i].Status)); !ok {
			return fmt.Errorf("phase %s: invalid status %s", s.Phases[i].Name, s.Phases[i].Status)
		}
		if s.Phases[i].Status == PhaseStatusInProgress {
			inProgress++
		}
	}
	if inProgress > 1 {
		return fmt.Errorf("session %s: %d phases in_progress, want at most 1", s.ID, inProgress)
	}
	return nil
}

// Clone returns a deep copy so callers can read-modify-write safely.
func (s *Session) Clone() *Session {
	clone := *s
	clone.Phases = make([]PhaseRecord, len(s.Phases))
	for i := range s.Phases {
		pr := s.Phases[i]
		pr.Gates = append([]QualityGate(nil), s.Phases[i].Gates...)
		pr.Errors = append([]ErrorEvent(nil), s.Phases[i].Errors...)
		clone.Phases[i] = pr
	}
	if s.Artifacts != nil {
		clone.Artifacts = make(map[string]string, len(s.Artifacts))
		for k, v := range s.Artifacts {
			clone.Artifacts[k] = v
		}
	}
	clone.Advisories = append([]string(nil), s.Advisories...)
	return &clone
}

// Checkpoint is the resume pointer derived from a session's phase records.
type Checkpoint struct {
	SessionID     string `json:"session_id"`
	LastCompleted Phase  `json:"last_completed,omitempty"`
	Next          Phase  `json:"next,omitempty"`
}
