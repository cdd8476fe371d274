package proto

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestNewSessionCreatesPendingPhases(t *testing.T) {
	s := NewSession(ClassificationMixed, []Phase{"PLANNING", "IMPLEMENTING"})

	if s.Status != SessionActive {
		t.Errorf("expected active status, got %s", s.Status)
	}
	if len(s.Phases) != 2 {
		t.Fatalf("expected 2 phase records, got %d", len(s.Phases))
	}
	for i := range s.Phases {
		if s.Phases[i].Status != PhaseStatusPending {
			t.Errorf("phase %s: expected pending, got %s", s.Phases[i].Name, s.Phases[i].Status)
		}
	}
	if !strings.HasPrefix(s.ID, "session-") {
		t.Errorf("unexpected session ID format: %s", s.ID)
	}
}

func TestSessionIDsUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if seen[id] {
			t.Fatalf("duplicate session ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestValidateRejectsTwoInProgressPhases(t *testing.T) {
	s := NewSession(ClassificationUI, []Phase{"PLANNING", "IMPLEMENTING"})
	s.Phases[0].Status = PhaseStatusInProgress
	s.Phases[1].Status = PhaseStatusInProgress

	if err := s.Validate(); err == nil {
		t.Error("expected validation error for two in_progress phases")
	}

	s.Phases[1].Status = PhaseStatusPending
	if err := s.Validate(); err != nil {
		t.Errorf("expected valid session, got: %v", err)
	}
}

func TestCheckpointDerivation(t *testing.T) {
	s := NewSession(ClassificationMixed, []Phase{"PLANNING", "IMPLEMENTING", "REVIEWING"})
	s.Phases[0].Status = PhaseStatusCompleted
	s.Phases[1].Status = PhaseStatusInProgress

	cp := s.Checkpoint()
	if cp.LastCompleted != "PLANNING" {
		t.Errorf("expected last completed PLANNING, got %s", cp.LastCompleted)
	}
	if cp.Next != "IMPLEMENTING" {
		t.Errorf("expected next IMPLEMENTING, got %s", cp.Next)
	}
}

func TestCheckpointSkippedCountsAsCompleted(t *testing.T) {
	s := NewSession(ClassificationAPI, []Phase{"PLANNING", "DESIGN_REVIEW", "IMPLEMENTING"})
	s.Phases[0].Status = PhaseStatusCompleted
	s.Phases[1].Status = PhaseStatusSkipped
	s.Phases[1].SkipReason = "design review not applicable for api workflow"

	cp := s.Checkpoint()
	if cp.LastCompleted != "DESIGN_REVIEW" {
		t.Errorf("expected skipped phase to advance checkpoint, got %s", cp.LastCompleted)
	}
	if cp.Next != "IMPLEMENTING" {
		t.Errorf("expected next IMPLEMENTING, got %s", cp.Next)
	}
}

func TestCurrentPhasePrefersInProgress(t *testing.T) {
	s := NewSession(ClassificationMixed, []Phase{"PLANNING", "IMPLEMENTING"})
	s.Phases[0].Status = PhaseStatusCompleted
	s.Phases[1].Status = PhaseStatusInProgress

	cur := s.CurrentPhase()
	if cur == nil || cur.Name != "IMPLEMENTING" {
		t.Fatalf("expected IMPLEMENTING current, got %+v", cur)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := NewSession(ClassificationMixed, []Phase{"PLANNING"})
	s.Artifacts["plan"] = "work/plan.md"
	s.Phases[0].Errors = append(s.Phases[0].Errors, NewErrorEvent(ErrCodeValidationFailure, SeverityMedium, "lint warnings"))

	clone := s.Clone()
	clone.Artifacts["plan"] = "other"
	clone.Phases[0].Errors[0].Message = "mutated"
	clone.Phases[0].Status = PhaseStatusCompleted

	if s.Artifacts["plan"] != "work/plan.md" {
		t.Error("clone shares artifacts map with original")
	}
	if s.Phases[0].Errors[0].Message != "lint warnings" {
		t.Error("clone shares error slice with original")
	}
	if s.Phases[0].Status != PhaseStatusPending {
		t.Error("clone shares phase records with original")
	}
}

func TestSessionSnapshotRoundTrip(t *testing.T) {
	s := NewSession(ClassificationUI, []Phase{"PLANNING"})
	s.Phases[0].Status = PhaseStatusCompleted
	now := time.Now().UTC()
	s.Phases[0].CompletedAt = &now
	s.Phases[0].Gates = []QualityGate{{
		Kind:       GateConsensus,
		Outcome:    GatePass,
		Confidence: ConfidenceMedium,
		Advisory:   "one dissenting reviewer",
		Verdicts: []ReviewVerdict{
			{Reviewer: "code_reviewer-1", Verdict: VerdictPass},
			{Reviewer: "code_reviewer-2", Verdict: VerdictFail, Severity: SeverityLow, Note: "naming nit"},
		},
	}}

	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}

	var got Session
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if got.ID != s.ID || got.Classification != s.Classification {
		t.Error("session identity not preserved through snapshot")
	}
	if len(got.Phases) != 1 || got.Phases[0].Gates[0].Confidence != ConfidenceMedium {
		t.Error("gate detail not preserved through snapshot")
	}
}

func TestEnumValidation(t *testing.T) {
	cases := []struct {
		in    string
		valid bool
	}{
		{"active", true},
		{"completed", true},
		{"failed", true},
		{"abandoned", true},
		{"ACTIVE", false},
		{"done", false},
		{"", false},
	}
	for _, tc := range cases {
		if _, ok := ValidateSessionStatus(tc.in); ok != tc.valid {
			t.Errorf("ValidateSessionStatus(%q) = %v, want %v", tc.in, ok, tc.valid)
		}
	}

	if _, ok := ValidateClassification("mixed"); !ok {
		t.Error("mixed should be a valid classification")
	}
	if _, ok := ValidateClassification("fullstack"); ok {
		t.Error("fullstack should not be a valid classification")
	}
}
