package workflow

import (
	"strings"
	"testing"

	"conductor/pkg/proto"
)

func TestEvaluateSeverity(t *testing.T) {
	clean := evaluateSeverity(proto.GateAutomaticValidation, nil)
	if clean.Outcome != proto.GatePass || clean.Advisory != "" {
		t.Errorf("no issues should pass cleanly, got %+v", clean)
	}

	soft := evaluateSeverity(proto.GateSeverityClassification, []proto.ErrorEvent{
		proto.NewErrorEvent(proto.ErrCodeValidationFailure, proto.SeverityMedium, "lint warnings"),
		proto.NewErrorEvent(proto.ErrCodeValidationFailure, proto.SeverityLow, "naming nit"),
	})
	if soft.Outcome != proto.GatePass {
		t.Errorf("medium and low issues should pass, got %s", soft.Outcome)
	}
	if soft.Advisory == "" {
		t.Error("non-critical pass should carry an advisory")
	}

	hard := evaluateSeverity(proto.GateSeverityClassification, []proto.ErrorEvent{
		proto.NewErrorEvent(proto.ErrCodeValidationFailure, proto.SeverityLow, "nit"),
		proto.NewErrorEvent(proto.ErrCodeValidationFailure, proto.SeverityCritical, "data loss"),
	})
	if hard.Outcome != proto.GateFail {
		t.Errorf("a critical issue must fail the gate, got %s", hard.Outcome)
	}
}

func TestEvaluateConsensus(t *testing.T) {
	pass := func(reviewer string) proto.ReviewVerdict {
		return proto.ReviewVerdict{Reviewer: reviewer, Verdict: proto.VerdictPass}
	}
	fail := func(reviewer string, severity proto.Severity) proto.ReviewVerdict {
		return proto.ReviewVerdict{Reviewer: reviewer, Verdict: proto.VerdictFail, Severity: severity, Note: "issue"}
	}

	t.Run("unanimous_pass", func(t *testing.T) {
		g := evaluateConsensus([]proto.ReviewVerdict{pass("r1"), pass("r2"), pass("r3")})
		if g.Outcome != proto.GatePass || g.Confidence != proto.ConfidenceHigh {
			t.Errorf("got %s/%s, want pass/high", g.Outcome, g.Confidence)
		}
	})

	t.Run("lone_dissent_is_non_blocking", func(t *testing.T) {
		g := evaluateConsensus([]proto.ReviewVerdict{pass("r1"), pass("r2"), fail("r3", proto.SeverityMedium)})
		if g.Outcome != proto.GatePass || g.Confidence != proto.ConfidenceMedium {
			t.Errorf("got %s/%s, want pass/medium", g.Outcome, g.Confidence)
		}
		if !strings.Contains(g.Advisory, "r3") {
			t.Errorf("advisory should carry the dissent, got %q", g.Advisory)
		}
	})

	t.Run("critical_dissent_always_fails", func(t *testing.T) {
		g := evaluateConsensus([]proto.ReviewVerdict{pass("r1"), pass("r2"), fail("r3", proto.SeverityCritical)})
		if g.Outcome != proto.GateFail {
			t.Errorf("critical fail verdict must force a fail, got %s", g.Outcome)
		}
	})

	t.Run("no_majority_fails", func(t *testing.T) {
		g := evaluateConsensus([]proto.ReviewVerdict{pass("r1"), fail("r2", proto.SeverityMedium), fail("r3", proto.SeverityMedium)})
		if g.Outcome != proto.GateFail {
			t.Errorf("1 of 3 passes is no majority, got %s", g.Outcome)
		}
	})

	t.Run("tie_fails", func(t *testing.T) {
		g := evaluateConsensus([]proto.ReviewVerdict{pass("r1"), fail("r2", proto.SeverityMedium)})
		if g.Outcome != proto.GateFail {
			t.Errorf("a tie is not a strict majority, got %s", g.Outcome)
		}
	})

	t.Run("no_verdicts", func(t *testing.T) {
		if g := evaluateConsensus(nil); g.Outcome != proto.GateFail {
			t.Errorf("empty verdict set must fail, got %s", g.Outcome)
		}
	})
}

func TestParseVerdict(t *testing.T) {
	v := parseVerdict("r1", "Summary of findings.\n\nverdict: fail\nseverity: critical\nnote: secrets committed to the repo\n")
	if v.Verdict != proto.VerdictFail || v.Severity != proto.SeverityCritical {
		t.Errorf("got %+v", v)
	}
	if v.Note != "secrets committed to the repo" {
		t.Errorf("Note = %q", v.Note)
	}

	v = parseVerdict("r2", "verdict: pass\nnote: looks good")
	if v.Verdict != proto.VerdictPass || v.Severity != "" {
		t.Errorf("pass verdict should carry no severity, got %+v", v)
	}

	v = parseVerdict("r3", "Detailed prose with no structured verdict at all.")
	if v.Verdict != proto.VerdictPass || v.Note == "" {
		t.Errorf("unstructured output should approve with a note, got %+v", v)
	}

	v = parseVerdict("r4", "   \n")
	if v.Verdict != proto.VerdictFail {
		t.Errorf("empty output should fail, got %+v", v)
	}
}
