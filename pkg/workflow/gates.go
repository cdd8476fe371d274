package workflow

import (
	"fmt"
	"strings"

	"conductor/pkg/proto"
)

// Gate evaluators. Outcomes are always derived from their inputs here, never
// set directly, and are recomputed from scratch on every evaluation.

// evaluateSeverity derives a gate outcome from the classified issues a
// phase's tasks surfaced. Any critical issue fails the gate; medium and low
// issues pass with an advisory attached.
func evaluateSeverity(kind proto.GateKind, events []proto.ErrorEvent) proto.QualityGate {
	gate := proto.QualityGate{Kind: kind}

	if len(events) == 0 {
		gate.Outcome = proto.GatePass
		return gate
	}

	if proto.HasCritical(events) {
		gate.Outcome = proto.GateFail
		gate.Advisory = summarizeEvents(events)
		return gate
	}

	gate.Outcome = proto.GatePass
	gate.Advisory = fmt.Sprintf("passed with %d non-critical issue(s): %s", len(events), summarizeEvents(events))
	return gate
}

// evaluateConsensus aggregates independent reviewer verdicts:
//   - a critical fail verdict always forces the gate to fail
//   - unanimous pass is a high-confidence pass
//   - a strict pass majority passes with medium confidence, the dissent
//     carried as a non-blocking advisory
//   - anything short of a strict majority fails
func evaluateConsensus(verdicts []proto.ReviewVerdict) proto.QualityGate {
	gate := proto.QualityGate{Kind: proto.GateConsensus, Verdicts: verdicts}

	if len(verdicts) == 0 {
		gate.Outcome = proto.GateFail
		gate.Advisory = "no reviewer verdicts received"
		return gate
	}

	passes := 0
	var dissents []string
	for _, v := range verdicts {
		if v.Verdict == proto.VerdictPass {
			passes++
			continue
		}
		if v.Severity == proto.SeverityCritical {
			gate.Outcome = proto.GateFail
			gate.Confidence = proto.ConfidenceHigh
			gate.Advisory = fmt.Sprintf("critical fail verdict from %s: %s", v.Reviewer, v.Note)
			return gate
		}
		dissents = append(dissents, fmt.Sprintf("%s: %s", v.Reviewer, v.Note))
	}

	fails := len(verdicts) - passes
	switch {
	case fails == 0:
		gate.Outcome = proto.GatePass
		gate.Confidence = proto.ConfidenceHigh

	case passes > fails:
		gate.Outcome = proto.GatePass
		gate.Confidence = proto.ConfidenceMedium
		gate.Advisory = fmt.Sprintf("%d of %d reviewer(s) dissented (non-blocking): %s",
			fails, len(verdicts), strings.Join(dissents, "; "))

	default:
		gate.Outcome = proto.GateFail
		gate.Confidence = proto.ConfidenceLow
		gate.Advisory = fmt.Sprintf("no pass majority: %d of %d reviewer(s) failed the work", fails, len(verdicts))
	}
	return gate
}

// parseVerdict extracts a reviewer's structured verdict from its output.
// Reviewers emit "verdict:", "severity:", and "note:" lines; output with no
// verdict line counts as a pass with a note, and an empty output is a fail.
func parseVerdict(reviewer, output string) proto.ReviewVerdict {
	verdict := proto.ReviewVerdict{Reviewer: reviewer, Verdict: proto.VerdictPass}

	if strings.TrimSpace(output) == "" {
		verdict.Verdict = proto.VerdictFail
		verdict.Severity = proto.SeverityMedium
		verdict.Note = "reviewer produced no output"
		return verdict
	}

	found := false
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(key)) {
		case "verdict":
			found = true
			if strings.EqualFold(value, string(proto.VerdictFail)) {
				verdict.Verdict = proto.VerdictFail
				if verdict.Severity == "" {
					verdict.Severity = proto.SeverityMedium
				}
			} else {
				verdict.Verdict = proto.VerdictPass
			}
		case "severity":
			if severity, err := proto.ParseSeverity(value); err == nil {
				verdict.Severity = severity
			}
		case "note":
			if verdict.Note == "" {
				verdict.Note = value
			}
		}
	}

	if !found {
		verdict.Note = "no explicit verdict line, treating output as approval"
	}
	if verdict.Verdict == proto.VerdictPass {
		verdict.Severity = ""
	}
	return verdict
}

// summarizeEvents renders classified issues for an advisory, most severe
// first, capped at three entries.
func summarizeEvents(events []proto.ErrorEvent) string {
	ordered := make([]proto.ErrorEvent, 0, len(events))
	for _, severity := range []proto.Severity{proto.SeverityCritical, proto.SeverityMedium, proto.SeverityLow} {
		for _, event := range events {
			if event.Severity == severity {
				ordered = append(ordered, event)
			}
		}
	}

	parts := make([]string, 0, 3)
	for _, event := range ordered {
		if len(parts) == 3 {
			parts = append(parts, fmt.Sprintf("and %d more", len(ordered)-3))
			break
		}
		parts = append(parts, fmt.Sprintf("[%s] %s", event.Severity, event.Message))
	}
	return strings.Join(parts, "; ")
}
