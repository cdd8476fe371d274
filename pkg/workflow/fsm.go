package workflow

import (
	"fmt"

	"conductor/pkg/proto"
)

// IMPORTANT: This file is the canonical implementation of the workflow phase
// machine. It is the single source of truth for all phase transitions; the
// entry-point phase lists and classification skip sets below must stay
// consistent with the transition table.

// phaseTransitions defines the canonical transition map for workflow phases.
// Successors include the jumps taken when a phase between two others is
// skipped by classification or absent from an entry point's phase list.
//
//nolint:gochecknoglobals // Static transition table
var phaseTransitions = map[proto.Phase][]proto.Phase{
	// CLASSIFYING computes the workflow family, then planning begins.
	proto.PhaseClassifying: {proto.PhasePlanning},

	// PLANNING produces the plan artifact presented for approval.
	proto.PhasePlanning: {proto.PhaseAwaitingApproval},

	// AWAITING_APPROVAL can enter DESIGN_REVIEW, or jump straight to
	// IMPLEMENTING when design review is skipped (api classification).
	proto.PhaseAwaitingApproval: {proto.PhaseDesignReview, proto.PhaseImplementing},

	// DESIGN_REVIEW feeds its consensus verdict into implementation.
	proto.PhaseDesignReview: {proto.PhaseImplementing},

	// IMPLEMENTING hands the background-tracked result to validation.
	proto.PhaseImplementing: {proto.PhaseValidating},

	// VALIDATING can enter REVIEWING, or finish directly in a
	// validation-only session.
	proto.PhaseValidating: {proto.PhaseReviewing, proto.PhaseDelivered},

	// REVIEWING can enter TESTING, jump to AWAITING_ACCEPTANCE when the TDD
	// loop is skipped (ui classification), or finish directly in a
	// review-only session.
	proto.PhaseReviewing: {proto.PhaseTesting, proto.PhaseAwaitingAcceptance, proto.PhaseDelivered},

	// TESTING hands the verified result to acceptance.
	proto.PhaseTesting: {proto.PhaseAwaitingAcceptance},

	// AWAITING_ACCEPTANCE precedes finalization.
	proto.PhaseAwaitingAcceptance: {proto.PhaseCleanup},

	// CLEANUP completes into the terminal phase.
	proto.PhaseCleanup: {proto.PhaseDelivered},

	// DELIVERED is terminal.
	proto.PhaseDelivered: {},
}

// ValidNextPhases returns the allowed successor phases for a given phase.
func ValidNextPhases(from proto.Phase) []proto.Phase {
	return phaseTransitions[from]
}

// IsValidTransition checks if a transition between two phases is allowed by
// the canonical transition table. Session-status moves to failed or abandoned
// are allowed from every non-terminal phase and are not phase transitions.
func IsValidTransition(from, to proto.Phase) bool {
	for _, phase := range ValidNextPhases(from) {
		if phase == to {
			return true
		}
	}
	return false
}

// IsTerminalPhase returns true if the phase has no successors.
func IsTerminalPhase(phase proto.Phase) bool {
	return len(phaseTransitions[phase]) == 0
}

// EntryPoint selects which slice of the workflow a session runs.
type EntryPoint string

const (
	// EntryFull runs the complete workflow from classification to delivery.
	EntryFull EntryPoint = "full"

	// EntryBackend runs the backend workflow: classification is forced to
	// api and the classifying phase is omitted.
	EntryBackend EntryPoint = "backend"

	// EntryValidateOnly runs validation against existing work.
	EntryValidateOnly EntryPoint = "validate"

	// EntryReviewOnly runs review against existing work.
	EntryReviewOnly EntryPoint = "review"
)

// ParseEntryPoint parses a -mode flag value into an entry point.
func ParseEntryPoint(mode string) (EntryPoint, error) {
	switch EntryPoint(mode) {
	case EntryFull, EntryBackend, EntryValidateOnly, EntryReviewOnly:
		return EntryPoint(mode), nil
	default:
		return "", fmt.Errorf("unknown mode %q (want full, backend, validate, or review)", mode)
	}
}

// Phases returns the entry point's phase list in workflow order.
func (e EntryPoint) Phases() []proto.Phase {
	switch e {
	case EntryBackend:
		return []proto.Phase{
			proto.PhasePlanning,
			proto.PhaseAwaitingApproval,
			proto.PhaseImplementing,
			proto.PhaseValidating,
			proto.PhaseReviewing,
			proto.PhaseTesting,
			proto.PhaseAwaitingAcceptance,
			proto.PhaseCleanup,
			proto.PhaseDelivered,
		}
	case EntryValidateOnly:
		return []proto.Phase{
			proto.PhaseValidating,
			proto.PhaseDelivered,
		}
	case EntryReviewOnly:
		return []proto.Phase{
			proto.PhaseReviewing,
			proto.PhaseDelivered,
		}
	default:
		return append([]proto.Phase(nil), proto.AllPhases...)
	}
}

// ForcedClassification returns the classification an entry point mandates,
// if any. Backend sessions never classify: the workflow family is api.
func (e EntryPoint) ForcedClassification() (proto.Classification, bool) {
	if e == EntryBackend {
		return proto.ClassificationAPI, true
	}
	return "", false
}

// SkipPhases returns the phases a classification renders inapplicable, with
// the reason recorded on the skipped record. Mixed skips nothing.
func SkipPhases(classification proto.Classification) map[proto.Phase]string {
	switch classification {
	case proto.ClassificationAPI:
		return map[proto.Phase]string{
			proto.PhaseDesignReview: "design review not applicable to api workflows",
		}
	case proto.ClassificationUI:
		return map[proto.Phase]string{
			proto.PhaseTesting: "tdd loop not applicable to ui workflows",
		}
	default:
		return nil
	}
}
