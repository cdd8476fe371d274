// Package gate is the user-facing decision surface of the workflow engine.
// Sessions suspend at approval checkpoints and escalated decision points; a
// Provider presents the available actions and returns the one selected. The
// engine only ever acts on the returned selection; providers never mutate
// session state themselves.
package gate

import (
	"context"
	"fmt"

	"conductor/pkg/proto"
)

// Selection is the value of the option a provider returned.
type Selection string

// Selections the engine offers at its checkpoints.
const (
	// SelectionApprove accepts the presented work and lets the phase pass.
	SelectionApprove Selection = "approve"

	// SelectionRevise sends the work back for another iteration.
	SelectionRevise Selection = "revise"

	// SelectionAbandon ends the session at the user's request.
	SelectionAbandon Selection = "abandon"

	// SelectionContinue runs another iteration past the configured cap.
	SelectionContinue Selection = "continue"

	// SelectionAccept takes the current state as-is and moves on.
	SelectionAccept Selection = "accept"
)

// Option is one selectable action at a decision point.
type Option struct {
	Value   Selection // stable identifier the engine switches on
	Label   string    // one-line description shown to the user
	Default bool      // chosen on an empty reply
}

// Provider presents a decision point and blocks until a selection is made.
// Implementations must honor ctx so an interrupted run can unwind instead of
// hanging on input that will never arrive.
type Provider interface {
	Present(ctx context.Context, sessionID string, phase proto.Phase, options []Option) (Selection, error)
}

// Func adapts a plain function to the Provider interface.
type Func func(ctx context.Context, sessionID string, phase proto.Phase, options []Option) (Selection, error)

// Present calls f.
func (f Func) Present(ctx context.Context, sessionID string, phase proto.Phase, options []Option) (Selection, error) {
	return f(ctx, sessionID, phase, options)
}

// ApprovalOptions is the action set offered at AwaitingApproval and
// AwaitingAcceptance checkpoints.
func ApprovalOptions() []Option {
	return []Option{
		{Value: SelectionApprove, Label: "Accept and continue", Default: true},
		{Value: SelectionRevise, Label: "Send back for another iteration"},
		{Value: SelectionAbandon, Label: "Abandon the session"},
	}
}

// EscalationOptions is the action set offered when a phase exhausts its
// iteration budget and lands in blocked.
func EscalationOptions() []Option {
	return []Option{
		{Value: SelectionContinue, Label: "Run one more iteration"},
		{Value: SelectionAccept, Label: "Accept the current state and move on", Default: true},
		{Value: SelectionAbandon, Label: "Abandon the session"},
	}
}

// findOption returns the offered option matching the selection.
func findOption(options []Option, sel Selection) (Option, bool) {
	for _, opt := range options {
		if opt.Value == sel {
			return opt, true
		}
	}
	return Option{}, false
}

// defaultOption returns the option chosen on an empty reply: the one marked
// Default, else the first.
func defaultOption(options []Option) (Option, error) {
	if len(options) == 0 {
		return Option{}, fmt.Errorf("no options to present")
	}
	for _, opt := range options {
		if opt.Default {
			return opt, nil
		}
	}
	return options[0], nil
}
