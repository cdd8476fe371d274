package gate

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"conductor/pkg/proto"
)

func TestTerminalSelectsByNumber(t *testing.T) {
	out := &bytes.Buffer{}
	term := newTerminal(strings.NewReader("2\n"), out)

	sel, err := term.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionRevise {
		t.Errorf("Expected %s, got %s", SelectionRevise, sel)
	}

	rendered := out.String()
	for _, want := range []string{"session-1", "AWAITING_APPROVAL", "1. approve", "2. revise", "3. abandon"} {
		if !strings.Contains(rendered, want) {
			t.Errorf("Expected prompt to contain %q, got:\n%s", want, rendered)
		}
	}
}

func TestTerminalSelectsByValue(t *testing.T) {
	term := newTerminal(strings.NewReader("ABANDON\n"), &bytes.Buffer{})

	sel, err := term.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionAbandon {
		t.Errorf("Expected %s, got %s", SelectionAbandon, sel)
	}
}

func TestTerminalEmptyReplyTakesDefault(t *testing.T) {
	term := newTerminal(strings.NewReader("\n"), &bytes.Buffer{})

	sel, err := term.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionApprove {
		t.Errorf("Expected default %s, got %s", SelectionApprove, sel)
	}
}

func TestTerminalRepromptsOnInvalidInput(t *testing.T) {
	out := &bytes.Buffer{}
	term := newTerminal(strings.NewReader("9\nnope\n3\n"), out)

	sel, err := term.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionAbandon {
		t.Errorf("Expected %s, got %s", SelectionAbandon, sel)
	}
	if got := strings.Count(out.String(), "Please choose 1-3:"); got != 2 {
		t.Errorf("Expected 2 reprompts, got %d", got)
	}
}

func TestTerminalInputClosed(t *testing.T) {
	term := newTerminal(strings.NewReader(""), &bytes.Buffer{})

	if _, err := term.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions()); err == nil {
		t.Error("Expected error when input closes without a selection")
	}
}

func TestTerminalHonorsContext(t *testing.T) {
	r, w := io.Pipe()
	defer w.Close()
	term := newTerminal(r, &bytes.Buffer{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := term.Present(ctx, "session-1", proto.PhaseAwaitingApproval, ApprovalOptions())
	if err != context.DeadlineExceeded {
		t.Fatalf("Expected context deadline error, got %v", err)
	}
}

func TestTerminalNoOptions(t *testing.T) {
	term := newTerminal(strings.NewReader("1\n"), &bytes.Buffer{})

	if _, err := term.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, nil); err == nil {
		t.Error("Expected error for an empty option set")
	}
}

func TestAutoApproveAll(t *testing.T) {
	auto, err := NewAuto(PolicyApproveAll, nil)
	if err != nil {
		t.Fatalf("NewAuto failed: %v", err)
	}

	sel, err := auto.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionApprove {
		t.Errorf("Expected %s, got %s", SelectionApprove, sel)
	}

	// At an escalated decision point there is no approve option; the policy
	// takes the terminal-progress answer rather than looping forever.
	sel, err = auto.Present(context.Background(), "session-1", proto.PhaseImplementing, EscalationOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionAccept {
		t.Errorf("Expected %s, got %s", SelectionAccept, sel)
	}
}

func TestAutoRejectAll(t *testing.T) {
	auto, err := NewAuto(PolicyRejectAll, nil)
	if err != nil {
		t.Fatalf("NewAuto failed: %v", err)
	}

	sel, err := auto.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionAbandon {
		t.Errorf("Expected %s, got %s", SelectionAbandon, sel)
	}
}

func TestAutoPerPhaseOverride(t *testing.T) {
	auto, err := NewAuto(PolicyApproveAll, map[proto.Phase]Selection{
		proto.PhaseAwaitingAcceptance: SelectionRevise,
	})
	if err != nil {
		t.Fatalf("NewAuto failed: %v", err)
	}

	sel, err := auto.Present(context.Background(), "session-1", proto.PhaseAwaitingAcceptance, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionRevise {
		t.Errorf("Expected override %s, got %s", SelectionRevise, sel)
	}

	// The standing policy still answers other phases.
	sel, err = auto.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionApprove {
		t.Errorf("Expected %s, got %s", SelectionApprove, sel)
	}
}

func TestAutoOverrideMustBeOffered(t *testing.T) {
	auto, err := NewAuto(PolicyApproveAll, map[proto.Phase]Selection{
		proto.PhaseAwaitingApproval: SelectionContinue,
	})
	if err != nil {
		t.Fatalf("NewAuto failed: %v", err)
	}

	if _, err := auto.Present(context.Background(), "session-1", proto.PhaseAwaitingApproval, ApprovalOptions()); err == nil {
		t.Error("Expected error for an override that is not among the offered options")
	}
}

func TestAutoUnknownPolicy(t *testing.T) {
	if _, err := NewAuto(Policy("bogus"), nil); err == nil {
		t.Error("Expected error for unknown policy")
	}
}

func TestFuncAdapter(t *testing.T) {
	var gotPhase proto.Phase
	provider := Func(func(_ context.Context, _ string, phase proto.Phase, options []Option) (Selection, error) {
		gotPhase = phase
		return options[len(options)-1].Value, nil
	})

	sel, err := provider.Present(context.Background(), "session-1", proto.PhaseCleanup, ApprovalOptions())
	if err != nil {
		t.Fatalf("Present failed: %v", err)
	}
	if sel != SelectionAbandon {
		t.Errorf("Expected %s, got %s", SelectionAbandon, sel)
	}
	if gotPhase != proto.PhaseCleanup {
		t.Errorf("Expected phase %s, got %s", proto.PhaseCleanup, gotPhase)
	}
}
