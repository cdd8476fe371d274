package gate

import (
	"context"
	"fmt"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// Policy names an Auto provider's standing answer.
type Policy string

const (
	// PolicyApproveAll takes the approving option at every decision point.
	PolicyApproveAll Policy = "approve_all"

	// PolicyRejectAll abandons (or revises) at every decision point.
	PolicyRejectAll Policy = "reject_all"
)

// Auto answers decision points from policy instead of a user, for headless
// runs. A per-phase override beats the standing policy.
type Auto struct {
	policy    Policy
	overrides map[proto.Phase]Selection
	logger    *logx.Logger
}

// NewAuto builds a policy-driven provider. overrides may be nil.
func NewAuto(policy Policy, overrides map[proto.Phase]Selection) (*Auto, error) {
	switch policy {
	case PolicyApproveAll, PolicyRejectAll:
	default:
		return nil, fmt.Errorf("unknown gate policy: %s", policy)
	}
	return &Auto{
		policy:    policy,
		overrides: overrides,
		logger:    logx.NewLogger("gate"),
	}, nil
}

// Present resolves the decision without blocking.
func (a *Auto) Present(_ context.Context, sessionID string, phase proto.Phase, options []Option) (Selection, error) {
	if sel, ok := a.overrides[phase]; ok {
		if _, offered := findOption(options, sel); !offered {
			return "", fmt.Errorf("configured selection %q is not offered at %s", sel, phase)
		}
		a.logger.Info("🤖 Auto gate: %s at %s (per-phase override)", sel, phase)
		return sel, nil
	}

	var prefs []Selection
	switch a.policy {
	case PolicyApproveAll:
		prefs = []Selection{SelectionApprove, SelectionAccept, SelectionContinue}
	case PolicyRejectAll:
		prefs = []Selection{SelectionAbandon, SelectionRevise}
	}
	for _, pref := range prefs {
		if _, offered := findOption(options, pref); offered {
			a.logger.Info("🤖 Auto gate: %s for session %s at %s", pref, sessionID, phase)
			return pref, nil
		}
	}

	def, err := defaultOption(options)
	if err != nil {
		return "", err
	}
	a.logger.Warn("⚠️ Auto gate: no %s option offered at %s, taking default %s", a.policy, phase, def.Value)
	return def.Value, nil
}
