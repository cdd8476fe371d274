package logx

import (
	"context"
	"strings"
	"testing"
)

// TestDebugToggle verifies debug logging can be enabled/disabled.
func TestDebugToggle(t *testing.T) {
	// Reset to known clean state for this test.
	SetDebugConfig(false, false, ".")
	SetDebugDomains(nil)

	if IsDebugEnabled() {
		t.Error("Debug should be disabled by default")
	}

	SetDebugConfig(true, false, "")

	if !IsDebugEnabled() {
		t.Error("Debug should be enabled after SetDebugConfig")
	}

	SetDebugConfig(false, false, "")

	if IsDebugEnabled() {
		t.Error("Debug should be disabled after SetDebugConfig(false)")
	}
}

// TestDomainFiltering verifies DEBUG_DOMAINS-style filtering.
func TestDomainFiltering(t *testing.T) {
	SetDebugConfig(true, false, "")
	defer SetDebugConfig(false, false, "")

	// No filter configured: all domains enabled.
	SetDebugDomains(nil)
	if !IsDebugEnabledForDomain("workflow") {
		t.Error("With no filter, all domains should be enabled")
	}

	// Filter to monitor and state only.
	SetDebugDomains([]string{"monitor", " state "})
	defer SetDebugDomains(nil)

	if !IsDebugEnabledForDomain("monitor") {
		t.Error("monitor domain should be enabled")
	}
	if !IsDebugEnabledForDomain("state") {
		t.Error("state domain should be enabled (whitespace trimmed)")
	}
	if IsDebugEnabledForDomain("dispatch") {
		t.Error("dispatch domain should be filtered out")
	}
}

// TestDomainFilteringWhenDisabled verifies domains are moot when debug is off.
func TestDomainFilteringWhenDisabled(t *testing.T) {
	SetDebugConfig(false, false, "")
	SetDebugDomains([]string{"workflow"})
	defer SetDebugDomains(nil)

	if IsDebugEnabledForDomain("workflow") {
		t.Error("No domain should be enabled while debug is disabled")
	}
}

// TestContextDebug verifies the context-aware Debug function.
func TestContextDebug(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	SetDebugConfig(true, false, "")
	defer SetDebugConfig(false, false, "")
	SetDebugDomains(nil)

	ctx := context.WithValue(context.Background(), "component", "engine") //nolint:staticcheck // string key matches logx contract
	Debug(ctx, "workflow", "Phase advanced: %s", "PLANNING")

	output := buf.String()
	if !strings.Contains(output, "[engine]") {
		t.Errorf("Expected component from context, got: %s", output)
	}
	if !strings.Contains(output, "[workflow]") {
		t.Errorf("Expected domain tag in message, got: %s", output)
	}
	if !strings.Contains(output, "Phase advanced: PLANNING") {
		t.Errorf("Expected formatted message, got: %s", output)
	}
}

// TestContextDebugFiltered verifies filtered domains produce no output.
func TestContextDebugFiltered(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	SetDebugConfig(true, false, "")
	defer SetDebugConfig(false, false, "")
	SetDebugDomains([]string{"monitor"})
	defer SetDebugDomains(nil)

	Debug(context.Background(), "collector", "should be filtered")

	if buf.Len() != 0 {
		t.Errorf("Filtered domain should produce no output, got: %s", buf.String())
	}
}

// TestDebugStateHelper verifies the transition logging helper format.
func TestDebugStateHelper(t *testing.T) {
	buf := setupTestLogger()
	defer resetTestLogger()

	SetDebugConfig(true, false, "")
	defer SetDebugConfig(false, false, "")

	logger := NewLogger("fsm")
	logger.DebugState("transition", "PLANNING", "iteration=2")

	output := buf.String()
	if !strings.Contains(output, "State transition: PLANNING - iteration=2") {
		t.Errorf("Unexpected DebugState output: %s", output)
	}
}
