package eventlog

import (
	"fmt"
	"os"
	"testing"
)

func ExampleWriter_usage() {
	// Create a temporary directory for this example
	tmpDir, err := os.MkdirTemp("", "eventlog_example")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		return
	}
	defer os.RemoveAll(tmpDir)

	fmt.Println("=== Event Log Demo ===")

	// Create event log writer
	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		fmt.Printf("Failed to create writer: %v\n", err)
		return
	}
	defer writer.Close()

	// Simulate one engine run with logged events

	// 1. Session enters its first phase
	startEvent := NewEvent(KindSessionStarted, "run-001")
	startEvent.Phase = "Classifying"
	startEvent.SetPayload("mode", "full")

	writer.Write(startEvent)
	fmt.Printf("📝 Logged session_started: run-001 (Classifying)\n")

	// 2. Classification resolves and the session advances
	phaseEvent := NewEvent(KindPhaseTransition, "run-001")
	phaseEvent.Phase = "Planning"
	phaseEvent.Detail = "Classifying -> Planning"
	phaseEvent.SetPayload("classification", "api")

	writer.Write(phaseEvent)
	fmt.Printf("📝 Logged phase_transition: Classifying -> Planning\n")

	// 3. A dispatched task finishes
	taskEvent := NewEvent(KindTaskResult, "run-001")
	taskEvent.TaskID = "task-1"
	taskEvent.Role = "planner"
	taskEvent.Group = "preparation"
	taskEvent.Status = "succeeded"

	writer.Write(taskEvent)
	fmt.Printf("📝 Logged task_result: task-1 succeeded\n")

	// 4. A gate decision lands
	gateEvent := NewEvent(KindGateOutcome, "run-001")
	gateEvent.Phase = "DesignReview"
	gateEvent.Status = "fail"
	gateEvent.Detail = "2 critical findings"

	writer.Write(gateEvent)
	fmt.Printf("📝 Logged gate_outcome: DesignReview fail\n")

	// 5. The failed gate triggers a rework pass
	iterEvent := NewEvent(KindIteration, "run-001")
	iterEvent.Phase = "DesignReview"
	iterEvent.SetPayload("iteration", 1)
	iterEvent.SetPayload("max_iterations", 3)

	writer.Write(iterEvent)
	fmt.Printf("📝 Logged iteration: DesignReview pass 1\n")

	// Read back all events
	currentLogFile := writer.GetCurrentLogFile()
	events, err := ReadEvents(currentLogFile)
	if err != nil {
		fmt.Printf("Failed to read events: %v\n", err)
		return
	}

	fmt.Printf("\n📋 Event Log Summary: %d events recorded\n", len(events))

	// Show event details
	for i, event := range events {
		fmt.Printf("  %d. [%s] %s %s: %s\n",
			i+1,
			event.Timestamp.Format("15:04:05"),
			event.SessionID,
			event.Kind,
			event.Phase)
	}

	fmt.Printf("\n💾 Log file: %s\n", currentLogFile)
	fmt.Println("=== End Demo ===")
}

func TestEventLogUsage(t *testing.T) {
	ExampleWriter_usage()
}
