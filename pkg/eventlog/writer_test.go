package eventlog

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNewWriter(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	// Check that log directory was created.
	if _, err := os.Stat(tmpDir); os.IsNotExist(err) {
		t.Error("Log directory was not created")
	}

	// Check that current log file exists.
	currentFile := writer.GetCurrentLogFile()
	if currentFile == "" {
		t.Error("No current log file set")
	}

	if _, err := os.Stat(currentFile); os.IsNotExist(err) {
		t.Error("Current log file does not exist")
	}
}

func TestWriteEvent(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	// Create test event.
	event := NewEvent(KindPhaseTransition, "run-001")
	event.Phase = "Planning"
	event.Detail = "Classifying -> Planning"
	event.SetPayload("classification", "api")

	// Write event.
	err = writer.Write(event)
	if err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}

	// Verify file was written.
	currentFile := writer.GetCurrentLogFile()
	data, err := os.ReadFile(currentFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	if len(data) == 0 {
		t.Error("Log file is empty")
	}

	// Verify it's valid JSON with newline.
	if data[len(data)-1] != '\n' {
		t.Error("Log line should end with newline")
	}
}

func TestWriteMultipleEvents(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	// Write multiple events.
	events := []*Event{
		NewEvent(KindSessionStarted, "run-001"),
		NewEvent(KindPhaseTransition, "run-001"),
		NewEvent(KindGateOutcome, "run-001"),
	}

	for i, event := range events {
		event.SetPayload("sequence", i)
		err = writer.Write(event)
		if err != nil {
			t.Fatalf("Failed to write event %d: %v", i, err)
		}
	}

	// Read back and verify.
	currentFile := writer.GetCurrentLogFile()
	readEvents, err := ReadEvents(currentFile)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}

	if len(readEvents) != len(events) {
		t.Errorf("Expected %d events, got %d", len(events), len(readEvents))
	}

	// Verify event content.
	for i, readEvent := range readEvents {
		originalSeq, _ := events[i].GetPayload("sequence")
		readSeq, _ := readEvent.GetPayload("sequence")

		// Convert to float64 for comparison (JSON unmarshaling converts numbers to float64)
		origSeqInt, origOk := originalSeq.(int)
		readSeqFloat, readOk := readSeq.(float64)

		if !origOk || !readOk || float64(origSeqInt) != readSeqFloat {
			t.Errorf("Event %d sequence mismatch: expected %v (%T), got %v (%T)", i, originalSeq, originalSeq, readSeq, readSeq)
		}

		if readEvent.Kind != events[i].Kind {
			t.Errorf("Event %d kind mismatch: expected %s, got %s", i, events[i].Kind, readEvent.Kind)
		}
	}
}

func TestDailyRotation(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	// Write an event to the initial file.
	event1 := NewEvent(KindSessionStarted, "run-001")
	event1.SetPayload("day", "today")

	err = writer.Write(event1)
	if err != nil {
		t.Fatalf("Failed to write first event: %v", err)
	}

	// Get initial file after write.
	initialFile := writer.GetCurrentLogFile()

	// Manually rotate to a different date.
	writer.mu.Lock()
	err = writer.rotate("2025-12-25") // Christmas day
	writer.mu.Unlock()

	if err != nil {
		t.Fatalf("Failed to manually rotate: %v", err)
	}

	// Write another event directly to test rotation behavior.
	event2 := NewEvent(KindSessionFinished, "run-001")
	event2.SetPayload("day", "christmas")

	// Write directly without going through Write to avoid auto-rotation.
	writer.mu.Lock()
	jsonData, err := event2.ToJSON()
	if err != nil {
		writer.mu.Unlock()
		t.Fatalf("Failed to serialize event: %v", err)
	}

	_, err = writer.currentFile.Write(jsonData)
	if err != nil {
		writer.mu.Unlock()
		t.Fatalf("Failed to write event: %v", err)
	}

	_, err = writer.currentFile.WriteString("\n")
	if err != nil {
		writer.mu.Unlock()
		t.Fatalf("Failed to write newline: %v", err)
	}

	err = writer.currentFile.Sync()
	writer.mu.Unlock()
	if err != nil {
		t.Fatalf("Failed to sync file: %v", err)
	}

	// Check that file rotated.
	newFile := writer.GetCurrentLogFile()
	if initialFile == newFile {
		t.Errorf("Expected file to rotate from %s, but still using same file", initialFile)
	}

	// Verify original file still exists and has first event.
	originalEvents, err := ReadEvents(initialFile)
	if err != nil {
		t.Fatalf("Failed to read original file: %v", err)
	}

	if len(originalEvents) != 1 {
		t.Errorf("Expected 1 event in original file, got %d", len(originalEvents))
	}

	originalDay, _ := originalEvents[0].GetPayload("day")
	if originalDay != "today" {
		t.Errorf("Expected 'today' in original file, got %v", originalDay)
	}

	// Verify new file has second event.
	newEvents, err := ReadEvents(newFile)
	if err != nil {
		t.Fatalf("Failed to read new file: %v", err)
	}

	if len(newEvents) != 1 {
		t.Errorf("Expected 1 event in new file, got %d", len(newEvents))
	}

	newDay, _ := newEvents[0].GetPayload("day")
	if newDay != "christmas" {
		t.Errorf("Expected 'christmas' in new file, got %v", newDay)
	}
}

func TestReadEvents(t *testing.T) {
	tmpDir := t.TempDir()

	// Create a test log file manually.
	logFile := filepath.Join(tmpDir, "test-events.jsonl")

	// Create test events.
	event1 := NewEvent(KindTaskResult, "run-001")
	event1.TaskID = "task-1"
	event1.Status = "succeeded"

	event2 := NewEvent(KindGateOutcome, "run-001")
	event2.Phase = "Reviewing"
	event2.Status = "pass"

	// Write manually to file.
	file, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("Failed to create test file: %v", err)
	}

	json1, _ := event1.ToJSON()
	json2, _ := event2.ToJSON()

	file.Write(json1)
	file.WriteString("\n")
	file.Write(json2)
	file.WriteString("\n")
	file.Close()

	// Read back.
	events, err := ReadEvents(logFile)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}

	if len(events) != 2 {
		t.Errorf("Expected 2 events, got %d", len(events))
	}

	// Verify first event.
	if events[0].TaskID != "task-1" || events[0].Status != "succeeded" {
		t.Errorf("Expected task-1/succeeded, got %s/%s", events[0].TaskID, events[0].Status)
	}

	// Verify second event.
	if events[1].Phase != "Reviewing" || events[1].Status != "pass" {
		t.Errorf("Expected Reviewing/pass, got %s/%s", events[1].Phase, events[1].Status)
	}
}

func TestReadEmptyFile(t *testing.T) {
	tmpDir := t.TempDir()
	logFile := filepath.Join(tmpDir, "empty.jsonl")

	// Create empty file.
	file, err := os.Create(logFile)
	if err != nil {
		t.Fatalf("Failed to create empty file: %v", err)
	}
	file.Close()

	events, err := ReadEvents(logFile)
	if err != nil {
		t.Fatalf("Failed to read empty file: %v", err)
	}

	if len(events) != 0 {
		t.Errorf("Expected 0 events from empty file, got %d", len(events))
	}
}

func TestListLogFiles(t *testing.T) {
	tmpDir := t.TempDir()

	// Create some test log files.
	testFiles := []string{
		"events-2025-01-01.jsonl",
		"events-2025-01-02.jsonl",
		"events-2025-01-03.jsonl",
		"other-file.txt", // Should be ignored
	}

	for _, filename := range testFiles {
		filePath := filepath.Join(tmpDir, filename)
		file, err := os.Create(filePath)
		if err != nil {
			t.Fatalf("Failed to create test file %s: %v", filename, err)
		}
		file.Close()
	}

	// List log files.
	logFiles, err := ListLogFiles(tmpDir)
	if err != nil {
		t.Fatalf("Failed to list log files: %v", err)
	}

	// Should find 3 event log files (not the .txt file)
	if len(logFiles) != 3 {
		t.Errorf("Expected 3 log files, got %d", len(logFiles))
	}

	// Verify all files match the pattern.
	for _, file := range logFiles {
		filename := filepath.Base(file)
		matched, err := filepath.Match("events-*.jsonl", filename)
		if err != nil {
			t.Fatalf("Failed to match pattern: %v", err)
		}
		if !matched {
			t.Errorf("File %s doesn't match expected pattern", filename)
		}
	}
}

func TestWriterClose(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}

	// Write an event.
	event := NewEvent(KindSessionStarted, "run-001")
	err = writer.Write(event)
	if err != nil {
		t.Fatalf("Failed to write event: %v", err)
	}

	// Close writer.
	err = writer.Close()
	if err != nil {
		t.Fatalf("Failed to close writer: %v", err)
	}

	// Verify writer is closed.
	if writer.currentFile != nil {
		t.Error("Expected current file to be nil after close")
	}

	// Try to write after close (should work because it creates a new file)
	err = writer.Write(event)
	if err != nil {
		t.Fatalf("Writing after close should work by creating new file, but got error: %v", err)
	}
}

func TestConcurrentWrites(t *testing.T) {
	tmpDir := t.TempDir()

	writer, err := NewWriter(tmpDir, 24)
	if err != nil {
		t.Fatalf("Failed to create writer: %v", err)
	}
	defer writer.Close()

	// Write events concurrently.
	done := make(chan bool, 10)

	for i := 0; i < 10; i++ {
		go func(id int) {
			event := NewEvent(KindTaskResult, "run-001")
			event.SetPayload("id", id)

			writeErr := writer.Write(event)
			if writeErr != nil {
				t.Errorf("Failed to write event %d: %v", id, writeErr)
			}

			done <- true
		}(i)
	}

	// Wait for all writes to complete.
	for i := 0; i < 10; i++ {
		<-done
	}

	// Verify all events were written.
	currentFile := writer.GetCurrentLogFile()
	events, err := ReadEvents(currentFile)
	if err != nil {
		t.Fatalf("Failed to read events: %v", err)
	}

	if len(events) != 10 {
		t.Errorf("Expected 10 events, got %d", len(events))
	}
}
