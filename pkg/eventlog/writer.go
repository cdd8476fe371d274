// Package eventlog provides the append-only journal of engine events.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Kind classifies a journal record.
type Kind string

const (
	// KindSessionStarted records a session entering its first phase.
	KindSessionStarted Kind = "session_started"
	// KindSessionFinished records a session reaching a terminal phase.
	KindSessionFinished Kind = "session_finished"
	// KindPhaseTransition records one phase-to-phase move.
	KindPhaseTransition Kind = "phase_transition"
	// KindGateOutcome records a quality-gate decision.
	KindGateOutcome Kind = "gate_outcome"
	// KindTaskResult records the final classified result of a dispatched task.
	KindTaskResult Kind = "task_result"
	// KindMonitorChange records a background-task detection state change.
	KindMonitorChange Kind = "monitor_change"
	// KindIteration records one rework loop pass on a failed gate.
	KindIteration Kind = "iteration"
)

// Event is one engine journal record. Fields beyond Kind and SessionID are
// populated per kind; Payload carries anything without a dedicated field.
type Event struct {
	Timestamp time.Time      `json:"timestamp"`
	Kind      Kind           `json:"kind"`
	SessionID string         `json:"session_id"`
	Phase     string         `json:"phase,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
	Role      string         `json:"role,omitempty"`
	Group     string         `json:"group,omitempty"`
	Status    string         `json:"status,omitempty"`
	Detail    string         `json:"detail,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// NewEvent creates a timestamped event for the given session.
func NewEvent(kind Kind, sessionID string) *Event {
	return &Event{
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		SessionID: sessionID,
	}
}

// SetPayload stores an ad-hoc key/value on the event.
func (e *Event) SetPayload(key string, value any) {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
}

// GetPayload retrieves an ad-hoc payload value.
func (e *Event) GetPayload(key string) (any, bool) {
	v, ok := e.Payload[key]
	return v, ok
}

// ToJSON serializes the event for the journal.
func (e *Event) ToJSON() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// FromJSON parses a single journal record.
func FromJSON(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event: %w", err)
	}
	return &e, nil
}

// Writer handles structured logging of engine events to daily rotated JSONL files.
type Writer struct {
	logDir       string
	currentFile  *os.File
	currentDate  string
	mu           sync.Mutex
	rotationHour int // Hour of day to rotate (0-23)
}

// NewWriter creates a new event log writer with daily rotation in the specified directory.
func NewWriter(logDir string, rotationHours int) (*Writer, error) {
	// Create logs directory if it doesn't exist.
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	// Default to 24 hours (daily rotation at midnight) if invalid
	if rotationHours <= 0 {
		rotationHours = 24
	}

	writer := &Writer{
		logDir:       logDir,
		rotationHour: rotationHours,
	}

	// Initialize with current log file.
	if err := writer.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize log file: %w", err)
	}

	return writer, nil
}

// Write appends an event to the current log file with automatic rotation.
func (w *Writer) Write(event *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	// Check if we need to rotate.
	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate log file: %w", err)
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	// Convert event to JSON.
	jsonData, err := event.ToJSON()
	if err != nil {
		return fmt.Errorf("failed to serialize event: %w", err)
	}

	// Write JSON line.
	if _, err := w.currentFile.Write(jsonData); err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}

	// Add newline for JSONL format.
	if _, err := w.currentFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	// Ensure data is written to disk.
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync file: %w", err)
	}

	return nil
}

func (w *Writer) rotateIfNeeded() error {
	now := time.Now()
	newDate := now.Format("2006-01-02")

	// Check if we need to rotate (new day or no current file)
	if w.currentFile == nil || w.currentDate != newDate {
		return w.rotate(newDate)
	}

	return nil
}

func (w *Writer) rotate(newDate string) error {
	// Close current file if open.
	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
	}

	// Create new log file.
	filename := fmt.Sprintf("events-%s.jsonl", newDate)
	filepath := filepath.Join(w.logDir, filename)

	file, err := os.OpenFile(filepath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", filepath, err)
	}

	w.currentFile = file
	w.currentDate = newDate

	return nil
}

// Close closes the current log file and cleans up resources.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile != nil {
		err := w.currentFile.Close()
		w.currentFile = nil
		if err != nil {
			return fmt.Errorf("failed to close event log file: %w", err)
		}
	}

	return nil
}

// GetCurrentLogFile returns the path of the currently active log file.
func (w *Writer) GetCurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.currentFile == nil {
		return ""
	}

	return filepath.Join(w.logDir, fmt.Sprintf("events-%s.jsonl", w.currentDate))
}

// ReadEvents reads and parses events from a specific log file.
func ReadEvents(logFilePath string) ([]*Event, error) {
	data, err := os.ReadFile(logFilePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read log file: %w", err)
	}

	if len(data) == 0 {
		return []*Event{}, nil
	}

	// Split by newlines to get individual JSON records.
	lines := []byte{}
	var events []*Event

	for _, b := range data {
		if b == '\n' {
			if len(lines) > 0 {
				event, err := FromJSON(lines)
				if err != nil {
					return nil, fmt.Errorf("failed to parse event: %w", err)
				}
				events = append(events, event)
				lines = []byte{}
			}
		} else {
			lines = append(lines, b)
		}
	}

	// Handle last line if no trailing newline.
	if len(lines) > 0 {
		event, err := FromJSON(lines)
		if err != nil {
			return nil, fmt.Errorf("failed to parse final event: %w", err)
		}
		events = append(events, event)
	}

	return events, nil
}

// ListLogFiles returns all event log files in the log directory.
func ListLogFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "events-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list log files: %w", err)
	}

	return files, nil
}
