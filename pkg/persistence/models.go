package persistence

import (
	"time"
)

// Session is one archived workflow session row. The file-backed snapshot in
// pkg/state stays authoritative for resume; the archive serves history
// queries, filtered listing, and crash detection across runs.
//
//nolint:govet // struct alignment optimization not critical for this type
type Session struct {
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
	ID             string     `json:"id"`
	Classification string     `json:"classification"`
	Status         string     `json:"status"`
	Result         string     `json:"result,omitempty"`
	ConfigSnapshot string     `json:"config_snapshot,omitempty"` // JSON blob of the config the session ran under
}

// Archived session status constants. These mirror the session statuses of the
// engine plus the archive-only "crashed" status stamped on stale rows at
// startup.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusAbandoned = "abandoned"
	StatusCrashed   = "crashed"
)

// ValidStatuses returns all valid archived session statuses.
func ValidStatuses() []string {
	return []string{
		StatusActive,
		StatusCompleted,
		StatusFailed,
		StatusAbandoned,
		StatusCrashed,
	}
}

// IsValidStatus checks if a status string is valid.
func IsValidStatus(status string) bool {
	for _, validStatus := range ValidStatuses() {
		if status == validStatus {
			return true
		}
	}
	return false
}

// TaskRecord is one dispatched task's final classified result.
//
//nolint:govet // struct alignment optimization not critical for this type
type TaskRecord struct {
	CreatedAt   time.Time `json:"created_at"`
	TaskID      string    `json:"task_id"`
	SessionID   string    `json:"session_id"`
	Phase       string    `json:"phase,omitempty"`
	Role        string    `json:"role"`
	Group       string    `json:"group"`
	Status      string    `json:"status"`
	OutputRef   string    `json:"output_ref,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	ElapsedMS   int64     `json:"elapsed_ms"`
}

// GateDecision is one quality-gate outcome recorded within a session.
//
//nolint:govet // struct alignment optimization not critical for this type
type GateDecision struct {
	DecidedAt  time.Time `json:"decided_at"`
	SessionID  string    `json:"session_id"`
	Phase      string    `json:"phase"`
	Kind       string    `json:"kind"`
	Outcome    string    `json:"outcome"`
	Confidence string    `json:"confidence,omitempty"`
	Advisory   string    `json:"advisory,omitempty"`
	Iteration  int       `json:"iteration"`
}

// SessionFilter represents criteria for querying archived sessions.
type SessionFilter struct {
	Status         *string `json:"status,omitempty"`
	Classification *string `json:"classification,omitempty"`
}

// SessionSummary aggregates a session's archived activity.
type SessionSummary struct {
	SessionID     string `json:"session_id"`
	TotalTasks    int    `json:"total_tasks"`
	FailedTasks   int    `json:"failed_tasks"`
	GateDecisions int    `json:"gate_decisions"`
	FailedGates   int    `json:"failed_gates"`
}

// Operation represents the type of archive operation requested from the
// persistence worker.
type Operation string

// Archive operation constants.
const (
	OpArchiveSession      Operation = "archive_session"
	OpUpdateSessionStatus Operation = "update_session_status"
	OpRecordTask          Operation = "record_task"
	OpRecordGateDecision  Operation = "record_gate_decision"
	OpGetSessionSummary   Operation = "get_session_summary"
)

// Request is one unit of work for the persistence worker. Response is nil for
// fire-and-forget writes; reads receive their result (or an error) on it.
type Request struct {
	Operation Operation `json:"operation"`
	Data      any       `json:"data,omitempty"`
	Response  chan any  `json:"-"`
}

// UpdateSessionStatusRequest carries a status change for an archived session.
type UpdateSessionStatusRequest struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Result    string `json:"result,omitempty"`
}
