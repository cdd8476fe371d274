package persistence

import (
	"database/sql"
	"fmt"
	"time"
)

// DatabaseOperations provides methods for archive operations.
// This is used by the kernel's persistence worker goroutine.
type DatabaseOperations struct {
	db *sql.DB
}

// NewDatabaseOperations creates a new DatabaseOperations instance.
func NewDatabaseOperations(db *sql.DB) *DatabaseOperations {
	return &DatabaseOperations{db: db}
}

// ArchiveSession inserts or updates an archived session row.
func (ops *DatabaseOperations) ArchiveSession(session *Session) error {
	query := `
		INSERT INTO sessions (id, classification, status, result, config_snapshot, created_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			classification  = excluded.classification,
			status          = excluded.status,
			result          = excluded.result,
			config_snapshot = excluded.config_snapshot,
			completed_at    = excluded.completed_at
	`

	createdAt := session.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	var completedAt any
	if session.CompletedAt != nil {
		completedAt = session.CompletedAt.UTC().Format(time.RFC3339Nano)
	}

	_, err := ops.db.Exec(query,
		session.ID, session.Classification, session.Status,
		nullableString(session.Result), nullableString(session.ConfigSnapshot),
		createdAt.UTC().Format(time.RFC3339Nano), completedAt)
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", session.ID, err)
	}
	return nil
}

// UpdateSessionStatus updates an archived session's status and, for terminal
// statuses, its completion timestamp and result.
func (ops *DatabaseOperations) UpdateSessionStatus(sessionID, status, result string) error {
	return UpdateSessionStatus(ops.db, sessionID, status, result)
}

// InsertTaskRecord records a dispatched task's final result.
func (ops *DatabaseOperations) InsertTaskRecord(record *TaskRecord) error {
	query := `
		INSERT INTO task_history (
			task_id, session_id, phase, role, exec_group, status,
			output_ref, error_detail, elapsed_ms, created_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(task_id) DO UPDATE SET
			status       = excluded.status,
			output_ref   = excluded.output_ref,
			error_detail = excluded.error_detail,
			elapsed_ms   = excluded.elapsed_ms
	`

	createdAt := record.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(query,
		record.TaskID, record.SessionID, nullableString(record.Phase),
		record.Role, record.Group, record.Status,
		nullableString(record.OutputRef), nullableString(record.ErrorDetail),
		record.ElapsedMS, createdAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert task record %s: %w", record.TaskID, err)
	}
	return nil
}

// GetTaskHistory returns all task records for a session, oldest first.
func (ops *DatabaseOperations) GetTaskHistory(sessionID string) ([]*TaskRecord, error) {
	query := `
		SELECT task_id, session_id, phase, role, exec_group, status,
		       output_ref, error_detail, elapsed_ms, created_at
		FROM task_history
		WHERE session_id = ?
		ORDER BY created_at ASC, task_id ASC
	`

	rows, err := ops.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var records []*TaskRecord
	for rows.Next() {
		var record TaskRecord
		var phase, outputRef, errorDetail sql.NullString
		var createdAt string
		if err := rows.Scan(&record.TaskID, &record.SessionID, &phase,
			&record.Role, &record.Group, &record.Status,
			&outputRef, &errorDetail, &record.ElapsedMS, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan task record: %w", err)
		}
		record.Phase = phase.String
		record.OutputRef = outputRef.String
		record.ErrorDetail = errorDetail.String
		if t, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
			record.CreatedAt = t
		}
		records = append(records, &record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate task records: %w", err)
	}

	return records, nil
}

// InsertGateDecision records a quality-gate outcome.
func (ops *DatabaseOperations) InsertGateDecision(decision *GateDecision) error {
	query := `
		INSERT INTO gate_decisions (session_id, phase, kind, outcome, confidence, advisory, iteration, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	decidedAt := decision.DecidedAt
	if decidedAt.IsZero() {
		decidedAt = time.Now().UTC()
	}

	_, err := ops.db.Exec(query,
		decision.SessionID, decision.Phase, decision.Kind, decision.Outcome,
		nullableString(decision.Confidence), nullableString(decision.Advisory),
		decision.Iteration, decidedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert gate decision for %s/%s: %w", decision.SessionID, decision.Phase, err)
	}
	return nil
}

// GetGateDecisions returns all gate decisions for a session, oldest first.
func (ops *DatabaseOperations) GetGateDecisions(sessionID string) ([]*GateDecision, error) {
	query := `
		SELECT session_id, phase, kind, outcome, confidence, advisory, iteration, decided_at
		FROM gate_decisions
		WHERE session_id = ?
		ORDER BY decided_at ASC, id ASC
	`

	rows, err := ops.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query gate decisions for %s: %w", sessionID, err)
	}
	defer func() { _ = rows.Close() }()

	var decisions []*GateDecision
	for rows.Next() {
		var decision GateDecision
		var confidence, advisory sql.NullString
		var decidedAt string
		if err := rows.Scan(&decision.SessionID, &decision.Phase, &decision.Kind,
			&decision.Outcome, &confidence, &advisory, &decision.Iteration, &decidedAt); err != nil {
			return nil, fmt.Errorf("failed to scan gate decision: %w", err)
		}
		decision.Confidence = confidence.String
		decision.Advisory = advisory.String
		if t, parseErr := time.Parse(time.RFC3339Nano, decidedAt); parseErr == nil {
			decision.DecidedAt = t
		}
		decisions = append(decisions, &decision)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate gate decisions: %w", err)
	}

	return decisions, nil
}

// GetSessionSummary aggregates a session's archived task and gate activity.
func (ops *DatabaseOperations) GetSessionSummary(sessionID string) (*SessionSummary, error) {
	if _, err := GetSession(ops.db, sessionID); err != nil {
		return nil, err
	}

	summary := &SessionSummary{SessionID: sessionID}

	err := ops.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN status NOT IN ('success', 'degraded') THEN 1 ELSE 0 END), 0)
		FROM task_history
		WHERE session_id = ?
	`, sessionID).Scan(&summary.TotalTasks, &summary.FailedTasks)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize tasks for %s: %w", sessionID, err)
	}

	err = ops.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(CASE WHEN outcome = 'fail' THEN 1 ELSE 0 END), 0)
		FROM gate_decisions
		WHERE session_id = ?
	`, sessionID).Scan(&summary.GateDecisions, &summary.FailedGates)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize gates for %s: %w", sessionID, err)
	}

	return summary, nil
}

// nullableString maps "" to SQL NULL so empty optional columns stay NULL.
func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
