package persistence

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a requested session does not exist.
var ErrSessionNotFound = errors.New("session not found")

// CreateSession creates a new archived session row.
func CreateSession(db *sql.DB, sessionID, classification, configJSON string) error {
	_, err := db.Exec(`
		INSERT INTO sessions (id, classification, status, config_snapshot)
		VALUES (?, ?, ?, ?)
	`, sessionID, classification, StatusActive, configJSON)
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	return nil
}

// UpdateSessionStatus updates the status (and, for terminal statuses, the
// completed_at timestamp and final result) of an archived session.
func UpdateSessionStatus(db *sql.DB, sessionID, status, result string) error {
	if !IsValidStatus(status) {
		return fmt.Errorf("invalid session status: %s", status)
	}

	var res sql.Result
	var err error
	if status == StatusActive {
		res, err = db.Exec(`
			UPDATE sessions SET status = ? WHERE id = ?
		`, status, sessionID)
	} else {
		res, err = db.Exec(`
			UPDATE sessions
			SET status = ?, result = ?, completed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
			WHERE id = ?
		`, status, result, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// scanSession scans a session row into a Session struct.
func scanSession(row *sql.Row) (*Session, error) {
	var session Session
	var createdAt string
	var completedAt, result, snapshot sql.NullString
	err := row.Scan(&session.ID, &session.Classification, &session.Status, &result, &snapshot, &createdAt, &completedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan session: %w", err)
	}

	if t, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
		session.CreatedAt = t
	}
	if completedAt.Valid {
		if t, parseErr := time.Parse(time.RFC3339Nano, completedAt.String); parseErr == nil {
			session.CompletedAt = &t
		}
	}
	session.Result = result.String
	session.ConfigSnapshot = snapshot.String

	return &session, nil
}

// GetSession returns an archived session by ID.
// Returns ErrSessionNotFound if the session does not exist.
func GetSession(db *sql.DB, sessionID string) (*Session, error) {
	row := db.QueryRow(`
		SELECT id, classification, status, result, config_snapshot, created_at, completed_at
		FROM sessions
		WHERE id = ?
	`, sessionID)

	session, err := scanSession(row)
	if err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return session, nil
}

// ListSessions returns archived sessions matching the filter, most recent
// first. A nil filter matches everything.
func ListSessions(db *sql.DB, filter *SessionFilter) ([]*Session, error) {
	query := `
		SELECT id, classification, status, result, config_snapshot, created_at, completed_at
		FROM sessions
	`
	var conditions []string
	var args []any
	if filter != nil {
		if filter.Status != nil {
			conditions = append(conditions, "status = ?")
			args = append(args, *filter.Status)
		}
		if filter.Classification != nil {
			conditions = append(conditions, "classification = ?")
			args = append(args, *filter.Classification)
		}
	}
	for i, cond := range conditions {
		if i == 0 {
			query += " WHERE " + cond
		} else {
			query += " AND " + cond
		}
	}
	query += " ORDER BY created_at DESC"

	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var sessions []*Session
	for rows.Next() {
		var session Session
		var createdAt string
		var completedAt, result, snapshot sql.NullString
		if err := rows.Scan(&session.ID, &session.Classification, &session.Status, &result, &snapshot, &createdAt, &completedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		if t, parseErr := time.Parse(time.RFC3339Nano, createdAt); parseErr == nil {
			session.CreatedAt = t
		}
		if completedAt.Valid {
			if t, parseErr := time.Parse(time.RFC3339Nano, completedAt.String); parseErr == nil {
				session.CompletedAt = &t
			}
		}
		session.Result = result.String
		session.ConfigSnapshot = snapshot.String
		sessions = append(sessions, &session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate sessions: %w", err)
	}

	return sessions, nil
}

// MarkStaleSessions marks any 'active' sessions as 'crashed'.
// This should be called at startup to detect sessions that didn't shut down
// gracefully; the file store's snapshot for a crashed session stays intact
// and resumable.
func MarkStaleSessions(db *sql.DB) (int64, error) {
	result, err := db.Exec(`
		UPDATE sessions
		SET status = ?, completed_at = strftime('%Y-%m-%dT%H:%M:%fZ','now')
		WHERE status = ?
	`, StatusCrashed, StatusActive)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale sessions: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rowsAffected, nil
}

// ConfigSnapshotToJSON serializes a config value for the session row.
func ConfigSnapshotToJSON(config interface{}) (string, error) {
	data, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("failed to marshal config snapshot: %w", err)
	}
	return string(data), nil
}

// ConfigSnapshotFromJSON deserializes a session row's config snapshot.
func ConfigSnapshotFromJSON(jsonStr string, target interface{}) error {
	if err := json.Unmarshal([]byte(jsonStr), target); err != nil {
		return fmt.Errorf("failed to unmarshal config snapshot: %w", err)
	}
	return nil
}
