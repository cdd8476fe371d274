// Package state provides the durable file-backed session store.
//
// Each session is persisted as one whole JSON snapshot. Updates follow a
// read-modify-write cycle on the full snapshot; there are no partial writes.
// Saves go through a temp file plus rename so a crash mid-write never leaves
// a half-written snapshot behind.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

var (
	// ErrSessionNotFound is returned when no snapshot exists for a session ID.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSnapshotCorrupt is returned when a snapshot exists but cannot be
	// decoded or fails validation. Corrupt snapshots are never repaired in
	// place; callers mark the session failed through their own records.
	ErrSnapshotCorrupt = errors.New("session snapshot corrupt")
)

// Filter selects sessions in List. Zero values match everything.
type Filter struct {
	Status         proto.SessionStatus
	Classification proto.Classification
}

// matches reports whether the session passes the filter.
func (f Filter) matches(session *proto.Session) bool {
	if f.Status != "" && session.Status != f.Status {
		return false
	}
	if f.Classification != "" && session.Classification != f.Classification {
		return false
	}
	return true
}

// Store manages persistent session snapshots in a directory.
type Store struct {
	baseDir string
	logger  *logx.Logger
}

// NewStore creates a session store rooted at baseDir, creating it if needed.
func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", baseDir, err)
	}

	return &Store{
		baseDir: baseDir,
		logger:  logx.NewLogger("state"),
	}, nil
}

// Save persists the session snapshot atomically (temp file + rename).
// UpdatedAt is stamped on every save.
func (s *Store) Save(session *proto.Session) error {
	if session == nil {
		return fmt.Errorf("session cannot be nil")
	}
	if err := session.Validate(); err != nil {
		return fmt.Errorf("refusing to save invalid session %s: %w", session.ID, err)
	}

	session.UpdatedAt = time.Now().UTC()

	jsonData, err := json.MarshalIndent(session, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", session.ID, err)
	}

	// Write to a temp file in the same directory so the rename is atomic.
	tmp, err := os.CreateTemp(s.baseDir, "SESSION_*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot for session %s: %w", session.ID, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(jsonData); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write snapshot for session %s: %w", session.ID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close snapshot for session %s: %w", session.ID, err)
	}

	filename := s.snapshotFilename(session.ID)
	if err := os.Rename(tmpName, filename); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to publish snapshot for session %s: %w", session.ID, err)
	}

	return nil
}

// Load retrieves the session snapshot for the given ID.
// Returns ErrSessionNotFound if no snapshot exists and ErrSnapshotCorrupt if
// the snapshot cannot be decoded or fails validation.
func (s *Store) Load(sessionID string) (*proto.Session, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("sessionID cannot be empty")
	}

	filename := s.snapshotFilename(sessionID)

	fileData, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
		}
		return nil, fmt.Errorf("failed to read snapshot for session %s: %w", sessionID, err)
	}

	var session proto.Session
	if err := json.Unmarshal(fileData, &session); err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrSnapshotCorrupt, sessionID, err)
	}
	if err := session.Validate(); err != nil {
		return nil, fmt.Errorf("%w: session %s: %v", ErrSnapshotCorrupt, sessionID, err)
	}

	return &session, nil
}

// List returns all sessions matching the filter. Corrupt snapshots are
// skipped with a warning; callers that need the corruption error should
// Load the session directly.
func (s *Store) List(filter Filter) ([]*proto.Session, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read state directory: %w", err)
	}

	var sessions []*proto.Session
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		sessionID, ok := sessionIDFromFilename(entry.Name())
		if !ok {
			continue
		}

		session, err := s.Load(sessionID)
		if err != nil {
			if errors.Is(err, ErrSnapshotCorrupt) {
				s.logger.Warn("Skipping corrupt snapshot for session %s: %v", sessionID, err)
				continue
			}
			return nil, err
		}

		if filter.matches(session) {
			sessions = append(sessions, session)
		}
	}

	return sessions, nil
}

// Delete removes the snapshot for the given session. Missing snapshots are
// not an error.
func (s *Store) Delete(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("sessionID cannot be empty")
	}

	filename := s.snapshotFilename(sessionID)

	if _, err := os.Stat(filename); os.IsNotExist(err) {
		return nil
	}

	if err := os.Remove(filename); err != nil {
		return fmt.Errorf("failed to delete snapshot for session %s: %w", sessionID, err)
	}

	return nil
}

// snapshotFilename returns the snapshot path for the given session ID.
func (s *Store) snapshotFilename(sessionID string) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("SESSION_%s.json", utils.SanitizeIdentifier(sessionID)))
}

// sessionIDFromFilename extracts the session ID from a snapshot filename.
func sessionIDFromFilename(name string) (string, bool) {
	if !strings.HasPrefix(name, "SESSION_") || !strings.HasSuffix(name, ".json") {
		return "", false
	}
	id := name[len("SESSION_") : len(name)-len(".json")]
	if id == "" {
		return "", false
	}
	return id, true
}
