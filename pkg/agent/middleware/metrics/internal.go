// Package metrics provides internal metrics tracking for LLM operations.
package metrics

import (
	"sync"
	"time"
)

// InternalRecorder implements the Recorder interface using in-memory aggregation.
// This is much simpler than Prometheus and doesn't require external services.
type InternalRecorder struct {
	sessions map[string]*SessionMetrics // sessionID -> aggregated metrics
	mu       sync.RWMutex
}

// SessionMetrics represents aggregated LLM usage for a session.
//
//nolint:govet
type SessionMetrics struct {
	PromptTokens     int64     `json:"prompt_tokens"`
	CompletionTokens int64     `json:"completion_tokens"`
	TotalTokens      int64     `json:"total_tokens"`
	RequestCount     int64     `json:"request_count"`
	FailureCount     int64     `json:"failure_count"`
	SessionID        string    `json:"session_id"`
	LastUpdated      time.Time `json:"last_updated"`
}

var (
	// Singleton instance and initialization synchronization.
	internalInstance *InternalRecorder //nolint:gochecknoglobals
	internalOnce     sync.Once         //nolint:gochecknoglobals
)

// NewInternalRecorder returns a singleton internal metrics recorder.
func NewInternalRecorder() *InternalRecorder {
	internalOnce.Do(func() {
		internalInstance = &InternalRecorder{
			sessions: make(map[string]*SessionMetrics),
		}
	})
	return internalInstance
}

// ObserveRequest records metrics for a completed LLM request.
func (r *InternalRecorder) ObserveRequest(
	_, sessionID, _, _ string,
	promptTokens, completionTokens int,
	success bool,
	_ string,
	_ time.Duration,
) {
	if sessionID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Get or create session metrics
	session, exists := r.sessions[sessionID]
	if !exists {
		session = &SessionMetrics{
			SessionID: sessionID,
		}
		r.sessions[sessionID] = session
	}

	// Update aggregated metrics
	session.RequestCount++
	if success {
		session.PromptTokens += int64(promptTokens)
		session.CompletionTokens += int64(completionTokens)
		session.TotalTokens = session.PromptTokens + session.CompletionTokens
	} else {
		session.FailureCount++
	}
	session.LastUpdated = time.Now()
}

// GetSessionMetrics returns the aggregated metrics for a specific session.
func (r *InternalRecorder) GetSessionMetrics(sessionID string) *SessionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if session, exists := r.sessions[sessionID]; exists {
		// Return a copy to prevent external modification
		cp := *session
		return &cp
	}
	return nil
}

// GetAllSessionMetrics returns metrics for all sessions.
func (r *InternalRecorder) GetAllSessionMetrics() map[string]*SessionMetrics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*SessionMetrics, len(r.sessions))
	for sessionID, session := range r.sessions {
		cp := *session
		result[sessionID] = &cp
	}
	return result
}

// ClearSessionMetrics removes metrics for a specific session.
func (r *InternalRecorder) ClearSessionMetrics(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, sessionID)
}

// Reset clears all metrics (useful for testing).
func (r *InternalRecorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = make(map[string]*SessionMetrics)
}
