package proto

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Role identifies a worker-agent capability. The catalogue is closed: the
// engine only routes work to these tagged variants, never to open-ended
// reflection-based lookups.
type Role string

const (
	RolePlanner        Role = "planner"
	RoleDesignReviewer Role = "design_reviewer"
	RoleImplementer    Role = "implementer"
	RoleValidator      Role = "validator"
	RoleCodeReviewer   Role = "code_reviewer"
	RoleTester         Role = "tester"
	RolePresenter      Role = "presenter"
	RoleFinalizer      Role = "finalizer"
)

// AllRoles returns the closed role catalogue.
func AllRoles() []Role {
	return []Role{
		RolePlanner,
		RoleDesignReviewer,
		RoleImplementer,
		RoleValidator,
		RoleCodeReviewer,
		RoleTester,
		RolePresenter,
		RoleFinalizer,
	}
}

// ValidateRole validates if a string is a valid role.
func ValidateRole(s string) (Role, bool) {
	for _, r := range AllRoles() {
		if Role(s) == r {
			return r, true
		}
	}
	return "", false
}

// ParseRole parses a string into a Role with validation.
func ParseRole(s string) (Role, error) {
	if r, ok := ValidateRole(strings.ToLower(strings.TrimSpace(s))); ok {
		return r, nil
	}
	return "", fmt.Errorf("invalid role: %s", s)
}

// ExecutionGroup partitions dispatched tasks into batches that must never be
// interleaved. The substrate only parallelizes calls that are contiguous and
// homogeneous, so mixing groups silently degrades parallelism.
type ExecutionGroup string

const (
	// GroupPreparation covers administrative/setup work issued strictly
	// before any parallel batch.
	GroupPreparation ExecutionGroup = "preparation"

	// GroupParallel marks independent tasks issued concurrently.
	GroupParallel ExecutionGroup = "parallel"

	// GroupConsolidation merges/ranks parallel outputs once quorum is met.
	GroupConsolidation ExecutionGroup = "consolidation"

	// GroupPresentation is the final, always-sequential, user-facing step.
	GroupPresentation ExecutionGroup = "presentation"
)

// ValidateExecutionGroup validates if a string is a valid execution group.
func ValidateExecutionGroup(s string) (ExecutionGroup, bool) {
	switch ExecutionGroup(s) {
	case GroupPreparation, GroupParallel, GroupConsolidation, GroupPresentation:
		return ExecutionGroup(s), true
	default:
		return "", false
	}
}

// TaskStatus is the result slot state of a dispatched task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
	TaskTimeout   TaskStatus = "timeout"
)

// Task is a single unit of dispatched work. Tasks are created and their
// results written exclusively by the dispatcher.
type Task struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Role      Role           `json:"role"`
	InputRef  string         `json:"input_ref"`
	Group     ExecutionGroup `json:"group"`
	Deadline  time.Duration  `json:"deadline"`
	CreatedAt time.Time      `json:"created_at"`
	Result    *TaskResult    `json:"result,omitempty"`
}

// TaskResult is the outcome of one task invocation.
type TaskResult struct {
	Status    TaskStatus    `json:"status"`
	OutputRef string        `json:"output_ref,omitempty"`
	Errors    []ErrorEvent  `json:"errors,omitempty"`
	AgentID   string        `json:"agent_id,omitempty"`
	Elapsed   time.Duration `json:"elapsed,omitempty"`
}

// NewTask creates a task with a generated ID and pending result slot.
func NewTask(sessionID string, role Role, inputRef string, group ExecutionGroup, deadline time.Duration) *Task {
	return &Task{
		ID:        generateTaskID(),
		SessionID: sessionID,
		Role:      role,
		InputRef:  inputRef,
		Group:     group,
		Deadline:  deadline,
		CreatedAt: time.Now().UTC(),
	}
}

// Validate rejects malformed tasks before dispatch (input_invalid territory).
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task ID is required")
	}
	if t.SessionID == "" {
		return fmt.Errorf("task session ID is required")
	}
	if _, ok := ValidateRole(string(t.Role)); !ok {
		return fmt.Errorf("invalid task role: %s", t.Role)
	}
	if _, ok := ValidateExecutionGroup(string(t.Group)); !ok {
		return fmt.Errorf("invalid execution group: %s", t.Group)
	}
	if t.Deadline <= 0 {
		return fmt.Errorf("task deadline is required")
	}
	return nil
}

// Succeeded reports whether the task finished with a successful result.
func (t *Task) Succeeded() bool {
	return t.Result != nil && t.Result.Status == TaskSucceeded
}

var (
	taskIDCounter int64
	taskIDMutex   sync.Mutex
)

// generateTaskID creates a unique ID for tasks within this process.
func generateTaskID() string {
	taskIDMutex.Lock()
	defer taskIDMutex.Unlock()

	taskIDCounter++
	return fmt.Sprintf("task_%d_%d", time.Now().UnixNano(), taskIDCounter)
}
