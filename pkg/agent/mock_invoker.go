package agent

import (
	"context"
	"fmt"
	"sync"
	"time"

	"conductor/pkg/proto"
)

// MockInvoker is a scriptable Invoker for exercising dispatch and workflow
// logic without real model traffic. Results are queued per role and consumed
// in FIFO order; roles with no queued result fall back to a generic success.
// Safe for concurrent use.
type MockInvoker struct {
	mu      sync.Mutex
	queued  map[proto.Role][]*proto.TaskResult
	err     error
	delay   time.Duration
	invoked []proto.Task
}

// NewMockInvoker creates a mock invoker that succeeds every task.
func NewMockInvoker() *MockInvoker {
	return &MockInvoker{
		queued: make(map[proto.Role][]*proto.TaskResult),
	}
}

// QueueResult schedules a result for the next invocation of the given role.
func (m *MockInvoker) QueueResult(role proto.Role, result *proto.TaskResult) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queued[role] = append(m.queued[role], result)
}

// SetError makes every subsequent Invoke return the given infrastructure error.
func (m *MockInvoker) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// SetDelay makes each invocation block for d or until its context ends,
// whichever comes first. A context that ends during the delay yields a
// timeout result, mirroring how a real invocation surfaces its deadline.
func (m *MockInvoker) SetDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.delay = d
}

// Invoke implements the Invoker interface.
func (m *MockInvoker) Invoke(ctx context.Context, task *proto.Task) (*proto.TaskResult, error) {
	m.mu.Lock()
	m.invoked = append(m.invoked, *task)
	err := m.err
	delay := m.delay
	var result *proto.TaskResult
	if q := m.queued[task.Role]; len(q) > 0 {
		result = q[0]
		m.queued[task.Role] = q[1:]
	}
	m.mu.Unlock()

	if err != nil {
		return nil, err
	}

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return &proto.TaskResult{
				Status: proto.TaskTimeout,
				Errors: []proto.ErrorEvent{proto.NewErrorEvent(proto.ErrCodeAgentTimeout, proto.SeverityMedium,
					"mock task %s interrupted", task.ID)},
				AgentID: "mock-model",
			}, nil
		}
	}

	if result != nil {
		return result, nil
	}
	return &proto.TaskResult{
		Status:    proto.TaskSucceeded,
		OutputRef: fmt.Sprintf("mock://%s", task.ID),
		AgentID:   "mock-model",
	}, nil
}

// Invocations returns a copy of every task seen so far, in arrival order.
func (m *MockInvoker) Invocations() []proto.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]proto.Task, len(m.invoked))
	copy(out, m.invoked)
	return out
}

// RoleInvocations returns how many times the given role has been invoked.
func (m *MockInvoker) RoleInvocations(role proto.Role) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for i := range m.invoked {
		if m.invoked[i].Role == role {
			count++
		}
	}
	return count
}
