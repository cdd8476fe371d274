package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
	"conductor/pkg/utils"
)

// Invoker executes a single task against the capability behind it and returns
// the classified outcome. Failures are encoded in the TaskResult; the error
// return is reserved for infrastructure problems that produced no result.
type Invoker interface {
	Invoke(ctx context.Context, task *proto.Task) (*proto.TaskResult, error)
}

// clientFactory is the seam the invoker uses to obtain clients, satisfied by
// *ClientFactory in production and by fakes in tests.
type clientFactory interface {
	CreateClientForTask(modelName string, taskProvider metrics.TaskProvider, logger *logx.Logger) (llm.LLMClient, error)
}

// LLMInvoker resolves a task's role to its configured model, assembles the
// prompt, and executes the completion through the middleware chain, walking
// the role's fallback chain when a provider is unavailable.
type LLMInvoker struct {
	factory      clientFactory
	workDir      string
	artifactsDir string
	logger       *logx.Logger
}

// NewLLMInvoker creates an invoker backed by the given client factory.
// workDir is the project root (user instruction files live under its
// .conductor directory); artifactsDir is where task outputs are written.
func NewLLMInvoker(factory *ClientFactory, workDir, artifactsDir string) *LLMInvoker {
	return &LLMInvoker{
		factory:      factory,
		workDir:      workDir,
		artifactsDir: artifactsDir,
		logger:       logx.NewLogger("invoker"),
	}
}

// taskLabels adapts a task to the metrics.TaskProvider interface.
type taskLabels struct {
	task *proto.Task
}

func (t taskLabels) GetSessionID() string { return t.task.SessionID }
func (t taskLabels) GetRole() string      { return string(t.task.Role) }
func (t taskLabels) GetGroup() string     { return string(t.task.Group) }

// Invoke implements the Invoker interface.
func (inv *LLMInvoker) Invoke(ctx context.Context, task *proto.Task) (*proto.TaskResult, error) {
	if task == nil {
		return nil, fmt.Errorf("task is required")
	}
	start := time.Now()

	// Malformed tasks fail fast and are never retried.
	if err := task.Validate(); err != nil {
		return failedResult(start, proto.NewErrorEvent(proto.ErrCodeInputInvalid, proto.SeverityMedium,
			"task rejected before dispatch: %v", err)), nil
	}

	roleCfg, err := config.GetRoleModel(string(task.Role))
	if err != nil {
		return failedResult(start, proto.NewErrorEvent(proto.ErrCodeAgentUnavailable, proto.SeverityCritical,
			"no model configured for role %s: %v", task.Role, err)), nil
	}

	input, err := inv.resolveInput(task.InputRef)
	if err != nil {
		return failedResult(start, proto.NewErrorEvent(proto.ErrCodeInputInvalid, proto.SeverityMedium,
			"unreadable task input %s: %v", task.InputRef, err)), nil
	}

	messages, err := inv.buildMessages(task, input)
	if err != nil {
		return failedResult(start, proto.NewErrorEvent(proto.ErrCodeInputInvalid, proto.SeverityMedium,
			"prompt assembly failed: %v", err)), nil
	}

	req := llm.NewCompletionRequest(messages)
	if task.Group == proto.GroupConsolidation {
		// Consolidation merges several parallel outputs and needs headroom.
		req.MaxTokens = llm.ConsolidationMaxTokens
		req.Temperature = llm.TemperatureDeterministic
	}

	// Walk the primary model plus its configured fallback chain.
	chain := append([]string{roleCfg.Model}, roleCfg.Fallback...)
	outcome := inv.completeWithFallback(ctx, chain, task, req)
	elapsed := time.Since(start)

	switch {
	case outcome.err == nil:
		outputRef, writeErr := inv.writeArtifact(task, outcome.resp.Content)
		if writeErr != nil {
			return nil, fmt.Errorf("failed to persist task output: %w", writeErr)
		}
		return &proto.TaskResult{
			Status:    proto.TaskSucceeded,
			OutputRef: outputRef,
			AgentID:   outcome.model,
			Elapsed:   elapsed,
		}, nil

	case outcome.timedOut:
		return &proto.TaskResult{
			Status:  proto.TaskTimeout,
			Errors:  append(outcome.events, proto.NewErrorEvent(proto.ErrCodeAgentTimeout, proto.SeverityMedium, "task %s exceeded its deadline", task.ID)),
			AgentID: outcome.model,
			Elapsed: elapsed,
		}, nil

	default:
		return &proto.TaskResult{
			Status:  proto.TaskFailed,
			Errors:  outcome.events,
			AgentID: outcome.model,
			Elapsed: elapsed,
		}, nil
	}
}

// resolveInput loads the task input. A ref that resolves to a readable file is
// read from disk; anything else is treated as inline content so callers that
// have not externalized their payload still work.
func (inv *LLMInvoker) resolveInput(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("task input reference is required")
	}

	info, statErr := os.Stat(ref)
	if statErr != nil || info.IsDir() {
		// Not a file on disk: inline content.
		return ref, nil
	}

	data, err := os.ReadFile(ref)
	if err != nil {
		return "", fmt.Errorf("failed to read input artifact: %w", err)
	}
	return string(data), nil
}

// buildMessages assembles the system and user messages for a task.
func (inv *LLMInvoker) buildMessages(task *proto.Task, input string) ([]llm.CompletionMessage, error) {
	system, err := rolePrompt(task.Role)
	if err != nil {
		return nil, err
	}

	// Merge user instruction files when present. Unreadable instructions are
	// logged and skipped; they must not block dispatch.
	if instructions, loadErr := utils.LoadUserInstructions(inv.workDir); loadErr != nil {
		inv.logger.Warn("⚠️ Skipping user instructions: %v", loadErr)
	} else if extra := utils.FormatUserInstructions(instructions, roleKind(task.Role)); extra != "" {
		system += "\n" + extra
	}

	systemMsg := llm.NewSystemMessage(system)
	// Role prompts are stable across a session; let providers cache them.
	systemMsg.CacheControl = &llm.CacheControl{Type: "ephemeral", TTL: "1h"}

	return []llm.CompletionMessage{
		systemMsg,
		llm.NewUserMessage(input),
	}, nil
}

// writeArtifact persists the completion output under the artifacts directory
// and returns its path for use as the task's output ref.
func (inv *LLMInvoker) writeArtifact(task *proto.Task, content string) (string, error) {
	dir := filepath.Join(inv.artifactsDir, utils.SanitizeIdentifier(task.SessionID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create artifact directory: %w", err)
	}

	path := filepath.Join(dir, utils.SanitizeIdentifier(task.ID)+".md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("failed to write artifact: %w", err)
	}
	return path, nil
}

// failedResult builds a failed TaskResult carrying a single error event.
func failedResult(start time.Time, event proto.ErrorEvent) *proto.TaskResult {
	return &proto.TaskResult{
		Status:  proto.TaskFailed,
		Errors:  []proto.ErrorEvent{event},
		Elapsed: time.Since(start),
	}
}
