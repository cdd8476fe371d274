package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/agent/middleware/resilience/circuit"
	"conductor/pkg/config"
	"conductor/pkg/logx"
	"conductor/pkg/proto"
)

// fakeFactory satisfies the clientFactory seam with canned clients per model.
type fakeFactory struct {
	mu      sync.Mutex
	clients map[string]llm.LLMClient
	calls   []string
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{clients: make(map[string]llm.LLMClient)}
}

func (f *fakeFactory) register(model string, client llm.LLMClient) {
	f.clients[model] = client
}

func (f *fakeFactory) CreateClientForTask(modelName string, _ metrics.TaskProvider, _ *logx.Logger) (llm.LLMClient, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, modelName)
	client, ok := f.clients[modelName]
	if !ok {
		return nil, fmt.Errorf("no client registered for model %s", modelName)
	}
	return client, nil
}

// captureClient records the last request and answers with a fixed response.
type captureClient struct {
	req  llm.CompletionRequest
	resp llm.CompletionResponse
	err  error
}

func (c *captureClient) Complete(_ context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
	c.req = req
	return c.resp, c.err
}

func (c *captureClient) Stream(_ context.Context, _ llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
	return nil, fmt.Errorf("not implemented")
}

func (c *captureClient) GetModelName() string { return "capture" }

func newTestInvoker(t *testing.T, factory clientFactory) *LLMInvoker {
	t.Helper()
	return &LLMInvoker{
		factory:      factory,
		workDir:      t.TempDir(),
		artifactsDir: t.TempDir(),
		logger:       logx.NewLogger("invoker-test"),
	}
}

func setTestRoles(t *testing.T, roles map[string]config.RoleModelConfig) {
	t.Helper()
	config.SetConfigForTesting(&config.Config{Roles: roles})
	t.Cleanup(func() { config.SetConfigForTesting(nil) })
}

func plannerTask(input string) *proto.Task {
	return proto.NewTask("session-1", proto.RolePlanner, input, proto.GroupPreparation, time.Minute)
}

func TestInvokeRequiresTask(t *testing.T) {
	inv := newTestInvoker(t, newFakeFactory())
	if _, err := inv.Invoke(context.Background(), nil); err == nil {
		t.Error("Expected error for nil task, got nil")
	}
}

func TestInvokeRejectsMalformedTask(t *testing.T) {
	factory := newFakeFactory()
	inv := newTestInvoker(t, factory)

	task := proto.NewTask("", proto.RolePlanner, "do the thing", proto.GroupPreparation, time.Minute)
	result, err := inv.Invoke(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != proto.TaskFailed {
		t.Errorf("Expected status %s, got %s", proto.TaskFailed, result.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != proto.ErrCodeInputInvalid {
		t.Errorf("Expected single %s event, got %v", proto.ErrCodeInputInvalid, result.Errors)
	}
	if len(factory.calls) != 0 {
		t.Errorf("Expected no client creation for malformed task, got %v", factory.calls)
	}
}

func TestInvokeRequiresRoleModel(t *testing.T) {
	setTestRoles(t, map[string]config.RoleModelConfig{}) // no roles configured
	inv := newTestInvoker(t, newFakeFactory())

	result, err := inv.Invoke(context.Background(), plannerTask("plan this"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != proto.TaskFailed {
		t.Errorf("Expected status %s, got %s", proto.TaskFailed, result.Status)
	}
	if len(result.Errors) != 1 || result.Errors[0].Code != proto.ErrCodeAgentUnavailable {
		t.Errorf("Expected single %s event, got %v", proto.ErrCodeAgentUnavailable, result.Errors)
	}
	if result.Errors[0].Severity != proto.SeverityCritical {
		t.Errorf("Expected critical severity, got %s", result.Errors[0].Severity)
	}
}

func TestInvokeSuccessWritesArtifact(t *testing.T) {
	setTestRoles(t, map[string]config.RoleModelConfig{
		"planner": {Model: "model-a"},
	})

	factory := newFakeFactory()
	factory.register("model-a", NewMockLLMClient([]llm.CompletionResponse{{Content: "the plan"}}, nil))
	inv := newTestInvoker(t, factory)

	task := plannerTask("plan this")
	result, err := inv.Invoke(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Status != proto.TaskSucceeded {
		t.Fatalf("Expected status %s, got %s (errors: %v)", proto.TaskSucceeded, result.Status, result.Errors)
	}
	if result.AgentID != "model-a" {
		t.Errorf("Expected agent ID %q, got %q", "model-a", result.AgentID)
	}
	if result.Elapsed <= 0 {
		t.Error("Expected positive elapsed duration")
	}

	data, err := os.ReadFile(result.OutputRef)
	if err != nil {
		t.Fatalf("failed to read output artifact: %v", err)
	}
	if string(data) != "the plan" {
		t.Errorf("Expected artifact content %q, got %q", "the plan", string(data))
	}
	if !strings.HasPrefix(result.OutputRef, inv.artifactsDir+string(filepath.Separator)) {
		t.Errorf("Expected artifact under %s, got %s", inv.artifactsDir, result.OutputRef)
	}
}

func TestInvokeResolvesInput(t *testing.T) {
	setTestRoles(t, map[string]config.RoleModelConfig{
		"planner": {Model: "model-a"},
	})

	t.Run("file ref is read from disk", func(t *testing.T) {
		client := &captureClient{resp: llm.CompletionResponse{Content: "ok"}}
		factory := newFakeFactory()
		factory.register("model-a", client)
		inv := newTestInvoker(t, factory)

		inputPath := filepath.Join(t.TempDir(), "request.md")
		if err := os.WriteFile(inputPath, []byte("build a parser"), 0644); err != nil {
			t.Fatal(err)
		}

		if _, err := inv.Invoke(context.Background(), plannerTask(inputPath)); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(client.req.Messages) != 2 {
			t.Fatalf("Expected 2 messages, got %d", len(client.req.Messages))
		}
		if client.req.Messages[1].Content != "build a parser" {
			t.Errorf("Expected user message from file, got %q", client.req.Messages[1].Content)
		}
	})

	t.Run("non-file ref is inline content", func(t *testing.T) {
		client := &captureClient{resp: llm.CompletionResponse{Content: "ok"}}
		factory := newFakeFactory()
		factory.register("model-a", client)
		inv := newTestInvoker(t, factory)

		if _, err := inv.Invoke(context.Background(), plannerTask("just do it inline")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if client.req.Messages[1].Content != "just do it inline" {
			t.Errorf("Expected inline user message, got %q", client.req.Messages[1].Content)
		}
	})

	t.Run("system prompt is cached", func(t *testing.T) {
		client := &captureClient{resp: llm.CompletionResponse{Content: "ok"}}
		factory := newFakeFactory()
		factory.register("model-a", client)
		inv := newTestInvoker(t, factory)

		if _, err := inv.Invoke(context.Background(), plannerTask("plan this")); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		system := client.req.Messages[0]
		if system.Role != llm.RoleSystem {
			t.Errorf("Expected first message to be system, got %s", system.Role)
		}
		if system.Content == "" {
			t.Error("Expected non-empty role prompt")
		}
		if system.CacheControl == nil || system.CacheControl.TTL != "1h" {
			t.Errorf("Expected 1h cache control on system prompt, got %+v", system.CacheControl)
		}
	})

	t.Run("empty ref is rejected", func(t *testing.T) {
		inv := newTestInvoker(t, newFakeFactory())

		result, err := inv.Invoke(context.Background(), plannerTask(""))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskFailed {
			t.Errorf("Expected status %s, got %s", proto.TaskFailed, result.Status)
		}
		if len(result.Errors) != 1 || result.Errors[0].Code != proto.ErrCodeInputInvalid {
			t.Errorf("Expected single %s event, got %v", proto.ErrCodeInputInvalid, result.Errors)
		}
	})
}

func TestInvokeConsolidationRequest(t *testing.T) {
	setTestRoles(t, map[string]config.RoleModelConfig{
		"validator": {Model: "model-a"},
	})

	client := &captureClient{resp: llm.CompletionResponse{Content: "verdict"}}
	factory := newFakeFactory()
	factory.register("model-a", client)
	inv := newTestInvoker(t, factory)

	task := proto.NewTask("session-1", proto.RoleValidator, "merge these findings", proto.GroupConsolidation, time.Minute)
	if _, err := inv.Invoke(context.Background(), task); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.req.MaxTokens != llm.ConsolidationMaxTokens {
		t.Errorf("Expected max tokens %d, got %d", llm.ConsolidationMaxTokens, client.req.MaxTokens)
	}
	if client.req.Temperature != llm.TemperatureDeterministic {
		t.Errorf("Expected temperature %v, got %v", llm.TemperatureDeterministic, client.req.Temperature)
	}
}

func TestInvokeFallback(t *testing.T) {
	setRoles := func(t *testing.T) {
		setTestRoles(t, map[string]config.RoleModelConfig{
			"planner": {Model: "model-a", Fallback: []string{"model-b"}},
		})
	}

	t.Run("service unavailable falls over", func(t *testing.T) {
		setRoles(t)
		factory := newFakeFactory()
		factory.register("model-a", NewMockLLMClient(nil, []error{
			llmerrors.NewServiceUnavailableError(fmt.Errorf("connection reset"), 3),
		}))
		factory.register("model-b", NewMockLLMClient([]llm.CompletionResponse{{Content: "fallback plan"}}, nil))
		inv := newTestInvoker(t, factory)

		result, err := inv.Invoke(context.Background(), plannerTask("plan this"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskSucceeded {
			t.Fatalf("Expected status %s, got %s (errors: %v)", proto.TaskSucceeded, result.Status, result.Errors)
		}
		if result.AgentID != "model-b" {
			t.Errorf("Expected fallback model to answer, got %q", result.AgentID)
		}
		if len(factory.calls) != 2 || factory.calls[0] != "model-a" || factory.calls[1] != "model-b" {
			t.Errorf("Expected chain walk [model-a model-b], got %v", factory.calls)
		}
	})

	t.Run("open circuit falls over", func(t *testing.T) {
		setRoles(t)
		factory := newFakeFactory()
		factory.register("model-a", NewMockLLMClient(nil, []error{&circuit.Error{State: circuit.Open}}))
		factory.register("model-b", NewMockLLMClient([]llm.CompletionResponse{{Content: "fallback plan"}}, nil))
		inv := newTestInvoker(t, factory)

		result, err := inv.Invoke(context.Background(), plannerTask("plan this"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskSucceeded || result.AgentID != "model-b" {
			t.Errorf("Expected fallback success via model-b, got %s from %q", result.Status, result.AgentID)
		}
	})

	t.Run("auth failure falls over", func(t *testing.T) {
		setRoles(t)
		factory := newFakeFactory()
		factory.register("model-a", NewMockLLMClient(nil, []error{
			llmerrors.NewError(llmerrors.ErrorTypeAuth, "invalid api key"),
		}))
		factory.register("model-b", NewMockLLMClient([]llm.CompletionResponse{{Content: "fallback plan"}}, nil))
		inv := newTestInvoker(t, factory)

		result, err := inv.Invoke(context.Background(), plannerTask("plan this"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskSucceeded || result.AgentID != "model-b" {
			t.Errorf("Expected fallback success via model-b, got %s from %q", result.Status, result.AgentID)
		}
	})

	t.Run("bad prompt aborts the walk", func(t *testing.T) {
		setRoles(t)
		factory := newFakeFactory()
		factory.register("model-a", NewMockLLMClient(nil, []error{
			llmerrors.NewError(llmerrors.ErrorTypeBadPrompt, "prompt too long"),
		}))
		factory.register("model-b", NewMockLLMClient([]llm.CompletionResponse{{Content: "never reached"}}, nil))
		inv := newTestInvoker(t, factory)

		result, err := inv.Invoke(context.Background(), plannerTask("plan this"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskFailed {
			t.Errorf("Expected status %s, got %s", proto.TaskFailed, result.Status)
		}
		if len(result.Errors) != 1 || result.Errors[0].Code != proto.ErrCodeInputInvalid {
			t.Errorf("Expected single %s event, got %v", proto.ErrCodeInputInvalid, result.Errors)
		}
		if len(factory.calls) != 1 {
			t.Errorf("Expected walk to stop at model-a, got calls %v", factory.calls)
		}
	})

	t.Run("chain exhausted", func(t *testing.T) {
		setRoles(t)
		factory := newFakeFactory()
		factory.register("model-a", NewMockLLMClient(nil, []error{
			llmerrors.NewServiceUnavailableError(fmt.Errorf("down"), 3),
		}))
		factory.register("model-b", NewMockLLMClient(nil, []error{
			llmerrors.NewServiceUnavailableError(fmt.Errorf("also down"), 3),
		}))
		inv := newTestInvoker(t, factory)

		result, err := inv.Invoke(context.Background(), plannerTask("plan this"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskFailed {
			t.Errorf("Expected status %s, got %s", proto.TaskFailed, result.Status)
		}
		// One low event per model plus the chain-exhausted summary.
		if len(result.Errors) != 3 {
			t.Fatalf("Expected 3 error events, got %d: %v", len(result.Errors), result.Errors)
		}
		last := result.Errors[2]
		if last.Code != proto.ErrCodeAgentUnavailable || last.Severity != proto.SeverityMedium {
			t.Errorf("Expected medium %s summary event, got %+v", proto.ErrCodeAgentUnavailable, last)
		}
	})

	t.Run("unregistered model is skipped", func(t *testing.T) {
		setRoles(t)
		factory := newFakeFactory()
		// model-a missing entirely; factory errors and the walk moves on.
		factory.register("model-b", NewMockLLMClient([]llm.CompletionResponse{{Content: "fallback plan"}}, nil))
		inv := newTestInvoker(t, factory)

		result, err := inv.Invoke(context.Background(), plannerTask("plan this"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskSucceeded || result.AgentID != "model-b" {
			t.Errorf("Expected fallback success via model-b, got %s from %q", result.Status, result.AgentID)
		}
	})
}

func TestInvokeDeadline(t *testing.T) {
	setTestRoles(t, map[string]config.RoleModelConfig{
		"planner": {Model: "model-a", Fallback: []string{"model-b"}},
	})

	t.Run("expired deadline yields timeout", func(t *testing.T) {
		factory := newFakeFactory()
		factory.register("model-a", NewMockLLMClient(nil, []error{
			llmerrors.NewError(llmerrors.ErrorTypeTransient, "interrupted"),
		}))
		inv := newTestInvoker(t, factory)

		ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
		defer cancel()

		result, err := inv.Invoke(ctx, plannerTask("plan this"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskTimeout {
			t.Errorf("Expected status %s, got %s", proto.TaskTimeout, result.Status)
		}
		last := result.Errors[len(result.Errors)-1]
		if last.Code != proto.ErrCodeAgentTimeout {
			t.Errorf("Expected %s event, got %s", proto.ErrCodeAgentTimeout, last.Code)
		}
		if len(factory.calls) != 1 {
			t.Errorf("Expected no fallback after deadline, got calls %v", factory.calls)
		}
	})

	t.Run("cancellation yields failure", func(t *testing.T) {
		factory := newFakeFactory()
		factory.register("model-a", NewMockLLMClient(nil, []error{
			llmerrors.NewError(llmerrors.ErrorTypeTransient, "interrupted"),
		}))
		inv := newTestInvoker(t, factory)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := inv.Invoke(ctx, plannerTask("plan this"))
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if result.Status != proto.TaskFailed {
			t.Errorf("Expected status %s, got %s", proto.TaskFailed, result.Status)
		}
	})
}
