package agent

import (
	"context"
	"errors"

	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/llmerrors"
	"conductor/pkg/agent/middleware/resilience/circuit"
	"conductor/pkg/proto"
)

// fallbackOutcome is the result of walking a role's model chain.
type fallbackOutcome struct {
	resp     llm.CompletionResponse
	err      error
	model    string // model that answered, or the last one attempted
	events   []proto.ErrorEvent
	timedOut bool
}

// completeWithFallback tries each model in order until one answers. It falls
// over to the next model only when the current one is unavailable (retries
// exhausted, circuit open, bad credentials); every other failure aborts the
// walk because the next model would reject the same request.
func (inv *LLMInvoker) completeWithFallback(ctx context.Context, models []string, task *proto.Task, req llm.CompletionRequest) fallbackOutcome {
	var outcome fallbackOutcome

	for _, model := range models {
		outcome.model = model

		client, err := inv.factory.CreateClientForTask(model, taskLabels{task: task}, inv.logger)
		if err != nil {
			// Unknown model or missing credentials: record and try the next one.
			outcome.err = err
			outcome.events = append(outcome.events, proto.NewErrorEvent(proto.ErrCodeAgentUnavailable, proto.SeverityLow,
				"model %s unusable: %v", model, err))
			continue
		}

		resp, err := client.Complete(ctx, req)
		if err == nil {
			outcome.resp = resp
			outcome.err = nil
			return outcome
		}
		outcome.err = err

		// Task-level deadline or cancellation ends the walk immediately; there
		// is no time left for another model.
		if ctx.Err() != nil {
			outcome.timedOut = errors.Is(ctx.Err(), context.DeadlineExceeded)
			outcome.events = append(outcome.events, proto.NewErrorEvent(proto.ErrCodeAgentTimeout, proto.SeverityLow,
				"model %s interrupted: %v", model, err))
			return outcome
		}

		if !shouldFallOver(err) {
			outcome.events = append(outcome.events, eventForFailure(model, err))
			return outcome
		}

		inv.logger.Warn("⚠️ Model %s unavailable for role %s: %v", model, task.Role, err)
		outcome.events = append(outcome.events, proto.NewErrorEvent(proto.ErrCodeAgentUnavailable, proto.SeverityLow,
			"model %s unavailable: %v", model, err))
	}

	// Chain exhausted without an answer.
	outcome.events = append(outcome.events, proto.NewErrorEvent(proto.ErrCodeAgentUnavailable, proto.SeverityMedium,
		"all %d model(s) for role %s unavailable", len(models), task.Role))
	if outcome.err == nil {
		outcome.err = llmerrors.NewError(llmerrors.ErrorTypeServiceUnavailable, "no usable model in fallback chain")
	}
	return outcome
}

// shouldFallOver reports whether the next model in the chain should be tried.
func shouldFallOver(err error) bool {
	// Retry middleware signals exhausted retries as ServiceUnavailable.
	if llmerrors.IsServiceUnavailable(err) {
		return true
	}

	// An open circuit means this provider is failing; another provider may not be.
	var circuitErr *circuit.Error
	if errors.As(err, &circuitErr) {
		return true
	}

	// Bad credentials are permanent for this provider but say nothing about the next.
	return llmerrors.Is(err, llmerrors.ErrorTypeAuth)
}

// eventForFailure classifies a non-fallback failure into the error taxonomy.
func eventForFailure(model string, err error) proto.ErrorEvent {
	if llmerrors.Is(err, llmerrors.ErrorTypeBadPrompt) {
		return proto.NewErrorEvent(proto.ErrCodeInputInvalid, proto.SeverityMedium,
			"model %s rejected the prompt: %v", model, err)
	}
	return proto.NewErrorEvent(proto.ErrCodeAgentUnavailable, proto.SeverityMedium,
		"model %s failed: %v", model, err)
}
