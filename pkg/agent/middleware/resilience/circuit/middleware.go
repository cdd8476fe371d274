package circuit

import (
	"context"

	"conductor/pkg/agent/llm"
)

// WithCircuitBreaker creates middleware that protects LLM calls with a circuit breaker.
func WithCircuitBreaker(breaker Breaker) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
				// Check if request is allowed
				if !breaker.Allow() {
					return llm.CompletionResponse{}, &Error{State: breaker.GetState()}
				}

				// Execute the request
				resp, err := next.Complete(ctx, in)

				// Record the result
				breaker.Record(err == nil)

				return resp, err
			},
			func(ctx context.Context, in llm.CompletionRequest) (<-chan llm.StreamChunk, error) {
				// Check if request is allowed
				if !breaker.Allow() {
					return nil, &Error{State: breaker.GetState()}
				}

				// Execute the request
				ch, err := next.Stream(ctx, in)

				// Record the result (stream creation success/failure)
				breaker.Record(err == nil)

				return ch, err
			},
			func() string {
				return next.GetModelName()
			},
		)
	}
}
