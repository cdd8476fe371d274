package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
)

// SessionUsage represents aggregated token usage for a completed session.
type SessionUsage struct {
	SessionID        string `json:"session_id"`
	PromptTokens     int64  `json:"prompt_tokens"`
	CompletionTokens int64  `json:"completion_tokens"`
	TotalTokens      int64  `json:"total_tokens"`
	Requests         int64  `json:"requests"`
}

// QueryService provides methods to query metrics from Prometheus.
type QueryService struct {
	client   api.Client
	queryAPI v1.API
}

// NewQueryService creates a new metrics query service.
func NewQueryService(prometheusURL string) (*QueryService, error) {
	client, err := api.NewClient(api.Config{
		Address: prometheusURL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Prometheus client: %w", err)
	}

	return &QueryService{
		client:   client,
		queryAPI: v1.NewAPI(client),
	}, nil
}

// GetSessionUsage retrieves aggregated token metrics for a specific session.
// This queries Prometheus for all LLM requests associated with the session ID
// and aggregates the results across all roles.
func (q *QueryService) GetSessionUsage(ctx context.Context, sessionID string) (*SessionUsage, error) {
	usage := &SessionUsage{
		SessionID: sessionID,
	}

	// Query for prompt tokens
	promptTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{session_id=%q, type="prompt"})`, sessionID)
	promptResult, _, err := q.queryAPI.Query(ctx, promptTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query prompt tokens: %w", err)
	}

	if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
		usage.PromptTokens = int64(vector[0].Value)
	}

	// Query for completion tokens
	completionTokensQuery := fmt.Sprintf(`sum(llm_tokens_total{session_id=%q, type="completion"})`, sessionID)
	completionResult, _, err := q.queryAPI.Query(ctx, completionTokensQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query completion tokens: %w", err)
	}

	if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
		usage.CompletionTokens = int64(vector[0].Value)
	}

	// Calculate total tokens
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

	// Query for request count
	requestsQuery := fmt.Sprintf(`sum(llm_requests_total{session_id=%q})`, sessionID)
	requestsResult, _, err := q.queryAPI.Query(ctx, requestsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query request count: %w", err)
	}

	if vector, ok := requestsResult.(model.Vector); ok && len(vector) > 0 {
		usage.Requests = int64(vector[0].Value)
	}

	return usage, nil
}

// GetSessionUsageByModel retrieves token metrics broken down by model for a
// specific session, showing which models served it and their individual usage.
func (q *QueryService) GetSessionUsageByModel(ctx context.Context, sessionID string) (map[string]*SessionUsage, error) {
	result := make(map[string]*SessionUsage)

	// Query for all models used in this session
	modelsQuery := fmt.Sprintf(`group by (model) (llm_tokens_total{session_id=%q})`, sessionID)
	modelsResult, _, err := q.queryAPI.Query(ctx, modelsQuery, time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to query models: %w", err)
	}

	// Extract unique model names
	var models []string
	if vector, ok := modelsResult.(model.Vector); ok {
		for _, sample := range vector {
			if modelName, ok := sample.Metric["model"]; ok {
				models = append(models, string(modelName))
			}
		}
	}

	// Get usage for each model
	for _, modelName := range models {
		usage := &SessionUsage{
			SessionID: sessionID,
		}

		// Query prompt tokens for this model
		promptQuery := fmt.Sprintf(`sum(llm_tokens_total{session_id=%q, model=%q, type="prompt"})`, sessionID, modelName)
		promptResult, _, err := q.queryAPI.Query(ctx, promptQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query prompt tokens for model %s: %w", modelName, err)
		}

		if vector, ok := promptResult.(model.Vector); ok && len(vector) > 0 {
			usage.PromptTokens = int64(vector[0].Value)
		}

		// Query completion tokens for this model
		completionQuery := fmt.Sprintf(`sum(llm_tokens_total{session_id=%q, model=%q, type="completion"})`, sessionID, modelName)
		completionResult, _, err := q.queryAPI.Query(ctx, completionQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query completion tokens for model %s: %w", modelName, err)
		}

		if vector, ok := completionResult.(model.Vector); ok && len(vector) > 0 {
			usage.CompletionTokens = int64(vector[0].Value)
		}

		// Calculate total tokens
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens

		// Query request count for this model
		requestsQuery := fmt.Sprintf(`sum(llm_requests_total{session_id=%q, model=%q})`, sessionID, modelName)
		requestsResult, _, err := q.queryAPI.Query(ctx, requestsQuery, time.Now())
		if err != nil {
			return nil, fmt.Errorf("failed to query request count for model %s: %w", modelName, err)
		}

		if vector, ok := requestsResult.(model.Vector); ok && len(vector) > 0 {
			usage.Requests = int64(vector[0].Value)
		}

		result[modelName] = usage
	}

	return result, nil
}
