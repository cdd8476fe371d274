package agent

import (
	"fmt"

	"conductor/pkg/agent/internal/llmimpl/anthropic"
	"conductor/pkg/agent/internal/llmimpl/google"
	"conductor/pkg/agent/internal/llmimpl/ollama"
	"conductor/pkg/agent/internal/llmimpl/openai"
	"conductor/pkg/agent/llm"
	"conductor/pkg/agent/middleware/metrics"
	"conductor/pkg/agent/middleware/resilience/circuit"
	"conductor/pkg/agent/middleware/resilience/retry"
	"conductor/pkg/agent/middleware/resilience/timeout"
	"conductor/pkg/config"
	"conductor/pkg/logx"
)

// ClientFactory creates LLM clients with properly configured middleware chains.
type ClientFactory struct {
	config          config.Config
	metricsRecorder metrics.Recorder
	circuitBreakers map[string]circuit.Breaker // per-provider circuit breakers
}

// NewClientFactory creates a new LLM client factory with the given configuration.
func NewClientFactory(cfg config.Config) *ClientFactory {
	// The internal recorder always aggregates per-session usage; Prometheus
	// is layered on top when metrics collection is enabled.
	var recorder metrics.Recorder = metrics.NewInternalRecorder()
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		recorder = metrics.Fanout(metrics.NewPrometheusRecorder(), metrics.NewInternalRecorder())
	}

	// Circuit breakers are shared per provider so failures observed through
	// one role's client open the circuit for every client of that provider.
	circuitBreakers := make(map[string]circuit.Breaker)
	for _, provider := range []string{
		config.ProviderAnthropic,
		config.ProviderOpenAI,
		config.ProviderGoogle,
		config.ProviderOllama,
	} {
		circuitBreakers[provider] = circuit.New(circuit.DefaultConfig)
	}

	return &ClientFactory{
		config:          cfg,
		metricsRecorder: recorder,
		circuitBreakers: circuitBreakers,
	}
}

// CreateClient creates an LLM client for the given model with the full middleware chain.
// The credential is automatically retrieved based on the model's provider.
func (f *ClientFactory) CreateClient(modelName string) (llm.LLMClient, error) {
	return f.CreateClientForTask(modelName, nil, nil)
}

// CreateClientForTask creates an LLM client whose metrics are attributed to the
// task identity exposed by taskProvider. Chains are cheap to build per invocation;
// the circuit breakers behind them are shared per provider.
func (f *ClientFactory) CreateClientForTask(modelName string, taskProvider metrics.TaskProvider, logger *logx.Logger) (llm.LLMClient, error) {
	// Create the raw LLM client based on provider
	provider, err := config.GetModelProvider(modelName)
	if err != nil {
		return nil, fmt.Errorf("failed to determine provider for model %s: %w", modelName, err)
	}

	// Get the credential for this provider (for Ollama this is the server URL)
	apiKey, err := config.GetAPIKey(provider)
	if err != nil {
		return nil, fmt.Errorf("failed to get API key for provider %s: %w", provider, err)
	}

	var rawClient llm.LLMClient
	switch provider {
	case config.ProviderAnthropic:
		rawClient = anthropic.NewClaudeClientWithModel(apiKey, modelName)
	case config.ProviderOpenAI:
		rawClient = openai.NewClientWithModel(apiKey, modelName)
	case config.ProviderGoogle:
		rawClient = google.NewGeminiClientWithModel(apiKey, modelName)
	case config.ProviderOllama:
		rawClient = ollama.NewOllamaClientWithModel(apiKey, modelName)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", provider)
	}

	// Get the circuit breaker for this provider
	circuitBreaker, exists := f.circuitBreakers[provider]
	if !exists {
		return nil, fmt.Errorf("no circuit breaker found for provider %s", provider)
	}

	// Create retry policy
	retryConfig := retry.Config{
		MaxAttempts:   f.config.Resilience.Retry.MaxAttempts,
		InitialDelay:  f.config.Resilience.Retry.InitialDelay,
		MaxDelay:      f.config.Resilience.Retry.MaxDelay,
		BackoffFactor: f.config.Resilience.Retry.BackoffFactor,
		Jitter:        f.config.Resilience.Retry.Jitter,
	}
	retryPolicy := retry.NewPolicy(retryConfig, nil) // Use default classifier

	// Build the middleware chain in the correct order:
	// Metrics -> CircuitBreaker -> Retry -> Timeout -> RawClient
	client := llm.Chain(rawClient,
		metrics.Middleware(f.metricsRecorder, nil, taskProvider, logger),
		circuit.WithCircuitBreaker(circuitBreaker),
		retry.Middleware(retryPolicy),
		timeout.Middleware(f.config.Resilience.Timeout),
	)

	return client, nil
}
