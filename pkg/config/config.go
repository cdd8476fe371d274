// Package config provides configuration loading, validation, and management for the engine.
//
// ARCHITECTURE OVERVIEW:
//
// This package implements an atomic configuration management system that strictly separates
// configuration from state.
//
// KEY PRINCIPLES:
//
//  1. SEPARATION OF CONCERNS:
//     - Config: Per-project settings (roles, dispatcher, monitor, workflow) saved to .conductor/config.json
//     - Constants: Hardcoded algorithm parameters that users should not modify
//     - State/Metadata: Session snapshots, task history, timestamps belong in the state store
//     and database, never in config
//
//  2. SCHEMA VERSIONING: All config changes MUST increment SchemaVersion to prevent breaking changes.
//
//  3. GLOBAL SINGLETON: A single global Config instance is maintained in memory, protected by
//     mutex for thread safety.
//
//  4. VALUE-BASED ACCESS: GetConfig() returns the config BY VALUE (copy, not reference) to
//     prevent external mutation.
//
//  5. VALIDATION FIRST: All config updates are validated before persistence. Invalid configs
//     are rejected to maintain system integrity.
//
// USAGE PATTERNS:
//
//	// Load config from file (usually done once at startup)
//	err := config.LoadConfig(projectDir)
//
//	// Access config (always by value)
//	cfg, err := config.GetConfig()
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"conductor/pkg/logx"
)

// Global config instance with mutex protection.
// projectDir is set once during LoadConfig and never changes - it defines where all
// conductor files are stored relative to the project root.
//
//nolint:gochecknoglobals // Intentional singleton pattern for config management
var (
	config     *Config
	projectDir string       // Immutable after LoadConfig - set once at startup
	logger     *logx.Logger // Package logger for config operations
	mu         sync.RWMutex
)

// getLogger returns the config logger, initializing it if needed.
func getLogger() *logx.Logger {
	if logger == nil {
		logger = logx.NewLogger("config")
	}
	return logger
}

// LogInfo logs an info message using the config logger.
// This is exposed for other packages (like main) to use consistent logging.
func LogInfo(format string, args ...interface{}) {
	getLogger().Info(format, args...)
}

// ModelInfo contains static information about a known LLM model.
// This data is hardcoded in the application, not user-configurable.
type ModelInfo struct {
	Provider         string  // API provider (anthropic, openai, google, ollama)
	InputCPM         float64 // Cost per million input tokens (USD)
	OutputCPM        float64 // Cost per million output tokens (USD)
	MaxContextTokens int     // Maximum context window size in tokens
	MaxOutputTokens  int     // Maximum output tokens per request
}

// KnownModels registry contains pricing and provider information for common models.
// This is optional - unknown models will be inferred via ProviderPatterns.
//
//nolint:gochecknoglobals // Intentional global for static model registry
var KnownModels = map[string]ModelInfo{
	// Claude models (Anthropic)
	"claude-sonnet-4-5": {
		Provider:         ProviderAnthropic,
		InputCPM:         3.0,
		OutputCPM:        15.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},
	"claude-opus-4-1": {
		Provider:         ProviderAnthropic,
		InputCPM:         15.0,
		OutputCPM:        75.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  16384,
	},
	"claude-3-5-haiku-latest": {
		Provider:         ProviderAnthropic,
		InputCPM:         0.8,
		OutputCPM:        4.0,
		MaxContextTokens: 200000,
		MaxOutputTokens:  8192,
	},

	// OpenAI o3 models
	"o3-mini": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},
	"o3": {
		Provider:         ProviderOpenAI,
		InputCPM:         1.1,
		OutputCPM:        4.4,
		MaxContextTokens: 128000,
		MaxOutputTokens:  16384,
	},

	// GPT-5 (premium pricing)
	"gpt-5": {
		Provider:         ProviderOpenAI,
		InputCPM:         20.0,
		OutputCPM:        60.0,
		MaxContextTokens: 128000,
		MaxOutputTokens:  4096,
	},

	// Google Gemini models
	"gemini-2.5-flash": {
		Provider:         ProviderGoogle,
		InputCPM:         0.30,
		OutputCPM:        2.50,
		MaxContextTokens: 1048576,
		MaxOutputTokens:  65536,
	},

	// Ollama models (local inference, no cost tracking)
	"qwen2.5-coder:14b": {
		Provider:         ProviderOllama,
		InputCPM:         0.0,
		OutputCPM:        0.0,
		MaxContextTokens: 32768,
		MaxOutputTokens:  8192,
	},
}

// ProviderPattern represents a pattern for inferring provider from model name.
type ProviderPattern struct {
	Prefix   string
	Provider string
}

// ProviderPatterns defines rules for inferring providers from unknown model names.
// Allows using new models without code changes.
//
//nolint:gochecknoglobals // Intentional global for inference rules
var ProviderPatterns = []ProviderPattern{
	{"claude", ProviderAnthropic},
	{"gpt", ProviderOpenAI},
	{"o1", ProviderOpenAI},
	{"o3", ProviderOpenAI},
	{"o4", ProviderOpenAI},
	{"gemini", ProviderGoogle},
	// Ollama models - common open-source model prefixes
	{"phi", ProviderOllama},
	{"llama", ProviderOllama},
	{"qwen", ProviderOllama},
	{"mistral", ProviderOllama},
	{"codellama", ProviderOllama},
	{"deepseek", ProviderOllama},
	{"ollama:", ProviderOllama}, // Explicit prefix like "ollama:phi4"
}

// GetModelProvider returns the API provider for a given model.
// First checks KnownModels, then tries pattern matching.
// Returns error if model cannot be mapped to a provider (FATAL).
func GetModelProvider(modelName string) (string, error) {
	if info, exists := KnownModels[modelName]; exists {
		return info.Provider, nil
	}

	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			return ProviderPatterns[i].Provider, nil
		}
	}

	// FATAL: Cannot proceed without valid provider
	return "", fmt.Errorf("unknown model '%s': no known provider mapping or pattern match - cannot determine API provider", modelName)
}

// GetAPIKey returns the credential needed to reach the given provider.
// Keys come from the decrypted secrets file first, then environment
// variables. For ollama the "key" is the host URL and defaults to the
// local daemon when unset.
func GetAPIKey(provider string) (string, error) {
	switch provider {
	case ProviderAnthropic:
		return requireSecret(EnvAnthropicAPIKey, provider)
	case ProviderOpenAI:
		return requireSecret(EnvOpenAIAPIKey, provider)
	case ProviderGoogle:
		return requireSecret(EnvGoogleAPIKey, provider)
	case ProviderOllama:
		host, err := GetSecret(EnvOllamaHost)
		if err != nil || host == "" {
			return DefaultOllamaHost, nil
		}
		return host, nil
	default:
		return "", fmt.Errorf("unknown provider '%s': no API key mapping", provider)
	}
}

func requireSecret(name, provider string) (string, error) {
	value, err := GetSecret(name)
	if err != nil {
		return "", fmt.Errorf("failed to read %s for provider %s: %w", name, provider, err)
	}
	if value == "" {
		return "", fmt.Errorf("%s not set: provider %s is unavailable", name, provider)
	}
	return value, nil
}

// GetModelInfo returns the ModelInfo for a given model name.
// Returns the info and true if found in KnownModels, or a default info with inferred provider and false if not found.
func GetModelInfo(modelName string) (ModelInfo, bool) {
	if info, exists := KnownModels[modelName]; exists {
		return info, true
	}

	provider := ""
	for i := range ProviderPatterns {
		if strings.HasPrefix(modelName, ProviderPatterns[i].Prefix) {
			provider = ProviderPatterns[i].Provider
			break
		}
	}

	// Conservative defaults for unknown models
	return ModelInfo{
		Provider:         provider,
		InputCPM:         0.0,
		OutputCPM:        0.0,
		MaxContextTokens: 32000,
		MaxOutputTokens:  4096,
	}, false
}

// RetryConfig defines configuration for retry behavior.
type RetryConfig struct {
	MaxAttempts   int           `json:"max_attempts"`   // Maximum number of attempts (including initial)
	InitialDelay  time.Duration `json:"initial_delay"`  // Initial delay before first retry
	MaxDelay      time.Duration `json:"max_delay"`      // Maximum delay between retries
	BackoffFactor float64       `json:"backoff_factor"` // Multiplier for exponential backoff
	Jitter        bool          `json:"jitter"`         // Add random jitter to prevent thundering herd
}

// ResilienceConfig bundles resilience-related middleware configuration.
type ResilienceConfig struct {
	Retry   RetryConfig   `json:"retry"`   // Retry policy settings
	Timeout time.Duration `json:"timeout"` // Per-request timeout
}

// MetricsConfig defines configuration for metrics collection.
type MetricsConfig struct {
	Enabled       bool   `json:"enabled"`        // Whether metrics collection is enabled
	Namespace     string `json:"namespace"`      // Metrics namespace for grouping
	ListenAddr    string `json:"listen_addr"`    // Address for the Prometheus scrape endpoint
	PrometheusURL string `json:"prometheus_url"` // Prometheus server URL for querying metrics
}

// DebugConfig defines configuration for debug logging.
type DebugConfig struct {
	LLMMessages bool `json:"llm_messages"` // Enable debug logging for LLM message formatting (default: false)
}

// RoleModelConfig selects the model for a role plus an ordered fallback chain
// consulted when the primary model's provider is unavailable.
type RoleModelConfig struct {
	Model    string   `json:"model"`
	Fallback []string `json:"fallback,omitempty"`
}

// DispatcherConfig defines execution-group timeouts and consolidation quorum.
type DispatcherConfig struct {
	PreparationTimeout   time.Duration `json:"preparation_timeout"`   // Per-task timeout for preparation tasks
	ParallelTimeout      time.Duration `json:"parallel_timeout"`      // Per-task timeout for parallel fan-out tasks
	ConsolidationTimeout time.Duration `json:"consolidation_timeout"` // Per-task timeout for consolidation votes
	PresentationTimeout  time.Duration `json:"presentation_timeout"`  // Per-task timeout for presentation tasks
	ConsolidationQuorum  int           `json:"consolidation_quorum"`  // Minimum successful votes for consolidation (default: 2)
	ReviewerFanOut       int           `json:"reviewer_fan_out"`      // Number of reviewers invoked per consolidation (default: 3)
}

// MonitorConfig defines detection thresholds for the background task monitor.
// Every threshold is explicit here; the monitor has no hardcoded timing values.
type MonitorConfig struct {
	PollInterval       time.Duration `json:"poll_interval"`       // Fingerprint poll cadence (default: 2s)
	StableObservations int           `json:"stable_observations"` // Consecutive identical fingerprints required (default: 2, minimum: 2)
	IdleFallbackPolls  int           `json:"idle_fallback_polls"` // Unchanged polls before synthesizing an idle signal (default: 3)
	Deadline           time.Duration `json:"deadline"`            // Hard deadline before a task is marked stuck (default: 30m)
}

// WorkflowConfig defines iteration limits and role requirements for phase gates.
type WorkflowConfig struct {
	MaxIterations int      `json:"max_iterations"`           // Iteration cap per phase before blocking (default: 3)
	RequiredRoles []string `json:"required_roles,omitempty"` // Roles whose failure escalates partial failure to critical
	AutoApprove   bool     `json:"auto_approve"`             // Resolve approval gates without prompting (non-interactive runs)
}

// CollectorConfig defines limits for the context collector.
type CollectorConfig struct {
	MaxPayloadTokens int `json:"max_payload_tokens"` // Token budget for a flushed payload (default: 8000)
}

// StorageConfig defines where conductor files live, relative to the project root
// unless absolute.
type StorageConfig struct {
	StateDir     string `json:"state_dir"`     // Session snapshot directory (default: .conductor/state)
	ArtifactsDir string `json:"artifacts_dir"` // Task artifact directory (default: .conductor/artifacts)
	LogsDir      string `json:"logs_dir"`      // Workflow event log directory (default: .conductor/logs)
	DatabaseFile string `json:"database_file"` // History archive database (default: .conductor/conductor.db)
}

// All constants bundled together for easy maintenance.
const (
	// Shutdown and retry behavior.
	GracefulShutdownTimeoutSec = 30  // How long to wait for graceful shutdown before force-exit
	MaxRetryAttempts           = 3   // Maximum number of retry attempts for failed operations
	RetryBackoffMultiplier     = 2.0 // Exponential backoff multiplier for retries

	// Model name constants.
	ModelClaudeSonnet = "claude-sonnet-4-5"
	ModelClaudeOpus   = "claude-opus-4-1"
	ModelClaudeHaiku  = "claude-3-5-haiku-latest"
	ModelOpenAIO3     = "o3"
	ModelOpenAIO3Mini = "o3-mini"
	ModelGPT5         = "gpt-5"
	ModelGeminiFlash  = "gemini-2.5-flash"
	ModelOllamaQwen   = "qwen2.5-coder:14b"

	// Project config constants.
	ProjectConfigFilename = "config.json"
	ProjectConfigDir      = ".conductor"
	DatabaseFilename      = "conductor.db"
	SchemaVersion         = "1.0"

	// Provider constants.
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderGoogle    = "google"
	ProviderOllama    = "ollama"

	// API key environment variable names.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_GENAI_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"

	// DefaultOllamaHost is used when OLLAMA_HOST is not set.
	DefaultOllamaHost = "http://localhost:11434"

	// Role keys used in RolesConfig and WorkflowConfig.RequiredRoles.
	RoleKeyPlanner        = "planner"
	RoleKeyDesignReviewer = "design_reviewer"
	RoleKeyImplementer    = "implementer"
	RoleKeyValidator      = "validator"
	RoleKeyCodeReviewer   = "code_reviewer"
	RoleKeyTester         = "tester"
	RoleKeyPresenter      = "presenter"
	RoleKeyFinalizer      = "finalizer"
)

// knownRoleKeys enumerates the role keys accepted in config.
//
//nolint:gochecknoglobals // Static validation table
var knownRoleKeys = []string{
	RoleKeyPlanner,
	RoleKeyDesignReviewer,
	RoleKeyImplementer,
	RoleKeyValidator,
	RoleKeyCodeReviewer,
	RoleKeyTester,
	RoleKeyPresenter,
	RoleKeyFinalizer,
}

// Config is the root configuration persisted to .conductor/config.json.
type Config struct {
	SchemaVersion string `json:"schema_version"` // MUST increment for breaking changes

	Roles      map[string]RoleModelConfig `json:"roles"`      // Model selection and fallback chain per role
	Dispatcher *DispatcherConfig          `json:"dispatcher"` // Execution-group timeouts and quorum
	Monitor    *MonitorConfig             `json:"monitor"`    // Background task detection thresholds
	Workflow   *WorkflowConfig            `json:"workflow"`   // Iteration limits and gate behavior
	Collector  *CollectorConfig           `json:"collector"`  // Context collector limits
	Storage    *StorageConfig             `json:"storage"`    // File and database locations
	Metrics    *MetricsConfig             `json:"metrics"`    // Metrics collection configuration
	Resilience *ResilienceConfig          `json:"resilience"` // Retry and timeout middleware configuration
	Debug      *DebugConfig               `json:"debug"`      // Debug settings

	// === RUNTIME-ONLY STATE (NOT PERSISTED) ===
	LiveMode bool `json:"-"` // Whether a live status view is attached (from CLI)
}

// GetProjectConductorDir returns the path to the .conductor directory containing all conductor files.
// Must call LoadConfig first to initialize projectDir.
func GetProjectConductorDir() (string, error) {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		return "", fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return filepath.Join(projectDir, ProjectConfigDir), nil
}

// GetProjectDir returns the current project directory.
// Must call LoadConfig first to initialize projectDir.
func GetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	return projectDir
}

// MustGetProjectDir returns the current project directory or panics if not initialized.
// Use this only in code paths where LoadConfig is guaranteed to have been called.
func MustGetProjectDir() string {
	mu.RLock()
	defer mu.RUnlock()
	if projectDir == "" {
		panic("config not initialized - call LoadConfig first")
	}
	return projectDir
}

// resolvePath joins a configured path with the project directory unless absolute.
func resolvePath(configured string) string {
	if filepath.IsAbs(configured) {
		return configured
	}
	return filepath.Join(GetProjectDir(), configured)
}

// GetStateDir returns the resolved session snapshot directory.
func GetStateDir() (string, error) {
	cfg, err := GetConfig()
	if err != nil {
		return "", err
	}
	return resolvePath(cfg.Storage.StateDir), nil
}

// GetArtifactsDir returns the resolved task artifact directory.
func GetArtifactsDir() (string, error) {
	cfg, err := GetConfig()
	if err != nil {
		return "", err
	}
	return resolvePath(cfg.Storage.ArtifactsDir), nil
}

// GetLogsDir returns the resolved workflow event log directory.
func GetLogsDir() (string, error) {
	cfg, err := GetConfig()
	if err != nil {
		return "", err
	}
	return resolvePath(cfg.Storage.LogsDir), nil
}

// GetDatabasePath returns the resolved history archive database path.
func GetDatabasePath() (string, error) {
	cfg, err := GetConfig()
	if err != nil {
		return "", err
	}
	return resolvePath(cfg.Storage.DatabaseFile), nil
}

// GetDebugLLMMessages returns whether debug logging for LLM message formatting is enabled.
// Returns false by default if config is not loaded or debug is not configured.
func GetDebugLLMMessages() bool {
	cfg, err := GetConfig()
	if err != nil {
		return false
	}

	if cfg.Debug != nil {
		return cfg.Debug.LLMMessages
	}

	return false
}

// GetRoleModel returns the model configuration for a role key.
func GetRoleModel(roleKey string) (RoleModelConfig, error) {
	cfg, err := GetConfig()
	if err != nil {
		return RoleModelConfig{}, err
	}

	rm, exists := cfg.Roles[roleKey]
	if !exists {
		return RoleModelConfig{}, fmt.Errorf("no model configured for role '%s'", roleKey)
	}
	return rm, nil
}

// GetConfig returns the current global config BY VALUE (copy, not reference).
// This prevents external mutation. Must call LoadConfig first.
func GetConfig() (Config, error) {
	mu.RLock()
	defer mu.RUnlock()
	if config == nil {
		return Config{}, fmt.Errorf("config not initialized - call LoadConfig first")
	}
	return *config, nil
}

// SetConfigForTesting sets the global config for testing purposes.
// Pass nil to reset. This bypasses normal initialization and should only be used in tests.
func SetConfigForTesting(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	config = cfg
	if cfg == nil {
		projectDir = ""
	}
}

// SetProjectDirForTesting sets the project directory for testing purposes.
func SetProjectDirForTesting(dir string) {
	mu.Lock()
	defer mu.Unlock()
	projectDir = dir
}

// LoadConfig loads the entire configuration from <projectDir>/.conductor/config.json into
// the global singleton.
//
// Behavior:
// - Missing file: Creates new config with defaults and saves it
// - Existing file: Loads and validates, applying defaults for missing fields
// - Unparseable file: Returns error to avoid overwriting user changes
//
// This should typically be called once at application startup.
func LoadConfig(inputProjectDir string) error {
	mu.Lock()
	defer mu.Unlock()

	// Store project directory - immutable after this point
	projectDir = inputProjectDir
	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		// Missing file - create new config with defaults
		getLogger().Info("📝 Config file not found, creating new config at %s", configPath)
		config = createDefaultConfig()

		if err := validateConfig(config); err != nil {
			return fmt.Errorf("default config validation failed: %w", err)
		}

		if err := saveConfigLocked(); err != nil {
			return fmt.Errorf("failed to save initial config: %w", err)
		}
		getLogger().Info("✅ New config file created and validated")
		return nil
	}

	getLogger().Info("📝 Loading config from %s", configPath)
	loadedConfig, err := loadConfigFromFile(configPath)
	if err != nil {
		return fmt.Errorf("fatal: config file exists but cannot be parsed (to avoid overwriting your changes): %w", err)
	}

	applyDefaults(loadedConfig)
	if err := validateConfig(loadedConfig); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	config = loadedConfig

	// Save config back to disk with applied defaults (ensures old configs get updated)
	if err := saveConfigLocked(); err != nil {
		return fmt.Errorf("failed to save config with applied defaults: %w", err)
	}

	getLogger().Info("✅ Config loaded and validated successfully")
	return nil
}

func loadConfigFromFile(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON %s: %w", configPath, err)
	}

	return &config, nil
}

// SaveConfig saves config to <projectDir>/.conductor/config.json.
func SaveConfig(config *Config, projectDir string) error {
	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// saveConfigLocked persists the global config. Caller must hold mu.
func saveConfigLocked() error {
	if projectDir == "" {
		return fmt.Errorf("config not initialized - call LoadConfig first")
	}

	configPath := filepath.Join(projectDir, ProjectConfigDir, ProjectConfigFilename)

	configDir := filepath.Dir(configPath)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// createDefaultConfig creates a new config with sensible defaults.
func createDefaultConfig() *Config {
	return &Config{
		SchemaVersion: SchemaVersion,

		Roles: map[string]RoleModelConfig{
			RoleKeyPlanner:        {Model: ModelClaudeOpus, Fallback: []string{ModelClaudeSonnet}},
			RoleKeyDesignReviewer: {Model: ModelOpenAIO3, Fallback: []string{ModelGeminiFlash}},
			RoleKeyImplementer:    {Model: ModelClaudeSonnet, Fallback: []string{ModelGPT5}},
			RoleKeyValidator:      {Model: ModelGeminiFlash, Fallback: []string{ModelOpenAIO3Mini}},
			RoleKeyCodeReviewer:   {Model: ModelOpenAIO3, Fallback: []string{ModelClaudeSonnet, ModelGeminiFlash}},
			RoleKeyTester:         {Model: ModelClaudeSonnet, Fallback: []string{ModelOpenAIO3Mini}},
			RoleKeyPresenter:      {Model: ModelClaudeHaiku, Fallback: []string{ModelGeminiFlash}},
			RoleKeyFinalizer:      {Model: ModelClaudeHaiku, Fallback: nil},
		},
		Dispatcher: &DispatcherConfig{
			PreparationTimeout:   10 * time.Minute,
			ParallelTimeout:      15 * time.Minute,
			ConsolidationTimeout: 5 * time.Minute,
			PresentationTimeout:  5 * time.Minute,
			ConsolidationQuorum:  2,
			ReviewerFanOut:       3,
		},
		Monitor: &MonitorConfig{
			PollInterval:       2 * time.Second,
			StableObservations: 2,
			IdleFallbackPolls:  3,
			Deadline:           30 * time.Minute,
		},
		Workflow: &WorkflowConfig{
			MaxIterations: 3,
			RequiredRoles: []string{RoleKeyValidator},
			AutoApprove:   false,
		},
		Collector: &CollectorConfig{
			MaxPayloadTokens: 8000,
		},
		Storage: &StorageConfig{
			StateDir:     filepath.Join(ProjectConfigDir, "state"),
			ArtifactsDir: filepath.Join(ProjectConfigDir, "artifacts"),
			LogsDir:      filepath.Join(ProjectConfigDir, "logs"),
			DatabaseFile: filepath.Join(ProjectConfigDir, DatabaseFilename),
		},
		Metrics: &MetricsConfig{
			Enabled:       true,
			Namespace:     "conductor",
			ListenAddr:    "localhost:2112",
			PrometheusURL: "",
		},
		Resilience: &ResilienceConfig{
			Retry: RetryConfig{
				MaxAttempts:   MaxRetryAttempts,
				InitialDelay:  2 * time.Second,
				MaxDelay:      30 * time.Second,
				BackoffFactor: RetryBackoffMultiplier,
				Jitter:        true,
			},
			Timeout: 5 * time.Minute,
		},
		Debug: &DebugConfig{
			LLMMessages: false,
		},
	}
}

// applyDefaults fills in missing sections and fields on a loaded config.
func applyDefaults(config *Config) {
	defaults := createDefaultConfig()

	if config.SchemaVersion == "" {
		config.SchemaVersion = SchemaVersion
	}

	if config.Roles == nil {
		config.Roles = defaults.Roles
	} else {
		// Fill in any role missing from the user's config.
		for key, rm := range defaults.Roles {
			if _, exists := config.Roles[key]; !exists {
				config.Roles[key] = rm
			}
		}
	}

	if config.Dispatcher == nil {
		config.Dispatcher = defaults.Dispatcher
	} else {
		if config.Dispatcher.PreparationTimeout == 0 {
			config.Dispatcher.PreparationTimeout = defaults.Dispatcher.PreparationTimeout
		}
		if config.Dispatcher.ParallelTimeout == 0 {
			config.Dispatcher.ParallelTimeout = defaults.Dispatcher.ParallelTimeout
		}
		if config.Dispatcher.ConsolidationTimeout == 0 {
			config.Dispatcher.ConsolidationTimeout = defaults.Dispatcher.ConsolidationTimeout
		}
		if config.Dispatcher.PresentationTimeout == 0 {
			config.Dispatcher.PresentationTimeout = defaults.Dispatcher.PresentationTimeout
		}
		if config.Dispatcher.ConsolidationQuorum == 0 {
			config.Dispatcher.ConsolidationQuorum = defaults.Dispatcher.ConsolidationQuorum
		}
		if config.Dispatcher.ReviewerFanOut == 0 {
			config.Dispatcher.ReviewerFanOut = defaults.Dispatcher.ReviewerFanOut
		}
	}

	if config.Monitor == nil {
		config.Monitor = defaults.Monitor
	} else {
		if config.Monitor.PollInterval == 0 {
			config.Monitor.PollInterval = defaults.Monitor.PollInterval
		}
		if config.Monitor.StableObservations == 0 {
			config.Monitor.StableObservations = defaults.Monitor.StableObservations
		}
		if config.Monitor.IdleFallbackPolls == 0 {
			config.Monitor.IdleFallbackPolls = defaults.Monitor.IdleFallbackPolls
		}
		if config.Monitor.Deadline == 0 {
			config.Monitor.Deadline = defaults.Monitor.Deadline
		}
	}

	if config.Workflow == nil {
		config.Workflow = defaults.Workflow
	} else if config.Workflow.MaxIterations == 0 {
		config.Workflow.MaxIterations = defaults.Workflow.MaxIterations
	}

	if config.Collector == nil {
		config.Collector = defaults.Collector
	} else if config.Collector.MaxPayloadTokens == 0 {
		config.Collector.MaxPayloadTokens = defaults.Collector.MaxPayloadTokens
	}

	if config.Storage == nil {
		config.Storage = defaults.Storage
	} else {
		if config.Storage.StateDir == "" {
			config.Storage.StateDir = defaults.Storage.StateDir
		}
		if config.Storage.ArtifactsDir == "" {
			config.Storage.ArtifactsDir = defaults.Storage.ArtifactsDir
		}
		if config.Storage.LogsDir == "" {
			config.Storage.LogsDir = defaults.Storage.LogsDir
		}
		if config.Storage.DatabaseFile == "" {
			config.Storage.DatabaseFile = defaults.Storage.DatabaseFile
		}
	}

	if config.Metrics == nil {
		config.Metrics = defaults.Metrics
	} else {
		if config.Metrics.Namespace == "" {
			config.Metrics.Namespace = defaults.Metrics.Namespace
		}
		if config.Metrics.ListenAddr == "" {
			config.Metrics.ListenAddr = defaults.Metrics.ListenAddr
		}
	}

	if config.Resilience == nil {
		config.Resilience = defaults.Resilience
	} else {
		if config.Resilience.Retry.MaxAttempts == 0 {
			config.Resilience.Retry = defaults.Resilience.Retry
		}
		if config.Resilience.Timeout == 0 {
			config.Resilience.Timeout = defaults.Resilience.Timeout
		}
	}

	if config.Debug == nil {
		config.Debug = defaults.Debug
	}
}

// isKnownRoleKey reports whether key is one of the accepted role keys.
func isKnownRoleKey(key string) bool {
	for _, known := range knownRoleKeys {
		if key == known {
			return true
		}
	}
	return false
}

// validateConfig validates the full configuration before it becomes visible.
func validateConfig(config *Config) error {
	if config.SchemaVersion != SchemaVersion {
		return fmt.Errorf("unsupported schema version '%s' (expected '%s')", config.SchemaVersion, SchemaVersion)
	}

	// Every role must be known and map to a provider, including fallbacks.
	for key, rm := range config.Roles {
		if !isKnownRoleKey(key) {
			return fmt.Errorf("unknown role key '%s' in roles config", key)
		}
		if rm.Model == "" {
			return fmt.Errorf("role '%s' has no model configured", key)
		}
		if _, err := GetModelProvider(rm.Model); err != nil {
			return fmt.Errorf("role '%s': %w", key, err)
		}
		for _, fb := range rm.Fallback {
			if _, err := GetModelProvider(fb); err != nil {
				return fmt.Errorf("role '%s' fallback: %w", key, err)
			}
		}
	}
	for _, key := range knownRoleKeys {
		if _, exists := config.Roles[key]; !exists {
			return fmt.Errorf("role '%s' missing from roles config", key)
		}
	}

	if config.Dispatcher.ConsolidationQuorum < 1 {
		return fmt.Errorf("dispatcher consolidation_quorum must be at least 1")
	}
	if config.Dispatcher.ReviewerFanOut < config.Dispatcher.ConsolidationQuorum {
		return fmt.Errorf("dispatcher reviewer_fan_out (%d) must be at least consolidation_quorum (%d)",
			config.Dispatcher.ReviewerFanOut, config.Dispatcher.ConsolidationQuorum)
	}
	for name, timeout := range map[string]time.Duration{
		"preparation_timeout":   config.Dispatcher.PreparationTimeout,
		"parallel_timeout":      config.Dispatcher.ParallelTimeout,
		"consolidation_timeout": config.Dispatcher.ConsolidationTimeout,
		"presentation_timeout":  config.Dispatcher.PresentationTimeout,
	} {
		if timeout <= 0 {
			return fmt.Errorf("dispatcher %s must be positive", name)
		}
	}

	if config.Monitor.PollInterval <= 0 {
		return fmt.Errorf("monitor poll_interval must be positive")
	}
	if config.Monitor.StableObservations < 2 {
		return fmt.Errorf("monitor stable_observations must be at least 2")
	}
	if config.Monitor.IdleFallbackPolls < 1 {
		return fmt.Errorf("monitor idle_fallback_polls must be at least 1")
	}
	if config.Monitor.Deadline <= config.Monitor.PollInterval {
		return fmt.Errorf("monitor deadline must exceed poll_interval")
	}

	if config.Workflow.MaxIterations < 1 {
		return fmt.Errorf("workflow max_iterations must be at least 1")
	}
	for _, role := range config.Workflow.RequiredRoles {
		if !isKnownRoleKey(role) {
			return fmt.Errorf("unknown role '%s' in workflow required_roles", role)
		}
	}

	if config.Collector.MaxPayloadTokens < 1 {
		return fmt.Errorf("collector max_payload_tokens must be positive")
	}

	return nil
}
