package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	defer SetConfigForTesting(nil)

	require.NoError(t, LoadConfig(dir))

	// Config file must be written to disk.
	configPath := filepath.Join(dir, ProjectConfigDir, ProjectConfigFilename)
	_, err := os.Stat(configPath)
	require.NoError(t, err, "config.json should be created")

	cfg, err := GetConfig()
	require.NoError(t, err)

	assert.Equal(t, SchemaVersion, cfg.SchemaVersion)
	assert.Equal(t, 2, cfg.Dispatcher.ConsolidationQuorum)
	assert.Equal(t, 3, cfg.Dispatcher.ReviewerFanOut)
	assert.Equal(t, 2*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 2, cfg.Monitor.StableObservations)
	assert.Equal(t, 3, cfg.Monitor.IdleFallbackPolls)
	assert.Equal(t, 30*time.Minute, cfg.Monitor.Deadline)
	assert.Equal(t, 3, cfg.Workflow.MaxIterations)
	assert.Equal(t, 8000, cfg.Collector.MaxPayloadTokens)

	// Every role key must have a model.
	for _, key := range knownRoleKeys {
		rm, exists := cfg.Roles[key]
		assert.True(t, exists, "role %s should have a default", key)
		assert.NotEmpty(t, rm.Model)
	}
}

func TestLoadConfigAppliesDefaultsToPartialFile(t *testing.T) {
	dir := t.TempDir()
	defer SetConfigForTesting(nil)

	// Write a partial config missing most sections.
	configDir := filepath.Join(dir, ProjectConfigDir)
	require.NoError(t, os.MkdirAll(configDir, 0755))
	partial := `{
		"schema_version": "1.0",
		"workflow": {"max_iterations": 5}
	}`
	require.NoError(t, os.WriteFile(filepath.Join(configDir, ProjectConfigFilename), []byte(partial), 0644))

	require.NoError(t, LoadConfig(dir))

	cfg, err := GetConfig()
	require.NoError(t, err)

	// User value preserved, missing sections defaulted.
	assert.Equal(t, 5, cfg.Workflow.MaxIterations)
	assert.NotNil(t, cfg.Monitor)
	assert.Equal(t, 2, cfg.Dispatcher.ConsolidationQuorum)
}

func TestLoadConfigRejectsUnparseableFile(t *testing.T) {
	dir := t.TempDir()
	defer SetConfigForTesting(nil)

	configDir := filepath.Join(dir, ProjectConfigDir)
	require.NoError(t, os.MkdirAll(configDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(configDir, ProjectConfigFilename), []byte("{not json"), 0644))

	err := LoadConfig(dir)
	require.Error(t, err, "unparseable config must not be overwritten")
}

func TestGetConfigBeforeLoadFails(t *testing.T) {
	SetConfigForTesting(nil)

	_, err := GetConfig()
	assert.Error(t, err)
}

func TestValidateConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"quorum below one", func(c *Config) { c.Dispatcher.ConsolidationQuorum = 0; c.Dispatcher.ReviewerFanOut = 0 }},
		{"fan-out below quorum", func(c *Config) { c.Dispatcher.ReviewerFanOut = 1 }},
		{"stable observations below two", func(c *Config) { c.Monitor.StableObservations = 1 }},
		{"deadline under poll interval", func(c *Config) { c.Monitor.Deadline = time.Second; c.Monitor.PollInterval = 2 * time.Second }},
		{"zero max iterations", func(c *Config) { c.Workflow.MaxIterations = 0 }},
		{"unknown required role", func(c *Config) { c.Workflow.RequiredRoles = []string{"wizard"} }},
		{"unknown role key", func(c *Config) { c.Roles["wizard"] = RoleModelConfig{Model: ModelClaudeSonnet} }},
		{"unmappable model", func(c *Config) { c.Roles[RoleKeyPlanner] = RoleModelConfig{Model: "zzz-unknown-model"} }},
		{"unmappable fallback", func(c *Config) {
			c.Roles[RoleKeyPlanner] = RoleModelConfig{Model: ModelClaudeOpus, Fallback: []string{"zzz-unknown"}}
		}},
		{"missing role", func(c *Config) { delete(c.Roles, RoleKeyTester) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := createDefaultConfig()
			tt.mutate(cfg)
			assert.Error(t, validateConfig(cfg))
		})
	}
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	cfg := createDefaultConfig()
	assert.NoError(t, validateConfig(cfg))
}

func TestGetModelProvider(t *testing.T) {
	tests := []struct {
		model    string
		provider string
	}{
		{ModelClaudeSonnet, ProviderAnthropic},
		{ModelOpenAIO3, ProviderOpenAI},
		{ModelGeminiFlash, ProviderGoogle},
		{ModelOllamaQwen, ProviderOllama},
		// Pattern inference for unknown models.
		{"claude-next-9", ProviderAnthropic},
		{"qwen3:32b", ProviderOllama},
	}

	for _, tt := range tests {
		provider, err := GetModelProvider(tt.model)
		require.NoError(t, err, tt.model)
		assert.Equal(t, tt.provider, provider, tt.model)
	}

	_, err := GetModelProvider("totally-unknown-model")
	assert.Error(t, err)
}

func TestGetModelInfo(t *testing.T) {
	info, known := GetModelInfo(ModelClaudeSonnet)
	assert.True(t, known)
	assert.Equal(t, ProviderAnthropic, info.Provider)
	assert.Positive(t, info.MaxContextTokens)

	info, known = GetModelInfo("claude-hypothetical")
	assert.False(t, known)
	assert.Equal(t, ProviderAnthropic, info.Provider, "provider inferred from prefix")
	assert.Equal(t, 32000, info.MaxContextTokens, "conservative default")
}

func TestGetRoleModel(t *testing.T) {
	dir := t.TempDir()
	defer SetConfigForTesting(nil)
	require.NoError(t, LoadConfig(dir))

	rm, err := GetRoleModel(RoleKeyImplementer)
	require.NoError(t, err)
	assert.Equal(t, ModelClaudeSonnet, rm.Model)

	_, err = GetRoleModel("wizard")
	assert.Error(t, err)
}

func TestStoragePathResolution(t *testing.T) {
	dir := t.TempDir()
	defer SetConfigForTesting(nil)
	require.NoError(t, LoadConfig(dir))

	stateDir, err := GetStateDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ProjectConfigDir, "state"), stateDir)

	dbPath, err := GetDatabasePath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, ProjectConfigDir, DatabaseFilename), dbPath)
}
