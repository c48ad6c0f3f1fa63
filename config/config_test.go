package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	// No config file in a temp working directory - everything from defaults.
	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(orig)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "catalog.db", cfg.Database.Path)
	assert.Equal(t, "openai/gpt-4o-mini", cfg.OpenRouter.Model)
	assert.Equal(t, 60, cfg.OpenRouter.RequestsPerMinute)
	assert.Equal(t, 50, cfg.Engine.BatchSize)
	assert.Equal(t, 5, cfg.Engine.Concurrency)
	assert.Empty(t, cfg.Engine.PrioritizedCategories)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.InterPageDelay)
	assert.Equal(t, time.Hour, cfg.Engine.MaxPause)
	assert.False(t, cfg.Log.JSON)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "enrichd.toml")
	content := `
[server]
addr = ":9090"

[engine]
batch_size = 10
concurrency = 3
prioritized_categories = ["electronics", "toys"]

[openrouter]
model = "anthropic/claude-3-haiku"
requests_per_minute = 30
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, 10, cfg.Engine.BatchSize)
	assert.Equal(t, 3, cfg.Engine.Concurrency)
	assert.Equal(t, []string{"electronics", "toys"}, cfg.Engine.PrioritizedCategories)
	assert.Equal(t, "anthropic/claude-3-haiku", cfg.OpenRouter.Model)
	assert.Equal(t, 30, cfg.OpenRouter.RequestsPerMinute)

	// Keys absent from the file keep their defaults
	assert.Equal(t, "catalog.db", cfg.Database.Path)
	assert.Equal(t, time.Hour, cfg.Engine.MaxPause)
}

func TestLoadFromFileMissing(t *testing.T) {
	_, err := LoadFromFile(filepath.Join(t.TempDir(), "nope.toml"))
	require.Error(t, err)
}

func TestEnvOverride(t *testing.T) {
	dir := t.TempDir()
	orig, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	defer os.Chdir(orig)

	t.Setenv("ENRICHD_OPENROUTER_API_KEY", "sk-test")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.OpenRouter.APIKey)
}
