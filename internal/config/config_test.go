package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "server:\n  port: \"9090\"\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Server.Port)
	assert.Equal(t, 100, cfg.Server.RequestTimeoutMs)
	assert.Equal(t, 30, cfg.Reload.PollIntervalSeconds)
	assert.Equal(t, []string{"CARD_MONITORING"}, cfg.Reload.RequiredRulesetKeys)
	assert.Equal(t, 3600, cfg.Velocity.DefaultWindowSeconds)
	assert.Equal(t, int64(10), cfg.Velocity.DefaultThreshold)
	assert.Equal(t, int64(256), cfg.LoadShedding.MaxConcurrent)
	assert.Equal(t, "fraudmon:outbox", cfg.Outbox.Stream)
	assert.Equal(t, "stream", cfg.Publisher.Kind)
	assert.Equal(t, 30*time.Second, cfg.PollInterval())
}

func TestLoadConfigReadsValues(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "8081"
  env: staging
reload:
  poll_interval_seconds: 10
  required_ruleset_keys: [CARD_MONITORING, ACCOUNT_MONITORING]
load_shedding:
  max_concurrent: 64
debug:
  enabled: true
  sample_rate: 25
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Server.Env)
	assert.Equal(t, 10, cfg.Reload.PollIntervalSeconds)
	assert.Equal(t, []string{"CARD_MONITORING", "ACCOUNT_MONITORING"}, cfg.Reload.RequiredRulesetKeys)
	assert.Equal(t, int64(64), cfg.LoadShedding.MaxConcurrent)
	assert.True(t, cfg.Debug.Enabled)
	assert.Equal(t, 25, cfg.Debug.SampleRate)
	// Velocity keys are namespaced by environment by default.
	assert.Equal(t, "staging", cfg.Velocity.KeyPrefix)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("POLL_INTERVAL_SECONDS", "5")
	t.Setenv("REQUIRED_RULESET_KEYS", "CARD_MONITORING, WALLET_MONITORING")
	t.Setenv("MAX_CONCURRENT", "8")
	t.Setenv("DEBUG_ENABLED", "true")

	cfg := Default()
	assert.Equal(t, 5, cfg.Reload.PollIntervalSeconds)
	assert.Equal(t, []string{"CARD_MONITORING", "WALLET_MONITORING"}, cfg.Reload.RequiredRulesetKeys)
	assert.Equal(t, int64(8), cfg.LoadShedding.MaxConcurrent)
	assert.True(t, cfg.Debug.Enabled)
}

func TestNegativeMaxConcurrentMeansShedAll(t *testing.T) {
	path := writeConfig(t, "load_shedding:\n  max_concurrent: -1\n")
	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	// Explicit negative is preserved: the admission gate sheds everything.
	assert.Equal(t, int64(-1), cfg.LoadShedding.MaxConcurrent)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig("/nonexistent/config.yaml")
	assert.Error(t, err)
}
