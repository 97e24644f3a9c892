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
	path := filepath.Join(t.TempDir(), "healer.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, 3, cfg.Healer.MaxAttempts)
	assert.Equal(t, "stdio", cfg.MCP.Transport)
	assert.True(t, cfg.Browser.Headless)

	oc := cfg.Healer.Orchestrator()
	assert.Equal(t, 4, oc.MaxConcurrent)
	assert.Equal(t, 5*time.Second, oc.CaptureTimeout)
	assert.Equal(t, time.Minute, oc.Defaults.StepTimeout)
	assert.Equal(t, 10*time.Minute, oc.Defaults.SessionTimeout)
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	path := writeConfig(t, `
healer:
  max_attempts: 5
  step_timeout: 15s
advisory:
  enabled: false
browser:
  start_url: https://app.test
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Healer.MaxAttempts)
	assert.Equal(t, 15*time.Second, cfg.Healer.Orchestrator().Defaults.StepTimeout)
	assert.False(t, cfg.Advisory.Enabled)
	assert.Equal(t, "anthropic", cfg.Advisory.Provider)
	assert.Equal(t, "https://app.test", cfg.Browser.StartURL)
	assert.Equal(t, 300, cfg.Browser.ElementLimit)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Healer, cfg.Healer)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, "healer: [unclosed"))
	assert.ErrorContains(t, err, "parsing config")

	_, err = Load(writeConfig(t, "healer:\n  max_attempts: 21\nmcp:\n  transport: grpc\n"))
	assert.ErrorContains(t, err, "max_attempts")
	assert.ErrorContains(t, err, "mcp.transport")
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(envMaxAttempts, "7")
	t.Setenv(envLogLevel, "debug")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Healer.MaxAttempts)
	assert.Equal(t, "debug", cfg.Log.Level)

	t.Setenv(envMaxAttempts, "many")
	_, err = Load("")
	assert.ErrorContains(t, err, envMaxAttempts)
}

func TestDurationFallbacks(t *testing.T) {
	assert.Equal(t, 20*time.Second, AdvisoryConfig{}.DiagnoseDeadline())
	assert.Equal(t, 30*time.Second, AdvisoryConfig{PatchTimeout: "soon"}.PatchDeadline())
	assert.Equal(t, time.Second, BrowserConfig{SettleDelay: "-2s"}.Settle())
	assert.Equal(t, 250*time.Millisecond, BrowserConfig{SettleDelay: "250ms"}.Settle())
}
