package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, "store:\n  capital_ceiling: 25000\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 25000.0, cfg.Store.CapitalCeiling)
	assert.Equal(t, 1800, cfg.Engine.ScanIntervalSecs)
	assert.Equal(t, 30, cfg.Funnel.QualityGateSize)
	assert.Equal(t, PolicyReject, cfg.Funnel.Filters.EarningsWindow.Policy)
	assert.Equal(t, PolicyWarn, cfg.Funnel.Filters.MinVolume.Policy)
	assert.Equal(t, 3, cfg.Resilience.Broker.MaxAttempts)
	assert.Equal(t, 0.0, cfg.Spread.StopLossFraction)
	assert.Equal(t, "America/New_York", cfg.Session.Timezone)
	assert.Equal(t, "09:30", cfg.Session.Open)
	assert.Contains(t, cfg.Session.Holidays, "2026-11-26")
	assert.False(t, cfg.Session.AllowAfterHours)
	assert.Equal(t, "paper", cfg.Broker.Mode)
}

func TestLoad_NormalizesPolicyCase(t *testing.T) {
	path := writeConfig(t, "funnel:\n  filters:\n    max_price:\n      value: 500\n      policy: reject\n")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, PolicyReject, cfg.Funnel.Filters.MaxPrice.Policy)
	assert.Equal(t, 500.0, cfg.Funnel.Filters.MaxPrice.Value)
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown policy", "funnel:\n  filters:\n    min_volume:\n      policy: maybe\n"},
		{"bad broker mode", "broker:\n  mode: live\n"},
		{"inverted windows", "regime:\n  short_window: 60\n  long_window: 50\n"},
		{"inverted multipliers", "sizing:\n  min_multiplier: 1.5\n  max_multiplier: 1.2\n"},
		{"unknown timezone", "session:\n  timezone: Mars/Olympus\n"},
		{"session closes before open", "session:\n  open: \"16:00\"\n  close: \"09:30\"\n"},
		{"bad holiday", "session:\n  holidays: [\"12/25/2026\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}
}

func TestLoad_ReadsSecretsFromEnv(t *testing.T) {
	t.Setenv("ALPACA_API_KEY_ID", "key-id")
	t.Setenv("SLACK_WEBHOOK_URL", "https://hooks.example/abc")

	cfg, err := Load(writeConfig(t, "log_level: debug\n"))
	require.NoError(t, err)
	assert.Equal(t, "key-id", cfg.Broker.KeyID)
	assert.Equal(t, "https://hooks.example/abc", cfg.Alerts.SlackWebhookURL)
}

func TestLoadEnv_MissingFileIsIgnored(t *testing.T) {
	assert.NoError(t, LoadEnv(filepath.Join(t.TempDir(), "absent.env")))
}

func TestLoadEnv_ReadsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.env")
	require.NoError(t, os.WriteFile(path, []byte("PREMIUM_ENGINE_TEST_VAR=loaded\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("PREMIUM_ENGINE_TEST_VAR") })

	require.NoError(t, LoadEnv(path))
	assert.Equal(t, "loaded", os.Getenv("PREMIUM_ENGINE_TEST_VAR"))
}
