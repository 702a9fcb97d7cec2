package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trust-gate/internal/engine"
)

const baseYAML = `
market:
  exchange: binance
  symbol: ETHUSDT
sanitizer:
  window: 10s
  max_ts_regression: 1s
alignment:
  max_wait: 100ms
  max_buffer_len: 500
  max_hold: 5s
trust:
  window: 10s
  quarantine_untrusted_rate: 0.2
  late_degraded_rate: 0.05
  late_untrusted_rate: 0.3
  forced_flush_degraded_count: 0
  forced_flush_untrusted_count: 3
  buffer_len_degraded: 200
  buffer_len_untrusted: 400
  fat_finger_degraded_bps: 50
  fat_finger_untrusted_bps: 100
  spread_explode_bps: 20
  trade_jump_degraded_bps: 80
  stall_after:
    orderbook: 3s
hypothesis:
  weak_price_diverge_bps: 10
  invalid_price_diverge_bps: 50
  stable_min_duration_ms: 500
  min_sources: 3
  freshness:
    orderbook_mid: 2s
engine:
  evaluation: event
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadAppliesFileAndDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	assert.Equal(t, "ETHUSDT", cfg.Market.Symbol)
	assert.Equal(t, engine.ModeEvent, cfg.Engine.Evaluation)
	assert.Equal(t, 100*time.Millisecond, cfg.Alignment.MaxWait)
	assert.Equal(t, 3*time.Second, cfg.Trust.StallAfter["orderbook"])
	assert.Equal(t, 2*time.Second, cfg.Hypothesis.Freshness["orderbook_mid"])

	assert.Equal(t, "trustgate", cfg.App.Name)
	assert.Equal(t, 65536, cfg.Service.EventQueue)
	assert.Equal(t, time.Second, cfg.Service.TickInterval)
	assert.Equal(t, []string{"telegram"}, cfg.Alerting.Channels)
	assert.Equal(t, 100000, cfg.ResolveMaxPoints(0))
	assert.Equal(t, 10, cfg.ResolveMaxPoints(10))

	settings := cfg.EngineSettings()
	assert.Equal(t, cfg.Market, settings.Instrument)
	assert.Equal(t, cfg.Trust, settings.Trust)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("TRUSTGATE_TRUST_FAT_FINGER_UNTRUSTED_BPS", "150")
	t.Setenv("TRUSTGATE_SERVICE_TICK_INTERVAL", "250ms")

	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)
	assert.Equal(t, 150.0, cfg.Trust.FatFingerUntrustedBPS)
	assert.Equal(t, 250*time.Millisecond, cfg.Service.TickInterval)
}

func TestLoadReportsMissingThresholds(t *testing.T) {
	body := strings.Replace(baseYAML, "  fat_finger_untrusted_bps: 100\n", "", 1)
	body = strings.Replace(body, "  min_sources: 3\n", "", 1)

	_, err := Load(writeConfig(t, body))
	require.ErrorIs(t, err, ErrMissingSetting)
	assert.Contains(t, err.Error(), "trust.fat_finger_untrusted_bps")
	assert.Contains(t, err.Error(), "hypothesis.min_sources")
}

func TestValidateRejectsInconsistentThresholds(t *testing.T) {
	cases := map[string]string{
		"weak above invalid":   strings.Replace(baseYAML, "weak_price_diverge_bps: 10", "weak_price_diverge_bps: 60", 1),
		"rate above one":       strings.Replace(baseYAML, "quarantine_untrusted_rate: 0.2", "quarantine_untrusted_rate: 1.5", 1),
		"too few sources":      strings.Replace(baseYAML, "min_sources: 3", "min_sources: 1", 1),
		"unknown stall stream": strings.Replace(baseYAML, "    orderbook: 3s", "    funding: 3s", 1),
		"unknown family":       strings.Replace(baseYAML, "    orderbook_mid: 2s", "    vwap: 2s", 1),
		"unknown mode":         strings.Replace(baseYAML, "evaluation: event", "evaluation: sometimes", 1),
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			require.Error(t, err)
			assert.NotErrorIs(t, err, ErrMissingSetting)
		})
	}
}

func TestValidateTelegramRequiresCredentials(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseYAML))
	require.NoError(t, err)

	cfg.Alerting.Telegram.Enabled = true
	require.Error(t, cfg.Validate())

	cfg.Alerting.Telegram.BotToken = "token"
	cfg.Alerting.Telegram.ChatID = "42"
	require.NoError(t, cfg.Validate())
}
