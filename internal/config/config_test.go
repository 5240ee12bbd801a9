package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/fxcore/pkg/types"
)

func resetViper(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
}

func writeConfig(t *testing.T, yaml string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	resetViper(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "1000", cfg.Order.MinOrderSize.String())
	assert.Equal(t, "10000000", cfg.Order.MaxOrderSize.String())
	assert.Equal(t, 100, cfg.Order.MaxOrdersPerUser)
	assert.Equal(t, 24, cfg.Order.ExpiryHours)
	assert.Len(t, cfg.Order.SupportedTypes, 5)

	assert.Equal(t, 30*time.Second, cfg.Execution.DefaultTimeLimit)
	assert.Equal(t, "0.001", cfg.Execution.CommissionRate.String())
	assert.False(t, cfg.Execution.DisableSmartRouting)
	assert.Equal(t, 8, cfg.Execution.WorkerPoolSize)

	assert.Equal(t, types.CycleT2, cfg.Settlement.DefaultCycle)
	assert.False(t, cfg.Settlement.DisableNetting)
	assert.Equal(t, types.CycleT1, cfg.Settlement.CycleOverrides["USD/CAD"])

	assert.Equal(t, "USD", cfg.Analytics.BaseCurrency)
	assert.False(t, cfg.Analytics.DisableRiskMetrics)
	assert.Equal(t, "23:55", cfg.Analytics.ReportTime)

	assert.Equal(t, 5*time.Second, cfg.Rates.ValidityPeriod)
	assert.Equal(t, 90, cfg.Archive.RetentionDays)
	assert.Equal(t, ":9090", cfg.Monitor.ListenAddr)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Empty(t, cfg.NATS.URL)
	assert.Nil(t, cfg.Providers)
}

func TestLoadFileOverrides(t *testing.T) {
	resetViper(t)
	path := writeConfig(t, `
order:
  min_order_size: 5000
  commission_rate: 0.002
execution:
  enable_smart_routing: false
  timeout: 45s
providers:
  bank-a:
    priority: 1
    max_order_size: 2000000
    avg_latency_ms: 12
    reliability: 0.999
    cost_bps: 0.4
    enabled: true
    rate_limit_per_sec: 50
  bank-b:
    priority: 2
    enabled: false
settlement:
  enable_netting: false
  default_cycle: t+1
  cycle_overrides:
    eur/gbp: T+0
  cutoff_times:
    t+1: "16:30"
  max_amount: 25000000
analytics:
  base_currency: eur
  risk_metrics_enabled: false
  reporting_currencies: [usd, jpy]
rates:
  validity_period: 10s
  stream_url: wss://rates.example.com/stream
nats:
  url: nats://127.0.0.1:4222
monitor:
  listen_addr: ":9100"
log:
  level: debug
  format: json
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "5000", cfg.Order.MinOrderSize.String())
	assert.Equal(t, "0.002", cfg.Execution.CommissionRate.String())
	assert.True(t, cfg.Execution.DisableSmartRouting)
	assert.Equal(t, 45*time.Second, cfg.Execution.DefaultTimeLimit)

	require.Len(t, cfg.Providers, 2)
	bankA := cfg.Providers["bank-a"]
	assert.Equal(t, "bank-a", bankA.Name)
	assert.Equal(t, 1, bankA.Priority)
	assert.Equal(t, "2000000", bankA.MaxOrderSize.String())
	assert.Equal(t, 12, bankA.AvgLatencyMs)
	assert.True(t, bankA.Enabled)
	assert.Equal(t, 50, bankA.RateLimitPerSec)
	assert.False(t, cfg.Providers["bank-b"].Enabled)

	assert.True(t, cfg.Settlement.DisableNetting)
	assert.Equal(t, types.CycleT1, cfg.Settlement.DefaultCycle)
	assert.Equal(t, types.CycleT0, cfg.Settlement.CycleOverrides["EUR/GBP"])
	assert.Equal(t, "16:30", cfg.Settlement.Cutoffs[types.CycleT1])

	assert.Equal(t, "EUR", cfg.Analytics.BaseCurrency)
	assert.True(t, cfg.Analytics.DisableRiskMetrics)
	assert.Equal(t, []string{"USD", "JPY"}, cfg.Analytics.ReportingCurrencies)

	assert.Equal(t, 10*time.Second, cfg.Rates.ValidityPeriod)
	assert.Equal(t, "wss://rates.example.com/stream", cfg.Rates.StreamURL)
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.NATS.URL)
	assert.Equal(t, ":9100", cfg.Monitor.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)

	// settlement.max_amount backs the compliance ceiling when unset there.
	assert.Equal(t, "25000000", cfg.Compliance.MaxSettlementAmount.String())
}

func TestComplianceCeilingPrefersOwnKey(t *testing.T) {
	resetViper(t)
	path := writeConfig(t, `
settlement:
  max_amount: 2000
compliance:
  max_settlement_amount: 1000
  restricted_pairs: [USD/TRY]
  sanctioned_counterparties: [acme-bank]
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "1000", cfg.Compliance.MaxSettlementAmount.String())
	assert.Equal(t, []string{"USD/TRY"}, cfg.Compliance.RestrictedPairs)
	assert.Equal(t, []string{"acme-bank"}, cfg.Compliance.SanctionedCounterparties)
}

func TestLoadExplicitMissingFileFails(t *testing.T) {
	resetViper(t)

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
