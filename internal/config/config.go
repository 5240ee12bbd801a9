// Package config loads the YAML configuration through viper and produces
// the explicit per-component config structs passed at construction. Every
// recognized key carries a default, so an absent file yields a runnable
// configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/mExOms/fxcore/internal/analytics"
	"github.com/mExOms/fxcore/internal/archive"
	"github.com/mExOms/fxcore/internal/compliance"
	"github.com/mExOms/fxcore/internal/execution"
	"github.com/mExOms/fxcore/internal/order"
	"github.com/mExOms/fxcore/internal/provider"
	"github.com/mExOms/fxcore/internal/settlement"
	"github.com/mExOms/fxcore/pkg/types"
)

// RatesConfig selects the rate stream endpoint and the staleness window the
// aggregator enforces.
type RatesConfig struct {
	ValidityPeriod time.Duration
	StreamURL      string
}

// NATSConfig enables the external JetStream relay when URL is set.
type NATSConfig struct {
	URL string
}

// MonitorConfig places the health and metrics endpoint.
type MonitorConfig struct {
	ListenAddr string
}

// LogConfig selects the logrus level and output format.
type LogConfig struct {
	Level  string
	Format string
}

// Config aggregates every component's construction config.
type Config struct {
	Order      order.Config
	Execution  execution.Config
	Providers  map[string]types.ProviderConfig
	Settlement settlement.Config
	Analytics  analytics.Config
	Rates      RatesConfig
	Compliance compliance.RuleConfig
	NATS       NATSConfig
	Archive    archive.Config
	Monitor    MonitorConfig
	Log        LogConfig
}

// Load reads the file at path, or config.yaml under ./configs or the working
// directory when path is empty. A missing file is an error only when the
// path was given explicitly; defaults cover everything else.
func Load(path string) (*Config, error) {
	setDefaults()

	if path != "" {
		viper.SetConfigFile(path)
		if err := viper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("./configs")
		viper.AddConfigPath(".")
		if err := viper.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}
	return fromViper(), nil
}

func setDefaults() {
	viper.SetDefault("order.min_order_size", 1000)
	viper.SetDefault("order.max_order_size", 10_000_000)
	viper.SetDefault("order.max_orders_per_user", 100)
	viper.SetDefault("order.expiry_hours", 24)
	viper.SetDefault("order.slippage_buffer", 0.01)
	viper.SetDefault("order.commission_rate", 0.001)
	viper.SetDefault("order.sweep_interval", "1m")
	viper.SetDefault("order.supported_types",
		[]string{"market", "limit", "stop", "stop_limit", "trailing_stop"})

	viper.SetDefault("execution.tick_interval", "100ms")
	viper.SetDefault("execution.timeout", "30s")
	viper.SetDefault("execution.max_slippage", 0.005)
	viper.SetDefault("execution.max_partial_fills", 3)
	viper.SetDefault("execution.enable_smart_routing", true)
	viper.SetDefault("execution.price_improvement_threshold", 0)
	viper.SetDefault("execution.participation_rate", 0.1)
	viper.SetDefault("execution.expected_period_volume", 50_000)
	viper.SetDefault("execution.twap_slice_window", "10s")
	viper.SetDefault("execution.large_order_threshold", 1_000_000)
	viper.SetDefault("execution.worker_pool_size", 8)

	viper.SetDefault("settlement.default_cycle", "T+2")
	viper.SetDefault("settlement.enable_netting", true)
	viper.SetDefault("settlement.min_net_amount", 0.01)
	viper.SetDefault("settlement.retry_attempts", 3)
	viper.SetDefault("settlement.retry_delay", "30s")
	viper.SetDefault("settlement.tick_interval", "1m")
	viper.SetDefault("settlement.cycle_overrides", map[string]string{"USD/CAD": "T+1"})

	viper.SetDefault("analytics.base_currency", "USD")
	viper.SetDefault("analytics.pnl_interval", "1m")
	viper.SetDefault("analytics.risk_metrics_enabled", true)
	viper.SetDefault("analytics.report_time", "23:55")
	viper.SetDefault("analytics.top_trade_count", 5)
	viper.SetDefault("analytics.min_risk_samples", 10)

	viper.SetDefault("rates.validity_period", "5s")

	viper.SetDefault("archive.dir", "data/archive")
	viper.SetDefault("archive.max_file_size", 64<<20)
	viper.SetDefault("archive.flush_interval", "5s")
	viper.SetDefault("archive.retention_days", 90)

	viper.SetDefault("monitor.listen_addr", ":9090")
	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "text")
}

func fromViper() *Config {
	cfg := &Config{
		Order: order.Config{
			MinOrderSize:     decimal.NewFromFloat(viper.GetFloat64("order.min_order_size")),
			MaxOrderSize:     decimal.NewFromFloat(viper.GetFloat64("order.max_order_size")),
			MaxOrdersPerUser: viper.GetInt("order.max_orders_per_user"),
			ExpiryHours:      viper.GetInt("order.expiry_hours"),
			SlippageBuffer:   decimal.NewFromFloat(viper.GetFloat64("order.slippage_buffer")),
			SupportedTypes:   orderTypes(viper.GetStringSlice("order.supported_types")),
			SweepInterval:    viper.GetDuration("order.sweep_interval"),
		},
		Execution: execution.Config{
			TickInterval:         viper.GetDuration("execution.tick_interval"),
			DefaultTimeLimit:     viper.GetDuration("execution.timeout"),
			MaxSlippage:          decimal.NewFromFloat(viper.GetFloat64("execution.max_slippage")),
			MaxPartialFills:      viper.GetInt("execution.max_partial_fills"),
			CommissionRate:       decimal.NewFromFloat(viper.GetFloat64("order.commission_rate")),
			DisableSmartRouting:  !viper.GetBool("execution.enable_smart_routing"),
			ImprovementThreshold: decimal.NewFromFloat(viper.GetFloat64("execution.price_improvement_threshold")),
			ParticipationRate:    decimal.NewFromFloat(viper.GetFloat64("execution.participation_rate")),
			ExpectedPeriodVolume: decimal.NewFromFloat(viper.GetFloat64("execution.expected_period_volume")),
			TWAPSliceWindow:      viper.GetDuration("execution.twap_slice_window"),
			LargeOrderThreshold:  decimal.NewFromFloat(viper.GetFloat64("execution.large_order_threshold")),
			WorkerPoolSize:       viper.GetInt("execution.worker_pool_size"),
		},
		Providers:  providerConfigs(),
		Settlement: settlementConfig(),
		Analytics: analytics.Config{
			BaseCurrency:        strings.ToUpper(viper.GetString("analytics.base_currency")),
			PnLInterval:         viper.GetDuration("analytics.pnl_interval"),
			ReportingCurrencies: upperAll(viper.GetStringSlice("analytics.reporting_currencies")),
			DisableRiskMetrics:  !viper.GetBool("analytics.risk_metrics_enabled"),
			ReportTime:          viper.GetString("analytics.report_time"),
			TopTradeCount:       viper.GetInt("analytics.top_trade_count"),
			MinRiskSamples:      viper.GetInt("analytics.min_risk_samples"),
			VaRAlertThreshold:   decimal.NewFromFloat(viper.GetFloat64("analytics.var_alert_threshold")),
			ConcentrationAlertThreshold: decimal.NewFromFloat(
				viper.GetFloat64("analytics.concentration_alert_threshold")),
		},
		Rates: RatesConfig{
			ValidityPeriod: viper.GetDuration("rates.validity_period"),
			StreamURL:      viper.GetString("rates.stream_url"),
		},
		Compliance: compliance.LoadRuleConfig(),
		NATS:       NATSConfig{URL: viper.GetString("nats.url")},
		Archive: archive.Config{
			Dir:           viper.GetString("archive.dir"),
			MaxFileSize:   viper.GetInt64("archive.max_file_size"),
			FlushInterval: viper.GetDuration("archive.flush_interval"),
			RetentionDays: viper.GetInt("archive.retention_days"),
		},
		Monitor: MonitorConfig{ListenAddr: viper.GetString("monitor.listen_addr")},
		Log: LogConfig{
			Level:  viper.GetString("log.level"),
			Format: viper.GetString("log.format"),
		},
	}

	// settlement.max_amount feeds the compliance settlement ceiling when the
	// compliance section does not set one itself.
	if cfg.Compliance.MaxSettlementAmount.Sign() <= 0 {
		if v := viper.GetFloat64("settlement.max_amount"); v > 0 {
			cfg.Compliance.MaxSettlementAmount = decimal.NewFromFloat(v)
		}
	}
	return cfg
}

func settlementConfig() settlement.Config {
	cfg := settlement.Config{
		DefaultCycle:   types.SettlementCycle(strings.ToUpper(viper.GetString("settlement.default_cycle"))),
		DisableNetting: !viper.GetBool("settlement.enable_netting"),
		MinNetAmount:   decimal.NewFromFloat(viper.GetFloat64("settlement.min_net_amount")),
		RetryAttempts:  viper.GetInt("settlement.retry_attempts"),
		RetryDelay:     viper.GetDuration("settlement.retry_delay"),
		TickInterval:   viper.GetDuration("settlement.tick_interval"),
	}

	// Viper lowercases map keys; pairs and cycles are uppercase by
	// convention.
	overrides := viper.GetStringMapString("settlement.cycle_overrides")
	if len(overrides) > 0 {
		cfg.CycleOverrides = make(map[string]types.SettlementCycle, len(overrides))
		for pair, cycle := range overrides {
			cfg.CycleOverrides[strings.ToUpper(pair)] = types.SettlementCycle(strings.ToUpper(cycle))
		}
	}
	cutoffs := viper.GetStringMapString("settlement.cutoff_times")
	if len(cutoffs) > 0 {
		cfg.Cutoffs = make(map[types.SettlementCycle]string, len(cutoffs))
		for cycle, at := range cutoffs {
			cfg.Cutoffs[types.SettlementCycle(strings.ToUpper(cycle))] = at
		}
	}
	return cfg
}

func providerConfigs() map[string]types.ProviderConfig {
	names := viper.GetStringMap("providers")
	if len(names) == 0 {
		return nil
	}
	out := make(map[string]types.ProviderConfig, len(names))
	for name := range names {
		out[name] = provider.LoadConfig(name)
	}
	return out
}

func orderTypes(raw []string) []types.OrderType {
	out := make([]types.OrderType, 0, len(raw))
	for _, s := range raw {
		out = append(out, types.OrderType(strings.ToLower(s)))
	}
	return out
}

func upperAll(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		out = append(out, strings.ToUpper(s))
	}
	return out
}
