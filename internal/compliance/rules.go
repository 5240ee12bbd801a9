package compliance

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/mExOms/fxcore/pkg/types"
)

// RuleConfig holds the local rule engine's limits. Zero limits disable the
// corresponding rule.
type RuleConfig struct {
	MaxOrderNotional         decimal.Decimal
	WarnOrderNotional        decimal.Decimal
	MaxSettlementAmount      decimal.Decimal
	RestrictedPairs          []string
	SanctionedCounterparties []string
}

// LoadRuleConfig reads the compliance.* keys.
func LoadRuleConfig() RuleConfig {
	return RuleConfig{
		MaxOrderNotional:         decimal.NewFromFloat(viper.GetFloat64("compliance.max_order_notional")),
		WarnOrderNotional:        decimal.NewFromFloat(viper.GetFloat64("compliance.warn_order_notional")),
		MaxSettlementAmount:      decimal.NewFromFloat(viper.GetFloat64("compliance.max_settlement_amount")),
		RestrictedPairs:          viper.GetStringSlice("compliance.restricted_pairs"),
		SanctionedCounterparties: viper.GetStringSlice("compliance.sanctioned_counterparties"),
	}
}

// RuleEngine is the in-process Checker implementation.
type RuleEngine struct {
	mu         sync.RWMutex
	cfg        RuleConfig
	restricted map[string]struct{}
	sanctioned map[string]struct{}
	logger     *logrus.Entry
}

// NewRuleEngine builds a rule engine from config.
func NewRuleEngine(cfg RuleConfig) *RuleEngine {
	e := &RuleEngine{
		cfg:        cfg,
		restricted: make(map[string]struct{}, len(cfg.RestrictedPairs)),
		sanctioned: make(map[string]struct{}, len(cfg.SanctionedCounterparties)),
		logger:     logrus.WithField("component", "compliance"),
	}
	for _, p := range cfg.RestrictedPairs {
		e.restricted[p] = struct{}{}
	}
	for _, cp := range cfg.SanctionedCounterparties {
		e.sanctioned[cp] = struct{}{}
	}
	return e
}

// Sanction adds a counterparty to the sanctions list.
func (e *RuleEngine) Sanction(counterpartyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sanctioned[counterpartyID] = struct{}{}
}

// Unsanction removes a counterparty from the sanctions list.
func (e *RuleEngine) Unsanction(counterpartyID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.sanctioned, counterpartyID)
}

// AssessOrderRisk sizes the order against the notional limits. Breaching the
// warn threshold approves with a warning; breaching the hard limit rejects.
func (e *RuleEngine) AssessOrderRisk(ctx context.Context, order *types.Order) (Assessment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	notional := order.Quantity
	if order.Price.Sign() > 0 {
		notional = order.Quantity.Mul(order.Price)
	}

	if e.cfg.MaxOrderNotional.Sign() > 0 && notional.GreaterThan(e.cfg.MaxOrderNotional) {
		return rejected(fmt.Sprintf("order notional %s exceeds limit %s",
			notional, e.cfg.MaxOrderNotional)), nil
	}

	a := approved()
	if e.cfg.WarnOrderNotional.Sign() > 0 && notional.GreaterThan(e.cfg.WarnOrderNotional) {
		a.Warnings = append(a.Warnings,
			fmt.Sprintf("order notional %s above review threshold %s", notional, e.cfg.WarnOrderNotional))
	}
	return a, nil
}

// CheckOrderCompliance rejects orders on restricted pairs or from sanctioned
// users.
func (e *RuleEngine) CheckOrderCompliance(ctx context.Context, order *types.Order) (Assessment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, hit := e.restricted[order.Pair.String()]; hit {
		return rejected(fmt.Sprintf("pair %s is restricted", order.Pair)), nil
	}
	if _, hit := e.sanctioned[order.UserID]; hit {
		return rejected(fmt.Sprintf("user %s is sanctioned", order.UserID)), nil
	}
	return approved(), nil
}

// CheckSettlement rejects settlements against sanctioned counterparties or
// above the settlement size limit. A rejection here is fatal: the settlement
// is never retried.
func (e *RuleEngine) CheckSettlement(ctx context.Context, settlement *types.Settlement) (Assessment, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if _, hit := e.sanctioned[settlement.CounterpartyID]; hit {
		e.logger.WithFields(logrus.Fields{
			"settlement_id": settlement.ID,
			"counterparty":  settlement.CounterpartyID,
		}).Warn("settlement against sanctioned counterparty")
		return rejected(fmt.Sprintf("counterparty %s is sanctioned", settlement.CounterpartyID)), nil
	}

	if e.cfg.MaxSettlementAmount.Sign() > 0 {
		for _, leg := range settlement.Legs {
			if leg.Amount.Abs().GreaterThan(e.cfg.MaxSettlementAmount) {
				return rejected(fmt.Sprintf("leg amount %s %s exceeds settlement limit %s",
					leg.Amount, leg.Currency, e.cfg.MaxSettlementAmount)), nil
			}
		}
	}
	return approved(), nil
}
