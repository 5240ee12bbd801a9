package payment

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/types"
)

// NostroLedger tracks the firm's settlement account balance per currency.
// Pay legs debit it before payment submission; receive legs credit it on
// confirmation.
type NostroLedger struct {
	mu       sync.Mutex
	balances map[string]decimal.Decimal
	logger   *logrus.Entry
}

// NewNostroLedger creates an empty ledger.
func NewNostroLedger() *NostroLedger {
	return &NostroLedger{
		balances: make(map[string]decimal.Decimal),
		logger:   logrus.WithField("component", "nostro"),
	}
}

// Fund tops up a currency balance.
func (n *NostroLedger) Fund(currency string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return fmt.Errorf("fund amount must not be negative: %s", amount)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[currency] = n.balances[currency].Add(amount)
	return nil
}

// Debit withdraws from a currency balance. A shortfall leaves the balance
// untouched and returns ErrInsufficientFunds.
func (n *NostroLedger) Debit(currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("debit amount must be positive: %s", amount)
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	balance := n.balances[currency]
	if balance.LessThan(amount) {
		return fmt.Errorf("nostro %s: need %s, have %s: %w",
			currency, amount, balance, types.ErrInsufficientFunds)
	}
	n.balances[currency] = balance.Sub(amount)
	return nil
}

// Credit deposits into a currency balance.
func (n *NostroLedger) Credit(currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("credit amount must be positive: %s", amount)
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.balances[currency] = n.balances[currency].Add(amount)
	return nil
}

// Balance returns the current balance for a currency, zero if unknown.
func (n *NostroLedger) Balance(currency string) decimal.Decimal {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.balances[currency]
}

// Balances returns a copy of all currency balances.
func (n *NostroLedger) Balances() map[string]decimal.Decimal {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make(map[string]decimal.Decimal, len(n.balances))
	for ccy, bal := range n.balances {
		out[ccy] = bal
	}
	return out
}
