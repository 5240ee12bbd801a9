package sim

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/internal/account"
	"github.com/mExOms/fxcore/internal/rates"
)

// EquityService derives a user's equity from simulated account balances
// converted into the base currency. It implements analytics.EquityProvider.
type EquityService struct {
	accounts *account.InMemory
	rates    rates.Provider
	base     string
}

// NewEquityService wires equity over the account store and rate provider.
func NewEquityService(accounts *account.InMemory, rates rates.Provider, base string) *EquityService {
	return &EquityService{accounts: accounts, rates: rates, base: base}
}

// Equity returns the sum of the user's balances in base currency.
func (s *EquityService) Equity(ctx context.Context, userID string) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, bal := range s.accounts.UserBalances(userID) {
		if bal.Currency == s.base {
			total = total.Add(bal.Total)
			continue
		}
		converted, err := s.rates.Convert(ctx, bal.Total, bal.Currency, s.base)
		if err != nil {
			return decimal.Zero, fmt.Errorf("convert %s balance: %w", bal.Currency, err)
		}
		total = total.Add(converted)
	}
	return total, nil
}
