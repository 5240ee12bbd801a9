package generators

import (
	"fmt"
	"math/rand"

	"github.com/shopspring/decimal"

	"github.com/mExOms/fxcore/internal/account"
)

// AccountGenerator produces funded users for scenario runs.
type AccountGenerator struct {
	rand *rand.Rand
	seq  int
}

// NewAccountGenerator creates an account generator.
func NewAccountGenerator(seed int64) *AccountGenerator {
	return &AccountGenerator{
		rand: rand.New(rand.NewSource(seed)),
		seq:  1000,
	}
}

// Users returns n fresh user ids.
func (g *AccountGenerator) Users(n int) []string {
	out := make([]string, n)
	for i := range out {
		g.seq++
		out[i] = fmt.Sprintf("usr_%d", g.seq)
	}
	return out
}

// Deposits returns a funding mix deep enough to reserve any generated
// order: every major currency at institutional size, JPY scaled for its
// unit value.
func (g *AccountGenerator) Deposits() map[string]decimal.Decimal {
	return map[string]decimal.Decimal{
		"USD": decimal.NewFromInt(10_000_000),
		"EUR": decimal.NewFromInt(8_000_000),
		"GBP": decimal.NewFromInt(6_000_000),
		"CHF": decimal.NewFromInt(6_000_000),
		"AUD": decimal.NewFromInt(8_000_000),
		"CAD": decimal.NewFromInt(8_000_000),
		"JPY": decimal.NewFromInt(1_000_000_000),
	}
}

// Fund opens and funds accounts for every user in every deposit currency.
func (g *AccountGenerator) Fund(accounts *account.InMemory, users []string) {
	deposits := g.Deposits()
	for _, user := range users {
		for ccy, amount := range deposits {
			accounts.Deposit(user, ccy, amount)
		}
	}
}

// SparseBalance funds one user in a single currency, for shortfall cases.
func (g *AccountGenerator) SparseBalance(accounts *account.InMemory, user, currency string, amount decimal.Decimal) {
	accounts.Deposit(user, currency, amount)
}
