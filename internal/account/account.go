// Package account defines the external Account Manager consumed by the order
// manager for fund reservation and by settlement for cash movements. The real
// backend lives outside the core; InMemory serves tests and simulation.
package account

import (
	"context"

	"github.com/shopspring/decimal"
)

// Account identifies one user's cash account in one currency.
type Account struct {
	ID       string `json:"id"`
	UserID   string `json:"user_id"`
	Currency string `json:"currency"`
	Active   bool   `json:"active"`
}

// Balance is the cash state of an account. Available = Total - Reserved.
type Balance struct {
	AccountID string          `json:"account_id"`
	Currency  string          `json:"currency"`
	Total     decimal.Decimal `json:"total"`
	Reserved  decimal.Decimal `json:"reserved"`
	Available decimal.Decimal `json:"available"`
}

// Confirmation is the typed result of a balance-affecting call.
type Confirmation struct {
	AccountID        string          `json:"account_id"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
}

// Manager is the consumed interface. Implementations return the sentinel
// errors in pkg/types (ErrInsufficientFunds, ErrAccountInactive, ErrNotFound)
// for refusals.
type Manager interface {
	// Reserve locks amount under ref. The locked funds stay owned by the
	// account but are not available to further reservations.
	Reserve(ctx context.Context, accountID, currency string, amount decimal.Decimal, ref string) (Confirmation, error)

	// Release returns part or all of a reservation identified by ref.
	Release(ctx context.Context, accountID, currency string, amount decimal.Decimal, ref string) (Confirmation, error)

	// Debit removes settled funds, consuming reserved balance first.
	Debit(ctx context.Context, accountID, currency string, amount decimal.Decimal, meta string) (Confirmation, error)

	// Credit adds settled funds.
	Credit(ctx context.Context, accountID, currency string, amount decimal.Decimal, meta string) (Confirmation, error)

	// GetUserAccount resolves the user's account for a currency.
	GetUserAccount(ctx context.Context, userID, currency string) (Account, error)

	// GetBalance returns the account's current balance.
	GetBalance(ctx context.Context, accountID string) (Balance, error)
}
