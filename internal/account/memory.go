package account

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/fxcore/pkg/types"
)

// InMemory is a Manager backed by in-process maps. It tracks reservations per
// ref so releases can be audited against what was locked.
type InMemory struct {
	mu           sync.RWMutex
	accounts     map[string]*Account            // accountID -> account
	byUser       map[string]string              // userID|currency -> accountID
	totals       map[string]decimal.Decimal     // accountID -> total
	reserved     map[string]decimal.Decimal     // accountID -> reserved sum
	reservations map[string]decimal.Decimal     // accountID|ref -> outstanding
	logger       *logrus.Entry
}

// NewInMemory creates an empty account store.
func NewInMemory() *InMemory {
	return &InMemory{
		accounts:     make(map[string]*Account),
		byUser:       make(map[string]string),
		totals:       make(map[string]decimal.Decimal),
		reserved:     make(map[string]decimal.Decimal),
		reservations: make(map[string]decimal.Decimal),
		logger:       logrus.WithField("component", "accounts"),
	}
}

// Open creates an account for the user/currency and returns its id. Opening
// an existing pair returns the existing id.
func (m *InMemory) Open(userID, currency string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	userKey := userID + "|" + currency
	if id, ok := m.byUser[userKey]; ok {
		return id
	}
	id := fmt.Sprintf("acc_%s_%s", userID, currency)
	m.accounts[id] = &Account{ID: id, UserID: userID, Currency: currency, Active: true}
	m.byUser[userKey] = id
	m.totals[id] = decimal.Zero
	m.reserved[id] = decimal.Zero
	return id
}

// Deposit adds funds, opening the account if needed.
func (m *InMemory) Deposit(userID, currency string, amount decimal.Decimal) string {
	id := m.Open(userID, currency)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totals[id] = m.totals[id].Add(amount)
	return id
}

// SetActive toggles the account's active flag.
func (m *InMemory) SetActive(accountID string, active bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if acc, ok := m.accounts[accountID]; ok {
		acc.Active = active
	}
}

func (m *InMemory) available(accountID string) decimal.Decimal {
	return m.totals[accountID].Sub(m.reserved[accountID])
}

func (m *InMemory) lookup(accountID string) (*Account, error) {
	acc, ok := m.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", accountID, types.ErrNotFound)
	}
	if !acc.Active {
		return nil, fmt.Errorf("account %s: %w", accountID, types.ErrAccountInactive)
	}
	return acc, nil
}

// Reserve implements Manager.
func (m *InMemory) Reserve(_ context.Context, accountID, currency string, amount decimal.Decimal, ref string) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	acc, err := m.lookup(accountID)
	if err != nil {
		return Confirmation{}, err
	}
	if acc.Currency != currency {
		return Confirmation{}, fmt.Errorf("account %s holds %s not %s: %w",
			accountID, acc.Currency, currency, types.ErrNotFound)
	}
	if amount.GreaterThan(m.available(accountID)) {
		return Confirmation{}, fmt.Errorf("reserve %s %s on %s: %w",
			amount, currency, accountID, types.ErrInsufficientFunds)
	}

	m.reserved[accountID] = m.reserved[accountID].Add(amount)
	resKey := accountID + "|" + ref
	m.reservations[resKey] = m.reservations[resKey].Add(amount)

	return Confirmation{AccountID: accountID, AvailableBalance: m.available(accountID)}, nil
}

// Release implements Manager. Releasing more than the ref's outstanding
// reservation is refused.
func (m *InMemory) Release(_ context.Context, accountID, currency string, amount decimal.Decimal, ref string) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.accounts[accountID]; !ok {
		return Confirmation{}, fmt.Errorf("account %s: %w", accountID, types.ErrNotFound)
	}
	resKey := accountID + "|" + ref
	outstanding := m.reservations[resKey]
	if amount.GreaterThan(outstanding) {
		return Confirmation{}, fmt.Errorf("release %s exceeds reservation %s under %s",
			amount, outstanding, ref)
	}

	m.reservations[resKey] = outstanding.Sub(amount)
	if m.reservations[resKey].IsZero() {
		delete(m.reservations, resKey)
	}
	m.reserved[accountID] = m.reserved[accountID].Sub(amount)
	_ = currency

	return Confirmation{AccountID: accountID, AvailableBalance: m.available(accountID)}, nil
}

// Debit implements Manager. Reserved funds are consumed before available.
func (m *InMemory) Debit(_ context.Context, accountID, currency string, amount decimal.Decimal, meta string) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(accountID); err != nil {
		return Confirmation{}, err
	}
	if amount.GreaterThan(m.totals[accountID]) {
		return Confirmation{}, fmt.Errorf("debit %s %s on %s (%s): %w",
			amount, currency, accountID, meta, types.ErrInsufficientFunds)
	}

	m.totals[accountID] = m.totals[accountID].Sub(amount)
	if m.reserved[accountID].GreaterThan(m.totals[accountID]) {
		m.reserved[accountID] = m.totals[accountID]
	}

	return Confirmation{AccountID: accountID, AvailableBalance: m.available(accountID)}, nil
}

// Credit implements Manager.
func (m *InMemory) Credit(_ context.Context, accountID, currency string, amount decimal.Decimal, meta string) (Confirmation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := m.lookup(accountID); err != nil {
		return Confirmation{}, err
	}
	m.totals[accountID] = m.totals[accountID].Add(amount)
	_ = currency
	_ = meta

	return Confirmation{AccountID: accountID, AvailableBalance: m.available(accountID)}, nil
}

// GetUserAccount implements Manager.
func (m *InMemory) GetUserAccount(_ context.Context, userID, currency string) (Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.byUser[userID+"|"+currency]
	if !ok {
		return Account{}, fmt.Errorf("no %s account for user %s: %w",
			currency, userID, types.ErrNotFound)
	}
	return *m.accounts[id], nil
}

// UserBalances returns every balance the user holds, sorted by currency.
func (m *InMemory) UserBalances(userID string) []Balance {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Balance, 0, 2)
	for _, acc := range m.accounts {
		if acc.UserID != userID {
			continue
		}
		out = append(out, Balance{
			AccountID: acc.ID,
			Currency:  acc.Currency,
			Total:     m.totals[acc.ID],
			Reserved:  m.reserved[acc.ID],
			Available: m.available(acc.ID),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Currency < out[j].Currency })
	return out
}

// GetBalance implements Manager.
func (m *InMemory) GetBalance(_ context.Context, accountID string) (Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acc, ok := m.accounts[accountID]
	if !ok {
		return Balance{}, fmt.Errorf("account %s: %w", accountID, types.ErrNotFound)
	}
	return Balance{
		AccountID: accountID,
		Currency:  acc.Currency,
		Total:     m.totals[accountID],
		Reserved:  m.reserved[accountID],
		Available: m.available(accountID),
	}, nil
}
