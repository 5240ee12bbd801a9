package account

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/fxcore/pkg/types"
)

func TestReserveAndRelease(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	id := m.Deposit("user1", "USD", decimal.NewFromInt(11050))

	conf, err := m.Reserve(ctx, id, "USD", decimal.NewFromInt(11000), "resv:ord-1")
	require.NoError(t, err)
	assert.Equal(t, "50", conf.AvailableBalance.String())

	// Partial release returns funds to available.
	conf, err = m.Release(ctx, id, "USD", decimal.NewFromInt(1000), "resv:ord-1")
	require.NoError(t, err)
	assert.Equal(t, "1050", conf.AvailableBalance.String())

	bal, err := m.GetBalance(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "11050", bal.Total.String())
	assert.Equal(t, "10000", bal.Reserved.String())
}

func TestReserveInsufficientFunds(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	id := m.Deposit("user1", "USD", decimal.NewFromInt(10000))

	_, err := m.Reserve(ctx, id, "USD", decimal.NewFromInt(11000), "resv:ord-1")
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)

	// A refused reservation must not move anything.
	bal, _ := m.GetBalance(ctx, id)
	assert.Equal(t, "10000", bal.Available.String())
	assert.True(t, bal.Reserved.IsZero())
}

func TestReleaseExceedingReservation(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	id := m.Deposit("user1", "USD", decimal.NewFromInt(5000))
	_, err := m.Reserve(ctx, id, "USD", decimal.NewFromInt(2000), "resv:ord-1")
	require.NoError(t, err)

	_, err = m.Release(ctx, id, "USD", decimal.NewFromInt(3000), "resv:ord-1")
	assert.Error(t, err)

	// Unknown ref has zero outstanding.
	_, err = m.Release(ctx, id, "USD", decimal.NewFromInt(1), "resv:other")
	assert.Error(t, err)
}

func TestInactiveAccount(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	id := m.Deposit("user1", "USD", decimal.NewFromInt(1000))
	m.SetActive(id, false)

	_, err := m.Reserve(ctx, id, "USD", decimal.NewFromInt(100), "resv:x")
	assert.ErrorIs(t, err, types.ErrAccountInactive)

	_, err = m.Debit(ctx, id, "USD", decimal.NewFromInt(100), "meta")
	assert.ErrorIs(t, err, types.ErrAccountInactive)
}

func TestDebitConsumesReserved(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	id := m.Deposit("user1", "USD", decimal.NewFromInt(1000))
	_, err := m.Reserve(ctx, id, "USD", decimal.NewFromInt(900), "resv:ord-1")
	require.NoError(t, err)

	// Debit 950 leaves total 50; the reserved sum caps down to the total.
	_, err = m.Debit(ctx, id, "USD", decimal.NewFromInt(950), "settle")
	require.NoError(t, err)

	bal, _ := m.GetBalance(ctx, id)
	assert.Equal(t, "50", bal.Total.String())
	assert.Equal(t, "50", bal.Reserved.String())
	assert.True(t, bal.Available.IsZero())

	_, err = m.Debit(ctx, id, "USD", decimal.NewFromInt(100), "settle")
	assert.ErrorIs(t, err, types.ErrInsufficientFunds)
}

func TestGetUserAccount(t *testing.T) {
	m := NewInMemory()
	ctx := context.Background()

	m.Deposit("user1", "USD", decimal.NewFromInt(100))

	acc, err := m.GetUserAccount(ctx, "user1", "USD")
	require.NoError(t, err)
	assert.Equal(t, "user1", acc.UserID)
	assert.Equal(t, "USD", acc.Currency)

	_, err = m.GetUserAccount(ctx, "user1", "EUR")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestOpenIsIdempotent(t *testing.T) {
	m := NewInMemory()

	a := m.Open("user1", "USD")
	b := m.Deposit("user1", "USD", decimal.NewFromInt(10))
	assert.Equal(t, a, b)
}
