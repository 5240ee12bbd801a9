package sim

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/fxcore/internal/account"
	"github.com/mExOms/fxcore/pkg/types"
)

type stubConverter struct {
	rate decimal.Decimal
	err  error
}

func (s *stubConverter) GetRate(_ context.Context, from, to string) (types.Rate, error) {
	if s.err != nil {
		return types.Rate{}, s.err
	}
	return types.Rate{From: from, To: to, Rate: s.rate}, nil
}

func (s *stubConverter) Convert(_ context.Context, amount decimal.Decimal, from, to string) (decimal.Decimal, error) {
	if s.err != nil {
		return decimal.Decimal{}, s.err
	}
	return amount.Mul(s.rate), nil
}

func TestEquitySumsConvertedBalances(t *testing.T) {
	accounts := account.NewInMemory()
	accounts.Deposit("usr_1", "USD", dec("5000"))
	accounts.Deposit("usr_1", "EUR", dec("1000"))
	accounts.Deposit("usr_2", "USD", dec("999"))

	svc := NewEquityService(accounts, &stubConverter{rate: dec("1.1")}, "USD")
	equity, err := svc.Equity(context.Background(), "usr_1")
	require.NoError(t, err)
	assert.Equal(t, "6100", equity.String(), "5000 USD plus 1000 EUR at 1.1")
}

func TestEquityWithoutAccountsIsZero(t *testing.T) {
	svc := NewEquityService(account.NewInMemory(), &stubConverter{rate: dec("1.1")}, "USD")
	equity, err := svc.Equity(context.Background(), "usr_missing")
	require.NoError(t, err)
	assert.True(t, equity.IsZero())
}

func TestEquityPropagatesConversionFailure(t *testing.T) {
	accounts := account.NewInMemory()
	accounts.Deposit("usr_1", "EUR", dec("1000"))

	svc := NewEquityService(accounts, &stubConverter{err: errors.New("oracle down")}, "USD")
	_, err := svc.Equity(context.Background(), "usr_1")
	assert.Error(t, err)
}
