package types

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Pair identifies a currency pair as BASE/QUOTE. Quantities are expressed in
// base units, prices in quote units per base unit.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParsePair parses "EUR/USD" style notation.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(s, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid currency pair %q", s)
	}
	return Pair{
		Base:  strings.ToUpper(parts[0]),
		Quote: strings.ToUpper(parts[1]),
	}, nil
}

func (p Pair) String() string {
	return p.Base + "/" + p.Quote
}

// Inverse returns the pair with base and quote swapped.
func (p Pair) Inverse() Pair {
	return Pair{Base: p.Quote, Quote: p.Base}
}

// HasCurrency reports whether either leg is the given currency.
func (p Pair) HasCurrency(ccy string) bool {
	return p.Base == ccy || p.Quote == ccy
}

// QuantityPrecision returns the decimal places used for quantities of a
// currency: JPY trades in whole units, everything else in hundredths.
func QuantityPrecision(currency string) int32 {
	if currency == "JPY" {
		return 0
	}
	return 2
}

// PricePrecision returns the decimal places for prices of a pair: 3 when
// either leg is JPY, 5 otherwise.
func PricePrecision(p Pair) int32 {
	if p.HasCurrency("JPY") {
		return 3
	}
	return 5
}

// PipSize returns the value of one pip for the pair.
func PipSize(p Pair) decimal.Decimal {
	if p.HasCurrency("JPY") {
		return decimal.New(1, -2)
	}
	return decimal.New(1, -4)
}

// RoundQuantity rounds a base-unit quantity to the pair's quantity precision
// using banker's rounding.
func RoundQuantity(p Pair, qty decimal.Decimal) decimal.Decimal {
	return qty.RoundBank(QuantityPrecision(p.Base))
}

// RoundPrice rounds a price to the pair's price precision using banker's
// rounding.
func RoundPrice(p Pair, px decimal.Decimal) decimal.Decimal {
	return px.RoundBank(PricePrecision(p))
}

// RoundAmount rounds a cash amount to the currency's precision.
func RoundAmount(currency string, amount decimal.Decimal) decimal.Decimal {
	return amount.RoundBank(QuantityPrecision(currency))
}
