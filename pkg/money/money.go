// Package money provides tagged decimal amounts for stream settlement.
// Amounts are either denominated in the ledger's native asset or in a fiat
// currency converted at payment time. Decimal math only; binary floating
// point drifts under repeated settlement.
package money

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Currency identifies the denomination of an amount. CurrencyNative is the
// ledger's own asset; any other value is treated as a fiat code (ISO 4217)
// requiring conversion at settlement time.
type Currency string

// CurrencyNative denominates amounts directly in the ledger's native asset.
const CurrencyNative Currency = "NATIVE"

// IsNative reports whether the currency is the ledger's native asset.
func (c Currency) IsNative() bool {
	return c == CurrencyNative
}

// Amount is a monetary value in a specific denomination.
type Amount struct {
	Value    decimal.Decimal `json:"value"`
	Currency Currency        `json:"currency"`
}

// New creates an Amount.
func New(value decimal.Decimal, currency Currency) Amount {
	return Amount{Value: value, Currency: currency}
}

// Native wraps a value denominated in the native asset.
func Native(value decimal.Decimal) Amount {
	return Amount{Value: value, Currency: CurrencyNative}
}

// MustParse builds an Amount from a decimal literal. Panics on a malformed
// literal; intended for fixtures and static configuration defaults.
func MustParse(literal string, currency Currency) Amount {
	v, err := decimal.NewFromString(literal)
	if err != nil {
		panic(fmt.Sprintf("money: bad literal %q: %v", literal, err))
	}
	return Amount{Value: v, Currency: currency}
}

// Add returns a + other. Returns an error on currency mismatch.
func (a Amount) Add(other Amount) (Amount, error) {
	if a.Currency != other.Currency {
		return Amount{}, fmt.Errorf("currency mismatch: %s vs %s", a.Currency, other.Currency)
	}
	return Amount{Value: a.Value.Add(other.Value), Currency: a.Currency}, nil
}

// Sub returns a - other. Returns an error on currency mismatch.
func (a Amount) Sub(other Amount) (Amount, error) {
	if a.Currency != other.Currency {
		return Amount{}, fmt.Errorf("currency mismatch: %s vs %s", a.Currency, other.Currency)
	}
	return Amount{Value: a.Value.Sub(other.Value), Currency: a.Currency}, nil
}

// IsZero reports whether the value is 0.
func (a Amount) IsZero() bool {
	return a.Value.IsZero()
}

// IsPositive reports whether the value is > 0.
func (a Amount) IsPositive() bool {
	return a.Value.IsPositive()
}

// IsNegative reports whether the value is < 0.
func (a Amount) IsNegative() bool {
	return a.Value.IsNegative()
}

// Equal reports whether both value and currency match.
func (a Amount) Equal(other Amount) bool {
	return a.Currency == other.Currency && a.Value.Equal(other.Value)
}

func (a Amount) String() string {
	return a.Value.String() + " " + string(a.Currency)
}

// Totals accumulates per-currency cumulative sums. Add returns a new value
// so statistics snapshots can be carried unchanged across stream versions.
type Totals map[Currency]decimal.Decimal

// Add returns a new Totals with a added in its currency bucket.
func (t Totals) Add(a Amount) Totals {
	next := make(Totals, len(t)+1)
	for c, v := range t {
		next[c] = v
	}
	next[a.Currency] = next[a.Currency].Add(a.Value)
	return next
}

// Get returns the accumulated sum for a currency (zero when absent).
func (t Totals) Get(c Currency) decimal.Decimal {
	return t[c]
}

// Equal reports whether two totals carry the same buckets and values.
func (t Totals) Equal(other Totals) bool {
	if len(t) != len(other) {
		return false
	}
	for c, v := range t {
		ov, ok := other[c]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// ExchangeContext carries the settlement-time conversion inputs read from the
// ledger: the rates contract reference (disclosed alongside fiat settlements)
// and the native-asset price of one unit of each quoted fiat currency.
type ExchangeContext struct {
	RatesContract string
	Rates         map[Currency]decimal.Decimal
	AsOf          time.Time
}

// Rate returns the native units per one unit of c.
func (x *ExchangeContext) Rate(c Currency) (decimal.Decimal, bool) {
	if x == nil {
		return decimal.Decimal{}, false
	}
	r, ok := x.Rates[c]
	return r, ok
}
