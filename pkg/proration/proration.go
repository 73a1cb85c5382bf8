// Package proration converts per-day payment rates into amounts owed for
// arbitrary elapsed periods. All intermediate math is exact rational
// arithmetic; fixed-scale decimal rendering happens once, at the ledger
// boundary. Pure functions, no I/O.
package proration

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// Scale is the fractional precision used when rendering amounts for the
// ledger boundary.
const Scale = 10

const nanosPerDay = 86400 * int64(time.Second)

// Rounding defines the rounding modes for rendering.
type Rounding string

const (
	RoundDown     Rounding = "DOWN"
	RoundHalfUp   Rounding = "HALF_UP"
	RoundHalfEven Rounding = "HALF_EVEN"
)

// Owed computes ratePerDay x (elapsed / 24h) exactly. The same inputs always
// produce the same output, and the result is exactly linear in the elapsed
// period: Owed(r, p1+p2) equals Owed(r, p1) + Owed(r, p2) with no drift.
func Owed(ratePerDay decimal.Decimal, elapsed time.Duration) *big.Rat {
	period := new(big.Rat).SetFrac64(elapsed.Nanoseconds(), nanosPerDay)
	return period.Mul(period, ratePerDay.Rat())
}

// Render fixes a rational amount to the ledger boundary representation:
// Scale fractional digits, ties to even.
func Render(r *big.Rat) decimal.Decimal {
	return RenderAt(r, Scale, RoundHalfEven)
}

// RenderAt renders a rational at a caller-chosen scale and rounding mode.
func RenderAt(r *big.Rat, scale int, rounding Rounding) decimal.Decimal {
	// formatRat emits plain decimal strings only.
	return decimal.RequireFromString(formatRat(r, scale, rounding))
}

// ConvertIfNeeded resolves an amount to its native-asset value. Native
// amounts pass through unchanged; fiat amounts are multiplied by the
// settlement-time rate from x. An unquoted denomination fails with
// UnsupportedDenomination.
func ConvertIfNeeded(a money.Amount, x *money.ExchangeContext) (decimal.Decimal, error) {
	const op = "proration.ConvertIfNeeded"
	if a.Currency.IsNative() {
		return a.Value, nil
	}
	rate, ok := x.Rate(a.Currency)
	if !ok {
		return decimal.Decimal{}, fault.Coded(fault.CodeUnsupportedDenomination, op,
			"no rate quoted for denomination "+string(a.Currency))
	}
	return a.Value.Mul(rate), nil
}

// ConvertRat is ConvertIfNeeded for rational intermediates, keeping the
// conversion exact until the final render.
func ConvertRat(r *big.Rat, currency money.Currency, x *money.ExchangeContext) (*big.Rat, error) {
	const op = "proration.ConvertRat"
	if currency.IsNative() {
		return r, nil
	}
	rate, ok := x.Rate(currency)
	if !ok {
		return nil, fault.Coded(fault.CodeUnsupportedDenomination, op,
			"no rate quoted for denomination "+string(currency))
	}
	return new(big.Rat).Mul(r, rate.Rat()), nil
}

// formatRat formats a rational to the given scale with rounding. Floor
// division splits the scaled value into integer part and remainder; ties are
// detected exactly by comparing twice the remainder against the denominator.
func formatRat(r *big.Rat, scale int, rounding Rounding) string {
	scaleFactor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale)), nil)
	scaled := new(big.Rat).Mul(r, new(big.Rat).SetInt(scaleFactor))

	intPart := new(big.Int).Div(scaled.Num(), scaled.Denom())
	remainder := new(big.Int).Mod(scaled.Num(), scaled.Denom())

	if remainder.Sign() != 0 {
		cmp := new(big.Int).Lsh(remainder, 1).Cmp(scaled.Denom())

		switch rounding {
		case RoundDown:
			// Keep the floor.
		case RoundHalfUp:
			if cmp >= 0 {
				intPart.Add(intPart, big.NewInt(1))
			}
		case RoundHalfEven:
			if cmp > 0 {
				intPart.Add(intPart, big.NewInt(1))
			} else if cmp == 0 {
				if new(big.Int).And(intPart, big.NewInt(1)).Sign() != 0 {
					intPart.Add(intPart, big.NewInt(1))
				}
			}
		}
	}

	if scale == 0 {
		return intPart.String()
	}

	sign := ""
	if intPart.Sign() < 0 {
		sign = "-"
		intPart.Abs(intPart)
	}

	intStr := intPart.String()
	for len(intStr) <= scale {
		intStr = "0" + intStr
	}

	insertPoint := len(intStr) - scale
	return sign + intStr[:insertPoint] + "." + intStr[insertPoint:]
}
