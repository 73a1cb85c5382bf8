package money

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestAmount_Add(t *testing.T) {
	a := MustParse("10.5", CurrencyNative)
	b := MustParse("2.25", CurrencyNative)

	sum, err := a.Add(b)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if !sum.Value.Equal(decimal.RequireFromString("12.75")) {
		t.Errorf("Expected 12.75, got %s", sum.Value)
	}
}

func TestAmount_Add_Mismatch(t *testing.T) {
	a := MustParse("10", CurrencyNative)
	b := MustParse("10", "USD")

	if _, err := a.Add(b); err == nil {
		t.Error("Expected currency mismatch error")
	}
	if _, err := a.Sub(b); err == nil {
		t.Error("Expected currency mismatch error")
	}
}

func TestAmount_Predicates(t *testing.T) {
	if !MustParse("0", CurrencyNative).IsZero() {
		t.Error("0 should be zero")
	}
	if !MustParse("0.0001", CurrencyNative).IsPositive() {
		t.Error("0.0001 should be positive")
	}
	if !MustParse("-3", "USD").IsNegative() {
		t.Error("-3 should be negative")
	}
}

func TestCurrency_IsNative(t *testing.T) {
	if !CurrencyNative.IsNative() {
		t.Error("NATIVE should be native")
	}
	if Currency("USD").IsNative() {
		t.Error("USD should not be native")
	}
}

func TestTotals_Add(t *testing.T) {
	var base Totals

	t1 := base.Add(MustParse("5", CurrencyNative))
	t2 := t1.Add(MustParse("2.5", CurrencyNative))
	t3 := t2.Add(MustParse("1", "USD"))

	// Earlier snapshots must be unchanged.
	if len(base) != 0 {
		t.Error("base totals mutated")
	}
	if !t1.Get(CurrencyNative).Equal(decimal.RequireFromString("5")) {
		t.Errorf("t1 native = %s, want 5", t1.Get(CurrencyNative))
	}
	if !t2.Get(CurrencyNative).Equal(decimal.RequireFromString("7.5")) {
		t.Errorf("t2 native = %s, want 7.5", t2.Get(CurrencyNative))
	}
	if !t3.Get("USD").Equal(decimal.RequireFromString("1")) {
		t.Errorf("t3 USD = %s, want 1", t3.Get("USD"))
	}
	if !t3.Get(CurrencyNative).Equal(decimal.RequireFromString("7.5")) {
		t.Error("adding USD must not disturb the native bucket")
	}
}

func TestTotals_Equal(t *testing.T) {
	a := Totals{}.Add(MustParse("5", CurrencyNative)).Add(MustParse("1", "USD"))
	b := Totals{}.Add(MustParse("1", "USD")).Add(MustParse("5", CurrencyNative))

	if !a.Equal(b) {
		t.Error("order of accumulation should not matter")
	}

	c := a.Add(MustParse("0.1", CurrencyNative))
	if a.Equal(c) {
		t.Error("different totals should not be equal")
	}
}

func TestExchangeContext_Rate(t *testing.T) {
	ctx := &ExchangeContext{
		RatesContract: "rates-1",
		Rates: map[Currency]decimal.Decimal{
			"USD": decimal.RequireFromString("20"),
		},
	}

	r, ok := ctx.Rate("USD")
	if !ok || !r.Equal(decimal.RequireFromString("20")) {
		t.Errorf("Rate(USD) = %s, %v", r, ok)
	}
	if _, ok := ctx.Rate("EUR"); ok {
		t.Error("unquoted currency should not resolve")
	}

	var nilCtx *ExchangeContext
	if _, ok := nilCtx.Rate("USD"); ok {
		t.Error("nil context should not resolve")
	}
}
