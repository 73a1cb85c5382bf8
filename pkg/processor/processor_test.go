package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paystream/pkg/disclosure"
	"github.com/Mindburn-Labs/paystream/pkg/funding"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/ledger/ledgertest"
	"github.com/Mindburn-Labs/paystream/pkg/money"
	"github.com/Mindburn-Labs/paystream/pkg/processor"
	"github.com/Mindburn-Labs/paystream/pkg/receipts"
	"github.com/Mindburn-Labs/paystream/pkg/retry"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

const (
	payer     = ledger.Party("alice")
	recipient = ledger.Party("bob")
	procParty = ledger.Party("proc")
	network   = "testnet"
)

var streamStart = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

// fastRetry keeps test retries immediate and bounded.
var fastRetry = retry.Policy{BaseMs: 1, MaxMs: 1, MaxJitterMs: 0, MaxAttempts: 3}

type env struct {
	fake  *ledgertest.Fake
	proc  *processor.Processor
	store *receipts.Memory
}

func newEnv(t *testing.T) *env {
	t.Helper()
	fake := ledgertest.New(streamStart)
	bundle := fake.SeedFactory(network)
	store := receipts.NewMemory()
	proc := processor.New(
		fake,
		funding.NewResolver(fake),
		disclosure.NewResolver(fake, map[string]disclosure.Bundle{network: bundle}),
		processor.WithReceipts(store),
		processor.WithClock(fake.Clock()),
		processor.WithRetryPolicy(fastRetry),
	)
	return &env{fake: fake, proc: proc, store: store}
}

func baseTerms() streams.Terms {
	return streams.Terms{
		Payer:                  payer,
		Recipient:              recipient,
		Processor:              procParty,
		RecipientPaymentPerDay: money.MustParse("10", money.CurrencyNative),
	}
}

// activate runs the full consent flow and returns the initial stream.
func (e *env) activate(t *testing.T, terms streams.Terms) streams.ActiveStream {
	t.Helper()
	ctx := context.Background()

	prop, err := e.proc.Originate(ctx, network, terms)
	require.NoError(t, err)
	prop, err = e.proc.Approve(ctx, *prop, terms.Recipient, streams.RoleRecipient)
	require.NoError(t, err)
	prop, err = e.proc.Approve(ctx, *prop, terms.Processor, streams.RoleProcessor)
	require.NoError(t, err)
	s, err := e.proc.Activate(ctx, *prop, terms.Processor)
	require.NoError(t, err)
	return *s
}

func (e *env) seed(value string) ledger.ContractID {
	return e.fake.SeedInstrument(payer, decimal.RequireFromString(value))
}

// balances sums a party's spendable instruments.
func (e *env) balance(p ledger.Party) decimal.Decimal {
	return funding.TotalValue(e.fake.InstrumentsOf(p))
}

func requireDecimalEqual(t *testing.T, want string, got decimal.Decimal, context ...any) {
	t.Helper()
	require.Truef(t, decimal.RequireFromString(want).Equal(got),
		"want %s, got %s %v", want, got, context)
}
