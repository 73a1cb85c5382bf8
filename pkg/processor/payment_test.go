package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/money"
	"github.com/Mindburn-Labs/paystream/pkg/processor"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

func TestProcessPayment_SingleRound(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")
	ctx := context.Background()

	next, err := e.proc.ProcessPayment(ctx, s, 5*time.Second)
	require.NoError(t, err)

	// 10 per day over 5 seconds, rendered at scale 10.
	require.NotNil(t, next.PaidUntil)
	assert.True(t, next.PaidUntil.Equal(streamStart.Add(5*time.Second)))
	assert.Equal(t, int64(1), next.Stats.RoundsProcessed)
	requireDecimalEqual(t, "0.0005787037", next.Stats.ReceivedByRecipient.Get(money.CurrencyNative))
	requireDecimalEqual(t, "0.0005787037", next.Stats.PaidByPayer.Get(money.CurrencyNative))

	// Value conservation: the payer's change plus the recipient's payout.
	requireDecimalEqual(t, "99.9994212963", e.balance(payer))
	requireDecimalEqual(t, "0.0005787037", e.balance(recipient))

	// The consumed snapshot is dead.
	assert.True(t, e.fake.IsArchived(s.Contract))
}

func TestProcessPayment_FiveSequentialRounds(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")
	ctx := context.Background()

	cur := s
	for i := 0; i < 5; i++ {
		next, err := e.proc.ProcessPayment(ctx, cur, 5*time.Second)
		require.NoError(t, err)
		cur = *next
	}

	assert.True(t, cur.PaidUntil.Equal(streamStart.Add(25*time.Second)), "watermark advances by exactly 25s")
	assert.Equal(t, int64(5), cur.Stats.RoundsProcessed)

	rs, err := e.store.ForStream(ctx, cur.LineageID())
	require.NoError(t, err)
	require.Len(t, rs, 5)
	assert.Equal(t, int64(5), rs[4].Round)
}

func TestProcessPayment_ProcessorFee(t *testing.T) {
	e := newEnv(t)
	terms := baseTerms()
	fee := money.MustParse("1", money.CurrencyNative)
	terms.ProcessorPaymentPerDay = &fee
	s := e.activate(t, terms)
	e.seed("100")

	next, err := e.proc.ProcessPayment(context.Background(), s, 24*time.Hour)
	require.NoError(t, err)

	requireDecimalEqual(t, "10", next.Stats.ReceivedByRecipient.Get(money.CurrencyNative))
	requireDecimalEqual(t, "1", next.Stats.ReceivedByProcessor.Get(money.CurrencyNative))
	requireDecimalEqual(t, "11", next.Stats.PaidByPayer.Get(money.CurrencyNative))
	requireDecimalEqual(t, "1", e.balance(procParty))
}

func TestProcessPayment_SkipProcessorFee(t *testing.T) {
	e := newEnv(t)
	terms := baseTerms()
	fee := money.MustParse("1", money.CurrencyNative)
	terms.ProcessorPaymentPerDay = &fee
	s := e.activate(t, terms)
	e.seed("100")

	next, err := e.proc.ProcessPayment(context.Background(), s, 24*time.Hour, processor.SkipProcessorFee())
	require.NoError(t, err)

	requireDecimalEqual(t, "10", next.Stats.ReceivedByRecipient.Get(money.CurrencyNative))
	assert.True(t, next.Stats.ReceivedByProcessor.Get(money.CurrencyNative).IsZero())
	requireDecimalEqual(t, "0", e.balance(procParty))
}

func TestProcessPayment_FiatConversion(t *testing.T) {
	e := newEnv(t)
	terms := baseTerms()
	terms.RecipientPaymentPerDay = money.MustParse("10", "USD")
	s := e.activate(t, terms)
	e.fake.SetRates(map[money.Currency]decimal.Decimal{"USD": decimal.RequireFromString("2")})
	e.seed("100")

	next, err := e.proc.ProcessPayment(context.Background(), s, 12*time.Hour)
	require.NoError(t, err)

	// Stats stay in the term's denomination; settlement moves native value.
	requireDecimalEqual(t, "5", next.Stats.ReceivedByRecipient.Get("USD"))
	requireDecimalEqual(t, "10", e.balance(recipient))
	requireDecimalEqual(t, "90", e.balance(payer))
}

func TestProcessPayment_UnquotedDenomination(t *testing.T) {
	e := newEnv(t)
	terms := baseTerms()
	terms.RecipientPaymentPerDay = money.MustParse("10", "CHF")
	s := e.activate(t, terms)
	e.fake.SetRates(map[money.Currency]decimal.Decimal{"USD": decimal.RequireFromString("2")})
	e.seed("100")

	_, err := e.proc.ProcessPayment(context.Background(), s, time.Hour)
	require.Error(t, err)
	assert.True(t, fault.IsValidation(err), "got %v", err)
}

func TestProcessPayment_ZeroInstruments(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())

	_, err := e.proc.ProcessPayment(context.Background(), s, 5*time.Second)
	require.Error(t, err)
	assert.True(t, fault.IsInsufficientFunds(err), "got %v", err)

	// Nothing was consumed; the watermark is unchanged.
	assert.False(t, e.fake.IsArchived(s.Contract))
}

func TestProcessPayment_Shortfall(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("0.0000000001")

	_, err := e.proc.ProcessPayment(context.Background(), s, 24*time.Hour)
	require.Error(t, err)
	assert.True(t, fault.IsInsufficientFunds(err), "got %v", err)
}

func TestProcessPayment_PrepayLock(t *testing.T) {
	e := newEnv(t)
	terms := baseTerms()
	terms.PrepayWindow = 24 * time.Hour
	s := e.activate(t, terms)
	e.seed("100")
	ctx := context.Background()

	// First round locks a full window on top of the settled amount.
	next, err := e.proc.ProcessPayment(ctx, s, 6*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, next.LockedFunds)
	requireDecimalEqual(t, "2.5", e.balance(recipient))
	requireDecimalEqual(t, "87.5", e.balance(payer)) // 100 - 2.5 settled - 10 locked

	// Steady state: the old lock funds the round, fresh value only tops up.
	next2, err := e.proc.ProcessPayment(ctx, *next, 6*time.Hour)
	require.NoError(t, err)
	require.NotNil(t, next2.LockedFunds)
	assert.NotEqual(t, *next.LockedFunds, *next2.LockedFunds, "lock is replaced every round")
	requireDecimalEqual(t, "5", e.balance(recipient))
	requireDecimalEqual(t, "85", e.balance(payer))
}

func TestProcessPayment_StaleSnapshotFailsFast(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")
	ctx := context.Background()

	_, err := e.proc.ProcessPayment(ctx, s, 5*time.Second)
	require.NoError(t, err)

	// Reusing the consumed snapshot with a different period cannot pay.
	_, err = e.proc.ProcessPayment(ctx, s, 7*time.Second)
	require.Error(t, err)
	assert.True(t, fault.IsNotFound(err), "got %v", err)

	requireDecimalEqual(t, "0.0005787037", e.balance(recipient), "no double payment")
}

func TestProcessPayment_IdempotentRetryAfterSuccess(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")
	ctx := context.Background()

	first, err := e.proc.ProcessPayment(ctx, s, 5*time.Second)
	require.NoError(t, err)

	// The same (stream, elapsed) call resolves to the committed successor
	// by its deterministic watermark instead of paying again.
	again, err := e.proc.ProcessPayment(ctx, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, first.Contract, again.Contract)
	requireDecimalEqual(t, "0.0005787037", e.balance(recipient))
}

func TestProcessPayment_TransientRetry(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")

	e.fake.FailNext(fault.Coded(fault.CodeTimeout, "test", "scripted timeout"))
	next, err := e.proc.ProcessPayment(context.Background(), s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Stats.RoundsProcessed)
}

func TestProcessPayment_CommittedButResponseLost(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")
	ctx := context.Background()

	// The ledger commits but the response never arrives. The processor must
	// find the successor by watermark rather than retry blindly.
	e.fake.FailNextCommitted(fault.Coded(fault.CodeTimeout, "test", "response lost"))
	next, err := e.proc.ProcessPayment(ctx, s, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), next.Stats.RoundsProcessed)
	assert.True(t, next.PaidUntil.Equal(streamStart.Add(5*time.Second)))

	requireDecimalEqual(t, "0.0005787037", e.balance(recipient), "paid exactly once")
	rs, err := e.store.ForStream(ctx, next.LineageID())
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

func TestProcessPayment_NonRetryableNotRetried(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")

	e.fake.FailNext(
		fault.New(fault.Unauthorized, "test", "scripted rejection"),
		fault.Coded(fault.CodeTimeout, "test", "would succeed on retry"),
	)
	_, err := e.proc.ProcessPayment(context.Background(), s, 5*time.Second)
	require.Error(t, err)
	assert.True(t, fault.IsUnauthorized(err), "user errors must not be retried: %v", err)
}

func TestProcessPayment_InvalidPeriod(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())

	_, err := e.proc.ProcessPayment(context.Background(), s, 0)
	assert.True(t, fault.IsValidation(err), "got %v", err)
}

func TestProcessFreeTrial(t *testing.T) {
	e := newEnv(t)
	terms := baseTerms()
	terms.FreeTrialUntil = streams.BoundAfter(48 * time.Hour)
	s := e.activate(t, terms)
	ctx := context.Background()

	e.fake.Advance(24 * time.Hour)
	next, err := e.proc.ProcessFreeTrial(ctx, s)
	require.NoError(t, err)
	assert.True(t, next.PaidUntil.Equal(streamStart.Add(24*time.Hour)))
	assert.Equal(t, int64(0), next.Stats.RoundsProcessed, "trial rounds settle nothing")
	assert.True(t, next.Stats.ReceivedByRecipient.Get(money.CurrencyNative).IsZero())

	// Past the trial window the choice is gone.
	e.fake.Advance(25 * time.Hour)
	_, err = e.proc.ProcessFreeTrial(ctx, *next)
	assert.True(t, fault.IsValidation(err), "got %v", err)
}

func TestExpire(t *testing.T) {
	e := newEnv(t)
	terms := baseTerms()
	terms.PaymentsEndAt = streams.BoundAfter(24 * time.Hour)
	s := e.activate(t, terms)
	ctx := context.Background()

	err := e.proc.Expire(ctx, s, procParty)
	assert.True(t, fault.IsValidation(err), "cannot expire a running stream: %v", err)

	e.fake.Advance(25 * time.Hour)
	require.NoError(t, e.proc.Expire(ctx, s, procParty))
	assert.True(t, e.fake.IsArchived(s.Contract))
}
