package processor_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/money"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

func TestChanges_ProposeApproveApply(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")
	ctx := context.Background()

	raise := money.MustParse("20", money.CurrencyNative)
	change, err := e.proc.ProposeChanges(ctx, s, payer, streams.ChangeDelta{RecipientPaymentPerDay: &raise})
	require.NoError(t, err)
	assert.False(t, change.Ready())

	change, err = e.proc.ApproveChanges(ctx, *change, recipient, streams.RoleRecipient)
	require.NoError(t, err)
	assert.False(t, change.Ready())
	change, err = e.proc.ApproveChanges(ctx, *change, procParty, streams.RoleProcessor)
	require.NoError(t, err)
	assert.True(t, change.Ready())

	next, err := e.proc.ApplyChanges(ctx, s, *change)
	require.NoError(t, err)
	requireDecimalEqual(t, "20", next.Terms.RecipientPaymentPerDay.Value)

	// The new rate governs from the next round.
	after, err := e.proc.ProcessPayment(ctx, *next, 24*time.Hour)
	require.NoError(t, err)
	requireDecimalEqual(t, "20", after.Stats.ReceivedByRecipient.Get(money.CurrencyNative))
}

func TestChanges_StreamKeepsSettlingWhilePending(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	e.seed("100")
	ctx := context.Background()

	raise := money.MustParse("20", money.CurrencyNative)
	_, err := e.proc.ProposeChanges(ctx, s, payer, streams.ChangeDelta{RecipientPaymentPerDay: &raise})
	require.NoError(t, err)

	// The stream snapshot was not consumed by the proposal.
	next, err := e.proc.ProcessPayment(ctx, s, 24*time.Hour)
	require.NoError(t, err)
	requireDecimalEqual(t, "10", next.Stats.ReceivedByRecipient.Get(money.CurrencyNative),
		"old rate holds until the change is applied")
}

func TestChanges_ApplyRequiresFullConsent(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	ctx := context.Background()

	raise := money.MustParse("20", money.CurrencyNative)
	change, err := e.proc.ProposeChanges(ctx, s, payer, streams.ChangeDelta{RecipientPaymentPerDay: &raise})
	require.NoError(t, err)
	change, err = e.proc.ApproveChanges(ctx, *change, recipient, streams.RoleRecipient)
	require.NoError(t, err)

	_, err = e.proc.ApplyChanges(ctx, s, *change)
	assert.True(t, fault.IsValidation(err), "got %v", err)
}

func TestChanges_OnlyPayerProposes(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())

	raise := money.MustParse("20", money.CurrencyNative)
	_, err := e.proc.ProposeChanges(context.Background(), s, recipient, streams.ChangeDelta{RecipientPaymentPerDay: &raise})
	assert.True(t, fault.IsUnauthorized(err), "got %v", err)
}

func TestChanges_EmptyDeltaRejected(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())

	_, err := e.proc.ProposeChanges(context.Background(), s, payer, streams.ChangeDelta{})
	assert.True(t, fault.IsValidation(err), "got %v", err)
}

func TestChanges_Reject(t *testing.T) {
	e := newEnv(t)
	s := e.activate(t, baseTerms())
	ctx := context.Background()

	raise := money.MustParse("20", money.CurrencyNative)
	change, err := e.proc.ProposeChanges(ctx, s, payer, streams.ChangeDelta{RecipientPaymentPerDay: &raise})
	require.NoError(t, err)

	require.NoError(t, e.proc.RejectChanges(ctx, *change, recipient))
	assert.True(t, e.fake.IsArchived(change.Contract))
	assert.False(t, e.fake.IsArchived(s.Contract), "rejection leaves the stream untouched")
}

func TestChanges_ClearProcessorFee(t *testing.T) {
	e := newEnv(t)
	terms := baseTerms()
	fee := money.MustParse("1", money.CurrencyNative)
	terms.ProcessorPaymentPerDay = &fee
	s := e.activate(t, terms)
	e.seed("100")
	ctx := context.Background()

	change, err := e.proc.ProposeChanges(ctx, s, payer, streams.ChangeDelta{ClearProcessorPayment: true})
	require.NoError(t, err)
	change, err = e.proc.ApproveChanges(ctx, *change, recipient, streams.RoleRecipient)
	require.NoError(t, err)
	change, err = e.proc.ApproveChanges(ctx, *change, procParty, streams.RoleProcessor)
	require.NoError(t, err)

	next, err := e.proc.ApplyChanges(ctx, s, *change)
	require.NoError(t, err)
	assert.Nil(t, next.Terms.ProcessorPaymentPerDay)

	after, err := e.proc.ProcessPayment(ctx, *next, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, after.Stats.ReceivedByProcessor.Get(money.CurrencyNative).IsZero())
}
