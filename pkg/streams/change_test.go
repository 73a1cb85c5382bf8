package streams_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/money"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

func TestChangeDelta_Apply(t *testing.T) {
	terms := baseTerms()
	newRate := money.MustParse("20", money.CurrencyNative)
	window := 48 * time.Hour
	desc := "renegotiated"

	delta := streams.ChangeDelta{
		RecipientPaymentPerDay: &newRate,
		PrepayWindow:           &window,
		Description:            &desc,
	}

	updated, err := delta.Apply(terms)
	require.NoError(t, err)
	assert.True(t, updated.RecipientPaymentPerDay.Equal(newRate))
	assert.Equal(t, window, updated.PrepayWindow)
	assert.Equal(t, desc, updated.Description)
	// Untouched fields survive.
	assert.Equal(t, terms.Payer, updated.Payer)
	assert.Equal(t, terms.Recipient, updated.Recipient)
}

func TestChangeDelta_ClearProcessorPayment(t *testing.T) {
	terms := baseTerms()
	fee := money.MustParse("1", money.CurrencyNative)
	terms.ProcessorPaymentPerDay = &fee

	updated, err := streams.ChangeDelta{ClearProcessorPayment: true}.Apply(terms)
	require.NoError(t, err)
	assert.Nil(t, updated.ProcessorPaymentPerDay)

	_, err = streams.ChangeDelta{
		ClearProcessorPayment:  true,
		ProcessorPaymentPerDay: &fee,
	}.Apply(terms)
	assert.True(t, fault.IsValidation(err), "set+clear must be rejected")
}

func TestChangeDelta_ValidatesResult(t *testing.T) {
	bad := money.MustParse("-5", money.CurrencyNative)
	_, err := streams.ChangeDelta{RecipientPaymentPerDay: &bad}.Apply(baseTerms())
	assert.True(t, fault.IsValidation(err))
}

func TestNewChangeProposal(t *testing.T) {
	s := activeStream()
	newRate := money.MustParse("15", money.CurrencyNative)
	delta := streams.ChangeDelta{RecipientPaymentPerDay: &newRate}
	at := time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)

	c, err := streams.NewChangeProposal(s, "alice", delta, at)
	require.NoError(t, err)
	assert.Equal(t, s.Contract, c.Stream)
	assert.False(t, c.Ready())

	_, err = streams.NewChangeProposal(s, "bob", delta, at)
	assert.True(t, fault.IsUnauthorized(err), "only the payer proposes changes")

	_, err = streams.NewChangeProposal(s, "alice", streams.ChangeDelta{}, at)
	assert.True(t, fault.IsValidation(err), "empty delta rejected")
}

func TestChangeProposal_ApproveAndReady(t *testing.T) {
	s := activeStream()
	newRate := money.MustParse("15", money.CurrencyNative)
	c, err := streams.NewChangeProposal(s, "alice",
		streams.ChangeDelta{RecipientPaymentPerDay: &newRate}, time.Now())
	require.NoError(t, err)

	c, err = c.Approve("bob", streams.RoleRecipient)
	require.NoError(t, err)
	assert.False(t, c.Ready())

	c, err = c.Approve("proc", streams.RoleProcessor)
	require.NoError(t, err)
	assert.True(t, c.Ready())

	_, err = c.Approve("mallory", streams.RoleRecipient)
	assert.True(t, fault.IsUnauthorized(err))

	_, err = c.Approve("alice", streams.RolePayer)
	assert.True(t, fault.IsValidation(err))
}

func TestChangeProposal_Reject(t *testing.T) {
	s := activeStream()
	newRate := money.MustParse("15", money.CurrencyNative)
	c, err := streams.NewChangeProposal(s, "alice",
		streams.ChangeDelta{RecipientPaymentPerDay: &newRate}, time.Now())
	require.NoError(t, err)

	assert.NoError(t, c.Reject("bob"))
	assert.NoError(t, c.Reject("proc"))
	assert.True(t, fault.IsUnauthorized(c.Reject("alice")))
}

func TestChangeDelta_IsZero(t *testing.T) {
	assert.True(t, streams.ChangeDelta{}.IsZero())

	window := time.Hour
	assert.False(t, streams.ChangeDelta{PrepayWindow: &window}.IsZero())
	assert.False(t, streams.ChangeDelta{ClearProcessorPayment: true}.IsZero())
	assert.False(t, streams.ChangeDelta{Metadata: map[string]string{}}.IsZero())
}
