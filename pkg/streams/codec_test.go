package streams_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

func TestParseStream(t *testing.T) {
	s := activeStream()
	until := s.StartedAt.Add(time.Minute)
	s.PaidUntil = &until

	payload, err := json.Marshal(s)
	require.NoError(t, err)

	rec := &ledger.CreatedRecord{
		Template: "p:M:ActiveStream",
		Contract: "stream-9",
		Payload:  payload,
	}

	parsed, err := streams.ParseStream(rec)
	require.NoError(t, err)
	assert.EqualValues(t, "stream-9", parsed.Contract, "contract comes from the record, not the payload")
	assert.Equal(t, until.UTC(), parsed.PaidUntil.UTC())
	assert.Equal(t, s.Terms.Payer, parsed.Terms.Payer)
	assert.True(t, parsed.Terms.RecipientPaymentPerDay.Equal(s.Terms.RecipientPaymentPerDay))
}

func TestParseProposal_KindMismatch(t *testing.T) {
	rec := &ledger.CreatedRecord{
		Template: "p:M:ActiveStream",
		Contract: "c-1",
		Payload:  []byte(`{}`),
	}

	_, err := streams.ParseProposal(rec)
	assert.True(t, fault.IsValidation(err), "got %v", err)
}

func TestParseProposal(t *testing.T) {
	p, err := streams.NewProposal(baseTerms(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	p.Approvals.Recipient = true

	payload, err := json.Marshal(p)
	require.NoError(t, err)

	parsed, err := streams.ParseProposal(&ledger.CreatedRecord{
		Kind:     ledger.KindProposal,
		Template: "opaque",
		Contract: "prop-1",
		Payload:  payload,
	})
	require.NoError(t, err)
	assert.EqualValues(t, "prop-1", parsed.Contract)
	assert.True(t, parsed.Approvals.Recipient)
	assert.False(t, parsed.Approvals.Processor)
}

func TestParse_EmptyPayload(t *testing.T) {
	_, err := streams.ParseStream(&ledger.CreatedRecord{
		Template: "p:M:ActiveStream",
		Contract: "c-1",
	})
	assert.True(t, fault.IsValidation(err))

	_, err = streams.ParseChangeProposal(nil)
	assert.True(t, fault.IsValidation(err))
}

func TestParseChangeProposal(t *testing.T) {
	s := activeStream()
	desc := "new description"
	c, err := streams.NewChangeProposal(s, "alice",
		streams.ChangeDelta{Description: &desc}, time.Now().UTC())
	require.NoError(t, err)

	payload, err := json.Marshal(c)
	require.NoError(t, err)

	parsed, err := streams.ParseChangeProposal(&ledger.CreatedRecord{
		Template: "p:M:ChangeProposal",
		Contract: "chg-1",
		Payload:  payload,
	})
	require.NoError(t, err)
	assert.EqualValues(t, "chg-1", parsed.Contract)
	assert.Equal(t, s.Contract, parsed.Stream)
	require.NotNil(t, parsed.Delta.Description)
	assert.Equal(t, desc, *parsed.Delta.Description)
}
