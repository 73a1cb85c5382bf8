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

func newProposal(t *testing.T) streams.Proposal {
	t.Helper()
	p, err := streams.NewProposal(baseTerms(), time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	return p
}

func TestProposal_ApprovalFlow(t *testing.T) {
	p := newProposal(t)
	assert.False(t, p.ReadyToActivate())

	// Recipient alone is not enough.
	p, err := p.Approve("bob", streams.RoleRecipient)
	require.NoError(t, err)
	assert.False(t, p.ReadyToActivate())

	// Processor completes the set.
	p, err = p.Approve("proc", streams.RoleProcessor)
	require.NoError(t, err)
	assert.True(t, p.ReadyToActivate())
}

func TestProposal_ApprovalMonotonic(t *testing.T) {
	p := newProposal(t)
	p, err := p.Approve("bob", streams.RoleRecipient)
	require.NoError(t, err)
	p, err = p.Approve("proc", streams.RoleProcessor)
	require.NoError(t, err)
	require.True(t, p.ReadyToActivate())

	// Repeated approval is an idempotent no-op and readiness holds.
	p, err = p.Approve("bob", streams.RoleRecipient)
	require.NoError(t, err)
	assert.True(t, p.ReadyToActivate())
}

func TestProposal_ApproveUnauthorized(t *testing.T) {
	p := newProposal(t)

	_, err := p.Approve("mallory", streams.RoleRecipient)
	assert.True(t, fault.IsUnauthorized(err), "got %v", err)

	// The right party for the wrong role is still unauthorized.
	_, err = p.Approve("bob", streams.RoleProcessor)
	assert.True(t, fault.IsUnauthorized(err), "got %v", err)
}

func TestProposal_PayerApprovalImplicit(t *testing.T) {
	p := newProposal(t)
	_, err := p.Approve("alice", streams.RolePayer)
	assert.True(t, fault.IsValidation(err), "payer approval must be rejected, got %v", err)
}

func TestProposal_ChangeParty(t *testing.T) {
	p := newProposal(t)
	p, err := p.Approve("bob", streams.RoleRecipient)
	require.NoError(t, err)
	p, err = p.Approve("proc", streams.RoleProcessor)
	require.NoError(t, err)

	// Rebinding the recipient clears only the recipient's consent.
	p, err = p.ChangeParty(streams.RoleRecipient, "carol")
	require.NoError(t, err)
	assert.EqualValues(t, "carol", p.Terms.Recipient)
	assert.False(t, p.Approvals.Recipient)
	assert.True(t, p.Approvals.Processor)
	assert.False(t, p.ReadyToActivate())

	// The new recipient can consent.
	p, err = p.Approve("carol", streams.RoleRecipient)
	require.NoError(t, err)
	assert.True(t, p.ReadyToActivate())
}

func TestProposal_ChangeParty_Validation(t *testing.T) {
	p := newProposal(t)

	_, err := p.ChangeParty(streams.RoleRecipient, "")
	assert.True(t, fault.IsValidation(err))

	_, err = p.ChangeParty(streams.Role("AUDITOR"), "carol")
	assert.True(t, fault.IsValidation(err))
}

func TestProposal_EditResetsAllApprovals(t *testing.T) {
	p := newProposal(t)
	p, err := p.Approve("bob", streams.RoleRecipient)
	require.NoError(t, err)
	p, err = p.Approve("proc", streams.RoleProcessor)
	require.NoError(t, err)
	require.True(t, p.ReadyToActivate())

	newTerms := p.Terms
	newTerms.RecipientPaymentPerDay = money.MustParse("12.0", money.CurrencyNative)

	p, err = p.Edit("alice", newTerms)
	require.NoError(t, err)
	assert.False(t, p.Approvals.Recipient)
	assert.False(t, p.Approvals.Processor)
	assert.False(t, p.ReadyToActivate())
}

func TestProposal_EditAuthorization(t *testing.T) {
	p := newProposal(t)

	_, err := p.Edit("bob", p.Terms)
	assert.True(t, fault.IsUnauthorized(err))

	hijacked := p.Terms
	hijacked.Payer = "mallory"
	_, err = p.Edit("alice", hijacked)
	assert.True(t, fault.IsValidation(err), "payer reassignment through edit must be rejected")
}

func TestProposal_Withdraw(t *testing.T) {
	p := newProposal(t)

	assert.NoError(t, p.Withdraw("alice"))
	assert.True(t, fault.IsUnauthorized(p.Withdraw("bob")))
}

func TestProposal_Activate(t *testing.T) {
	p := newProposal(t)
	startedAt := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	_, err := p.Activate(startedAt)
	assert.True(t, fault.IsValidation(err), "activation requires full approval")

	p, err = p.Approve("bob", streams.RoleRecipient)
	require.NoError(t, err)
	p, err = p.Approve("proc", streams.RoleProcessor)
	require.NoError(t, err)

	s, err := p.Activate(startedAt)
	require.NoError(t, err)
	assert.Equal(t, startedAt, s.StartedAt)
	assert.Nil(t, s.PaidUntil)
	assert.Equal(t, p.Terms, s.Terms)
	assert.EqualValues(t, 0, s.Stats.RoundsProcessed)
}

func TestNewProposal_RejectsBadTerms(t *testing.T) {
	terms := baseTerms()
	terms.Recipient = ""
	_, err := streams.NewProposal(terms, time.Now())
	assert.True(t, fault.IsValidation(err))
}
