package streams

import (
	"time"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
)

// Approvals records which counterparties have consented to a proposal.
// Payer approval is implicit: the payer authored the proposal.
type Approvals struct {
	Recipient bool `json:"recipient"`
	Processor bool `json:"processor"`
}

// Proposal is one snapshot of a pending stream proposal. Transitions return
// a new value; the caller exchanges the old contract for the new one on the
// ledger.
type Proposal struct {
	Contract  ledger.ContractID `json:"-"`
	Terms     Terms             `json:"terms"`
	Approvals Approvals         `json:"approvals"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewProposal validates terms and builds the initial proposal snapshot.
func NewProposal(terms Terms, createdAt time.Time) (Proposal, error) {
	if err := terms.Validate(); err != nil {
		return Proposal{}, err
	}
	return Proposal{Terms: terms, CreatedAt: createdAt}, nil
}

// Approve consents to the proposal on behalf of a role. Fails with
// Unauthorized when acting is not the party bound to that role. Approving an
// already approved role is a no-op, not an error.
func (p Proposal) Approve(acting ledger.Party, role Role) (Proposal, error) {
	const op = "streams.Approve"
	if role == RolePayer {
		return Proposal{}, fault.New(fault.Validation, op, "payer approval is implicit in authorship")
	}
	bound, err := p.Terms.PartyFor(role)
	if err != nil {
		return Proposal{}, err
	}
	if acting != bound {
		return Proposal{}, fault.Newf(fault.Unauthorized, op, "%s is not the %s", acting, role)
	}
	switch role {
	case RoleRecipient:
		p.Approvals.Recipient = true
	case RoleProcessor:
		p.Approvals.Processor = true
	}
	return p, nil
}

// ReadyToActivate reports whether every required consent is present.
func (p Proposal) ReadyToActivate() bool {
	return p.Approvals.Recipient && p.Approvals.Processor
}

// ChangeParty rebinds a role to a new party. Only the approval of the
// changed role is cleared: the new party has not consented, everyone else
// already has.
func (p Proposal) ChangeParty(role Role, newParty ledger.Party) (Proposal, error) {
	const op = "streams.ChangeParty"
	if newParty == "" {
		return Proposal{}, fault.New(fault.Validation, op, "new party is required")
	}
	switch role {
	case RolePayer:
		p.Terms.Payer = newParty
	case RoleRecipient:
		p.Terms.Recipient = newParty
		p.Approvals.Recipient = false
	case RoleProcessor:
		p.Terms.Processor = newParty
		p.Approvals.Processor = false
	default:
		return Proposal{}, fault.Newf(fault.Validation, op, "unknown role %q", role)
	}
	return p, nil
}

// Edit replaces the terms. Any edit clears all approvals: consent was given
// to the previous terms, not the new ones. Payer only.
func (p Proposal) Edit(acting ledger.Party, newTerms Terms) (Proposal, error) {
	const op = "streams.Edit"
	if acting != p.Terms.Payer {
		return Proposal{}, fault.Newf(fault.Unauthorized, op, "%s is not the payer", acting)
	}
	if err := newTerms.Validate(); err != nil {
		return Proposal{}, err
	}
	if newTerms.Payer != p.Terms.Payer {
		return Proposal{}, fault.New(fault.Validation, op, "the payer cannot be edited away; use ChangeParty")
	}
	p.Terms = newTerms
	p.Approvals = Approvals{}
	return p, nil
}

// Withdraw authorizes terminal removal of the proposal. Payer only; the
// caller archives the contract with no successor.
func (p Proposal) Withdraw(acting ledger.Party) error {
	if acting != p.Terms.Payer {
		return fault.Newf(fault.Unauthorized, "streams.Withdraw", "%s is not the payer", acting)
	}
	return nil
}

// Activate converts a fully approved proposal into the initial active
// stream snapshot. The proposal's contract handle becomes the stream's
// lineage: it outlives every successor snapshot.
func (p Proposal) Activate(startedAt time.Time) (ActiveStream, error) {
	if !p.ReadyToActivate() {
		return ActiveStream{}, fault.New(fault.Validation, "streams.Activate",
			"proposal is not fully approved")
	}
	return ActiveStream{Lineage: p.Contract, Terms: p.Terms, StartedAt: startedAt}, nil
}
