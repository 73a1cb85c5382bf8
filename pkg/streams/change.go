package streams

import (
	"time"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// ChangeDelta is a partial terms update for an active stream. Nil fields are
// unchanged. ClearProcessorPayment removes the processor fee; it cannot be
// combined with ProcessorPaymentPerDay.
type ChangeDelta struct {
	RecipientPaymentPerDay *money.Amount  `json:"recipient_payment_per_day,omitempty"`
	ProcessorPaymentPerDay *money.Amount  `json:"processor_payment_per_day,omitempty"`
	ClearProcessorPayment  bool           `json:"clear_processor_payment,omitempty"`
	PrepayWindow           *time.Duration `json:"prepay_window,omitempty"`
	PaymentsEndAt          *TimeBound     `json:"payments_end_at,omitempty"`
	Description            *string        `json:"description,omitempty"`
	// Metadata replaces the whole map when non-nil.
	Metadata map[string]string `json:"metadata,omitempty"`
}

// IsZero reports whether the delta changes nothing.
func (d ChangeDelta) IsZero() bool {
	return d.RecipientPaymentPerDay == nil &&
		d.ProcessorPaymentPerDay == nil &&
		!d.ClearProcessorPayment &&
		d.PrepayWindow == nil &&
		d.PaymentsEndAt == nil &&
		d.Description == nil &&
		d.Metadata == nil
}

// Apply produces the updated terms and validates the result.
func (d ChangeDelta) Apply(t Terms) (Terms, error) {
	const op = "streams.ChangeDelta"
	if d.ClearProcessorPayment && d.ProcessorPaymentPerDay != nil {
		return Terms{}, fault.New(fault.Validation, op,
			"cannot both set and clear the processor payment")
	}
	if d.RecipientPaymentPerDay != nil {
		t.RecipientPaymentPerDay = *d.RecipientPaymentPerDay
	}
	if d.ProcessorPaymentPerDay != nil {
		p := *d.ProcessorPaymentPerDay
		t.ProcessorPaymentPerDay = &p
	}
	if d.ClearProcessorPayment {
		t.ProcessorPaymentPerDay = nil
	}
	if d.PrepayWindow != nil {
		t.PrepayWindow = *d.PrepayWindow
	}
	if d.PaymentsEndAt != nil {
		t.PaymentsEndAt = d.PaymentsEndAt
	}
	if d.Description != nil {
		t.Description = *d.Description
	}
	if d.Metadata != nil {
		t.Metadata = d.Metadata
	}
	if err := t.Validate(); err != nil {
		return Terms{}, err
	}
	return t, nil
}

// ChangeProposal is a pending terms change against an active stream. It
// mirrors the proposal approval shape: the payer proposes, recipient and
// processor consent, and either of them may reject.
type ChangeProposal struct {
	Contract  ledger.ContractID `json:"-"`
	Stream    ledger.ContractID `json:"stream"`
	Terms     Terms             `json:"terms"` // terms at proposal time, binds the approving parties
	Delta     ChangeDelta       `json:"delta"`
	Approvals Approvals         `json:"approvals"`
	CreatedAt time.Time         `json:"created_at"`
}

// NewChangeProposal validates the delta against the stream's current terms.
func NewChangeProposal(s ActiveStream, acting ledger.Party, delta ChangeDelta, createdAt time.Time) (ChangeProposal, error) {
	const op = "streams.ProposeChanges"
	if acting != s.Terms.Payer {
		return ChangeProposal{}, fault.Newf(fault.Unauthorized, op, "%s is not the payer", acting)
	}
	if delta.IsZero() {
		return ChangeProposal{}, fault.New(fault.Validation, op, "empty change delta")
	}
	if _, err := delta.Apply(s.Terms); err != nil {
		return ChangeProposal{}, err
	}
	return ChangeProposal{
		Stream:    s.Contract,
		Terms:     s.Terms,
		Delta:     delta,
		CreatedAt: createdAt,
	}, nil
}

// Approve consents to the change on behalf of a role, with the same
// authorization and idempotence rules as proposal approval.
func (c ChangeProposal) Approve(acting ledger.Party, role Role) (ChangeProposal, error) {
	const op = "streams.ApproveChanges"
	if role == RolePayer {
		return ChangeProposal{}, fault.New(fault.Validation, op, "payer approval is implicit in authorship")
	}
	bound, err := c.Terms.PartyFor(role)
	if err != nil {
		return ChangeProposal{}, err
	}
	if acting != bound {
		return ChangeProposal{}, fault.Newf(fault.Unauthorized, op, "%s is not the %s", acting, role)
	}
	switch role {
	case RoleRecipient:
		c.Approvals.Recipient = true
	case RoleProcessor:
		c.Approvals.Processor = true
	}
	return c, nil
}

// Reject authorizes terminal removal of the change proposal. Recipient or
// processor only; the payer withdraws instead of rejecting.
func (c ChangeProposal) Reject(acting ledger.Party) error {
	if acting != c.Terms.Recipient && acting != c.Terms.Processor {
		return fault.Newf(fault.Unauthorized, "streams.RejectChanges",
			"%s is neither recipient nor processor", acting)
	}
	return nil
}

// Ready reports whether the change has every required consent.
func (c ChangeProposal) Ready() bool {
	return c.Approvals.Recipient && c.Approvals.Processor
}
