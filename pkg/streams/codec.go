package streams

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// Choice names exercised on stream contracts. The factory originates
// proposals; proposals evolve until activation; active streams settle,
// change and terminate.
const (
	ChoiceOriginateProposal = "OriginateProposal"

	ChoiceApprove     = "Approve"
	ChoiceEdit        = "Edit"
	ChoiceChangeParty = "ChangeParty"
	ChoiceWithdraw    = "Withdraw"
	ChoiceActivate    = "Activate"

	ChoiceProcessPayment   = "ProcessPayment"
	ChoiceProcessFreeTrial = "ProcessFreeTrial"
	ChoiceCancel           = "Cancel"
	ChoiceRefund           = "Refund"
	ChoiceExpire           = "Expire"

	ChoiceProposeChanges = "ProposeChanges"
	ChoiceApproveChanges = "ApproveChanges"
	ChoiceRejectChanges  = "RejectChanges"
	ChoiceApplyChanges   = "ApplyChanges"
)

// OriginateArgs creates a proposal through the network factory.
type OriginateArgs struct {
	Terms     Terms     `json:"terms"`
	CreatedAt time.Time `json:"created_at"`
}

// ApproveArgs consents to a proposal or change proposal.
type ApproveArgs struct {
	Acting ledger.Party `json:"acting"`
	Role   Role         `json:"role"`
}

// EditArgs replaces a proposal's terms.
type EditArgs struct {
	Acting ledger.Party `json:"acting"`
	Terms  Terms        `json:"terms"`
}

// ChangePartyArgs rebinds a proposal role.
type ChangePartyArgs struct {
	Role     Role         `json:"role"`
	NewParty ledger.Party `json:"new_party"`
}

// WithdrawArgs removes a proposal, terminally.
type WithdrawArgs struct {
	Acting ledger.Party `json:"acting"`
}

// ActivateArgs converts a fully approved proposal into an active stream.
type ActivateArgs struct {
	StartedAt time.Time `json:"started_at"`
}

// ProcessPaymentArgs settles one payment round. Amounts in the terms'
// denomination feed the statistics; native values are what actually moves
// on the ledger after settlement-time conversion. LockNative is the value of
// the replacement prepay lock; nil means the terms carry no prepay window.
type ProcessPaymentArgs struct {
	PaidUntil       time.Time           `json:"paid_until"`
	RecipientAmount money.Amount        `json:"recipient_amount"`
	ProcessorAmount *money.Amount       `json:"processor_amount,omitempty"`
	RecipientNative decimal.Decimal     `json:"recipient_native"`
	ProcessorNative *decimal.Decimal    `json:"processor_native,omitempty"`
	LockNative      *decimal.Decimal    `json:"lock_native,omitempty"`
	Funding         []ledger.ContractID `json:"funding"`
	RatesContract   ledger.ContractID   `json:"rates_contract,omitempty"`
}

// ProcessFreeTrialArgs advances the watermark without value transfer.
type ProcessFreeTrialArgs struct {
	PaidUntil time.Time `json:"paid_until"`
}

// CancelArgs terminates a stream. RefundNative is the prepaid value returned
// to the payer, already settled by the caller's refund policy.
type CancelArgs struct {
	Acting                       ledger.Party    `json:"acting"`
	DisregardAvailablePaidPeriod bool            `json:"disregard_available_paid_period"`
	RefundNative                 decimal.Decimal `json:"refund_native"`
}

// RefundArgs moves locked value back to the payer without touching the
// watermark.
type RefundArgs struct {
	Native decimal.Decimal `json:"native"`
}

// ProposeChangesArgs opens a change proposal against an active stream.
type ProposeChangesArgs struct {
	Acting    ledger.Party `json:"acting"`
	Delta     ChangeDelta  `json:"delta"`
	CreatedAt time.Time    `json:"created_at"`
}

// RejectChangesArgs removes a change proposal, terminally.
type RejectChangesArgs struct {
	Acting ledger.Party `json:"acting"`
}

// ApplyChangesArgs exchanges a stream for its changed successor.
type ApplyChangesArgs struct {
	Change ledger.ContractID `json:"change"`
}

// ParseProposal decodes a proposal record payload.
func ParseProposal(rec *ledger.CreatedRecord) (Proposal, error) {
	const op = "streams.ParseProposal"
	if err := checkKind(rec, ledger.KindProposal, op); err != nil {
		return Proposal{}, err
	}
	var p Proposal
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		return Proposal{}, fault.Wrap(fault.Validation, op, err)
	}
	p.Contract = rec.Contract
	return p, nil
}

// ParseStream decodes an active-stream record payload.
func ParseStream(rec *ledger.CreatedRecord) (ActiveStream, error) {
	const op = "streams.ParseStream"
	if err := checkKind(rec, ledger.KindStream, op); err != nil {
		return ActiveStream{}, err
	}
	var s ActiveStream
	if err := json.Unmarshal(rec.Payload, &s); err != nil {
		return ActiveStream{}, fault.Wrap(fault.Validation, op, err)
	}
	s.Contract = rec.Contract
	return s, nil
}

// ParseChangeProposal decodes a change-proposal record payload.
func ParseChangeProposal(rec *ledger.CreatedRecord) (ChangeProposal, error) {
	const op = "streams.ParseChangeProposal"
	if err := checkKind(rec, ledger.KindChangeProposal, op); err != nil {
		return ChangeProposal{}, err
	}
	var c ChangeProposal
	if err := json.Unmarshal(rec.Payload, &c); err != nil {
		return ChangeProposal{}, fault.Wrap(fault.Validation, op, err)
	}
	c.Contract = rec.Contract
	return c, nil
}

func checkKind(rec *ledger.CreatedRecord, want ledger.RecordKind, op string) error {
	if rec == nil {
		return fault.New(fault.Validation, op, "nil record")
	}
	kind := rec.Kind
	if kind == ledger.KindAny {
		kind = ledger.KindOf(rec.Template)
	}
	if kind != want {
		return fault.Newf(fault.Validation, op, "record is %s, want %s", kind, want)
	}
	if len(rec.Payload) == 0 {
		return fault.New(fault.Validation, op, "record carries no payload")
	}
	return nil
}

// MarshalArgs encodes choice arguments for a submission.
func MarshalArgs(v any) (json.RawMessage, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, "streams.MarshalArgs", err)
	}
	return raw, nil
}
