package streams

import (
	"time"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// Stats are the cumulative settlement counters of a stream.
type Stats struct {
	RoundsProcessed     int64        `json:"rounds_processed"`
	PaidByPayer         money.Totals `json:"paid_by_payer,omitempty"`
	ReceivedByRecipient money.Totals `json:"received_by_recipient,omitempty"`
	ReceivedByProcessor money.Totals `json:"received_by_processor,omitempty"`
}

// ActiveStream is one snapshot of a live, billable stream. PaidUntil is the
// settlement watermark; nil means no payment round has ever run. The
// watermark never moves backwards across successful rounds. Lineage is the
// stable identity carried across archive-and-create versions; Contract is
// the handle of this particular snapshot.
type ActiveStream struct {
	Contract    ledger.ContractID  `json:"-"`
	Lineage     ledger.ContractID  `json:"lineage,omitempty"`
	Terms       Terms              `json:"terms"`
	StartedAt   time.Time          `json:"started_at"`
	PaidUntil   *time.Time         `json:"paid_until,omitempty"`
	LockedFunds *ledger.ContractID `json:"locked_funds,omitempty"`
	Stats       Stats              `json:"stats"`
}

// LineageID returns the stable stream identity, falling back to the snapshot
// handle for streams created before a lineage was assigned.
func (s ActiveStream) LineageID() ledger.ContractID {
	if s.Lineage != "" {
		return s.Lineage
	}
	return s.Contract
}

// PaidWatermark returns the instant up to which the stream has been billed:
// the watermark when one exists, otherwise the stream start.
func (s ActiveStream) PaidWatermark() time.Time {
	if s.PaidUntil != nil {
		return *s.PaidUntil
	}
	return s.StartedAt
}

// TrialDeadline resolves the free-trial bound, when one exists.
func (s ActiveStream) TrialDeadline() (time.Time, bool) {
	if s.Terms.FreeTrialUntil == nil {
		return time.Time{}, false
	}
	return s.Terms.FreeTrialUntil.Resolve(s.StartedAt), true
}

// EndDeadline resolves the payments-end bound, when one exists.
func (s ActiveStream) EndDeadline() (time.Time, bool) {
	if s.Terms.PaymentsEndAt == nil {
		return time.Time{}, false
	}
	return s.Terms.PaymentsEndAt.Resolve(s.StartedAt), true
}

// RoundSettlement is the value movement of one payment round. The payer's
// spend is not a separate input: it is the recipient and processor legs
// combined, so the counters conserve value by construction.
type RoundSettlement struct {
	PaidUntil           time.Time
	ReceivedByRecipient money.Amount
	ReceivedByProcessor *money.Amount // nil when no processor fee applies
	LockedFunds         *ledger.ContractID
}

// WithRound returns the successor snapshot after one settlement round:
// watermark advanced, counters incremented, locked funds replaced. The
// watermark must not regress.
func (s ActiveStream) WithRound(r RoundSettlement) (ActiveStream, error) {
	if r.PaidUntil.Before(s.PaidWatermark()) {
		return ActiveStream{}, fault.Newf(fault.Validation, "streams.WithRound",
			"watermark regression: %s before %s", r.PaidUntil, s.PaidWatermark())
	}
	paidUntil := r.PaidUntil
	s.PaidUntil = &paidUntil
	s.LockedFunds = r.LockedFunds
	s.Stats = Stats{
		RoundsProcessed:     s.Stats.RoundsProcessed + 1,
		PaidByPayer:         s.Stats.PaidByPayer.Add(r.ReceivedByRecipient),
		ReceivedByRecipient: s.Stats.ReceivedByRecipient.Add(r.ReceivedByRecipient),
		ReceivedByProcessor: s.Stats.ReceivedByProcessor,
	}
	if r.ReceivedByProcessor != nil {
		s.Stats.PaidByPayer = s.Stats.PaidByPayer.Add(*r.ReceivedByProcessor)
		s.Stats.ReceivedByProcessor = s.Stats.ReceivedByProcessor.Add(*r.ReceivedByProcessor)
	}
	return s, nil
}

// WithTrialRound returns the successor snapshot after a free-trial round:
// the watermark advances with no value transfer and no round counted as a
// settlement.
func (s ActiveStream) WithTrialRound(paidUntil time.Time) (ActiveStream, error) {
	if paidUntil.Before(s.PaidWatermark()) {
		return ActiveStream{}, fault.Newf(fault.Validation, "streams.WithTrialRound",
			"watermark regression: %s before %s", paidUntil, s.PaidWatermark())
	}
	s.PaidUntil = &paidUntil
	return s, nil
}

// CanCancel authorizes unilateral cancellation: either payer or recipient,
// no mutual consent required.
func (s ActiveStream) CanCancel(acting ledger.Party) error {
	if acting != s.Terms.Payer && acting != s.Terms.Recipient {
		return fault.Newf(fault.Unauthorized, "streams.Cancel",
			"%s is neither payer nor recipient", acting)
	}
	return nil
}
