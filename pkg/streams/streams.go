// Package streams models the payment-stream domain: immutable terms, the
// proposal approval state machine, active stream snapshots with settlement
// statistics, and the change sub-protocol for live streams. All transitions
// return new values; contracts on the ledger are immutable and every
// "mutation" is an archive-old/create-new step performed by the caller.
package streams

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/gowebpki/jcs"
	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// Role names a party's function in a stream.
type Role string

const (
	RolePayer     Role = "PAYER"
	RoleRecipient Role = "RECIPIENT"
	RoleProcessor Role = "PROCESSOR"
)

// TimeBound is either an absolute instant or a duration relative to stream
// start. Exactly one field is set.
type TimeBound struct {
	At    *time.Time     `json:"at,omitempty"`
	After *time.Duration `json:"after,omitempty"`
}

// BoundAt builds an absolute bound.
func BoundAt(t time.Time) *TimeBound {
	return &TimeBound{At: &t}
}

// BoundAfter builds a bound relative to stream start.
func BoundAfter(d time.Duration) *TimeBound {
	return &TimeBound{After: &d}
}

func (b *TimeBound) validate(field string) error {
	if b == nil {
		return nil
	}
	if (b.At == nil) == (b.After == nil) {
		return fault.Newf(fault.Validation, "streams.Terms", "%s: exactly one of at/after must be set", field)
	}
	if b.After != nil && *b.After < 0 {
		return fault.Newf(fault.Validation, "streams.Terms", "%s: relative bound must not be negative", field)
	}
	return nil
}

// Resolve yields the bound instant. Relative bounds resolve against start;
// absolute bounds ignore it.
func (b *TimeBound) Resolve(start time.Time) time.Time {
	if b.At != nil {
		return *b.At
	}
	return start.Add(*b.After)
}

// Beneficiary routes a weighted share of stream rewards to a party. Weights
// are not validated to sum to one; that is the author's responsibility.
type Beneficiary struct {
	Party  ledger.Party    `json:"party"`
	Weight decimal.Decimal `json:"weight"`
}

// Terms are the immutable economics of a stream.
type Terms struct {
	Payer     ledger.Party `json:"payer"`
	Recipient ledger.Party `json:"recipient"`
	Processor ledger.Party `json:"processor"`

	RecipientPaymentPerDay money.Amount  `json:"recipient_payment_per_day"`
	ProcessorPaymentPerDay *money.Amount `json:"processor_payment_per_day,omitempty"`

	// PrepayWindow is the amount of future stream time kept funded in
	// locked instruments. Zero means pure pay-as-you-go.
	PrepayWindow time.Duration `json:"prepay_window"`

	FreeTrialUntil *TimeBound `json:"free_trial_until,omitempty"`
	PaymentsEndAt  *TimeBound `json:"payments_end_at,omitempty"`

	Beneficiaries []Beneficiary     `json:"beneficiaries,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Description   string            `json:"description,omitempty"`
	Observers     []ledger.Party    `json:"observers,omitempty"`
}

// Validate rejects malformed terms before any network call.
func (t Terms) Validate() error {
	const op = "streams.Terms"
	if t.Payer == "" || t.Recipient == "" || t.Processor == "" {
		return fault.New(fault.Validation, op, "payer, recipient and processor are required")
	}
	if t.RecipientPaymentPerDay.Currency == "" {
		return fault.New(fault.Validation, op, "recipient rate requires a denomination")
	}
	if !t.RecipientPaymentPerDay.IsPositive() {
		return fault.Coded(fault.CodeTermsInvalid, op, "recipient payment per day must be positive")
	}
	if p := t.ProcessorPaymentPerDay; p != nil {
		if p.Currency == "" {
			return fault.New(fault.Validation, op, "processor rate requires a denomination")
		}
		if !p.IsPositive() {
			return fault.New(fault.Validation, op, "processor payment per day must be positive when set")
		}
	}
	if t.PrepayWindow < 0 {
		return fault.New(fault.Validation, op, "prepay window must not be negative")
	}
	if err := t.FreeTrialUntil.validate("free_trial_until"); err != nil {
		return err
	}
	if err := t.PaymentsEndAt.validate("payments_end_at"); err != nil {
		return err
	}
	for _, b := range t.Beneficiaries {
		if b.Party == "" {
			return fault.New(fault.Validation, op, "beneficiary party is required")
		}
		if b.Weight.IsNegative() {
			return fault.Newf(fault.Validation, op, "beneficiary %s: negative weight", b.Party)
		}
	}
	return nil
}

// PartyFor returns the party bound to a role.
func (t Terms) PartyFor(role Role) (ledger.Party, error) {
	switch role {
	case RolePayer:
		return t.Payer, nil
	case RoleRecipient:
		return t.Recipient, nil
	case RoleProcessor:
		return t.Processor, nil
	default:
		return "", fault.Newf(fault.Validation, "streams.Terms", "unknown role %q", role)
	}
}

// Fingerprint returns the RFC 8785 canonical SHA-256 of the terms. Used to
// detect edits and to derive idempotency keys for submissions.
func (t Terms) Fingerprint() (string, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return "", fault.Wrap(fault.Validation, "streams.Fingerprint", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fault.Wrap(fault.Validation, "streams.Fingerprint", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
