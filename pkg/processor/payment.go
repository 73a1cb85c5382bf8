package processor

import (
	"context"
	"math/big"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/funding"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
	"github.com/Mindburn-Labs/paystream/pkg/observability"
	"github.com/Mindburn-Labs/paystream/pkg/proration"
	"github.com/Mindburn-Labs/paystream/pkg/receipts"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

// moneyContext carries the settlement-time conversion inputs of one round.
// fiat is false for native-only terms, where no rates read happened.
type moneyContext struct {
	x    *money.ExchangeContext
	fiat bool
}

func (m *moneyContext) toNative(r *big.Rat, c money.Currency) (*big.Rat, error) {
	return proration.ConvertRat(r, c, m.x)
}

// RoundOption adjusts one settlement round.
type RoundOption func(*roundConfig)

type roundConfig struct {
	skipProcessorFee bool
}

// SkipProcessorFee settles the round without the processor leg. The
// recipient leg and the prepay lock are unaffected.
func SkipProcessorFee() RoundOption {
	return func(c *roundConfig) { c.skipProcessorFee = true }
}

// round is the fully computed settlement of one period, assembled before
// anything touches the network beyond rate and lock reads.
type round struct {
	paidUntil       time.Time
	recipientAmount money.Amount
	processorAmount *money.Amount
	recipientNative decimal.Decimal
	processorNative *decimal.Decimal
	lockNative      *decimal.Decimal
	spend           decimal.Decimal // recipient + processor legs, native
	lockTopUp       decimal.Decimal // new lock minus the lock being consumed
}

// computeRound derives the settlement amounts for one elapsed period. All
// intermediate math stays rational; each leg renders once at the boundary
// scale, so repeated equal periods settle to identical amounts.
func computeRound(s streams.ActiveStream, elapsed time.Duration, mctx *moneyContext, currentLock decimal.Decimal, cfg roundConfig) (*round, error) {
	t := s.Terms
	r := &round{paidUntil: s.PaidWatermark().Add(elapsed)}

	recipRat := proration.Owed(t.RecipientPaymentPerDay.Value, elapsed)
	recipNativeRat, err := mctx.toNative(recipRat, t.RecipientPaymentPerDay.Currency)
	if err != nil {
		return nil, err
	}
	r.recipientAmount = money.New(proration.Render(recipRat), t.RecipientPaymentPerDay.Currency)
	r.recipientNative = proration.Render(recipNativeRat)
	r.spend = r.recipientNative

	if t.ProcessorPaymentPerDay != nil && !cfg.skipProcessorFee {
		procRat := proration.Owed(t.ProcessorPaymentPerDay.Value, elapsed)
		procNativeRat, err := mctx.toNative(procRat, t.ProcessorPaymentPerDay.Currency)
		if err != nil {
			return nil, err
		}
		amount := money.New(proration.Render(procRat), t.ProcessorPaymentPerDay.Currency)
		native := proration.Render(procNativeRat)
		r.processorAmount = &amount
		r.processorNative = &native
		r.spend = r.spend.Add(native)
	}

	if t.PrepayWindow > 0 {
		lockRat, err := prepaidValue(t, t.PrepayWindow, mctx)
		if err != nil {
			return nil, err
		}
		lock := proration.Render(lockRat)
		r.lockNative = &lock
	}

	newLock := decimal.Zero
	if r.lockNative != nil {
		newLock = *r.lockNative
	}
	r.lockTopUp = newLock.Sub(currentLock)
	return r, nil
}

// prepaidValue is the native value of keeping the stream funded for window:
// both per-day legs prorated over it.
func prepaidValue(t streams.Terms, window time.Duration, mctx *moneyContext) (*big.Rat, error) {
	total, err := mctx.toNative(proration.Owed(t.RecipientPaymentPerDay.Value, window), t.RecipientPaymentPerDay.Currency)
	if err != nil {
		return nil, err
	}
	if t.ProcessorPaymentPerDay != nil {
		proc, err := mctx.toNative(proration.Owed(t.ProcessorPaymentPerDay.Value, window), t.ProcessorPaymentPerDay.Currency)
		if err != nil {
			return nil, err
		}
		total = new(big.Rat).Add(total, proc)
	}
	return total, nil
}

// ProcessPayment settles one elapsed period against the stream and returns
// the successor snapshot: watermark advanced by exactly elapsed, statistics
// incremented, prepay lock replaced. The input snapshot is consumed; a call
// holding a stale snapshot fails fast with the committed successor left
// untouched. On an ambiguous transport failure the ledger is re-queried by
// lineage and resulting watermark before the error is surfaced, so a round
// that did commit is returned instead of being paid again.
func (p *Processor) ProcessPayment(ctx context.Context, s streams.ActiveStream, elapsed time.Duration, opts ...RoundOption) (next *streams.ActiveStream, err error) {
	const op = "processor.ProcessPayment"
	if p.obs != nil {
		var done func(error)
		ctx, done = p.obs.TrackSettlement(ctx, op,
			observability.StreamOperation(string(s.LineageID()), streams.ChoiceProcessPayment, s.Stats.RoundsProcessed+1)...)
		defer func() { done(err) }()
	}

	if s.Contract == "" {
		return nil, fault.New(fault.Validation, op, "stream snapshot has no contract handle")
	}
	if elapsed <= 0 {
		return nil, fault.New(fault.Validation, op, "elapsed period must be positive")
	}
	var cfg roundConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	t := s.Terms
	mctx, err := p.exchangeContextFor(ctx, t)
	if err != nil {
		return nil, err
	}

	currentLock := decimal.Zero
	if s.LockedFunds != nil {
		currentLock, err = p.instrumentValue(ctx, *s.LockedFunds, t.Processor)
		if err != nil {
			return nil, err
		}
	}

	r, err := computeRound(s, elapsed, mctx, currentLock, cfg)
	if err != nil {
		return nil, err
	}

	// The consumed lock contributes to the round; fresh instruments only
	// cover what it does not.
	need := r.spend.Add(r.lockTopUp)
	var selection []funding.Instrument
	if need.IsPositive() {
		selection, err = p.funding.Reserve(ctx, t.Payer, need)
		if err != nil {
			return nil, err
		}
	}

	disclosures, err := p.discloseInstruments(ctx, t.Payer, t.Processor, selection)
	if err != nil {
		return nil, err
	}

	args := streams.ProcessPaymentArgs{
		PaidUntil:       r.paidUntil,
		RecipientAmount: r.recipientAmount,
		ProcessorAmount: r.processorAmount,
		RecipientNative: r.recipientNative,
		ProcessorNative: r.processorNative,
		LockNative:      r.lockNative,
		Funding:         funding.ContractIDs(selection),
	}
	if mctx.fiat {
		args.RatesContract = ledger.ContractID(mctx.x.RatesContract)
	}
	payload, err := streams.MarshalArgs(args)
	if err != nil {
		return nil, err
	}

	req := ledger.SubmitRequest{
		CommandID:   ledger.NewCommandID(),
		ActAs:       []ledger.Party{t.Processor},
		ReadAs:      []ledger.Party{t.Payer},
		Commands:    []ledger.Command{ledger.ExerciseCommand("", s.Contract, streams.ChoiceProcessPayment, payload)},
		Disclosures: disclosures,
	}

	res, err := p.submit(ctx, req, s.Contract, t.Processor)
	if err != nil {
		if recovered, ok := p.recoverRound(ctx, s, r.paidUntil); ok {
			p.logger.WarnContext(ctx, "round committed despite submission error",
				"stream", s.LineageID(), "paid_until", r.paidUntil, "error", err)
			p.recordReceipt(ctx, s, r, req.CommandID)
			return recovered, nil
		}
		return nil, err
	}

	next, err = successorStream(res, op)
	if err != nil {
		return nil, err
	}
	if next.PaidUntil == nil || !next.PaidUntil.Equal(r.paidUntil) {
		return nil, fault.Newf(fault.Validation, op,
			"successor watermark %v does not match expected %s", next.PaidUntil, r.paidUntil)
	}

	p.recordReceipt(ctx, s, r, req.CommandID)
	p.logger.InfoContext(ctx, "payment round settled",
		"stream", s.LineageID(),
		"round", next.Stats.RoundsProcessed,
		"paid_until", r.paidUntil,
		"recipient", r.recipientAmount.String())
	return next, nil
}

// recoverRound resolves an ambiguous payment failure: when the consumed
// snapshot is gone and a successor with the deterministic resulting
// watermark exists, the round committed before the response was lost.
func (p *Processor) recoverRound(ctx context.Context, s streams.ActiveStream, paidUntil time.Time) (*streams.ActiveStream, bool) {
	if !p.snapshotGone(ctx, s.Contract, s.Terms.Processor) {
		return nil, false
	}
	return p.findSuccessor(ctx, s, s.Terms.Processor, paidUntil, s.Stats.RoundsProcessed+1)
}

// discloseInstruments packages the bundles a submission needs so the acting
// processor can reference the payer's instruments. Instruments the processor
// already sees need nothing. Bundles are fetched fresh for this operation;
// consumed instruments make any older bundle stale.
func (p *Processor) discloseInstruments(ctx context.Context, owner, acting ledger.Party, selection []funding.Instrument) ([]ledger.DisclosedContract, error) {
	var out []ledger.DisclosedContract
	for _, inst := range selection {
		b, err := p.disclosure.ForCounterparty(ctx, owner, acting, inst.Contract)
		if err != nil {
			return nil, err
		}
		if b != nil {
			out = append(out, b.Disclosed())
		}
	}
	return out, nil
}

// recordReceipt books the local audit record of a settled round. The ledger
// already committed; a receipt failure is logged, not surfaced.
func (p *Processor) recordReceipt(ctx context.Context, s streams.ActiveStream, r *round, commandID string) {
	if p.receipts == nil {
		return
	}
	rec := receipts.Receipt{
		ID:              receipts.NewID(),
		Stream:          s.LineageID(),
		Contract:        s.Contract,
		Round:           s.Stats.RoundsProcessed + 1,
		PeriodStart:     s.PaidWatermark(),
		PaidUntil:       r.paidUntil,
		RecipientAmount: r.recipientAmount,
		ProcessorAmount: r.processorAmount,
		CommandID:       commandID,
		RecordedAt:      p.now(),
	}
	if err := p.receipts.Record(ctx, rec); err != nil {
		p.logger.ErrorContext(ctx, "receipt not recorded",
			"stream", s.LineageID(), "round", rec.Round, "error", err)
	}
}

// ProcessFreeTrial advances the watermark to now without moving value. Valid
// only while the trial window is open.
func (p *Processor) ProcessFreeTrial(ctx context.Context, s streams.ActiveStream) (*streams.ActiveStream, error) {
	const op = "processor.ProcessFreeTrial"
	if s.Contract == "" {
		return nil, fault.New(fault.Validation, op, "stream snapshot has no contract handle")
	}
	deadline, ok := s.TrialDeadline()
	if !ok {
		return nil, fault.New(fault.Validation, op, "stream has no free trial")
	}
	now := p.now()
	if !now.Before(deadline) {
		return nil, fault.Newf(fault.Validation, op, "free trial ended at %s", deadline)
	}

	payload, err := streams.MarshalArgs(streams.ProcessFreeTrialArgs{PaidUntil: now})
	if err != nil {
		return nil, err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{s.Terms.Processor},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", s.Contract, streams.ChoiceProcessFreeTrial, payload)},
	}

	res, err := p.submit(ctx, req, s.Contract, s.Terms.Processor)
	if err != nil {
		if recovered, ok := p.findTrialSuccessor(ctx, s, now); ok {
			return recovered, nil
		}
		return nil, err
	}
	next, err := successorStream(res, op)
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "trial round processed", "stream", s.LineageID(), "paid_until", now)
	return next, nil
}

func (p *Processor) findTrialSuccessor(ctx context.Context, s streams.ActiveStream, paidUntil time.Time) (*streams.ActiveStream, bool) {
	if !p.snapshotGone(ctx, s.Contract, s.Terms.Processor) {
		return nil, false
	}
	// Trial rounds do not count as settlements.
	return p.findSuccessor(ctx, s, s.Terms.Processor, paidUntil, s.Stats.RoundsProcessed)
}

// Expire archives a stream whose payments-end bound has passed, returning
// any locked prepaid value to the payer. Terminal, no successor.
func (p *Processor) Expire(ctx context.Context, s streams.ActiveStream, acting ledger.Party) error {
	const op = "processor.Expire"
	if s.Contract == "" {
		return fault.New(fault.Validation, op, "stream snapshot has no contract handle")
	}
	deadline, ok := s.EndDeadline()
	if !ok {
		return fault.New(fault.Validation, op, "stream has no payments-end bound")
	}
	if p.now().Before(deadline) {
		return fault.Newf(fault.Validation, op, "stream runs until %s", deadline)
	}

	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{acting},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", s.Contract, streams.ChoiceExpire, nil)},
	}
	_, err := p.submit(ctx, req, s.Contract, acting)
	if err != nil {
		if p.snapshotGone(ctx, s.Contract, acting) {
			return nil
		}
		return err
	}
	if p.obs != nil {
		p.obs.StreamRemoved(ctx, observability.AttrStreamID.String(string(s.LineageID())))
	}
	p.logger.InfoContext(ctx, "stream expired", "stream", s.LineageID(), "deadline", deadline)
	return nil
}
