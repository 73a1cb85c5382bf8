package processor

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
	"github.com/Mindburn-Labs/paystream/pkg/observability"
	"github.com/Mindburn-Labs/paystream/pkg/proration"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

// Cancel terminates a stream unilaterally. Either payer or recipient may
// cancel; no mutual consent is required. With disregardAvailablePaidPeriod
// false, the unconsumed share of any prepaid window is settled back to the
// payer prorated at the per-day rates; with true, the full remaining locked
// value returns to the payer without proration. Terminal, no successor.
func (p *Processor) Cancel(ctx context.Context, s streams.ActiveStream, acting ledger.Party, disregardAvailablePaidPeriod bool) (err error) {
	const op = "processor.Cancel"
	if p.obs != nil {
		var done func(error)
		ctx, done = p.obs.TrackSettlement(ctx, op,
			observability.StreamOperation(string(s.LineageID()), streams.ChoiceCancel, s.Stats.RoundsProcessed)...)
		defer func() { done(err) }()
	}

	if s.Contract == "" {
		return fault.New(fault.Validation, op, "stream snapshot has no contract handle")
	}
	if err := s.CanCancel(acting); err != nil {
		return err
	}

	refund := decimal.Zero
	if s.LockedFunds != nil {
		locked, err := p.instrumentValue(ctx, *s.LockedFunds, acting)
		if err != nil {
			return err
		}
		if disregardAvailablePaidPeriod {
			refund = locked
		} else {
			refund, err = p.proratedRefund(ctx, s, locked)
			if err != nil {
				return err
			}
		}
	}

	payload, err := streams.MarshalArgs(streams.CancelArgs{
		Acting:                       acting,
		DisregardAvailablePaidPeriod: disregardAvailablePaidPeriod,
		RefundNative:                 refund,
	})
	if err != nil {
		return err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{acting},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", s.Contract, streams.ChoiceCancel, payload)},
	}

	if _, err = p.submit(ctx, req, s.Contract, acting); err != nil {
		// Terminal operation: the snapshot being gone with no live successor
		// means the cancellation committed before the response was lost.
		if p.snapshotGone(ctx, s.Contract, acting) && !p.lineageLive(ctx, s, acting) {
			err = nil
		} else {
			return err
		}
	}

	if p.obs != nil {
		p.obs.StreamRemoved(ctx, observability.AttrStreamID.String(string(s.LineageID())))
	}
	p.logger.InfoContext(ctx, "stream cancelled",
		"stream", s.LineageID(),
		"acting", acting,
		"refund_native", refund.String(),
		"disregard_paid_period", disregardAvailablePaidPeriod)
	return nil
}

// proratedRefund settles the unconsumed prepaid time: the part of the paid
// window past now, valued at the per-day rates that funded the lock, capped
// at what the lock actually holds.
func (p *Processor) proratedRefund(ctx context.Context, s streams.ActiveStream, locked decimal.Decimal) (decimal.Decimal, error) {
	unconsumed := s.PaidWatermark().Add(s.Terms.PrepayWindow).Sub(p.now())
	if unconsumed <= 0 {
		return decimal.Zero, nil
	}
	if unconsumed > s.Terms.PrepayWindow {
		unconsumed = s.Terms.PrepayWindow
	}
	mctx, err := p.exchangeContextFor(ctx, s.Terms)
	if err != nil {
		return decimal.Decimal{}, err
	}
	rat, err := prepaidValue(s.Terms, unconsumed, mctx)
	if err != nil {
		return decimal.Decimal{}, err
	}
	refund := proration.Render(rat)
	if refund.GreaterThan(locked) {
		refund = locked
	}
	return refund, nil
}

// lineageLive reports whether any live snapshot of the stream's lineage is
// still visible to viewer.
func (p *Processor) lineageLive(ctx context.Context, s streams.ActiveStream, viewer ledger.Party) bool {
	stream, err := p.gateway.ActiveContracts(ctx, ledger.ActiveQuery{
		Parties: []ledger.Party{viewer},
		Kind:    ledger.KindStream,
	})
	if err != nil {
		return true // unknown, assume live so the caller sees the error
	}
	defer stream.Close()
	for {
		rec, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return false
		}
		if err != nil {
			return true // broken stream proves nothing, assume live
		}
		if cand, err := streams.ParseStream(rec); err == nil && cand.LineageID() == s.LineageID() {
			return true
		}
	}
}

// Refund moves value from the locked funds back to the payer without
// touching the watermark. Reconciliation only, not part of regular billing.
func (p *Processor) Refund(ctx context.Context, s streams.ActiveStream, amount money.Amount) (*streams.ActiveStream, error) {
	const op = "processor.Refund"
	if s.Contract == "" {
		return nil, fault.New(fault.Validation, op, "stream snapshot has no contract handle")
	}
	if !amount.IsPositive() {
		return nil, fault.New(fault.Validation, op, "refund amount must be positive")
	}
	if s.LockedFunds == nil {
		return nil, fault.New(fault.Validation, op, "stream holds no locked funds")
	}

	native := amount.Value
	if !amount.Currency.IsNative() {
		x, err := p.gateway.ExchangeContext(ctx)
		if err != nil {
			return nil, err
		}
		native, err = proration.ConvertIfNeeded(amount, x)
		if err != nil {
			return nil, err
		}
	}

	payload, err := streams.MarshalArgs(streams.RefundArgs{Native: native})
	if err != nil {
		return nil, err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{s.Terms.Processor},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", s.Contract, streams.ChoiceRefund, payload)},
	}

	res, err := p.submit(ctx, req, s.Contract, s.Terms.Processor)
	if err != nil {
		// A refund leaves watermark and round count unchanged, which
		// identifies its successor after an ambiguous failure.
		if p.snapshotGone(ctx, s.Contract, s.Terms.Processor) {
			if next, ok := p.findSuccessorAt(ctx, s, s.Terms.Processor); ok {
				return next, nil
			}
		}
		return nil, err
	}
	next, err := successorStream(res, op)
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "refund processed",
		"stream", s.LineageID(), "amount", amount.String(), "native", native.String())
	return next, nil
}

func (p *Processor) findSuccessorAt(ctx context.Context, s streams.ActiveStream, viewer ledger.Party) (*streams.ActiveStream, bool) {
	var at time.Time
	if s.PaidUntil != nil {
		at = *s.PaidUntil
	} else {
		// Never-processed streams have no watermark to match; fall back to
		// lineage plus round count.
		return p.findByLineage(ctx, s, viewer)
	}
	return p.findSuccessor(ctx, s, viewer, at, s.Stats.RoundsProcessed)
}

func (p *Processor) findByLineage(ctx context.Context, s streams.ActiveStream, viewer ledger.Party) (*streams.ActiveStream, bool) {
	stream, err := p.gateway.ActiveContracts(ctx, ledger.ActiveQuery{
		Parties: []ledger.Party{viewer},
		Kind:    ledger.KindStream,
	})
	if err != nil {
		return nil, false
	}
	defer stream.Close()
	for {
		rec, err := stream.Recv()
		if err != nil {
			return nil, false
		}
		cand, err := streams.ParseStream(rec)
		if err != nil {
			continue
		}
		if cand.LineageID() == s.LineageID() && cand.Stats.RoundsProcessed == s.Stats.RoundsProcessed {
			return &cand, true
		}
	}
}
