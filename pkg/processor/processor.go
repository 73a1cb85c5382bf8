// Package processor executes the operations of a live payment stream:
// settlement rounds, free-trial rounds, cancellation with refund, and the
// change sub-protocol. Every operation consumes one stream snapshot and
// yields its successor; the processor assembles the funding and disclosure
// an operation needs, submits it once, and on ambiguous transport failures
// re-queries the ledger before any retry so a round can never pay twice.
package processor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/disclosure"
	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/funding"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/observability"
	"github.com/Mindburn-Labs/paystream/pkg/receipts"
	"github.com/Mindburn-Labs/paystream/pkg/retry"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

// Processor drives stream operations against the ledger gateway.
type Processor struct {
	gateway    ledger.Gateway
	funding    *funding.Resolver
	disclosure *disclosure.Resolver
	receipts   receipts.Store
	retry      retry.Policy
	obs        *observability.Provider
	logger     *slog.Logger
	now        func() time.Time
}

// Option customizes a Processor.
type Option func(*Processor)

// WithReceipts substitutes the receipt store. The default is in-memory.
func WithReceipts(store receipts.Store) Option {
	return func(p *Processor) { p.receipts = store }
}

// WithRetryPolicy bounds retries of transient gateway failures.
func WithRetryPolicy(policy retry.Policy) Option {
	return func(p *Processor) { p.retry = policy }
}

// WithObservability wires settlement tracing and metrics.
func WithObservability(obs *observability.Provider) Option {
	return func(p *Processor) { p.obs = obs }
}

// WithLogger sets the processor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger.With("component", "processor") }
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// New builds a Processor over a gateway and its resolvers.
func New(gw ledger.Gateway, fr *funding.Resolver, dr *disclosure.Resolver, opts ...Option) *Processor {
	p := &Processor{
		gateway:    gw,
		funding:    fr,
		disclosure: dr,
		receipts:   receipts.NewMemory(),
		retry:      retry.DefaultPolicy(),
		logger:     slog.Default().With("component", "processor"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Receipts exposes the receipt store for statement export.
func (p *Processor) Receipts() receipts.Store {
	return p.receipts
}

// submit runs one submission with bounded retries. Only transient failures
// retry, and only while the consumed snapshot is still live on the ledger:
// once the snapshot is gone a prior attempt committed, and resubmitting
// would double-apply.
func (p *Processor) submit(ctx context.Context, req ledger.SubmitRequest, consumed ledger.ContractID, viewer ledger.Party) (*ledger.SubmitResult, error) {
	var result *ledger.SubmitResult
	key := retry.Key{Stream: string(consumed), Command: req.CommandID}

	retryable := func(err error) bool {
		if !fault.Retryable(err) {
			return false
		}
		if consumed == "" {
			return true // non-consuming submission, command id dedup suffices
		}
		return !p.snapshotGone(ctx, consumed, viewer)
	}

	err := retry.Do(ctx, p.retry, key, retryable, func(ctx context.Context) error {
		res, err := p.gateway.SubmitAndWait(ctx, req)
		if err != nil {
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// snapshotGone reports whether a contract is no longer live as seen by
// viewer. Transient lookup failures read as still-live, which stays on the
// safe side: the retry resubmits under the same command id and the ledger's
// dedup rejects it if the first attempt committed.
func (p *Processor) snapshotGone(ctx context.Context, id ledger.ContractID, viewer ledger.Party) bool {
	_, err := p.gateway.GetCreation(ctx, id, viewer)
	return fault.IsNotFound(err)
}

// findSuccessor searches the live streams visible to viewer for the
// successor of s: same lineage, the expected watermark and round count. Used
// after an ambiguous failure to decide whether the round committed.
func (p *Processor) findSuccessor(ctx context.Context, s streams.ActiveStream, viewer ledger.Party, paidUntil time.Time, rounds int64) (*streams.ActiveStream, bool) {
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
		if errors.Is(err, io.EOF) {
			return nil, false
		}
		if err != nil {
			return nil, false
		}
		cand, err := streams.ParseStream(rec)
		if err != nil {
			continue
		}
		if cand.LineageID() != s.LineageID() {
			continue
		}
		if cand.Stats.RoundsProcessed != rounds {
			continue
		}
		if cand.PaidUntil == nil || !cand.PaidUntil.Equal(paidUntil) {
			continue
		}
		return &cand, true
	}
}

// successorStream decodes the single active-stream record a consuming
// submission must have created.
func successorStream(res *ledger.SubmitResult, op string) (*streams.ActiveStream, error) {
	rec, ok := res.Records().First(ledger.KindStream)
	if !ok {
		return nil, fault.New(fault.Validation, op, "submission did not yield exactly one successor stream")
	}
	next, err := streams.ParseStream(rec)
	if err != nil {
		return nil, err
	}
	return &next, nil
}

// instrumentValue resolves the face value of an instrument contract, used to
// read the current prepay lock.
func (p *Processor) instrumentValue(ctx context.Context, id ledger.ContractID, viewer ledger.Party) (decimal.Decimal, error) {
	rec, err := p.gateway.GetCreation(ctx, id, viewer)
	if err != nil {
		return decimal.Decimal{}, err
	}
	inst, err := funding.ParseInstrument(rec)
	if err != nil {
		return decimal.Decimal{}, err
	}
	return inst.Value, nil
}

// exchangeContextFor fetches settlement-time rates when any of the amounts
// involved is fiat denominated. Native-only operations skip the read.
func (p *Processor) exchangeContextFor(ctx context.Context, t streams.Terms) (*moneyContext, error) {
	fiat := !t.RecipientPaymentPerDay.Currency.IsNative()
	if t.ProcessorPaymentPerDay != nil && !t.ProcessorPaymentPerDay.Currency.IsNative() {
		fiat = true
	}
	if !fiat {
		return &moneyContext{}, nil
	}
	x, err := p.gateway.ExchangeContext(ctx)
	if err != nil {
		return nil, err
	}
	return &moneyContext{x: x, fiat: true}, nil
}
