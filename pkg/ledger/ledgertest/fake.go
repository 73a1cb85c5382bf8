// Package ledgertest provides an in-memory ledger gateway for tests. The
// fake runs the real domain transitions behind archive-and-create semantics:
// every state change consumes the old snapshot and produces a successor,
// funding instruments are single-use, and visibility follows stakeholder
// sets plus per-submission disclosure. Transport faults can be scripted to
// exercise retry and recovery paths.
package ledgertest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/disclosure"
	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/funding"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// Template identifiers of the fake network's contract model.
const (
	TemplateFactory    ledger.TemplateID = "paystream:core:StreamFactory"
	TemplateProposal   ledger.TemplateID = "paystream:core:StreamProposal"
	TemplateStream     ledger.TemplateID = "paystream:core:ActiveStream"
	TemplateInstrument ledger.TemplateID = "paystream:core:FundingInstrument"
	TemplateChange     ledger.TemplateID = "paystream:core:ChangeProposal"
)

// Domain is the single synchronization domain the fake routes on.
const Domain ledger.DomainID = "fake::domain-0"

type entry struct {
	rec      ledger.CreatedRecord
	visible  map[ledger.Party]struct{}
	archived bool
	// locked entries hold prepaid value. They resolve by handle but are
	// not spendable, so active-contract queries skip them.
	locked bool
}

func (e *entry) seenBy(p ledger.Party) bool {
	_, ok := e.visible[p]
	return ok
}

// Fake is an in-memory ledger.Gateway. The zero value is not usable; build
// one with New. All methods are safe for concurrent use.
type Fake struct {
	mu    sync.Mutex
	clock time.Time
	seq   int

	entries map[ledger.ContractID]*entry
	order   []ledger.ContractID // creation order, keeps listings deterministic

	completed map[string]bool // command ids with a committed outcome

	rates         map[money.Currency]decimal.Decimal
	ratesContract ledger.ContractID

	readyErr     error
	failQueue    []error
	committedErr error
	breakAfter   int // records before the next stream breaks; -1 disabled
}

// New builds an empty fake whose clock starts at start.
func New(start time.Time) *Fake {
	return &Fake{
		clock:      start.UTC(),
		entries:    make(map[ledger.ContractID]*entry),
		completed:  make(map[string]bool),
		breakAfter: -1,
	}
}

// Now returns the fake's current instant.
func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clock
}

// Advance moves the clock forward and returns the new instant.
func (f *Fake) Advance(d time.Duration) time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(d)
	return f.clock
}

// Clock returns a clock function bound to the fake, for components that
// take an injectable time source.
func (f *Fake) Clock() func() time.Time {
	return f.Now
}

func (f *Fake) newID(prefix string) ledger.ContractID {
	f.seq++
	return ledger.ContractID(fmt.Sprintf("%s-%04d", prefix, f.seq))
}

func idPrefix(kind ledger.RecordKind) string {
	switch kind {
	case ledger.KindFactory:
		return "factory"
	case ledger.KindProposal:
		return "proposal"
	case ledger.KindStream:
		return "stream"
	case ledger.KindInstrument:
		return "instrument"
	case ledger.KindChangeProposal:
		return "change"
	default:
		return "contract"
	}
}

// insert creates a committed entry directly; submissions go through the
// transaction in exec.go instead.
func (f *Fake) insert(template ledger.TemplateID, payload []byte, visible []ledger.Party, locked bool) ledger.ContractID {
	kind := ledger.KindOf(template)
	id := f.newID(idPrefix(kind))
	f.entries[id] = &entry{
		rec:     buildRecord(id, template, payload),
		visible: partySet(visible),
		locked:  locked,
	}
	f.order = append(f.order, id)
	return id
}

func buildRecord(id ledger.ContractID, template ledger.TemplateID, payload []byte) ledger.CreatedRecord {
	return ledger.CreatedRecord{
		Kind:     ledger.KindOf(template),
		Template: template,
		Contract: id,
		Domain:   Domain,
		Payload:  payload,
		Blob:     []byte("blob::" + string(id)),
	}
}

func partySet(parties []ledger.Party) map[ledger.Party]struct{} {
	set := make(map[ledger.Party]struct{}, len(parties))
	for _, p := range parties {
		set[p] = struct{}{}
	}
	return set
}

// SeedFactory provisions the network entry-point contract and returns its
// disclosure bundle, the artifact a deployment would hand out through
// configuration. visibleTo lists the parties with native visibility; most
// tests leave it empty so origination must carry the bundle.
func (f *Fake) SeedFactory(network string, visibleTo ...ledger.Party) disclosure.Bundle {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload := []byte(fmt.Sprintf(`{"network":%q}`, network))
	id := f.insert(TemplateFactory, payload, visibleTo, false)
	e := f.entries[id]
	return disclosure.Bundle{
		Template: e.rec.Template,
		Contract: e.rec.Contract,
		Blob:     append([]byte(nil), e.rec.Blob...),
		Domain:   e.rec.Domain,
	}
}

// SeedInstrument mints a spendable funding instrument owned by owner.
func (f *Fake) SeedInstrument(owner ledger.Party, value decimal.Decimal) ledger.ContractID {
	f.mu.Lock()
	defer f.mu.Unlock()
	payload, err := instrumentPayload(owner, value)
	if err != nil {
		panic(err) // static shape, cannot fail
	}
	return f.insert(TemplateInstrument, payload, []ledger.Party{owner}, false)
}

// SetRates replaces the fiat conversion table. Each call models a new rates
// contract superseding the previous one.
func (f *Fake) SetRates(rates map[money.Currency]decimal.Decimal) ledger.ContractID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rates = make(map[money.Currency]decimal.Decimal, len(rates))
	for c, r := range rates {
		f.rates[c] = r
	}
	f.ratesContract = f.newID("rates")
	return f.ratesContract
}

// SetReady scripts the Ready probe. nil restores a healthy gateway.
func (f *Fake) SetReady(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.readyErr = err
}

// FailNext queues errors returned by upcoming SubmitAndWait calls before
// anything executes.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failQueue = append(f.failQueue, errs...)
}

// FailNextCommitted makes the next submission execute fully and then report
// err, simulating a response lost after the ledger committed. A blind retry
// of the same command id is rejected as a duplicate.
func (f *Fake) FailNextCommitted(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committedErr = err
}

// BreakNextStreamAfter makes the next active-contract stream deliver n
// records and then fail without its completion marker.
func (f *Fake) BreakNextStreamAfter(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breakAfter = n
}

// InstrumentsOf lists the spendable instruments a party currently owns,
// ordered by contract id. Locked prepay value is excluded.
func (f *Fake) InstrumentsOf(owner ledger.Party) []funding.Instrument {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []funding.Instrument
	for _, id := range f.order {
		e := f.entries[id]
		if e.archived || e.locked || e.rec.Kind != ledger.KindInstrument {
			continue
		}
		inst, err := funding.ParseInstrument(recCopy(e))
		if err != nil || inst.Owner != owner {
			continue
		}
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Contract < out[j].Contract })
	return out
}

// IsArchived reports whether a contract has been consumed. Unknown handles
// report false.
func (f *Fake) IsArchived(id ledger.ContractID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	return ok && e.archived
}

// Creation returns a contract's creation record regardless of visibility or
// archival, for test assertions only.
func (f *Fake) Creation(id ledger.ContractID) (*ledger.CreatedRecord, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[id]
	if !ok {
		return nil, false
	}
	return recCopy(e), true
}

func recCopy(e *entry) *ledger.CreatedRecord {
	rec := e.rec
	rec.Payload = append([]byte(nil), e.rec.Payload...)
	rec.Blob = append([]byte(nil), e.rec.Blob...)
	return &rec
}

// GetCreation implements ledger.Gateway. A contract the viewer cannot see
// is indistinguishable from one that does not exist; an archived contract
// surfaces as a stale reference.
func (f *Fake) GetCreation(_ context.Context, id ledger.ContractID, viewer ledger.Party) (*ledger.CreatedRecord, error) {
	const op = "ledgertest.GetCreation"
	f.mu.Lock()
	defer f.mu.Unlock()

	e, ok := f.entries[id]
	if !ok || !e.seenBy(viewer) {
		return nil, fault.Coded(fault.CodeContractNotFound, op, "no contract "+string(id)+" visible to "+string(viewer))
	}
	if e.archived {
		return nil, fault.Coded(fault.CodeStaleReference, op, "contract "+string(id)+" is archived")
	}
	return recCopy(e), nil
}

// ActiveContracts implements ledger.Gateway with a snapshot stream of the
// active contracts visible to any queried party.
func (f *Fake) ActiveContracts(_ context.Context, q ledger.ActiveQuery) (ledger.RecordStream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var recs []*ledger.CreatedRecord
	for _, id := range f.order {
		e := f.entries[id]
		if e.archived || e.locked {
			continue
		}
		if q.Kind != ledger.KindAny && e.rec.Kind != q.Kind {
			continue
		}
		for _, p := range q.Parties {
			if e.seenBy(p) {
				recs = append(recs, recCopy(e))
				break
			}
		}
	}

	stream := &fakeStream{recs: recs, breakAfter: f.breakAfter}
	f.breakAfter = -1
	return stream, nil
}

type fakeStream struct {
	recs       []*ledger.CreatedRecord
	breakAfter int
	i          int
}

func (s *fakeStream) Recv() (*ledger.CreatedRecord, error) {
	if s.breakAfter >= 0 && s.i >= s.breakAfter {
		return nil, fault.Coded(fault.CodeStreamTruncated, "ledgertest.Recv",
			"stream scripted to break before completion")
	}
	if s.i >= len(s.recs) {
		return nil, io.EOF
	}
	rec := s.recs[s.i]
	s.i++
	return rec, nil
}

func (s *fakeStream) Close() error { return nil }

// ExchangeContext implements ledger.Gateway from the scripted rates table.
func (f *Fake) ExchangeContext(_ context.Context) (*money.ExchangeContext, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	rates := make(map[money.Currency]decimal.Decimal, len(f.rates))
	for c, r := range f.rates {
		rates[c] = r
	}
	return &money.ExchangeContext{
		RatesContract: string(f.ratesContract),
		Rates:         rates,
		AsOf:          f.clock,
	}, nil
}

// Ready implements ledger.Gateway.
func (f *Fake) Ready(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readyErr
}

var _ ledger.Gateway = (*Fake)(nil)
