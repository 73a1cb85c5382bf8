// Package funding discovers and selects the single-use instruments that fund
// stream payments. Instruments are consumed (destroyed) by the operation
// that uses them, so any selection is valid for exactly one submission;
// callers re-reserve after every consuming operation.
package funding

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
)

// Instrument is one single-use, value-bearing unit owned by a party.
type Instrument struct {
	Contract ledger.ContractID `json:"-"`
	Owner    ledger.Party      `json:"owner"`
	Value    decimal.Decimal   `json:"value"`
	Domain   ledger.DomainID   `json:"-"`
}

// ParseInstrument decodes an instrument record.
func ParseInstrument(rec *ledger.CreatedRecord) (Instrument, error) {
	const op = "funding.ParseInstrument"
	if rec == nil {
		return Instrument{}, fault.New(fault.Validation, op, "nil record")
	}
	kind := rec.Kind
	if kind == ledger.KindAny {
		kind = ledger.KindOf(rec.Template)
	}
	if kind != ledger.KindInstrument {
		return Instrument{}, fault.Newf(fault.Validation, op, "record is %s, want %s", kind, ledger.KindInstrument)
	}
	var inst Instrument
	if err := json.Unmarshal(rec.Payload, &inst); err != nil {
		return Instrument{}, fault.Wrap(fault.Validation, op, err)
	}
	inst.Contract = rec.Contract
	inst.Domain = rec.Domain
	return inst, nil
}

// Resolver reads a party's unconsumed instruments from the ledger.
type Resolver struct {
	gateway ledger.Gateway
}

// NewResolver builds a resolver over a gateway.
func NewResolver(gw ledger.Gateway) *Resolver {
	return &Resolver{gateway: gw}
}

// ListAvailable returns every unconsumed instrument owned by party. The
// gateway's push stream is drained to its clean completion signal; a stream
// that breaks early discards all partial results rather than under-reporting
// the party's holdings.
func (r *Resolver) ListAvailable(ctx context.Context, party ledger.Party) ([]Instrument, error) {
	const op = "funding.ListAvailable"
	stream, err := r.gateway.ActiveContracts(ctx, ledger.ActiveQuery{
		Parties: []ledger.Party{party},
		Kind:    ledger.KindInstrument,
	})
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var out []Instrument
	for {
		rec, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, &fault.Error{
				Class: fault.Transient,
				Code:  fault.CodeStreamTruncated,
				Op:    op,
				Msg:   "stream closed before completion, partial results discarded",
				Err:   err,
			}
		}
		inst, err := ParseInstrument(rec)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
}

// SelectTopN returns the n highest-value instruments. Largest first keeps
// the number of instruments consumed per operation low, which limits change
// fragmentation over time. Ties break by contract identity so the same
// inputs always select the same subset. The input slice is not modified.
func SelectTopN(instruments []Instrument, n int) []Instrument {
	sorted := sortByValue(instruments)
	if n > len(sorted) {
		n = len(sorted)
	}
	if n < 0 {
		n = 0
	}
	return sorted[:n]
}

// SelectForValue returns the smallest top-value prefix whose combined value
// covers need. The ordering matches SelectTopN.
func SelectForValue(instruments []Instrument, need decimal.Decimal) ([]Instrument, error) {
	const op = "funding.SelectForValue"
	sorted := sortByValue(instruments)

	total := decimal.Zero
	for i, inst := range sorted {
		total = total.Add(inst.Value)
		if total.GreaterThanOrEqual(need) {
			return sorted[:i+1], nil
		}
	}
	return nil, fault.Coded(fault.CodeInsufficientFunds, op,
		"available "+total.String()+" does not cover "+need.String())
}

// Reserve resolves the instruments funding one operation: the party's full
// holdings, then the deterministic top-value selection covering need. A
// party with zero instruments is the hard-stop subcase of insufficient
// funds. The reservation is advisory only; the ledger rejects reuse of a
// consumed instrument, so a racing operation surfaces as NotFound and the
// caller re-reserves.
func (r *Resolver) Reserve(ctx context.Context, party ledger.Party, need decimal.Decimal) ([]Instrument, error) {
	const op = "funding.Reserve"
	available, err := r.ListAvailable(ctx, party)
	if err != nil {
		return nil, err
	}
	if len(available) == 0 {
		return nil, fault.Coded(fault.CodeInsufficientFunds, op,
			"party "+string(party)+" holds no funding instruments")
	}
	return SelectForValue(available, need)
}

// TotalValue sums instrument face values.
func TotalValue(instruments []Instrument) decimal.Decimal {
	total := decimal.Zero
	for _, inst := range instruments {
		total = total.Add(inst.Value)
	}
	return total
}

// ContractIDs projects the selection to its contract handles, in order.
func ContractIDs(instruments []Instrument) []ledger.ContractID {
	ids := make([]ledger.ContractID, len(instruments))
	for i, inst := range instruments {
		ids[i] = inst.Contract
	}
	return ids
}

func sortByValue(instruments []Instrument) []Instrument {
	sorted := append([]Instrument(nil), instruments...)
	sort.Slice(sorted, func(i, j int) bool {
		if !sorted[i].Value.Equal(sorted[j].Value) {
			return sorted[i].Value.GreaterThan(sorted[j].Value)
		}
		return sorted[i].Contract < sorted[j].Contract
	})
	return sorted
}
