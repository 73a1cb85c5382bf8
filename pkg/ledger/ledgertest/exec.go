package ledgertest

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/funding"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

const opSubmit = "ledgertest.SubmitAndWait"

// txn stages what one submission creates and archives. Nothing becomes
// visible until commit; a failed command discards the whole stage, which is
// the gateway's all-or-nothing contract.
type txn struct {
	f           *Fake
	archived    []ledger.ContractID
	archivedSet map[ledger.ContractID]bool
	created     []*entry
}

func (t *txn) lookup(id ledger.ContractID) (*entry, bool) {
	for _, e := range t.created {
		if e.rec.Contract == id {
			return e, true
		}
	}
	e, ok := t.f.entries[id]
	return e, ok
}

// resolve returns an entry that is still active in this transaction's view.
func (t *txn) resolve(id ledger.ContractID, op string) (*entry, error) {
	e, ok := t.lookup(id)
	if !ok {
		return nil, fault.Coded(fault.CodeContractNotFound, op, "unknown contract "+string(id))
	}
	if e.archived || t.archivedSet[id] {
		return nil, fault.Coded(fault.CodeStaleReference, op, "contract "+string(id)+" is archived")
	}
	return e, nil
}

func (t *txn) archive(id ledger.ContractID) {
	if !t.archivedSet[id] {
		t.archivedSet[id] = true
		t.archived = append(t.archived, id)
	}
}

func (t *txn) create(template ledger.TemplateID, payload []byte, visible []ledger.Party, locked bool) ledger.ContractID {
	id := t.f.newID(idPrefix(ledger.KindOf(template)))
	t.created = append(t.created, &entry{
		rec:     buildRecord(id, template, payload),
		visible: partySet(visible),
		locked:  locked,
	})
	return id
}

func (t *txn) createInstrument(owner ledger.Party, value decimal.Decimal) (ledger.ContractID, error) {
	payload, err := instrumentPayload(owner, value)
	if err != nil {
		return "", fault.Wrap(fault.Validation, opSubmit, err)
	}
	return t.create(TemplateInstrument, payload, []ledger.Party{owner}, false), nil
}

// createLock mints a prepay lock: payer value, visible to every stakeholder
// so any of them can audit it, excluded from spendable listings.
func (t *txn) createLock(terms streams.Terms, value decimal.Decimal) (ledger.ContractID, error) {
	payload, err := instrumentPayload(terms.Payer, value)
	if err != nil {
		return "", fault.Wrap(fault.Validation, opSubmit, err)
	}
	return t.create(TemplateInstrument, payload, stakeholders(terms), true), nil
}

func (t *txn) lockValue(id ledger.ContractID, op string) (decimal.Decimal, error) {
	e, err := t.resolve(id, op)
	if err != nil {
		return decimal.Decimal{}, err
	}
	inst, err := funding.ParseInstrument(recCopy(e))
	if err != nil {
		return decimal.Decimal{}, err
	}
	return inst.Value, nil
}

func (t *txn) commit() *ledger.SubmitResult {
	result := &ledger.SubmitResult{}
	for _, id := range t.archived {
		e, ok := t.lookup(id)
		if !ok {
			continue
		}
		e.archived = true
		result.Archived = append(result.Archived, ledger.ArchivedRecord{
			Kind:     e.rec.Kind,
			Template: e.rec.Template,
			Contract: e.rec.Contract,
		})
	}
	for _, e := range t.created {
		t.f.entries[e.rec.Contract] = e
		t.f.order = append(t.f.order, e.rec.Contract)
		result.Created = append(result.Created, *recCopy(e))
	}
	return result
}

func instrumentPayload(owner ledger.Party, value decimal.Decimal) ([]byte, error) {
	return json.Marshal(funding.Instrument{Owner: owner, Value: value})
}

func marshalPayload(v any, op string) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fault.Wrap(fault.Validation, op, err)
	}
	return payload, nil
}

func decodeArgs(raw json.RawMessage, into any, op string) error {
	if err := json.Unmarshal(raw, into); err != nil {
		return fault.Wrap(fault.Validation, op, err)
	}
	return nil
}

func stakeholders(terms streams.Terms) []ledger.Party {
	parties := []ledger.Party{terms.Payer, terms.Recipient, terms.Processor}
	return append(parties, terms.Observers...)
}

func acted(req ledger.SubmitRequest, p ledger.Party) bool {
	for _, a := range req.ActAs {
		if a == p {
			return true
		}
	}
	return false
}

func actedAny(req ledger.SubmitRequest, parties []ledger.Party) bool {
	for _, p := range parties {
		if acted(req, p) {
			return true
		}
	}
	return false
}

// SubmitAndWait implements ledger.Gateway. Commands run atomically against
// the staged state; each command id commits at most once, and resubmitting a
// committed id is rejected rather than silently absorbed.
func (f *Fake) SubmitAndWait(ctx context.Context, req ledger.SubmitRequest) (*ledger.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.failQueue) > 0 {
		err := f.failQueue[0]
		f.failQueue = f.failQueue[1:]
		return nil, err
	}
	if req.CommandID == "" {
		return nil, fault.New(fault.Validation, opSubmit, "command id is required")
	}
	if f.completed[req.CommandID] {
		return nil, fault.New(fault.Validation, opSubmit, "duplicate command id "+req.CommandID)
	}
	if len(req.ActAs) == 0 {
		return nil, fault.New(fault.Unauthorized, opSubmit, "no acting party")
	}
	if len(req.Commands) == 0 {
		return nil, fault.New(fault.Validation, opSubmit, "empty submission")
	}

	disclosed, err := f.admitDisclosures(req.Disclosures)
	if err != nil {
		return nil, err
	}

	t := &txn{f: f, archivedSet: make(map[ledger.ContractID]bool)}
	for _, cmd := range req.Commands {
		if err := f.execCommand(t, cmd, req, disclosed); err != nil {
			return nil, err
		}
	}

	result := t.commit()
	result.CommandID = req.CommandID
	f.completed[req.CommandID] = true

	if f.committedErr != nil {
		err := f.committedErr
		f.committedErr = nil
		return nil, err
	}
	return result, nil
}

// admitDisclosures validates the attached bundles and returns the contracts
// they make referenceable for this submission. A bundle for a replaced
// contract is stale: its handle no longer resolves.
func (f *Fake) admitDisclosures(ds []ledger.DisclosedContract) (map[ledger.ContractID]bool, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	admitted := make(map[ledger.ContractID]bool, len(ds))
	for _, d := range ds {
		e, ok := f.entries[d.Contract]
		if !ok {
			return nil, fault.Coded(fault.CodeContractNotFound, opSubmit,
				"disclosed contract "+string(d.Contract)+" is unknown")
		}
		if e.archived {
			return nil, fault.Coded(fault.CodeStaleReference, opSubmit,
				"disclosure for "+string(d.Contract)+" is stale")
		}
		if !bytes.Equal(d.Blob, e.rec.Blob) {
			return nil, fault.New(fault.Validation, opSubmit,
				"disclosure blob mismatch for "+string(d.Contract))
		}
		admitted[d.Contract] = true
	}
	return admitted, nil
}

func (f *Fake) referenceable(e *entry, req ledger.SubmitRequest, disclosed map[ledger.ContractID]bool) bool {
	if disclosed[e.rec.Contract] {
		return true
	}
	for _, p := range req.ActAs {
		if e.seenBy(p) {
			return true
		}
	}
	for _, p := range req.ReadAs {
		if e.seenBy(p) {
			return true
		}
	}
	return false
}

func (f *Fake) execCommand(t *txn, cmd ledger.Command, req ledger.SubmitRequest, disclosed map[ledger.ContractID]bool) error {
	switch cmd.Kind {
	case ledger.CommandExercise:
	case ledger.CommandCreate:
		return fault.New(fault.Validation, opSubmit,
			"direct creation is not part of this network; originate through the factory")
	default:
		return fault.Newf(fault.Validation, opSubmit, "unknown command kind %q", cmd.Kind)
	}

	e, err := t.resolve(cmd.Contract, opSubmit)
	if err != nil {
		return err
	}
	if !f.referenceable(e, req, disclosed) {
		return fault.Coded(fault.CodeContractNotFound, opSubmit,
			"no contract "+string(cmd.Contract)+" visible to the acting parties")
	}

	switch e.rec.Kind {
	case ledger.KindFactory:
		return f.execFactory(t, cmd, req)
	case ledger.KindProposal:
		return f.execProposal(t, e, cmd, req)
	case ledger.KindStream:
		return f.execStream(t, e, cmd, req, disclosed)
	case ledger.KindChangeProposal:
		return f.execChangeProposal(t, e, cmd, req)
	default:
		return fault.Newf(fault.Validation, opSubmit, "no choices on %s contracts", e.rec.Kind)
	}
}

// execFactory handles origination. The factory is a long-lived entry point:
// exercising it does not consume it.
func (f *Fake) execFactory(t *txn, cmd ledger.Command, req ledger.SubmitRequest) error {
	if cmd.Choice != streams.ChoiceOriginateProposal {
		return fault.Newf(fault.Validation, opSubmit, "unknown choice %s on the factory", cmd.Choice)
	}
	var args streams.OriginateArgs
	if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
		return err
	}
	if !acted(req, args.Terms.Payer) {
		return fault.Newf(fault.Unauthorized, opSubmit,
			"origination must be acted by the payer %s", args.Terms.Payer)
	}
	p, err := streams.NewProposal(args.Terms, args.CreatedAt)
	if err != nil {
		return err
	}
	payload, err := marshalPayload(p, opSubmit)
	if err != nil {
		return err
	}
	t.create(TemplateProposal, payload, stakeholders(p.Terms), false)
	return nil
}

func (f *Fake) execProposal(t *txn, e *entry, cmd ledger.Command, req ledger.SubmitRequest) error {
	p, err := streams.ParseProposal(recCopy(e))
	if err != nil {
		return err
	}

	replace := func(next streams.Proposal) error {
		payload, err := marshalPayload(next, opSubmit)
		if err != nil {
			return err
		}
		t.archive(p.Contract)
		t.create(TemplateProposal, payload, stakeholders(next.Terms), false)
		return nil
	}

	switch cmd.Choice {
	case streams.ChoiceApprove:
		var args streams.ApproveArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, args.Acting) {
			return fault.Newf(fault.Unauthorized, opSubmit, "approval must be acted by %s", args.Acting)
		}
		next, err := p.Approve(args.Acting, args.Role)
		if err != nil {
			return err
		}
		return replace(next)

	case streams.ChoiceEdit:
		var args streams.EditArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, args.Acting) {
			return fault.Newf(fault.Unauthorized, opSubmit, "edit must be acted by %s", args.Acting)
		}
		next, err := p.Edit(args.Acting, args.Terms)
		if err != nil {
			return err
		}
		return replace(next)

	case streams.ChoiceChangeParty:
		var args streams.ChangePartyArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, p.Terms.Payer) {
			return fault.New(fault.Unauthorized, opSubmit, "only the payer rebinds proposal roles")
		}
		next, err := p.ChangeParty(args.Role, args.NewParty)
		if err != nil {
			return err
		}
		return replace(next)

	case streams.ChoiceWithdraw:
		var args streams.WithdrawArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, args.Acting) {
			return fault.Newf(fault.Unauthorized, opSubmit, "withdrawal must be acted by %s", args.Acting)
		}
		if err := p.Withdraw(args.Acting); err != nil {
			return err
		}
		t.archive(p.Contract)
		return nil

	case streams.ChoiceActivate:
		var args streams.ActivateArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !actedAny(req, stakeholders(p.Terms)) {
			return fault.New(fault.Unauthorized, opSubmit, "activation requires a stakeholder")
		}
		s, err := p.Activate(args.StartedAt)
		if err != nil {
			return err
		}
		payload, err := marshalPayload(s, opSubmit)
		if err != nil {
			return err
		}
		t.archive(p.Contract)
		t.create(TemplateStream, payload, stakeholders(s.Terms), false)
		return nil

	default:
		return fault.Newf(fault.Validation, opSubmit, "unknown choice %s on a proposal", cmd.Choice)
	}
}

func (f *Fake) execStream(t *txn, e *entry, cmd ledger.Command, req ledger.SubmitRequest, disclosed map[ledger.ContractID]bool) error {
	s, err := streams.ParseStream(recCopy(e))
	if err != nil {
		return err
	}

	replace := func(next streams.ActiveStream) error {
		payload, err := marshalPayload(next, opSubmit)
		if err != nil {
			return err
		}
		t.archive(s.Contract)
		t.create(TemplateStream, payload, stakeholders(next.Terms), false)
		return nil
	}

	switch cmd.Choice {
	case streams.ChoiceProcessPayment:
		return f.execProcessPayment(t, s, cmd, req, disclosed)

	case streams.ChoiceProcessFreeTrial:
		var args streams.ProcessFreeTrialArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, s.Terms.Processor) {
			return fault.Newf(fault.Unauthorized, opSubmit, "trial rounds are processed by %s", s.Terms.Processor)
		}
		deadline, ok := s.TrialDeadline()
		if !ok {
			return fault.New(fault.Validation, opSubmit, "stream has no free trial")
		}
		if args.PaidUntil.After(deadline) {
			return fault.Newf(fault.Validation, opSubmit, "free trial ended at %s", deadline)
		}
		next, err := s.WithTrialRound(args.PaidUntil)
		if err != nil {
			return err
		}
		return replace(next)

	case streams.ChoiceCancel:
		var args streams.CancelArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if err := s.CanCancel(args.Acting); err != nil {
			return err
		}
		if !acted(req, args.Acting) {
			return fault.Newf(fault.Unauthorized, opSubmit, "cancellation must be acted by %s", args.Acting)
		}
		if args.RefundNative.IsNegative() {
			return fault.New(fault.Validation, opSubmit, "negative refund")
		}
		if s.LockedFunds == nil {
			if !args.RefundNative.IsZero() {
				return fault.New(fault.Validation, opSubmit, "no locked funds to refund")
			}
		} else {
			lockVal, err := t.lockValue(*s.LockedFunds, opSubmit)
			if err != nil {
				return err
			}
			if args.RefundNative.GreaterThan(lockVal) {
				return fault.Coded(fault.CodeInsufficientFunds, opSubmit,
					"refund "+args.RefundNative.String()+" exceeds locked "+lockVal.String())
			}
			t.archive(*s.LockedFunds)
			if args.RefundNative.IsPositive() {
				if _, err := t.createInstrument(s.Terms.Payer, args.RefundNative); err != nil {
					return err
				}
			}
			// The consumed-but-unsettled share goes to the recipient.
			if remainder := lockVal.Sub(args.RefundNative); remainder.IsPositive() {
				if _, err := t.createInstrument(s.Terms.Recipient, remainder); err != nil {
					return err
				}
			}
		}
		t.archive(s.Contract)
		return nil

	case streams.ChoiceRefund:
		var args streams.RefundArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, s.Terms.Processor) {
			return fault.Newf(fault.Unauthorized, opSubmit, "refunds are processed by %s", s.Terms.Processor)
		}
		if !args.Native.IsPositive() {
			return fault.New(fault.Validation, opSubmit, "refund must be positive")
		}
		if s.LockedFunds == nil {
			return fault.New(fault.Validation, opSubmit, "no locked funds")
		}
		lockVal, err := t.lockValue(*s.LockedFunds, opSubmit)
		if err != nil {
			return err
		}
		if args.Native.GreaterThan(lockVal) {
			return fault.Coded(fault.CodeInsufficientFunds, opSubmit,
				"refund "+args.Native.String()+" exceeds locked "+lockVal.String())
		}
		t.archive(*s.LockedFunds)
		if _, err := t.createInstrument(s.Terms.Payer, args.Native); err != nil {
			return err
		}
		next := s
		next.LockedFunds = nil
		if remainder := lockVal.Sub(args.Native); remainder.IsPositive() {
			lockRef, err := t.createLock(s.Terms, remainder)
			if err != nil {
				return err
			}
			next.LockedFunds = &lockRef
		}
		return replace(next)

	case streams.ChoiceExpire:
		deadline, ok := s.EndDeadline()
		if !ok {
			return fault.New(fault.Validation, opSubmit, "stream has no payments-end bound")
		}
		if f.clock.Before(deadline) {
			return fault.Newf(fault.Validation, opSubmit, "stream runs until %s", deadline)
		}
		if !actedAny(req, stakeholders(s.Terms)) {
			return fault.New(fault.Unauthorized, opSubmit, "expiry requires a stakeholder")
		}
		if s.LockedFunds != nil {
			lockVal, err := t.lockValue(*s.LockedFunds, opSubmit)
			if err != nil {
				return err
			}
			t.archive(*s.LockedFunds)
			if lockVal.IsPositive() {
				if _, err := t.createInstrument(s.Terms.Payer, lockVal); err != nil {
					return err
				}
			}
		}
		t.archive(s.Contract)
		return nil

	case streams.ChoiceProposeChanges:
		var args streams.ProposeChangesArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, args.Acting) {
			return fault.Newf(fault.Unauthorized, opSubmit, "change proposal must be acted by %s", args.Acting)
		}
		c, err := streams.NewChangeProposal(s, args.Acting, args.Delta, args.CreatedAt)
		if err != nil {
			return err
		}
		payload, err := marshalPayload(c, opSubmit)
		if err != nil {
			return err
		}
		// Non-consuming: the stream keeps settling while consent gathers.
		t.create(TemplateChange, payload, stakeholders(s.Terms), false)
		return nil

	case streams.ChoiceApplyChanges:
		var args streams.ApplyChangesArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !actedAny(req, []ledger.Party{s.Terms.Payer, s.Terms.Processor}) {
			return fault.New(fault.Unauthorized, opSubmit, "changes are applied by the payer or processor")
		}
		ce, err := t.resolve(args.Change, opSubmit)
		if err != nil {
			return err
		}
		if !f.referenceable(ce, req, disclosed) {
			return fault.Coded(fault.CodeContractNotFound, opSubmit,
				"no contract "+string(args.Change)+" visible to the acting parties")
		}
		c, err := streams.ParseChangeProposal(recCopy(ce))
		if err != nil {
			return err
		}
		if !c.Ready() {
			return fault.New(fault.Validation, opSubmit, "change is not fully approved")
		}
		// Consent binds the terms in force when the change was proposed.
		curFP, err := s.Terms.Fingerprint()
		if err != nil {
			return err
		}
		propFP, err := c.Terms.Fingerprint()
		if err != nil {
			return err
		}
		if curFP != propFP {
			return fault.New(fault.Validation, opSubmit, "terms changed since the change was proposed")
		}
		newTerms, err := c.Delta.Apply(s.Terms)
		if err != nil {
			return err
		}
		t.archive(c.Contract)
		next := s
		next.Terms = newTerms
		return replace(next)

	default:
		return fault.Newf(fault.Validation, opSubmit, "unknown choice %s on a stream", cmd.Choice)
	}
}

func (f *Fake) execChangeProposal(t *txn, e *entry, cmd ledger.Command, req ledger.SubmitRequest) error {
	c, err := streams.ParseChangeProposal(recCopy(e))
	if err != nil {
		return err
	}

	switch cmd.Choice {
	case streams.ChoiceApproveChanges:
		var args streams.ApproveArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, args.Acting) {
			return fault.Newf(fault.Unauthorized, opSubmit, "approval must be acted by %s", args.Acting)
		}
		next, err := c.Approve(args.Acting, args.Role)
		if err != nil {
			return err
		}
		payload, err := marshalPayload(next, opSubmit)
		if err != nil {
			return err
		}
		t.archive(c.Contract)
		t.create(TemplateChange, payload, stakeholders(next.Terms), false)
		return nil

	case streams.ChoiceRejectChanges:
		var args streams.RejectChangesArgs
		if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
			return err
		}
		if !acted(req, args.Acting) {
			return fault.Newf(fault.Unauthorized, opSubmit, "rejection must be acted by %s", args.Acting)
		}
		if err := c.Reject(args.Acting); err != nil {
			return err
		}
		t.archive(c.Contract)
		return nil

	default:
		return fault.Newf(fault.Validation, opSubmit, "unknown choice %s on a change proposal", cmd.Choice)
	}
}

func (f *Fake) execProcessPayment(t *txn, s streams.ActiveStream, cmd ledger.Command, req ledger.SubmitRequest, disclosed map[ledger.ContractID]bool) error {
	var args streams.ProcessPaymentArgs
	if err := decodeArgs(cmd.Payload, &args, opSubmit); err != nil {
		return err
	}
	if !acted(req, s.Terms.Processor) {
		return fault.Newf(fault.Unauthorized, opSubmit, "payment rounds are processed by %s", s.Terms.Processor)
	}

	available := decimal.Zero
	for _, fid := range args.Funding {
		fe, err := t.resolve(fid, opSubmit)
		if err != nil {
			return err
		}
		if !f.referenceable(fe, req, disclosed) {
			return fault.Coded(fault.CodeContractNotFound, opSubmit,
				"no contract "+string(fid)+" visible to the acting parties")
		}
		if fe.rec.Kind != ledger.KindInstrument {
			return fault.New(fault.Validation, opSubmit, "funding must reference instruments")
		}
		if fe.locked {
			return fault.New(fault.Validation, opSubmit, "locked value cannot fund a payment")
		}
		inst, err := funding.ParseInstrument(recCopy(fe))
		if err != nil {
			return err
		}
		if inst.Owner != s.Terms.Payer {
			return fault.Newf(fault.Unauthorized, opSubmit, "instrument %s is not the payer's", fid)
		}
		t.archive(fid)
		available = available.Add(inst.Value)
	}
	if s.LockedFunds != nil {
		lockVal, err := t.lockValue(*s.LockedFunds, opSubmit)
		if err != nil {
			return err
		}
		t.archive(*s.LockedFunds)
		available = available.Add(lockVal)
	}

	spend := args.RecipientNative
	if args.ProcessorNative != nil {
		spend = spend.Add(*args.ProcessorNative)
	}
	newLock := decimal.Zero
	if args.LockNative != nil {
		newLock = *args.LockNative
	}
	change := available.Sub(spend).Sub(newLock)
	if change.IsNegative() {
		return fault.Coded(fault.CodeInsufficientFunds, opSubmit,
			"funding "+available.String()+" does not cover "+spend.Add(newLock).String())
	}

	if args.RecipientNative.IsPositive() {
		if _, err := t.createInstrument(s.Terms.Recipient, args.RecipientNative); err != nil {
			return err
		}
	}
	if args.ProcessorNative != nil && args.ProcessorNative.IsPositive() {
		if _, err := t.createInstrument(s.Terms.Processor, *args.ProcessorNative); err != nil {
			return err
		}
	}
	var lockRef *ledger.ContractID
	if newLock.IsPositive() {
		id, err := t.createLock(s.Terms, newLock)
		if err != nil {
			return err
		}
		lockRef = &id
	}
	if change.IsPositive() {
		if _, err := t.createInstrument(s.Terms.Payer, change); err != nil {
			return err
		}
	}

	next, err := s.WithRound(streams.RoundSettlement{
		PaidUntil:           args.PaidUntil,
		ReceivedByRecipient: args.RecipientAmount,
		ReceivedByProcessor: args.ProcessorAmount,
		LockedFunds:         lockRef,
	})
	if err != nil {
		return err
	}
	payload, err := marshalPayload(next, opSubmit)
	if err != nil {
		return err
	}
	t.archive(s.Contract)
	t.create(TemplateStream, payload, stakeholders(next.Terms), false)
	return nil
}
