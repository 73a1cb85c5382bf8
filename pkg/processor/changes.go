package processor

import (
	"context"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

// ProposeChanges opens a change proposal against an active stream. The
// stream keeps settling under its current terms while consent gathers; the
// delta only binds once applied.
func (p *Processor) ProposeChanges(ctx context.Context, s streams.ActiveStream, acting ledger.Party, delta streams.ChangeDelta) (*streams.ChangeProposal, error) {
	const op = "processor.ProposeChanges"
	if s.Contract == "" {
		return nil, fault.New(fault.Validation, op, "stream snapshot has no contract handle")
	}
	if _, err := streams.NewChangeProposal(s, acting, delta, p.now()); err != nil {
		return nil, err
	}

	payload, err := streams.MarshalArgs(streams.ProposeChangesArgs{
		Acting:    acting,
		Delta:     delta,
		CreatedAt: p.now(),
	})
	if err != nil {
		return nil, err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{acting},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", s.Contract, streams.ChoiceProposeChanges, payload)},
	}
	res, err := p.submit(ctx, req, "", acting)
	if err != nil {
		return nil, err
	}
	change, err := successorChange(res, op)
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "change proposed", "stream", s.LineageID(), "change", change.Contract)
	return change, nil
}

// ApproveChanges consents to a pending change for one role and returns the
// replacement snapshot.
func (p *Processor) ApproveChanges(ctx context.Context, change streams.ChangeProposal, acting ledger.Party, role streams.Role) (*streams.ChangeProposal, error) {
	const op = "processor.ApproveChanges"
	if change.Contract == "" {
		return nil, fault.New(fault.Validation, op, "change snapshot has no contract handle")
	}
	if _, err := change.Approve(acting, role); err != nil {
		return nil, err
	}

	payload, err := streams.MarshalArgs(streams.ApproveArgs{Acting: acting, Role: role})
	if err != nil {
		return nil, err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{acting},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", change.Contract, streams.ChoiceApproveChanges, payload)},
	}
	res, err := p.submit(ctx, req, change.Contract, acting)
	if err != nil {
		return nil, err
	}
	return successorChange(res, op)
}

// RejectChanges removes a pending change. Recipient or processor only;
// terminal for the change, the stream is untouched.
func (p *Processor) RejectChanges(ctx context.Context, change streams.ChangeProposal, acting ledger.Party) error {
	const op = "processor.RejectChanges"
	if change.Contract == "" {
		return fault.New(fault.Validation, op, "change snapshot has no contract handle")
	}
	if err := change.Reject(acting); err != nil {
		return err
	}

	payload, err := streams.MarshalArgs(streams.RejectChangesArgs{Acting: acting})
	if err != nil {
		return err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{acting},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", change.Contract, streams.ChoiceRejectChanges, payload)},
	}
	if _, err := p.submit(ctx, req, change.Contract, acting); err != nil {
		if p.snapshotGone(ctx, change.Contract, acting) {
			return nil
		}
		return err
	}
	p.logger.InfoContext(ctx, "change rejected", "change", change.Contract, "acting", acting)
	return nil
}

// ApplyChanges exchanges a stream for its successor under the fully approved
// change. The ledger re-checks that the stream's terms still match the terms
// the consents bound, so a round of edits in between voids the change.
func (p *Processor) ApplyChanges(ctx context.Context, s streams.ActiveStream, change streams.ChangeProposal) (*streams.ActiveStream, error) {
	const op = "processor.ApplyChanges"
	if s.Contract == "" || change.Contract == "" {
		return nil, fault.New(fault.Validation, op, "snapshot has no contract handle")
	}
	if !change.Ready() {
		return nil, fault.New(fault.Validation, op, "change is not fully approved")
	}

	payload, err := streams.MarshalArgs(streams.ApplyChangesArgs{Change: change.Contract})
	if err != nil {
		return nil, err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{s.Terms.Processor},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", s.Contract, streams.ChoiceApplyChanges, payload)},
	}
	res, err := p.submit(ctx, req, s.Contract, s.Terms.Processor)
	if err != nil {
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
	p.logger.InfoContext(ctx, "change applied", "stream", s.LineageID(), "change", change.Contract)
	return next, nil
}

func successorChange(res *ledger.SubmitResult, op string) (*streams.ChangeProposal, error) {
	rec, ok := res.Records().First(ledger.KindChangeProposal)
	if !ok {
		return nil, fault.New(fault.Validation, op, "submission did not yield exactly one change proposal")
	}
	next, err := streams.ParseChangeProposal(rec)
	if err != nil {
		return nil, err
	}
	return &next, nil
}
