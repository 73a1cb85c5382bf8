package processor

import (
	"context"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/streams"
)

// Originate creates a stream proposal through the network's factory on
// behalf of the payer. The factory's provisioned disclosure bundle is
// attached so a payer without native visibility into the factory can still
// invoke it.
func (p *Processor) Originate(ctx context.Context, network string, terms streams.Terms) (*streams.Proposal, error) {
	const op = "processor.Originate"
	if err := terms.Validate(); err != nil {
		return nil, err
	}
	factory, err := p.disclosure.Factory(network)
	if err != nil {
		return nil, err
	}

	payload, err := streams.MarshalArgs(streams.OriginateArgs{Terms: terms, CreatedAt: p.now()})
	if err != nil {
		return nil, err
	}
	req := ledger.SubmitRequest{
		CommandID:   ledger.NewCommandID(),
		ActAs:       []ledger.Party{terms.Payer},
		Commands:    []ledger.Command{ledger.ExerciseCommand(factory.Template, factory.Contract, streams.ChoiceOriginateProposal, payload)},
		Disclosures: []ledger.DisclosedContract{factory.Disclosed()},
	}

	res, err := p.submit(ctx, req, "", terms.Payer)
	if err != nil {
		return nil, err
	}
	prop, err := successorProposal(res, op)
	if err != nil {
		return nil, err
	}
	p.logger.InfoContext(ctx, "proposal originated",
		"proposal", prop.Contract, "payer", terms.Payer, "recipient", terms.Recipient)
	return prop, nil
}

// Approve consents to a pending proposal for one role and returns the
// replacement snapshot. Validation and authorization run locally first so a
// doomed submission never reaches the network.
func (p *Processor) Approve(ctx context.Context, prop streams.Proposal, acting ledger.Party, role streams.Role) (*streams.Proposal, error) {
	const op = "processor.Approve"
	if prop.Contract == "" {
		return nil, fault.New(fault.Validation, op, "proposal snapshot has no contract handle")
	}
	if _, err := prop.Approve(acting, role); err != nil {
		return nil, err
	}
	return p.exerciseProposal(ctx, prop.Contract, acting, streams.ChoiceApprove,
		streams.ApproveArgs{Acting: acting, Role: role}, op)
}

// Edit replaces a proposal's terms. Every approval is cleared: consent bound
// the previous terms.
func (p *Processor) Edit(ctx context.Context, prop streams.Proposal, acting ledger.Party, newTerms streams.Terms) (*streams.Proposal, error) {
	const op = "processor.Edit"
	if prop.Contract == "" {
		return nil, fault.New(fault.Validation, op, "proposal snapshot has no contract handle")
	}
	if _, err := prop.Edit(acting, newTerms); err != nil {
		return nil, err
	}
	return p.exerciseProposal(ctx, prop.Contract, acting, streams.ChoiceEdit,
		streams.EditArgs{Acting: acting, Terms: newTerms}, op)
}

// ChangeParty rebinds a proposal role to a new party, clearing only that
// role's approval. Acted by the payer.
func (p *Processor) ChangeParty(ctx context.Context, prop streams.Proposal, role streams.Role, newParty ledger.Party) (*streams.Proposal, error) {
	const op = "processor.ChangeParty"
	if prop.Contract == "" {
		return nil, fault.New(fault.Validation, op, "proposal snapshot has no contract handle")
	}
	if _, err := prop.ChangeParty(role, newParty); err != nil {
		return nil, err
	}
	return p.exerciseProposal(ctx, prop.Contract, prop.Terms.Payer, streams.ChoiceChangeParty,
		streams.ChangePartyArgs{Role: role, NewParty: newParty}, op)
}

// Withdraw removes a pending proposal. Payer only; terminal, the contract is
// archived with no successor.
func (p *Processor) Withdraw(ctx context.Context, prop streams.Proposal, acting ledger.Party) error {
	const op = "processor.Withdraw"
	if prop.Contract == "" {
		return fault.New(fault.Validation, op, "proposal snapshot has no contract handle")
	}
	if err := prop.Withdraw(acting); err != nil {
		return err
	}
	payload, err := streams.MarshalArgs(streams.WithdrawArgs{Acting: acting})
	if err != nil {
		return err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{acting},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", prop.Contract, streams.ChoiceWithdraw, payload)},
	}
	if _, err := p.submit(ctx, req, prop.Contract, acting); err != nil {
		if p.snapshotGone(ctx, prop.Contract, acting) {
			return nil
		}
		return err
	}
	p.logger.InfoContext(ctx, "proposal withdrawn", "proposal", prop.Contract)
	return nil
}

// Activate exchanges a fully approved proposal for the initial active stream
// snapshot. Any stakeholder may act; the stream starts now.
func (p *Processor) Activate(ctx context.Context, prop streams.Proposal, acting ledger.Party) (*streams.ActiveStream, error) {
	const op = "processor.Activate"
	if prop.Contract == "" {
		return nil, fault.New(fault.Validation, op, "proposal snapshot has no contract handle")
	}
	if !prop.ReadyToActivate() {
		return nil, fault.New(fault.Validation, op, "proposal is not fully approved")
	}

	payload, err := streams.MarshalArgs(streams.ActivateArgs{StartedAt: p.now()})
	if err != nil {
		return nil, err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{acting},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", prop.Contract, streams.ChoiceActivate, payload)},
	}
	res, err := p.submit(ctx, req, prop.Contract, acting)
	if err != nil {
		return nil, err
	}
	next, err := successorStream(res, op)
	if err != nil {
		return nil, err
	}
	if p.obs != nil {
		p.obs.StreamAdded(ctx)
	}
	p.logger.InfoContext(ctx, "stream activated",
		"stream", next.LineageID(), "started_at", next.StartedAt)
	return next, nil
}

func (p *Processor) exerciseProposal(ctx context.Context, target ledger.ContractID, acting ledger.Party, choice string, args any, op string) (*streams.Proposal, error) {
	payload, err := streams.MarshalArgs(args)
	if err != nil {
		return nil, err
	}
	req := ledger.SubmitRequest{
		CommandID: ledger.NewCommandID(),
		ActAs:     []ledger.Party{acting},
		Commands:  []ledger.Command{ledger.ExerciseCommand("", target, choice, payload)},
	}
	res, err := p.submit(ctx, req, target, acting)
	if err != nil {
		return nil, err
	}
	return successorProposal(res, op)
}

func successorProposal(res *ledger.SubmitResult, op string) (*streams.Proposal, error) {
	rec, ok := res.Records().First(ledger.KindProposal)
	if !ok {
		return nil, fault.New(fault.Validation, op, "submission did not yield exactly one proposal")
	}
	next, err := streams.ParseProposal(rec)
	if err != nil {
		return nil, err
	}
	return &next, nil
}
