// Package disclosure resolves the visibility bundles that let a party
// reference a contract it cannot natively see. A bundle is a capability for
// exactly one contract snapshot: once the contract is replaced the bundle is
// stale, so resolvers fetch fresh per operation and never cache.
package disclosure

import (
	"context"

	"github.com/Mindburn-Labs/paystream/pkg/fault"
	"github.com/Mindburn-Labs/paystream/pkg/ledger"
)

// Bundle is the portable visibility package for one contract snapshot.
type Bundle struct {
	Template ledger.TemplateID
	Contract ledger.ContractID
	Blob     []byte
	Domain   ledger.DomainID
}

// Disclosed converts the bundle to its submission wire shape.
func (b Bundle) Disclosed() ledger.DisclosedContract {
	return ledger.DisclosedContract(b)
}

// FromRecord packages a creation event into a bundle.
func FromRecord(rec *ledger.CreatedRecord) (Bundle, error) {
	const op = "disclosure.FromRecord"
	if rec == nil {
		return Bundle{}, fault.New(fault.Validation, op, "nil record")
	}
	if len(rec.Blob) == 0 {
		return Bundle{}, fault.New(fault.Validation, op, "record carries no creation event blob")
	}
	return Bundle{
		Template: rec.Template,
		Contract: rec.Contract,
		Blob:     rec.Blob,
		Domain:   rec.Domain,
	}, nil
}

// Resolver determines what disclosure, if any, an operation must carry.
type Resolver struct {
	gateway   ledger.Gateway
	factories map[string]Bundle
}

// NewResolver builds a resolver. factories maps network names to their
// provisioned entry-point bundles; provisioning happens out of band at
// deployment time.
func NewResolver(gw ledger.Gateway, factories map[string]Bundle) *Resolver {
	return &Resolver{gateway: gw, factories: factories}
}

// Factory returns the network's precomputed factory bundle, which lets a
// party without native visibility originate a proposal. A missing bundle is
// a deployment gap, not a runtime bug.
func (r *Resolver) Factory(network string) (Bundle, error) {
	b, ok := r.factories[network]
	if !ok {
		return Bundle{}, fault.Coded(fault.CodeDisclosureNotConfigured, "disclosure.Factory",
			"no factory bundle provisioned for network "+network)
	}
	return b, nil
}

// ForCounterparty resolves the bundle an operation must attach so that
// counterparty can reference contract. It returns nil when the counterparty
// already has native visibility. When it does not, the owner's current view
// of the creation event is packaged; an owner who cannot see the contract
// either holds a stale reference or never saw it, which is NotFound.
func (r *Resolver) ForCounterparty(ctx context.Context, owner, counterparty ledger.Party, contract ledger.ContractID) (*Bundle, error) {
	if _, err := r.gateway.GetCreation(ctx, contract, counterparty); err == nil {
		return nil, nil
	} else if !fault.IsNotFound(err) {
		return nil, err
	}

	rec, err := r.gateway.GetCreation(ctx, contract, owner)
	if err != nil {
		return nil, err
	}
	b, err := FromRecord(rec)
	if err != nil {
		return nil, err
	}
	return &b, nil
}
