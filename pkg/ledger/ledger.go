// Package ledger defines the boundary to the external system of record: the
// identifier types, the typed record and command shapes, and the Gateway
// interface consumed by the protocol layers. The ledger itself is out of
// scope; contracts are immutable and every state transition is expressed as
// archive-old/create-new, so references held across a successful operation
// are dead and must be re-resolved.
package ledger

import (
	"context"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// Party identifies a ledger participant.
type Party string

// ContractID is an opaque handle to one immutable contract snapshot.
type ContractID string

// TemplateID identifies a contract template as package:module:entity.
type TemplateID string

// DomainID identifies the synchronization domain a contract is routed on.
type DomainID string

// Entity returns the entity segment of the template identifier.
func (t TemplateID) Entity() string {
	s := string(t)
	for i := len(s) - 1; i >= 0; i-- {
		if s[i] == ':' {
			return s[i+1:]
		}
	}
	return s
}

// NewCommandID returns a fresh submission identifier. Command identifiers
// deduplicate resubmissions at the ledger, so each logical operation gets
// exactly one.
func NewCommandID() string {
	return uuid.NewString()
}

// ActiveQuery selects active contracts for a streamed read.
type ActiveQuery struct {
	Parties []Party
	Kind    RecordKind // KindAny matches every template
}

// RecordStream is a push-based sequence of active-contract records. Recv
// returns io.EOF once the stream has drained to its clean completion signal;
// any other error means the stream broke before completion and its results
// must not be trusted as a full set.
type RecordStream interface {
	Recv() (*CreatedRecord, error)
	Close() error
}

// Gateway submits operations against the external ledger and reads its
// state. Implementations guarantee at most one successful outcome per
// submitted command identifier; on ambiguous transport failures callers
// re-query before retrying.
type Gateway interface {
	// SubmitAndWait atomically applies the request's commands and returns
	// the resulting created and archived records. All-or-nothing.
	SubmitAndWait(ctx context.Context, req SubmitRequest) (*SubmitResult, error)

	// GetCreation fetches the creation event of a contract as seen by
	// viewer, including the portable event blob used for disclosure.
	GetCreation(ctx context.Context, id ContractID, viewer Party) (*CreatedRecord, error)

	// ActiveContracts opens a push stream of the active contracts visible
	// to the queried parties.
	ActiveContracts(ctx context.Context, q ActiveQuery) (RecordStream, error)

	// ExchangeContext reads the current fiat conversion rates and the
	// rates contract they are bound to.
	ExchangeContext(ctx context.Context) (*money.ExchangeContext, error)

	// Ready reports whether the ledger endpoint is reachable and of a
	// compatible version.
	Ready(ctx context.Context) error
}
