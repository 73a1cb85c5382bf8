package ledger

import "encoding/json"

// RecordKind is the closed set of record types the protocol understands.
// Transport responses are decoded into kinds exactly once, at the gateway
// boundary; downstream logic switches on this enum and never inspects
// template identifier strings.
type RecordKind string

const (
	KindAny            RecordKind = ""
	KindProposal       RecordKind = "STREAM_PROPOSAL"
	KindStream         RecordKind = "ACTIVE_STREAM"
	KindInstrument     RecordKind = "FUNDING_INSTRUMENT"
	KindChangeProposal RecordKind = "CHANGE_PROPOSAL"
	KindRates          RecordKind = "EXCHANGE_RATES"
	KindFactory        RecordKind = "STREAM_FACTORY"
	KindUnknown        RecordKind = "UNKNOWN"
)

// KindOf classifies a template identifier by its entity segment. Unknown
// entities decode as KindUnknown rather than failing: submissions can touch
// templates the protocol does not track.
func KindOf(t TemplateID) RecordKind {
	switch t.Entity() {
	case "StreamProposal":
		return KindProposal
	case "ActiveStream":
		return KindStream
	case "FundingInstrument":
		return KindInstrument
	case "ChangeProposal":
		return KindChangeProposal
	case "ExchangeRates":
		return KindRates
	case "StreamFactory":
		return KindFactory
	default:
		return KindUnknown
	}
}

// CreatedRecord is one contract creation as reported by the gateway.
type CreatedRecord struct {
	Kind     RecordKind      `json:"kind"`
	Template TemplateID      `json:"template_id"`
	Contract ContractID      `json:"contract_id"`
	Domain   DomainID        `json:"domain_id"`
	Payload  json.RawMessage `json:"payload,omitempty"`
	Blob     []byte          `json:"created_event_blob,omitempty"`
}

// ArchivedRecord is one contract archival as reported by the gateway.
type ArchivedRecord struct {
	Kind     RecordKind `json:"kind"`
	Template TemplateID `json:"template_id"`
	Contract ContractID `json:"contract_id"`
}

// DisclosedContract is the wire shape of a visibility bundle attached to a
// submission on behalf of a party that cannot natively see the contract.
type DisclosedContract struct {
	Template TemplateID `json:"template_id"`
	Contract ContractID `json:"contract_id"`
	Blob     []byte     `json:"created_event_blob"`
	Domain   DomainID   `json:"domain_id"`
}

// CommandKind discriminates submission commands.
type CommandKind string

const (
	CommandCreate   CommandKind = "CREATE"
	CommandExercise CommandKind = "EXERCISE"
)

// Command is one operation in an atomic submission: either a contract
// creation or a choice exercised on an existing contract.
type Command struct {
	Kind     CommandKind     `json:"kind"`
	Template TemplateID      `json:"template_id"`
	Contract ContractID      `json:"contract_id,omitempty"` // exercise target
	Choice   string          `json:"choice,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"` // create arguments or choice arguments
}

// CreateCommand builds a contract creation command.
func CreateCommand(template TemplateID, payload json.RawMessage) Command {
	return Command{Kind: CommandCreate, Template: template, Payload: payload}
}

// ExerciseCommand builds a choice exercise command.
func ExerciseCommand(template TemplateID, target ContractID, choice string, payload json.RawMessage) Command {
	return Command{Kind: CommandExercise, Template: template, Contract: target, Choice: choice, Payload: payload}
}

// SubmitRequest is one atomic multi-command submission.
type SubmitRequest struct {
	CommandID   string              `json:"command_id"`
	ActAs       []Party             `json:"act_as"`
	ReadAs      []Party             `json:"read_as,omitempty"`
	Commands    []Command           `json:"commands"`
	Disclosures []DisclosedContract `json:"disclosed_contracts,omitempty"`
}

// SubmitResult reports the records created and archived by one submission.
type SubmitResult struct {
	CommandID string           `json:"command_id"`
	Created   []CreatedRecord  `json:"created"`
	Archived  []ArchivedRecord `json:"archived"`
}

// Records decodes the result into a set indexed by record kind.
func (r *SubmitResult) Records() *ResultSet {
	rs := &ResultSet{
		created:  make(map[RecordKind][]CreatedRecord),
		archived: make(map[RecordKind][]ContractID),
	}
	for _, c := range r.Created {
		k := c.Kind
		if k == KindAny {
			k = KindOf(c.Template)
		}
		rs.created[k] = append(rs.created[k], c)
	}
	for _, a := range r.Archived {
		k := a.Kind
		if k == KindAny {
			k = KindOf(a.Template)
		}
		rs.archived[k] = append(rs.archived[k], a.Contract)
	}
	return rs
}

// ResultSet is the typed view over a submission result.
type ResultSet struct {
	created  map[RecordKind][]CreatedRecord
	archived map[RecordKind][]ContractID
}

// First returns the single created record of a kind. The second return is
// false when none or more than one exists, so callers that expect exactly
// one successor never silently pick the first of several.
func (rs *ResultSet) First(kind RecordKind) (*CreatedRecord, bool) {
	recs := rs.created[kind]
	if len(recs) != 1 {
		return nil, false
	}
	rec := recs[0]
	return &rec, true
}

// All returns every created record of a kind.
func (rs *ResultSet) All(kind RecordKind) []CreatedRecord {
	return rs.created[kind]
}

// ArchivedOf returns the contracts of a kind archived by the submission.
func (rs *ResultSet) ArchivedOf(kind RecordKind) []ContractID {
	return rs.archived[kind]
}
