// Package receipts persists one settlement receipt per processed round. The
// receipt trail is what statement export and round-resume read; the ledger
// remains the source of truth for balances.
package receipts

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// Receipt records a settled payment round. Stream identifies the stream
// lineage and stays stable across archive-and-create versions; Contract is
// the version exercised for this round.
type Receipt struct {
	ID              string            `json:"id"`
	Stream          ledger.ContractID `json:"stream"`
	Contract        ledger.ContractID `json:"contract"`
	Round           int64             `json:"round"`
	PeriodStart     time.Time         `json:"period_start"`
	PaidUntil       time.Time         `json:"paid_until"`
	RecipientAmount money.Amount      `json:"recipient_amount"`
	ProcessorAmount *money.Amount     `json:"processor_amount,omitempty"`
	CommandID       string            `json:"command_id"`
	RecordedAt      time.Time         `json:"recorded_at"`
}

// NewID returns a fresh receipt identity.
func NewID() string {
	return uuid.NewString()
}

// Store defines the interface for persisting and retrieving settlement
// receipts.
type Store interface {
	// Record persists a receipt. Recording the same (stream, round) twice is
	// a no-op so a retried settlement cannot double-book.
	Record(ctx context.Context, r Receipt) error
	// ForStream returns all receipts for a stream lineage in round order.
	ForStream(ctx context.Context, stream ledger.ContractID) ([]Receipt, error)
	// LastRound returns the highest settled round for a stream lineage, or 0
	// when no round has settled yet.
	LastRound(ctx context.Context, stream ledger.ContractID) (int64, error)
}

// Memory keeps receipts in process. Used in tests and single-run invocations
// where the trail does not need to survive a restart.
type Memory struct {
	mu       sync.Mutex
	byStream map[ledger.ContractID][]Receipt
}

func NewMemory() *Memory {
	return &Memory{byStream: make(map[ledger.ContractID][]Receipt)}
}

func (m *Memory) Record(_ context.Context, r Receipt) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.byStream[r.Stream] {
		if existing.Round == r.Round {
			return nil
		}
	}
	m.byStream[r.Stream] = append(m.byStream[r.Stream], r)
	return nil
}

func (m *Memory) ForStream(_ context.Context, stream ledger.ContractID) ([]Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Receipt, len(m.byStream[stream]))
	copy(out, m.byStream[stream])
	sort.Slice(out, func(i, j int) bool { return out[i].Round < out[j].Round })
	return out, nil
}

func (m *Memory) LastRound(_ context.Context, stream ledger.ContractID) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var last int64
	for _, r := range m.byStream[stream] {
		if r.Round > last {
			last = r.Round
		}
	}
	return last, nil
}
