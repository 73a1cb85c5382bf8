package receipts

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"

	_ "modernc.org/sqlite"
)

// SQLite persists receipts in a local file. Amounts are stored as decimal
// text so nothing rounds on the way through the driver.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(db *sql.DB) (*SQLite, error) {
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS receipts (
        receipt_id TEXT PRIMARY KEY,
        stream_id TEXT NOT NULL,
        contract_id TEXT NOT NULL,
        round INTEGER NOT NULL,
        period_start TEXT,
        paid_until TEXT,
        recipient_value TEXT NOT NULL,
        recipient_currency TEXT NOT NULL,
        processor_value TEXT,
        processor_currency TEXT,
        command_id TEXT NOT NULL,
        recorded_at TEXT,
        UNIQUE (stream_id, round)
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLite) Record(ctx context.Context, r Receipt) error {
	query := `INSERT INTO receipts (
		receipt_id, stream_id, contract_id, round, period_start, paid_until,
		recipient_value, recipient_currency, processor_value, processor_currency,
		command_id, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (stream_id, round) DO NOTHING`

	var procValue, procCurrency sql.NullString
	if r.ProcessorAmount != nil {
		procValue = sql.NullString{String: r.ProcessorAmount.Value.String(), Valid: true}
		procCurrency = sql.NullString{String: string(r.ProcessorAmount.Currency), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, string(r.Stream), string(r.Contract), r.Round,
		r.PeriodStart.UTC().Format(time.RFC3339Nano),
		r.PaidUntil.UTC().Format(time.RFC3339Nano),
		r.RecipientAmount.Value.String(), string(r.RecipientAmount.Currency),
		procValue, procCurrency,
		r.CommandID,
		r.RecordedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *SQLite) ForStream(ctx context.Context, stream ledger.ContractID) ([]Receipt, error) {
	query := `
        SELECT receipt_id, stream_id, contract_id, round, period_start, paid_until,
               recipient_value, recipient_currency, processor_value, processor_currency,
               command_id, recorded_at
        FROM receipts
        WHERE stream_id = ?
        ORDER BY round ASC
    `
	rows, err := s.db.QueryContext(ctx, query, string(stream))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Receipt
	for rows.Next() {
		r, err := scanReceiptRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLite) LastRound(ctx context.Context, stream ledger.ContractID) (int64, error) {
	query := `SELECT COALESCE(MAX(round), 0) FROM receipts WHERE stream_id = ?`
	var last int64
	if err := s.db.QueryRowContext(ctx, query, string(stream)).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}

func scanReceiptRow(rows *sql.Rows) (Receipt, error) {
	var (
		r            Receipt
		streamID     string
		contractID   string
		periodStart  string
		paidUntil    string
		recipValue   string
		recipCur     string
		procValue    sql.NullString
		procCurrency sql.NullString
		recordedAt   string
	)
	if err := rows.Scan(&r.ID, &streamID, &contractID, &r.Round, &periodStart, &paidUntil,
		&recipValue, &recipCur, &procValue, &procCurrency, &r.CommandID, &recordedAt); err != nil {
		return Receipt{}, err
	}

	r.Stream = ledger.ContractID(streamID)
	r.Contract = ledger.ContractID(contractID)
	r.PeriodStart = parseTime(periodStart)
	r.PaidUntil = parseTime(paidUntil)
	r.RecordedAt = parseTime(recordedAt)

	value, err := decimal.NewFromString(recipValue)
	if err != nil {
		return Receipt{}, fmt.Errorf("corrupt recipient amount %q: %w", recipValue, err)
	}
	r.RecipientAmount = money.New(value, money.Currency(recipCur))

	if procValue.Valid {
		pv, err := decimal.NewFromString(procValue.String)
		if err != nil {
			return Receipt{}, fmt.Errorf("corrupt processor amount %q: %w", procValue.String, err)
		}
		amt := money.New(pv, money.Currency(procCurrency.String))
		r.ProcessorAmount = &amt
	}
	return r, nil
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
