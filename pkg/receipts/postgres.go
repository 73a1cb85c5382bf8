package receipts

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/Mindburn-Labs/paystream/pkg/ledger"
	"github.com/Mindburn-Labs/paystream/pkg/money"
)

// Postgres is the durable store for multi-instance deployments. Schema is
// managed by the deployment's migration tooling, not on open.
//
// Expected table:
//
//	CREATE TABLE receipts (
//	    receipt_id         TEXT PRIMARY KEY,
//	    stream_id          TEXT NOT NULL,
//	    contract_id        TEXT NOT NULL,
//	    round              BIGINT NOT NULL,
//	    period_start       TIMESTAMPTZ NOT NULL,
//	    paid_until         TIMESTAMPTZ NOT NULL,
//	    recipient_value    NUMERIC NOT NULL,
//	    recipient_currency TEXT NOT NULL,
//	    processor_value    NUMERIC,
//	    processor_currency TEXT,
//	    command_id         TEXT NOT NULL,
//	    recorded_at        TIMESTAMPTZ NOT NULL,
//	    UNIQUE (stream_id, round)
//	);
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (s *Postgres) Record(ctx context.Context, r Receipt) error {
	query := `
		INSERT INTO receipts (receipt_id, stream_id, contract_id, round,
			period_start, paid_until, recipient_value, recipient_currency,
			processor_value, processor_currency, command_id, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (stream_id, round) DO NOTHING
	`
	var procValue, procCurrency sql.NullString
	if r.ProcessorAmount != nil {
		procValue = sql.NullString{String: r.ProcessorAmount.Value.String(), Valid: true}
		procCurrency = sql.NullString{String: string(r.ProcessorAmount.Currency), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, query,
		r.ID, string(r.Stream), string(r.Contract), r.Round,
		r.PeriodStart, r.PaidUntil,
		r.RecipientAmount.Value.String(), string(r.RecipientAmount.Currency),
		procValue, procCurrency,
		r.CommandID, r.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert receipt: %w", err)
	}
	return nil
}

func (s *Postgres) ForStream(ctx context.Context, stream ledger.ContractID) ([]Receipt, error) {
	query := `
		SELECT receipt_id, stream_id, contract_id, round, period_start, paid_until,
		       recipient_value, recipient_currency, processor_value, processor_currency,
		       command_id, recorded_at
		FROM receipts
		WHERE stream_id = $1
		ORDER BY round ASC
	`
	rows, err := s.db.QueryContext(ctx, query, string(stream))
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Receipt
	for rows.Next() {
		var (
			r            Receipt
			streamID     string
			contractID   string
			recipValue   string
			recipCur     string
			procValue    sql.NullString
			procCurrency sql.NullString
		)
		if err := rows.Scan(&r.ID, &streamID, &contractID, &r.Round,
			&r.PeriodStart, &r.PaidUntil, &recipValue, &recipCur,
			&procValue, &procCurrency, &r.CommandID, &r.RecordedAt); err != nil {
			return nil, err
		}
		r.Stream = ledger.ContractID(streamID)
		r.Contract = ledger.ContractID(contractID)

		value, err := decimal.NewFromString(recipValue)
		if err != nil {
			return nil, fmt.Errorf("corrupt recipient amount %q: %w", recipValue, err)
		}
		r.RecipientAmount = money.New(value, money.Currency(recipCur))

		if procValue.Valid {
			pv, err := decimal.NewFromString(procValue.String)
			if err != nil {
				return nil, fmt.Errorf("corrupt processor amount %q: %w", procValue.String, err)
			}
			amt := money.New(pv, money.Currency(procCurrency.String))
			r.ProcessorAmount = &amt
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Postgres) LastRound(ctx context.Context, stream ledger.ContractID) (int64, error) {
	query := `SELECT COALESCE(MAX(round), 0) FROM receipts WHERE stream_id = $1`
	var last int64
	if err := s.db.QueryRowContext(ctx, query, string(stream)).Scan(&last); err != nil {
		return 0, err
	}
	return last, nil
}
