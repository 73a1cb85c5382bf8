package receipts

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/paystream/pkg/money"
)

func TestPostgres_Record(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db)
	ctx := context.Background()

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO receipts")).
		WithArgs(sqlmock.AnyArg(), "stream-1", "version-b", int64(2),
			sqlmock.AnyArg(), sqlmock.AnyArg(), "0.0005787037", "NATIVE",
			"0.1", "NATIVE", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err = store.Record(ctx, sampleReceipt("stream-1", 2))
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ForStream(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := sqlmock.NewRows([]string{
		"receipt_id", "stream_id", "contract_id", "round", "period_start", "paid_until",
		"recipient_value", "recipient_currency", "processor_value", "processor_currency",
		"command_id", "recorded_at",
	}).
		AddRow("r1", "stream-1", "version-a", int64(1), start, start.Add(5*time.Second),
			"0.0005787037", "NATIVE", "0.1", "NATIVE", "cmd-1", start.Add(5*time.Second)).
		AddRow("r2", "stream-1", "version-b", int64(2), start.Add(5*time.Second), start.Add(10*time.Second),
			"0.0005787037", "NATIVE", nil, nil, "cmd-2", start.Add(10*time.Second))

	mock.ExpectQuery(regexp.QuoteMeta("SELECT receipt_id, stream_id, contract_id, round")).
		WithArgs("stream-1").
		WillReturnRows(rows)

	got, err := store.ForStream(ctx, "stream-1")
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, int64(1), got[0].Round)
	assert.True(t, got[0].RecipientAmount.Equal(money.MustParse("0.0005787037", money.CurrencyNative)))
	require.NotNil(t, got[0].ProcessorAmount)
	assert.True(t, got[0].ProcessorAmount.Equal(money.MustParse("0.1", money.CurrencyNative)))
	assert.Nil(t, got[1].ProcessorAmount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_LastRound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	store := NewPostgres(db)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta("SELECT COALESCE(MAX(round), 0) FROM receipts WHERE stream_id = $1")).
		WithArgs("stream-1").
		WillReturnRows(sqlmock.NewRows([]string{"coalesce"}).AddRow(int64(5)))

	last, err := store.LastRound(ctx, "stream-1")
	assert.NoError(t, err)
	assert.Equal(t, int64(5), last)
	assert.NoError(t, mock.ExpectationsWereMet())
}
