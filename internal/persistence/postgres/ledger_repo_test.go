package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foundryfi/titan-core/internal/reconcile"
)

func newMockRepo(t *testing.T) (*LedgerRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	return NewLedgerRepo(sqlxDB, time.Second), mock
}

func TestInsertExecutesUpsertWithPostingFields(t *testing.T) {
	repo, mock := newMockRepo(t)
	posting := reconcile.Posting{
		Sequence: 1, IntentID: "intent-1", Venue: "kraken", Instrument: "BTC-USD",
		Side: "long", Size: 1, Price: 50000, OrderID: "o-1", RecordedAtUnixMs: 1000,
	}

	mock.ExpectExec("INSERT INTO ledger_postings").
		WithArgs(posting.Sequence, posting.IntentID, posting.Venue, posting.Instrument, posting.Side, posting.Size, posting.Price, posting.OrderID, posting.RecordedAtUnixMs).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := repo.Insert(context.Background(), posting)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertWrapsDriverError(t *testing.T) {
	repo, mock := newMockRepo(t)
	posting := reconcile.Posting{Sequence: 1, IntentID: "intent-1"}

	mock.ExpectExec("INSERT INTO ledger_postings").
		WillReturnError(assert.AnError)

	err := repo.Insert(context.Background(), posting)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inserting ledger posting")
}

func TestInsertBatchNoopsOnEmptySlice(t *testing.T) {
	repo, mock := newMockRepo(t)
	err := repo.InsertBatch(context.Background(), nil)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertBatchCommitsWithinOneTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)
	postings := []reconcile.Posting{
		{Sequence: 1, IntentID: "i-1", Venue: "kraken", Instrument: "BTC-USD", Side: "long", Size: 1, Price: 1, OrderID: "o-1"},
		{Sequence: 2, IntentID: "i-2", Venue: "kraken", Instrument: "BTC-USD", Side: "long", Size: 1, Price: 1, OrderID: "o-2"},
	}

	mock.ExpectBegin()
	prep := mock.ExpectPrepare("INSERT INTO ledger_postings")
	prep.ExpectExec().WithArgs(postings[0].Sequence, postings[0].IntentID, postings[0].Venue, postings[0].Instrument, postings[0].Side, postings[0].Size, postings[0].Price, postings[0].OrderID, postings[0].RecordedAtUnixMs).WillReturnResult(sqlmock.NewResult(1, 1))
	prep.ExpectExec().WithArgs(postings[1].Sequence, postings[1].IntentID, postings[1].Venue, postings[1].Instrument, postings[1].Side, postings[1].Size, postings[1].Price, postings[1].OrderID, postings[1].RecordedAtUnixMs).WillReturnResult(sqlmock.NewResult(2, 1))
	mock.ExpectCommit()

	err := repo.InsertBatch(context.Background(), postings)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSinceScansRowsInOrder(t *testing.T) {
	repo, mock := newMockRepo(t)
	rows := sqlmock.NewRows([]string{"sequence", "intent_id", "venue", "instrument", "side", "size", "price", "order_id", "recorded_at_unix_ms"}).
		AddRow(2, "i-2", "kraken", "BTC-USD", "long", 1.0, 50000.0, "o-2", int64(2000)).
		AddRow(3, "i-3", "kraken", "BTC-USD", "long", 1.0, 51000.0, "o-3", int64(3000))

	mock.ExpectQuery("SELECT sequence, intent_id, venue, instrument, side, size, price, order_id, recorded_at_unix_ms").
		WillReturnRows(rows)

	postings, err := repo.Since(context.Background(), 1, 100)
	require.NoError(t, err)
	require.Len(t, postings, 2)
	assert.Equal(t, uint64(2), postings[0].Sequence)
	assert.Equal(t, uint64(3), postings[1].Sequence)
}
