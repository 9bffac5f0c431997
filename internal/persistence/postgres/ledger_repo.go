// Package postgres mirrors the Ledger Posting append-only store to
// PostgreSQL (spec §2 component R), optional: the in-memory
// reconcile.Ledger is the default and of-record store; this repo only
// durably persists a copy when PG_DSN is configured. Grounded on
// internal/persistence/postgres/trades_repo.go's sqlx+lib/pq insert/
// list/scan shape, adapted from exchange trades to ledger postings.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/foundryfi/titan-core/internal/reconcile"
)

// LedgerRepo durably mirrors reconcile.Posting rows.
type LedgerRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

func NewLedgerRepo(db *sqlx.DB, timeout time.Duration) *LedgerRepo {
	return &LedgerRepo{db: db, timeout: timeout}
}

// Schema is the DDL this repo expects to already exist (spec §6:
// "Event log files per stream" — the Postgres mirror is append-only in
// the same spirit, keyed by the in-memory ledger's own sequence).
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_postings (
	sequence         BIGINT PRIMARY KEY,
	intent_id        TEXT NOT NULL,
	venue            TEXT NOT NULL,
	instrument       TEXT NOT NULL,
	side             TEXT NOT NULL,
	size             DOUBLE PRECISION NOT NULL,
	price            DOUBLE PRECISION NOT NULL,
	order_id         TEXT NOT NULL,
	recorded_at_unix_ms BIGINT NOT NULL,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Insert mirrors a single posting, tolerating a duplicate-sequence
// replay (the ledger is append-only and idempotent on Sequence).
func (r *LedgerRepo) Insert(ctx context.Context, p reconcile.Posting) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO ledger_postings (sequence, intent_id, venue, instrument, side, size, price, order_id, recorded_at_unix_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		p.Sequence, p.IntentID, p.Venue, p.Instrument, p.Side, p.Size, p.Price, p.OrderID, p.RecordedAtUnixMs)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok {
			return fmt.Errorf("inserting ledger posting (pq code %s): %w", pqErr.Code, err)
		}
		return fmt.Errorf("inserting ledger posting: %w", err)
	}
	return nil
}

// InsertBatch mirrors a run of postings inside one transaction, used
// when flushing the in-memory ledger's tail periodically.
func (r *LedgerRepo) InsertBatch(ctx context.Context, postings []reconcile.Posting) error {
	if len(postings) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, r.timeout*time.Duration(len(postings)/200+1))
	defer cancel()

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning ledger mirror transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO ledger_postings (sequence, intent_id, venue, instrument, side, size, price, order_id, recorded_at_unix_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (sequence) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing ledger mirror statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range postings {
		if _, err := stmt.ExecContext(ctx, p.Sequence, p.IntentID, p.Venue, p.Instrument, p.Side, p.Size, p.Price, p.OrderID, p.RecordedAtUnixMs); err != nil {
			return fmt.Errorf("inserting ledger posting in batch: %w", err)
		}
	}
	return tx.Commit()
}

// Since returns every mirrored posting with sequence > after, ordered.
func (r *LedgerRepo) Since(ctx context.Context, after uint64, limit int) ([]reconcile.Posting, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		SELECT sequence, intent_id, venue, instrument, side, size, price, order_id, recorded_at_unix_ms
		FROM ledger_postings
		WHERE sequence > $1
		ORDER BY sequence ASC
		LIMIT $2`

	rows, err := r.db.QueryxContext(ctx, query, after, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger postings: %w", err)
	}
	defer rows.Close()

	var out []reconcile.Posting
	for rows.Next() {
		var p reconcile.Posting
		if err := rows.Scan(&p.Sequence, &p.IntentID, &p.Venue, &p.Instrument, &p.Side, &p.Size, &p.Price, &p.OrderID, &p.RecordedAtUnixMs); err != nil {
			return nil, fmt.Errorf("scanning ledger posting: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating ledger postings: %w", err)
	}
	return out, nil
}
