// Package postgres provides a PostgreSQL-backed [journal.Store].
//
// Entries live in a single session_journal table created by [Migrate]:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/MrWong99/livevoice/internal/journal"
)

var _ journal.Store = (*Store)(nil)

// ─────────────────────────────────────────────────────────────────────────────
// DDL
// ─────────────────────────────────────────────────────────────────────────────

const ddlJournal = `
CREATE TABLE IF NOT EXISTS session_journal (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    generation  BIGINT       NOT NULL,
    from_state  TEXT         NOT NULL,
    to_state    TEXT         NOT NULL,
    message     TEXT         NOT NULL DEFAULT '',
    at          TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_session_journal_session_id
    ON session_journal (session_id);

CREATE INDEX IF NOT EXISTS idx_session_journal_at
    ON session_journal (at);
`

// Migrate creates the journal table and its indexes. It is idempotent and
// safe to call on every start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlJournal); err != nil {
		return fmt.Errorf("postgres migrate: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Store
// ─────────────────────────────────────────────────────────────────────────────

// Store is a [journal.Store] backed by a [pgxpool.Pool]. All methods are safe
// for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore connects to the database at dsn, verifies the connection and runs
// [Migrate].
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("journal store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("journal store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("journal store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Append implements [journal.Store].
func (s *Store) Append(ctx context.Context, e journal.Entry) error {
	const q = `
		INSERT INTO session_journal
		    (session_id, generation, from_state, to_state, message, at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		int64(e.Generation),
		e.From,
		e.To,
		e.Message,
		e.At,
	)
	if err != nil {
		return fmt.Errorf("journal store: append: %w", err)
	}
	return nil
}

// Recent implements [journal.Store].
func (s *Store) Recent(ctx context.Context, limit int) ([]journal.Entry, error) {
	q := `
		SELECT session_id, generation, from_state, to_state, message, at
		FROM   session_journal
		ORDER  BY at DESC, id DESC`
	var args []any
	if limit > 0 {
		q += "\n\t\tLIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("journal store: recent: %w", err)
	}
	return collectEntries(rows)
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close implements [journal.Store]. It releases every pooled connection.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

// collectEntries scans pgx rows into journal entries.
func collectEntries(rows pgx.Rows) ([]journal.Entry, error) {
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (journal.Entry, error) {
		var (
			e   journal.Entry
			gen int64
		)
		if err := row.Scan(&e.SessionID, &gen, &e.From, &e.To, &e.Message, &e.At); err != nil {
			return journal.Entry{}, err
		}
		e.Generation = uint64(gen)
		return e, nil
	})
	if err != nil {
		return nil, fmt.Errorf("journal store: scan rows: %w", err)
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	return entries, nil
}
