// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/ManuGH/streamrec/internal/persistence/sqlite"
)

var sqliteMigrations = []sqlite.Migration{
	{Version: 1, SQL: `
	CREATE TABLE IF NOT EXISTS sequences (
		stream TEXT PRIMARY KEY,
		next_seq INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id TEXT PRIMARY KEY,
		stream TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		object_key TEXT NOT NULL,
		attempts INTEGER NOT NULL,
		kind TEXT NOT NULL,
		error TEXT NOT NULL,
		local_path TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		created_at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_dead_letters_stream ON dead_letters(stream, created_at_ms);

	CREATE TABLE IF NOT EXISTS overflow_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		stream TEXT NOT NULL,
		sequence INTEGER NOT NULL,
		reason TEXT NOT NULL,
		bytes INTEGER NOT NULL,
		at_ms INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_overflow_stream ON overflow_events(stream);
	`},
}

// SqliteStore implements Store using SQLite.
type SqliteStore struct {
	DB *sql.DB
}

// OpenSqliteStore opens (and migrates) the ledger database at path.
func OpenSqliteStore(ctx context.Context, path string) (*SqliteStore, error) {
	db, err := sqlite.Open(ctx, path, sqlite.DefaultConfig())
	if err != nil {
		return nil, err
	}
	if err := sqlite.Migrate(ctx, db, sqliteMigrations); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ledger: migration failed: %w", err)
	}
	return &SqliteStore{DB: db}, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) NextSequence(ctx context.Context, stream string) (uint64, error) {
	var next int64
	err := s.DB.QueryRowContext(ctx, `
	INSERT INTO sequences (stream, next_seq) VALUES (?, 1)
	ON CONFLICT(stream) DO UPDATE SET next_seq = next_seq + 1
	RETURNING next_seq`, stream).Scan(&next)
	if err != nil {
		return 0, fmt.Errorf("ledger: next sequence %s: %w", stream, err)
	}
	return uint64(next - 1), nil // #nosec G115 -- next >= 1
}

func (s *SqliteStore) EnsureSequenceAtLeast(ctx context.Context, stream string, n uint64) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO sequences (stream, next_seq) VALUES (?, ?)
	ON CONFLICT(stream) DO UPDATE SET next_seq = MAX(next_seq, excluded.next_seq)`,
		stream, int64(n)) // #nosec G115 -- sequences stay far below MaxInt64
	if err != nil {
		return fmt.Errorf("ledger: ensure sequence %s: %w", stream, err)
	}
	return nil
}

func (s *SqliteStore) PutDeadLetter(ctx context.Context, dl DeadLetter) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT OR REPLACE INTO dead_letters
		(id, stream, sequence, object_key, attempts, kind, error, local_path, bytes, created_at_ms)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		dl.ID, dl.Stream, int64(dl.Sequence), dl.Key, dl.Attempts, dl.Kind, dl.Error, // #nosec G115
		dl.LocalPath, dl.Bytes, dl.CreatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("ledger: put dead letter: %w", err)
	}
	return nil
}

func (s *SqliteStore) ListDeadLetters(ctx context.Context, stream string) ([]DeadLetter, error) {
	query := `SELECT id, stream, sequence, object_key, attempts, kind, error, local_path, bytes, created_at_ms
		FROM dead_letters`
	args := []any{}
	if stream != "" {
		query += ` WHERE stream = ?`
		args = append(args, stream)
	}
	query += ` ORDER BY created_at_ms, stream, sequence`

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ledger: list dead letters: %w", err)
	}
	defer rows.Close()

	out := []DeadLetter{}
	for rows.Next() {
		var (
			dl        DeadLetter
			seq       int64
			createdMs int64
		)
		if err := rows.Scan(&dl.ID, &dl.Stream, &seq, &dl.Key, &dl.Attempts, &dl.Kind, &dl.Error,
			&dl.LocalPath, &dl.Bytes, &createdMs); err != nil {
			return nil, err
		}
		dl.Sequence = uint64(seq) // #nosec G115
		dl.CreatedAt = time.UnixMilli(createdMs).UTC()
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (s *SqliteStore) DeleteDeadLetter(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("ledger: delete dead letter: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SqliteStore) RecordOverflow(ctx context.Context, ev OverflowEvent) error {
	_, err := s.DB.ExecContext(ctx, `
	INSERT INTO overflow_events (stream, sequence, reason, bytes, at_ms) VALUES (?, ?, ?, ?, ?)`,
		ev.Stream, int64(ev.Sequence), ev.Reason, ev.Bytes, ev.At.UnixMilli()) // #nosec G115
	if err != nil {
		return fmt.Errorf("ledger: record overflow: %w", err)
	}
	return nil
}

func (s *SqliteStore) OverflowCount(ctx context.Context, stream string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM overflow_events WHERE stream = ?`, stream).Scan(&n)
	return n, err
}
