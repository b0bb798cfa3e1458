package guestbook

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS guestbook_entries (
    id   TEXT PRIMARY KEY,
    name TEXT NOT NULL DEFAULT '',
    msg  TEXT NOT NULL DEFAULT '',
    t    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_guestbook_t ON guestbook_entries(t);
`

// SQLStore is the server's guestbook storage.
type SQLStore struct {
	db *sql.DB
}

// OpenSQLStore opens (creating if needed) the SQLite database at path.
// Use ":memory:" for a throwaway store.
func OpenSQLStore(path string) (*SQLStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open guestbook db: %w", err)
	}
	// A single connection keeps ":memory:" databases shared and serializes
	// writers.
	db.SetMaxOpenConns(1)
	s, err := NewSQLStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore applies the schema to db.
func NewSQLStore(db *sql.DB) (*SQLStore, error) {
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("guestbook schema: %w", err)
		}
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

const upsert = `INSERT INTO guestbook_entries (id, name, msg, t) VALUES (?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET name = excluded.name, msg = excluded.msg, t = excluded.t`

// Add stores e. Resubmitting the same id overwrites instead of duplicating.
func (s *SQLStore) Add(ctx context.Context, e Entry) error {
	if _, err := s.db.ExecContext(ctx, upsert, e.Key(), e.Name, e.Msg, e.T); err != nil {
		return fmt.Errorf("add guestbook entry: %w", err)
	}
	return nil
}

// List returns all entries, oldest first.
func (s *SQLStore) List(ctx context.Context) ([]Entry, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name, msg, t FROM guestbook_entries ORDER BY t, id`)
	if err != nil {
		return nil, fmt.Errorf("list guestbook: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.Name, &e.Msg, &e.T); err != nil {
			return nil, fmt.Errorf("scan guestbook entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Delete removes the entry with id. Deleting a missing id is not an error.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM guestbook_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete guestbook entry: %w", err)
	}
	return nil
}

// Replace swaps the whole table for entries in one transaction.
func (s *SQLStore) Replace(ctx context.Context, entries []Entry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("replace guestbook: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM guestbook_entries`); err != nil {
		return fmt.Errorf("replace guestbook: %w", err)
	}
	for _, e := range entries {
		if _, err := tx.ExecContext(ctx, upsert, e.Key(), e.Name, e.Msg, e.T); err != nil {
			return fmt.Errorf("replace guestbook: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace guestbook: %w", err)
	}
	return nil
}
