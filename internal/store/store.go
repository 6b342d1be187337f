// Package store implements NanoClaw's persistent store (C1): the durable
// record of chats, messages, registered workspaces, sessions, scheduled
// tasks, task-run logs, and the router cursor, backed by a single embedded
// SQLite database. All writes go through the one *sql.DB this package owns
// (single-writer connection pool), so multi-statement mutations can run
// inside a transaction without fighting another writer.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a lookup by key finds no row.
	ErrNotFound = errors.New("store: not found")
	// ErrMainWorkspaceExists is returned when a second main-session
	// workspace would be created, violating the at-most-one invariant.
	ErrMainWorkspaceExists = errors.New("store: a main workspace is already registered")
)

// Store wraps the embedded database and exposes the query contracts
// spec.md §4.1 defines, plus CRUD for every entity in §3.
type Store struct {
	db *sql.DB
}

// Open creates (or reuses) the SQLite file at path, applies the schema and
// any pending additive migrations, and returns a ready Store. Pass
// ":memory:" in tests.
func Open(path string) (*Store, error) {
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// withTx runs fn inside a transaction, committing on a nil error and
// rolling back otherwise — the same panic-safe wrapper shape the teacher's
// database package uses, adapted to database/sql instead of pgx.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = tx.Rollback()
			return
		}
		err = tx.Commit()
	}()

	err = fn(tx)
	return err
}
