package store

import (
	"database/sql"
	"fmt"
	"time"
)

// Writer abstracts write operations so an alternative write path (e.g. a
// grouping batch writer) can be inserted without touching callers.
type Writer interface {
	Execute(query string, args ...interface{}) (sql.Result, error)
	ExecuteTx(fn func(tx *sql.Tx) error) error
}

// Store is the main data access layer for Drover. It owns the Operation,
// Batch and entity tables and exposes the atomic primitives that the job
// tracker builds on.
type Store struct {
	db     *DB
	writer Writer
}

// NewStore creates a new Store with the given DB.
func NewStore(db *DB) *Store {
	return &Store{
		db:     db,
		writer: &DirectWriter{db: db.Write},
	}
}

// DirectWriter executes SQL directly against the SQLite write connection.
type DirectWriter struct {
	db *sql.DB
}

func (w *DirectWriter) Execute(query string, args ...interface{}) (sql.Result, error) {
	return w.db.Exec(query, args...)
}

func (w *DirectWriter) ExecuteTx(fn func(tx *sql.Tx) error) error {
	tx, err := w.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// ReadDB returns the read database connection for queries.
func (s *Store) ReadDB() *sql.DB {
	return s.db.Read
}

const timeLayout = time.RFC3339Nano

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
