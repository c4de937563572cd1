// Package sqlite implements substrate.MemoryStore on a local SQLite
// file. Writes are serialized through a single connection; search is a
// LIKE scan, which is plenty for the note volumes one agent produces.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/substratehq/substrate"
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Store implements substrate.MemoryStore backed by SQLite.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ substrate.MemoryStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New opens (or creates) the SQLite database at path.
func New(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}
	// modernc/sqlite serializes at the driver level; one connection
	// avoids SQLITE_BUSY under concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// DB exposes the underlying handle for migrations.
func (s *Store) DB() *sql.DB { return s.db }

// Init creates the memory_notes table.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS memory_notes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`)
	if err != nil {
		s.logger.Error("sqlite: init failed", "error", err)
		return err
	}
	s.logger.Debug("sqlite: init ok", "duration", time.Since(start))
	return nil
}

// Save inserts a note, or updates it when the ID already exists.
func (s *Store) Save(ctx context.Context, note substrate.MemoryNote) error {
	now := substrate.NowUnix()
	if note.ID == "" {
		note.ID = substrate.NewID()
	}
	if note.CreatedAt == 0 {
		note.CreatedAt = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memory_notes (id, content, category, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET content=excluded.content, category=excluded.category, updated_at=excluded.updated_at`,
		note.ID, note.Content, note.Category, note.CreatedAt, now)
	if err != nil {
		s.logger.Error("sqlite: save note failed", "id", note.ID, "error", err)
		return err
	}
	s.logger.Debug("sqlite: note saved", "id", note.ID, "category", note.Category)
	return nil
}

// Search returns notes whose content or category matches the query.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]substrate.MemoryNote, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, category, created_at, updated_at FROM memory_notes
		 WHERE content LIKE ? OR category LIKE ?
		 ORDER BY updated_at DESC LIMIT ?`,
		pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

// Recent returns the most recently touched notes.
func (s *Store) Recent(ctx context.Context, limit int) ([]substrate.MemoryNote, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, category, created_at, updated_at FROM memory_notes
		 ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanNotes(rows)
}

// Delete removes a note by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM memory_notes WHERE id = ?`, id)
	return err
}

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func scanNotes(rows *sql.Rows) ([]substrate.MemoryNote, error) {
	var notes []substrate.MemoryNote
	for rows.Next() {
		var n substrate.MemoryNote
		if err := rows.Scan(&n.ID, &n.Content, &n.Category, &n.CreatedAt, &n.UpdatedAt); err != nil {
			return nil, err
		}
		notes = append(notes, n)
	}
	return notes, rows.Err()
}
