// Package postgres implements substrate.MemoryStore on PostgreSQL via
// pgx. Use it instead of store/sqlite when several agent hosts share one
// memory.
package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/substratehq/substrate"
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// Store implements substrate.MemoryStore backed by a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

var _ substrate.MemoryStore = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithLogger sets a structured logger. Default: discard.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New connects to the database at url ("postgres://...").
func New(ctx context.Context, url string, opts ...Option) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("postgres: connect: %w", err)
	}
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

// Init creates the memory_notes table.
func (s *Store) Init(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS memory_notes (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		created_at BIGINT NOT NULL,
		updated_at BIGINT NOT NULL
	)`)
	if err != nil {
		s.logger.Error("postgres: init failed", "error", err)
	}
	return err
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
	_, err := s.pool.Exec(ctx,
		`INSERT INTO memory_notes (id, content, category, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE SET content=EXCLUDED.content, category=EXCLUDED.category, updated_at=EXCLUDED.updated_at`,
		note.ID, note.Content, note.Category, note.CreatedAt, now)
	if err != nil {
		s.logger.Error("postgres: save note failed", "id", note.ID, "error", err)
	}
	return err
}

// Search returns notes whose content or category matches the query.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]substrate.MemoryNote, error) {
	if limit <= 0 {
		limit = 10
	}
	pattern := "%" + query + "%"
	rows, err := s.pool.Query(ctx,
		`SELECT id, content, category, created_at, updated_at FROM memory_notes
		 WHERE content ILIKE $1 OR category ILIKE $1
		 ORDER BY updated_at DESC LIMIT $2`, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// Recent returns the most recently touched notes.
func (s *Store) Recent(ctx context.Context, limit int) ([]substrate.MemoryNote, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, content, category, created_at, updated_at FROM memory_notes
		 ORDER BY updated_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

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

// Delete removes a note by ID.
func (s *Store) Delete(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM memory_notes WHERE id = $1`, id)
	return err
}

// Close releases the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
