package substrate

import "context"

// MemoryNote is one durable note persisted across sessions.
type MemoryNote struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Category  string `json:"category"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
}

// MemoryStore abstracts durable note persistence. Implementations live
// in store/sqlite and store/postgres.
type MemoryStore interface {
	Init(ctx context.Context) error
	Save(ctx context.Context, note MemoryNote) error
	Search(ctx context.Context, query string, limit int) ([]MemoryNote, error)
	Recent(ctx context.Context, limit int) ([]MemoryNote, error)
	Delete(ctx context.Context, id string) error
	Close() error
}
