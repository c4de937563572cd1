package sqlite

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/substratehq/substrate"
)

// MigrationMarker is the file that records a completed legacy import.
const MigrationMarker = ".memory_migrated"

// legacyEntry is the shape of records in the old JSON memory file.
type legacyEntry struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Text      string `json:"text"` // older files used "text"
	Category  string `json:"category"`
	CreatedAt int64  `json:"created_at"`
}

// MigrateLegacy imports the old JSON memory file into the store, once.
// A marker file next to the legacy file guards against re-import; the
// legacy file itself is left in place as a backup.
func MigrateLegacy(ctx context.Context, store *Store, legacyPath string) error {
	markerPath := filepath.Join(filepath.Dir(legacyPath), MigrationMarker)
	if _, err := os.Stat(markerPath); err == nil {
		return nil // already migrated
	}

	data, err := os.ReadFile(legacyPath)
	if os.IsNotExist(err) {
		return writeMarker(markerPath)
	}
	if err != nil {
		return fmt.Errorf("sqlite: read legacy memory: %w", err)
	}

	var entries []legacyEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("sqlite: legacy memory file corrupt: %w", err)
	}

	imported := 0
	for _, e := range entries {
		content := e.Content
		if content == "" {
			content = e.Text
		}
		if content == "" {
			continue
		}
		note := substrate.MemoryNote{
			ID:        e.ID,
			Content:   content,
			Category:  e.Category,
			CreatedAt: e.CreatedAt,
		}
		if err := store.Save(ctx, note); err != nil {
			return fmt.Errorf("sqlite: import legacy note: %w", err)
		}
		imported++
	}
	store.logger.Info("legacy memory migrated", "entries", imported)

	return writeMarker(markerPath)
}

func writeMarker(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("migrated\n"), 0o644)
}
