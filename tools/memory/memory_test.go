package memory

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/substratehq/substrate"
)

// fakeStore is an in-memory MemoryStore for tests.
type fakeStore struct {
	notes []substrate.MemoryNote
}

func (f *fakeStore) Init(ctx context.Context) error { return nil }

func (f *fakeStore) Save(ctx context.Context, note substrate.MemoryNote) error {
	if note.ID == "" {
		note.ID = substrate.NewID()
	}
	f.notes = append(f.notes, note)
	return nil
}

func (f *fakeStore) Search(ctx context.Context, query string, limit int) ([]substrate.MemoryNote, error) {
	var out []substrate.MemoryNote
	for _, n := range f.notes {
		if strings.Contains(n.Content, query) || strings.Contains(n.Category, query) {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeStore) Recent(ctx context.Context, limit int) ([]substrate.MemoryNote, error) {
	return f.notes, nil
}

func (f *fakeStore) Delete(ctx context.Context, id string) error {
	for i, n := range f.notes {
		if n.ID == id {
			f.notes = append(f.notes[:i], f.notes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (f *fakeStore) Close() error { return nil }

func run(t *testing.T, tool *Tool, args string) substrate.ToolResult {
	t.Helper()
	res, err := tool.Execute(context.Background(), "memory", json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	return res
}

func TestSaveAndSearch(t *testing.T) {
	store := &fakeStore{}
	tool := New(store)

	res := run(t, tool, `{"action":"save","content":"the API key lives in vault","category":"ops"}`)
	if res.Status != substrate.StatusSuccess {
		t.Fatalf("save failed: %s", res.Error)
	}

	res = run(t, tool, `{"action":"search","query":"vault"}`)
	if !strings.Contains(res.Content, "API key lives in vault") {
		t.Errorf("search result = %q", res.Content)
	}
	if !strings.Contains(res.Content, "(ops)") {
		t.Errorf("category missing from %q", res.Content)
	}
}

func TestSearchNoMatches(t *testing.T) {
	tool := New(&fakeStore{})
	res := run(t, tool, `{"action":"search","query":"nothing"}`)
	if res.Status != substrate.StatusSuccess {
		t.Fatalf("empty search should succeed, got %s", res.Status)
	}
	if !strings.Contains(res.Content, "No notes match") {
		t.Errorf("content = %q", res.Content)
	}
}

func TestRecentAndDelete(t *testing.T) {
	store := &fakeStore{}
	tool := New(store)
	run(t, tool, `{"action":"save","content":"first"}`)
	run(t, tool, `{"action":"save","content":"second"}`)

	res := run(t, tool, `{"action":"recent"}`)
	if !strings.Contains(res.Content, "first") || !strings.Contains(res.Content, "second") {
		t.Errorf("recent = %q", res.Content)
	}

	id := store.notes[0].ID
	res = run(t, tool, `{"action":"delete","id":"`+id+`"}`)
	if res.Status != substrate.StatusSuccess {
		t.Fatalf("delete failed: %s", res.Error)
	}
	if len(store.notes) != 1 {
		t.Errorf("notes remaining = %d, want 1", len(store.notes))
	}
}

func TestValidation(t *testing.T) {
	tool := New(&fakeStore{})
	cases := []string{
		`{"action":"save"}`,
		`{"action":"search"}`,
		`{"action":"delete"}`,
		`{"action":"bogus"}`,
	}
	for _, args := range cases {
		if res := run(t, tool, args); res.Status != substrate.StatusError {
			t.Errorf("args %s should fail, got %s", args, res.Status)
		}
	}
}
