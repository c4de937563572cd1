package substrate

import "testing"

func TestNewIDUniqueAndSortable(t *testing.T) {
	seen := make(map[string]bool)
	var prev string
	for i := 0; i < 1000; i++ {
		id := NewID()
		if len(id) != 36 {
			t.Fatalf("id %q not UUID-shaped", id)
		}
		if seen[id] {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = true
		// UUIDv7 ids generated in sequence sort by creation time.
		if prev != "" && id < prev {
			t.Fatalf("ids not time-ordered: %q < %q", id, prev)
		}
		prev = id
	}
}
