package substrate

import "testing"

func TestEventQueueFIFO(t *testing.T) {
	q := NewEventQueue()
	q.Enqueue("main", "first", "file:a.json")
	q.Enqueue("main", "second", "api")
	q.Enqueue("other", "elsewhere", "api")

	if !q.Has("main") {
		t.Error("Has(main) = false")
	}

	events := q.Drain("main")
	if len(events) != 2 || events[0].Text != "first" || events[1].Text != "second" {
		t.Fatalf("Drain = %+v", events)
	}
	if events[0].Source != "file:a.json" {
		t.Errorf("Source = %q", events[0].Source)
	}
	if q.Has("main") {
		t.Error("Has(main) = true after drain")
	}
	// Other sessions untouched.
	if got := q.Drain("other"); len(got) != 1 || got[0].Text != "elsewhere" {
		t.Errorf("other session = %+v", got)
	}
}

func TestEventQueuePeekAndClear(t *testing.T) {
	q := NewEventQueue()
	q.Enqueue("main", "pending", "api")

	peeked := q.Peek("main")
	if len(peeked) != 1 || peeked[0].Text != "pending" {
		t.Fatalf("Peek = %+v", peeked)
	}
	if !q.Has("main") {
		t.Error("Peek removed the event")
	}

	q.Clear("main")
	if q.Has("main") {
		t.Error("Clear left events behind")
	}
	if got := q.Drain("missing"); len(got) != 0 {
		t.Errorf("Drain(missing) = %+v", got)
	}
}

func TestEventQueueStats(t *testing.T) {
	q := NewEventQueue()
	q.Enqueue("main", "a", "api")
	q.Enqueue("main", "b", "api")
	q.Enqueue("sub", "c", "api")

	stats := q.Stats()
	if stats["main"] != 2 || stats["sub"] != 1 {
		t.Errorf("Stats = %v", stats)
	}
}
