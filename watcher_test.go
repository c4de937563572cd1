package substrate

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeEventFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

// Start owns its caller's goroutine until cancellation, so wiring code
// must not call it inline on a path that still has work to do.
func TestWatcherStartBlocksUntilCancelled(t *testing.T) {
	w := NewEventWatcher(t.TempDir(), NewEventQueue())
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	select {
	case err := <-done:
		t.Fatalf("Start returned before cancellation: %v", err)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Start did not return after cancellation")
	}
}

func TestWatcherImmediateEvent(t *testing.T) {
	dir := t.TempDir()
	queue := NewEventQueue()
	var woke bool
	w := NewEventWatcher(dir, queue, WithRequestNow(func() { woke = true }))

	path := writeEventFile(t, dir, "reminder.json",
		`{"type":"immediate","text":"water the plants","wake":"now"}`)
	w.scan()

	events := queue.Drain(MainSessionKey)
	if len(events) != 1 || events[0].Text != "water the plants" {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Source != "file:reminder.json" {
		t.Errorf("Source = %q", events[0].Source)
	}
	if !woke {
		t.Error("wake=now did not request a poll")
	}
	// Consumed files are removed.
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("immediate event file not removed")
	}
}

func TestWatcherDefaultTypeAndSession(t *testing.T) {
	dir := t.TempDir()
	queue := NewEventQueue()
	w := NewEventWatcher(dir, queue)

	writeEventFile(t, dir, "a.json", `{"text":"no type given","channelId":"ops"}`)
	w.scan()

	if got := queue.Drain("ops"); len(got) != 1 || got[0].Text != "no type given" {
		t.Errorf("ops events = %+v", got)
	}
}

func TestWatcherScheduledEvent(t *testing.T) {
	dir := t.TempDir()
	queue := NewEventQueue()
	w := NewEventWatcher(dir, queue)

	past := time.Now().Add(-time.Minute).Format(time.RFC3339)
	future := time.Now().Add(time.Hour).Format(time.RFC3339)
	duePath := writeEventFile(t, dir, "due.json",
		`{"type":"scheduled","text":"due now","at":"`+past+`"}`)
	laterPath := writeEventFile(t, dir, "later.json",
		`{"type":"scheduled","text":"not yet","at":"`+future+`"}`)
	w.scan()

	events := queue.Drain(MainSessionKey)
	if len(events) != 1 || events[0].Text != "due now" {
		t.Fatalf("events = %+v", events)
	}
	if _, err := os.Stat(duePath); !os.IsNotExist(err) {
		t.Error("fired scheduled file not removed")
	}
	// The future event stays on disk for the next scan.
	if _, err := os.Stat(laterPath); err != nil {
		t.Error("pending scheduled file removed early")
	}
}

func TestWatcherRecurringRegistration(t *testing.T) {
	dir := t.TempDir()
	queue := NewEventQueue()
	w := NewEventWatcher(dir, queue)

	path := writeEventFile(t, dir, "daily.json",
		`{"type":"recurring","text":"daily check","schedule":"0 9 * * *"}`)
	w.scan()

	w.mu.Lock()
	_, registered := w.recurring[path]
	n := len(w.recurring)
	w.mu.Unlock()
	if !registered || n != 1 {
		t.Fatalf("recurring entries = %d, registered = %v", n, registered)
	}

	// Scanning again does not double-register.
	w.scan()
	w.mu.Lock()
	n = len(w.recurring)
	w.mu.Unlock()
	if n != 1 {
		t.Errorf("recurring entries after rescan = %d", n)
	}

	// Removing the file drops the cron entry.
	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	w.scan()
	w.mu.Lock()
	n = len(w.recurring)
	w.mu.Unlock()
	if n != 0 {
		t.Errorf("recurring entries after removal = %d", n)
	}
}

func TestWatcherIgnoresBadFiles(t *testing.T) {
	dir := t.TempDir()
	queue := NewEventQueue()
	w := NewEventWatcher(dir, queue)

	writeEventFile(t, dir, "broken.json", `{not json`)
	writeEventFile(t, dir, "empty.json", `{"type":"immediate","text":""}`)
	writeEventFile(t, dir, "badcron.json", `{"type":"recurring","text":"x","schedule":"not a schedule"}`)
	w.scan()

	if queue.Has(MainSessionKey) {
		t.Error("bad files produced events")
	}
	w.mu.Lock()
	n := len(w.recurring)
	w.mu.Unlock()
	if n != 0 {
		t.Errorf("bad cron registered: %d", n)
	}
}

func TestWatcherStartPicksUpNewFiles(t *testing.T) {
	dir := t.TempDir()
	queue := NewEventQueue()
	w := NewEventWatcher(dir, queue)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Start(ctx) }()

	// Give the watcher a moment to install its fsnotify watch.
	time.Sleep(100 * time.Millisecond)
	writeEventFile(t, dir, "late.json", `{"type":"immediate","text":"arrived late"}`)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if queue.Has(MainSessionKey) {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("event file written after Start was never picked up")
}

func TestParseEventTime(t *testing.T) {
	if _, err := parseEventTime("2026-08-24T09:00:00Z"); err != nil {
		t.Errorf("RFC 3339: %v", err)
	}
	if _, err := parseEventTime("2026-08-24 09:00:00"); err != nil {
		t.Errorf("local spelling: %v", err)
	}
	if _, err := parseEventTime("next tuesday"); err == nil {
		t.Error("garbage accepted")
	}
}
