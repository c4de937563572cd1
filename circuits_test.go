package substrate

import (
	"context"
	"strings"
	"testing"
	"time"
)

type circuitsHarness struct {
	c      *Circuits
	runs   []string
	output string
	sent   []string
}

func newCircuitsHarness(opts ...CircuitsOption) *circuitsHarness {
	h := &circuitsHarness{output: "CIRCUITS_OK"}
	run := func(_ context.Context, _, prompt string) (string, error) {
		h.runs = append(h.runs, prompt)
		return h.output, nil
	}
	sink := SinkFunc(func(_ context.Context, _, text string) error {
		h.sent = append(h.sent, text)
		return nil
	})
	h.c = NewCircuits(run, NewEventQueue(), sink, opts...)
	return h
}

func TestCircuitsTickQuiet(t *testing.T) {
	h := newCircuitsHarness()
	h.c.tick(context.Background())
	if len(h.runs) != 1 {
		t.Fatalf("runs = %d", len(h.runs))
	}
	if len(h.sent) != 0 {
		t.Errorf("quiet output delivered: %v", h.sent)
	}
}

func TestCircuitsTickDelivers(t *testing.T) {
	h := newCircuitsHarness()
	h.output = "The nightly backup failed."
	h.c.tick(context.Background())
	if len(h.sent) != 1 || h.sent[0] != "The nightly backup failed." {
		t.Errorf("sent = %v", h.sent)
	}
}

func TestCircuitsSkipsWhileBusy(t *testing.T) {
	busy := true
	h := newCircuitsHarness(WithIsBusy(func() bool { return busy }))
	h.c.tick(context.Background())
	if len(h.runs) != 0 {
		t.Error("poll ran while busy")
	}
	busy = false
	h.c.tick(context.Background())
	if len(h.runs) != 1 {
		t.Error("poll skipped while idle")
	}
}

func TestCircuitsActiveHours(t *testing.T) {
	cases := []struct {
		start, end, hour int
		want             bool
	}{
		{8, 22, 12, true},
		{8, 22, 7, false},
		{8, 22, 22, false},
		{22, 6, 23, true}, // wraps midnight
		{22, 6, 3, true},
		{22, 6, 12, false},
		{-1, -1, 3, true}, // disabled
	}
	for _, tc := range cases {
		h := newCircuitsHarness(WithActiveHours(tc.start, tc.end))
		h.c.now = func() time.Time {
			return time.Date(2026, 8, 24, tc.hour, 30, 0, 0, time.Local)
		}
		h.c.tick(context.Background())
		ran := len(h.runs) == 1
		if ran != tc.want {
			t.Errorf("window %d..%d at hour %d: ran = %v, want %v", tc.start, tc.end, tc.hour, ran, tc.want)
		}
	}
}

func TestCircuitsFoldsQueuedEvents(t *testing.T) {
	h := newCircuitsHarness()
	h.c.queue.Enqueue(MainSessionKey, "reminder: water the plants", "file:reminder.json")
	h.c.queue.Enqueue(MainSessionKey, "build 512 finished", "api")
	h.c.queue.Enqueue("other", "not for this session", "api")

	h.c.tick(context.Background())

	if len(h.runs) != 1 {
		t.Fatalf("runs = %d", len(h.runs))
	}
	prompt := h.runs[0]
	if !strings.Contains(prompt, "Pending events:") {
		t.Errorf("prompt missing events header: %q", prompt)
	}
	first := strings.Index(prompt, "water the plants")
	second := strings.Index(prompt, "build 512 finished")
	if first < 0 || second < 0 || first > second {
		t.Errorf("events missing or out of order: %q", prompt)
	}
	if !strings.Contains(prompt, "[file:reminder.json]") {
		t.Errorf("event source not rendered: %q", prompt)
	}
	if strings.Contains(prompt, "not for this session") {
		t.Error("another session's events leaked into the prompt")
	}
	if h.c.queue.Has(MainSessionKey) {
		t.Error("events not drained")
	}

	// A second tick gets the bare prompt again.
	h.c.tick(context.Background())
	if strings.Contains(h.runs[1], "Pending events:") {
		t.Error("drained events reappeared")
	}
}

func TestCircuitsRequestNowCoalesces(t *testing.T) {
	c := NewCircuits(func(context.Context, string, string) (string, error) { return "", nil }, nil, nil)
	c.RequestNow()
	c.RequestNow()
	c.RequestNow()
	if len(c.wake) != 1 {
		t.Errorf("wake backlog = %d, want 1", len(c.wake))
	}
}

func TestCircuitsStartWake(t *testing.T) {
	ran := make(chan struct{}, 1)
	c := NewCircuits(func(context.Context, string, string) (string, error) {
		ran <- struct{}{}
		return "CIRCUITS_OK", nil
	}, nil, nil, WithCircuitsInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = c.Start(ctx) }()

	c.RequestNow()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("RequestNow did not trigger a poll")
	}
}
