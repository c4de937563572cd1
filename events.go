package substrate

import (
	"sync"
	"time"
)

// Event is one queued text event awaiting the next circuits poll.
type Event struct {
	Text      string    `json:"text"`
	Source    string    `json:"source"`
	Timestamp time.Time `json:"timestamp"`
}

// EventQueue is a thread-safe, session-keyed FIFO of text events. The
// circuits runner drains a session's queue at the start of each poll and
// folds the entries into the prompt.
type EventQueue struct {
	mu     sync.Mutex
	queues map[string][]Event
}

// NewEventQueue creates an empty queue.
func NewEventQueue() *EventQueue {
	return &EventQueue{queues: make(map[string][]Event)}
}

// Enqueue appends an event to the session's FIFO. source tags where the
// event came from, for audit ("file:reminder.json", "api", "subagent").
func (q *EventQueue) Enqueue(session, text, source string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[session] = append(q.queues[session], Event{
		Text:      text,
		Source:    source,
		Timestamp: time.Now(),
	})
}

// Drain removes and returns all events for the session, oldest first.
func (q *EventQueue) Drain(session string) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.queues[session]
	delete(q.queues, session)
	return events
}

// Peek returns a copy of the session's pending events without removing them.
func (q *EventQueue) Peek(session string) []Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	events := q.queues[session]
	out := make([]Event, len(events))
	copy(out, events)
	return out
}

// Has reports whether the session has pending events.
func (q *EventQueue) Has(session string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[session]) > 0
}

// Clear discards the session's pending events.
func (q *EventQueue) Clear(session string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, session)
}

// Stats returns pending event counts keyed by session.
func (q *EventQueue) Stats() map[string]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := make(map[string]int, len(q.queues))
	for session, events := range q.queues {
		stats[session] = len(events)
	}
	return stats
}
