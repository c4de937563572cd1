package substrate

import (
	"sync"
	"sync/atomic"
)

// MainSessionKey is the always-present default session.
const MainSessionKey = "main"

// Session is an isolated conversation context. Its messages and tool
// history are mutated only by the loop currently running it; the session
// lock serializes mutation and allows concurrent reads.
type Session struct {
	Key string

	mu          sync.RWMutex
	messages    []ChatMessage
	toolHistory []ToolHistoryEntry
	currentTask string
	roundCount  int

	interrupt atomic.Bool
}

func newSession(key string) *Session {
	return &Session{Key: key}
}

// Messages returns a copy of the conversation so callers never observe
// in-place mutation.
func (s *Session) Messages() []ChatMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChatMessage, len(s.messages))
	copy(out, s.messages)
	return out
}

// Append adds messages to the conversation. Messages are immutable once
// appended.
func (s *Session) Append(msgs ...ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msgs...)
}

// Replace swaps the whole conversation, used after compaction and
// format-error recovery.
func (s *Session) Replace(msgs []ChatMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = msgs
}

// RecordTool appends a tool execution to the session history.
func (s *Session) RecordTool(e ToolHistoryEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolHistory = append(s.toolHistory, e)
}

// ToolHistory returns a copy of the session's tool executions.
func (s *Session) ToolHistory() []ToolHistoryEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ToolHistoryEntry, len(s.toolHistory))
	copy(out, s.toolHistory)
	return out
}

// SetTask records the task the loop is working on; empty clears it.
func (s *Session) SetTask(task string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentTask = task
}

// Task returns the current task, or "".
func (s *Session) Task() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentTask
}

// Rounds returns the round counter.
func (s *Session) Rounds() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roundCount
}

// SetRounds stores the round counter.
func (s *Session) SetRounds(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.roundCount = n
}

// Interrupt sets the interrupt flag. The running loop observes it at the
// top of each round and between sequential tool calls.
func (s *Session) Interrupt() { s.interrupt.Store(true) }

// Interrupted reports the interrupt flag.
func (s *Session) Interrupted() bool { return s.interrupt.Load() }

// ClearInterrupt resets the flag before a new loop starts.
func (s *Session) ClearInterrupt() { s.interrupt.Store(false) }

// SessionManager maps session keys to sessions. The main session always
// exists.
type SessionManager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewSessionManager() *SessionManager {
	m := &SessionManager{sessions: make(map[string]*Session)}
	m.sessions[MainSessionKey] = newSession(MainSessionKey)
	return m
}

// Get returns the session for key, creating it if absent.
func (m *SessionManager) Get(key string) *Session {
	m.mu.RLock()
	s, ok := m.sessions[key]
	m.mu.RUnlock()
	if ok {
		return s
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[key]; ok {
		return s
	}
	s = newSession(key)
	m.sessions[key] = s
	return s
}

// Main returns the always-present main session.
func (m *SessionManager) Main() *Session {
	return m.Get(MainSessionKey)
}

// NewIsolated creates a fresh session with a unique key, used by
// subagents. It shares nothing with its parent but the registry.
func (m *SessionManager) NewIsolated(prefix string) *Session {
	key := prefix + "-" + NewID()
	m.mu.Lock()
	defer m.mu.Unlock()
	s := newSession(key)
	m.sessions[key] = s
	return s
}

// Remove deletes a session. The main session is never removed.
func (m *SessionManager) Remove(key string) {
	if key == MainSessionKey {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, key)
}

// Keys returns all session keys.
func (m *SessionManager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	keys := make([]string, 0, len(m.sessions))
	for k := range m.sessions {
		keys = append(keys, k)
	}
	return keys
}
