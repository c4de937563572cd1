package substrate

import (
	"sync"
	"time"
)

// Cooldown durations per failure class. A provider that fails at the
// provider level is skipped during fallback traversal until its cooldown
// expires. Cleared on the next success.
const (
	cooldownRateLimit = 60 * time.Second
	cooldownAuth      = 300 * time.Second
	cooldownServer    = 30 * time.Second
	cooldownMax       = 600 * time.Second
)

// cooldownTracker holds per-provider cooldown deadlines. All state is
// in-memory; checks and updates are atomic under a single mutex.
type cooldownTracker struct {
	mu    sync.Mutex
	until map[string]time.Time
	now   func() time.Time // swappable for tests
}

func newCooldownTracker() *cooldownTracker {
	return &cooldownTracker{
		until: make(map[string]time.Time),
		now:   time.Now,
	}
}

// cooling reports whether provider is currently in cooldown.
func (t *cooldownTracker) cooling(provider string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.until[provider]
	return ok && t.now().Before(deadline)
}

// remaining returns how long provider stays cool, or 0.
func (t *cooldownTracker) remaining(provider string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	deadline, ok := t.until[provider]
	if !ok {
		return 0
	}
	if d := deadline.Sub(t.now()); d > 0 {
		return d
	}
	return 0
}

// fail records a provider-level failure. Repeated failures extend the
// deadline but never past cooldownMax from now.
func (t *cooldownTracker) fail(provider string, class ErrorClass) {
	d := cooldownFor(class)
	if d <= 0 {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	deadline := now.Add(d)
	if existing, ok := t.until[provider]; ok && existing.After(now) {
		// Back off further on consecutive failures.
		deadline = existing.Add(d)
	}
	if max := now.Add(cooldownMax); deadline.After(max) {
		deadline = max
	}
	t.until[provider] = deadline
}

// succeed clears any cooldown for provider.
func (t *cooldownTracker) succeed(provider string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.until, provider)
}

// cooldownFor maps a failure class to its cooldown duration. Classes not
// listed do not trigger a cooldown.
func cooldownFor(class ErrorClass) time.Duration {
	switch class {
	case ClassRateLimit:
		return cooldownRateLimit
	case ClassAuthError, ClassBilling:
		return cooldownAuth
	case ClassServerError:
		return cooldownServer
	}
	return 0
}
