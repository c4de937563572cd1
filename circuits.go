package substrate

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// defaultCircuitsInterval is the poll cadence when none is configured.
const defaultCircuitsInterval = 30 * time.Minute

// defaultCircuitsPrompt is the synthetic poll prompt. It instructs the
// model how to signal a no-op so the runner can suppress chatter.
const defaultCircuitsPrompt = `This is a background circuits poll. Review any pending events below and your standing instructions. Act on anything that needs attention.

If nothing needs attention, reply with exactly CIRCUITS_OK.
If your entire response would be a no-op, include [SILENT] in it.`

// CircuitsRunFunc executes one agent run for the poll. It receives the
// target session key and the assembled prompt, and returns the final
// assistant text.
type CircuitsRunFunc func(ctx context.Context, session, prompt string) (string, error)

// Circuits periodically wakes the agent with a synthetic poll prompt,
// folding in any queued events. Quiet responses are suppressed; only
// substantive output reaches the sink.
type Circuits struct {
	run      CircuitsRunFunc
	queue    *EventQueue
	sink     Sink
	session  string
	interval time.Duration
	prompt   string

	// activeStart/activeEnd bound polling to a local-time hour window.
	// Both -1 disables gating. A window may wrap midnight (22..6).
	activeStart int
	activeEnd   int

	isBusy func() bool
	wake   chan struct{}
	logger *slog.Logger
	now    func() time.Time
}

// CircuitsOption configures a Circuits runner.
type CircuitsOption func(*Circuits)

// WithCircuitsInterval sets the poll interval. Default: 30 minutes.
func WithCircuitsInterval(d time.Duration) CircuitsOption {
	return func(c *Circuits) { c.interval = d }
}

// WithActiveHours restricts polling to start..end local hours.
func WithActiveHours(start, end int) CircuitsOption {
	return func(c *Circuits) { c.activeStart, c.activeEnd = start, end }
}

// WithIsBusy registers a callback; polls are skipped while it returns
// true (a user request is in flight).
func WithIsBusy(fn func() bool) CircuitsOption {
	return func(c *Circuits) { c.isBusy = fn }
}

// WithCircuitsSession sets the session the poll runs against. Default: main.
func WithCircuitsSession(session string) CircuitsOption {
	return func(c *Circuits) { c.session = session }
}

// WithCircuitsPrompt replaces the default poll prompt.
func WithCircuitsPrompt(p string) CircuitsOption {
	return func(c *Circuits) { c.prompt = p }
}

// WithCircuitsLogger sets the logger. Default: discard.
func WithCircuitsLogger(l *slog.Logger) CircuitsOption {
	return func(c *Circuits) { c.logger = l }
}

// NewCircuits creates a runner. run executes the agent; queue supplies
// pending events (may be nil); sink receives substantive output.
func NewCircuits(run CircuitsRunFunc, queue *EventQueue, sink Sink, opts ...CircuitsOption) *Circuits {
	c := &Circuits{
		run:         run,
		queue:       queue,
		sink:        sink,
		session:     MainSessionKey,
		interval:    defaultCircuitsInterval,
		prompt:      defaultCircuitsPrompt,
		activeStart: -1,
		activeEnd:   -1,
		wake:        make(chan struct{}, 1),
		logger:      nopLogger,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestNow forces a poll as soon as the runner is idle. Safe to call
// from any goroutine; coalesces repeated requests.
func (c *Circuits) RequestNow() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Start runs the poll loop until ctx is cancelled. Blocks; run it in a
// goroutine.
func (c *Circuits) Start(ctx context.Context) error {
	timer := time.NewTimer(c.interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-c.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}
		c.tick(ctx)
		timer.Reset(c.interval)
	}
}

// tick performs one poll: gate, assemble the prompt, run, deliver.
func (c *Circuits) tick(ctx context.Context) {
	if !c.activeNow() {
		c.logger.Debug("circuits poll skipped", "reason", "outside active hours")
		return
	}
	if c.isBusy != nil && c.isBusy() {
		c.logger.Debug("circuits poll skipped", "reason", "busy")
		return
	}

	prompt := c.prompt
	if c.queue != nil {
		if events := c.queue.Drain(c.session); len(events) > 0 {
			var b strings.Builder
			b.WriteString(prompt)
			b.WriteString("\n\nPending events:\n")
			for _, ev := range events {
				b.WriteString("- [")
				b.WriteString(ev.Source)
				b.WriteString("] ")
				b.WriteString(ev.Text)
				b.WriteString("\n")
			}
			prompt = b.String()
		}
	}

	output, err := c.run(ctx, c.session, prompt)
	if err != nil {
		c.logger.Warn("circuits poll failed", "error", err)
		return
	}
	if IsQuiet(output) {
		c.logger.Debug("circuits poll quiet")
		return
	}
	if c.sink != nil {
		if err := c.sink.Deliver(ctx, c.session, output); err != nil {
			c.logger.Warn("circuits delivery failed", "error", err)
		}
	}
}

// activeNow reports whether the current local hour is inside the active
// window. The window may wrap midnight.
func (c *Circuits) activeNow() bool {
	if c.activeStart < 0 || c.activeEnd < 0 {
		return true
	}
	hour := c.now().Hour()
	if c.activeStart <= c.activeEnd {
		return hour >= c.activeStart && hour < c.activeEnd
	}
	return hour >= c.activeStart || hour < c.activeEnd
}
