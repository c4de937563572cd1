package substrate

import (
	"context"
	"strings"
)

// Sink receives agent output destined for a front-end (chat channel,
// terminal, webhook). Implementations must be safe for concurrent use.
type Sink interface {
	Deliver(ctx context.Context, session, text string) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, session, text string) error

func (f SinkFunc) Deliver(ctx context.Context, session, text string) error {
	return f(ctx, session, text)
}

// Quiet-signal tokens. The circuits prompt instructs the model to reply
// exactly circuitsOK when nothing needs attention, or to include
// silentMarker when the whole response is a no-op.
const (
	circuitsOK   = "CIRCUITS_OK"
	silentMarker = "[SILENT]"
)

// IsQuiet reports whether a response is a no-op signal that should not
// be surfaced to the front-end.
func IsQuiet(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" || trimmed == circuitsOK {
		return true
	}
	return strings.Contains(trimmed, silentMarker)
}

// QuietSink wraps a Sink and swallows quiet-signal responses. Substantive
// output passes through unchanged.
func QuietSink(inner Sink) Sink {
	return SinkFunc(func(ctx context.Context, session, text string) error {
		if IsQuiet(text) {
			return nil
		}
		return inner.Deliver(ctx, session, text)
	})
}
