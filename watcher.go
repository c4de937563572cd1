package substrate

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
)

// watcherPollInterval backs up fsnotify in case the directory lives on a
// filesystem that drops notifications (network mounts, some containers).
const watcherPollInterval = 5 * time.Second

// fileEvent is the on-disk shape of one event file under the watch
// directory. channelId selects the target session; empty means "main".
type fileEvent struct {
	Type     string `json:"type"` // "immediate", "scheduled", "recurring"
	Text     string `json:"text"`
	Channel  string `json:"channelId"`
	At       string `json:"at,omitempty"`       // ISO timestamp, scheduled only
	Schedule string `json:"schedule,omitempty"` // cron expression, recurring only
	Wake     string `json:"wake,omitempty"`     // "now" forces an immediate poll
}

// EventWatcher watches a directory for *.json event files and feeds them
// into an EventQueue. Immediate events enqueue on sight; scheduled events
// fire once at their timestamp; recurring events fire on a cron schedule
// for as long as the file exists.
type EventWatcher struct {
	dir        string
	queue      *EventQueue
	requestNow func()
	logger     *slog.Logger

	cron *cron.Cron

	mu        sync.Mutex
	recurring map[string]cron.EntryID // file path -> cron entry
}

// WatcherOption configures an EventWatcher.
type WatcherOption func(*EventWatcher)

// WithWatcherLogger sets the logger. Default: discard.
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *EventWatcher) { w.logger = l }
}

// WithRequestNow registers the circuits wake function, called when an
// event carries wake=="now".
func WithRequestNow(fn func()) WatcherOption {
	return func(w *EventWatcher) { w.requestNow = fn }
}

// NewEventWatcher creates a watcher over dir. Call Start to begin.
func NewEventWatcher(dir string, queue *EventQueue, opts ...WatcherOption) *EventWatcher {
	w := &EventWatcher{
		dir:       dir,
		queue:     queue,
		logger:    nopLogger,
		cron:      cron.New(),
		recurring: make(map[string]cron.EntryID),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Start runs the watcher until ctx is cancelled. The directory is created
// if missing. Blocks; run it in a goroutine.
func (w *EventWatcher) Start(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o755); err != nil {
		return err
	}

	w.cron.Start()
	defer w.cron.Stop()

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fsw.Close()
	if err := fsw.Add(w.dir); err != nil {
		return err
	}

	w.scan()

	ticker := time.NewTicker(watcherPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.scan()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("event watcher error", "error", err)
		case <-ticker.C:
			w.scan()
		}
	}
}

// scan processes every *.json file in the directory and reconciles the
// recurring cron entries with the files still present.
func (w *EventWatcher) scan() {
	paths, err := filepath.Glob(filepath.Join(w.dir, "*.json"))
	if err != nil {
		w.logger.Warn("event scan failed", "error", err)
		return
	}

	present := make(map[string]bool, len(paths))
	for _, path := range paths {
		present[path] = true
		w.process(path)
	}

	// Drop cron entries whose file disappeared.
	w.mu.Lock()
	for path, id := range w.recurring {
		if !present[path] {
			w.cron.Remove(id)
			delete(w.recurring, path)
		}
	}
	w.mu.Unlock()
}

func (w *EventWatcher) process(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return // racing a delete is fine
	}
	var ev fileEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		w.logger.Warn("bad event file", "path", path, "error", err)
		return
	}
	if ev.Text == "" {
		return
	}

	session := ev.Channel
	if session == "" {
		session = MainSessionKey
	}
	source := "file:" + filepath.Base(path)

	switch ev.Type {
	case "immediate", "":
		w.fire(session, ev.Text, source, ev.Wake)
		w.remove(path)

	case "scheduled":
		at, err := parseEventTime(ev.At)
		if err != nil {
			w.logger.Warn("bad scheduled event time", "path", path, "at", ev.At, "error", err)
			return
		}
		if time.Now().Before(at) {
			return // not due yet; next scan will retry
		}
		w.fire(session, ev.Text, source, ev.Wake)
		w.remove(path)

	case "recurring":
		w.mu.Lock()
		_, registered := w.recurring[path]
		w.mu.Unlock()
		if registered {
			return
		}
		id, err := w.cron.AddFunc(ev.Schedule, func() {
			w.fire(session, ev.Text, source, ev.Wake)
		})
		if err != nil {
			w.logger.Warn("bad recurring schedule", "path", path, "schedule", ev.Schedule, "error", err)
			return
		}
		w.mu.Lock()
		w.recurring[path] = id
		w.mu.Unlock()

	default:
		w.logger.Warn("unknown event type", "path", path, "type", ev.Type)
	}
}

func (w *EventWatcher) fire(session, text, source, wake string) {
	w.queue.Enqueue(session, text, source)
	w.logger.Info("event fired", "session", session, "source", source)
	if wake == "now" && w.requestNow != nil {
		w.requestNow()
	}
}

func (w *EventWatcher) remove(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		w.logger.Warn("event file cleanup failed", "path", path, "error", err)
	}
}

// parseEventTime accepts RFC 3339 and a few common local-time spellings.
func parseEventTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04:05", s, time.Local)
}
