package substrate

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// DefaultLessonsPath is the on-disk lesson file.
const DefaultLessonsPath = "data/lessons.json"

// lessonHalfLife controls relevance decay: a lesson untouched for this
// long is worth half its recorded score.
const lessonHalfLife = 30 * 24 * time.Hour

// Lesson is one captured piece of experiential knowledge. Pattern is the
// situation trigger; Lesson is the corrective text applied when the
// pattern recurs.
type Lesson struct {
	ID             string    `json:"id"`
	Pattern        string    `json:"pattern"`
	Lesson         string    `json:"lesson"`
	Type           string    `json:"type"`
	Tags           []string  `json:"tags,omitempty"`
	RelevanceScore float64   `json:"relevance_score"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// ExtractFunc analyzes a finished task's tool history and proposes new
// lessons. Typically backed by an LLM call.
type ExtractFunc func(ctx context.Context, task string, history []ToolHistoryEntry) ([]Lesson, error)

// LessonStore is a disk-backed, append-mostly lesson collection.
// Consolidation merges near-duplicate patterns instead of growing the
// file without bound.
type LessonStore struct {
	path    string
	extract ExtractFunc
	logger  *slog.Logger
	now     func() time.Time

	mu sync.Mutex
}

// LessonOption configures a LessonStore.
type LessonOption func(*LessonStore)

// WithLessonExtractor wires the LLM-backed extraction function. Without
// one, extraction falls back to a failure-pattern heuristic.
func WithLessonExtractor(fn ExtractFunc) LessonOption {
	return func(s *LessonStore) { s.extract = fn }
}

// WithLessonLogger sets the logger. Default: discard.
func WithLessonLogger(l *slog.Logger) LessonOption {
	return func(s *LessonStore) { s.logger = l }
}

// NewLessonStore opens (or will create) the lesson file at path.
func NewLessonStore(path string, opts ...LessonOption) *LessonStore {
	if path == "" {
		path = DefaultLessonsPath
	}
	s := &LessonStore{path: path, logger: nopLogger, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// All returns every stored lesson with decay applied, highest relevance
// first.
func (s *LessonStore) All() ([]Lesson, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	lessons, err := s.load()
	if err != nil {
		return nil, err
	}
	sort.Slice(lessons, func(i, j int) bool {
		return lessons[i].RelevanceScore > lessons[j].RelevanceScore
	})
	return lessons, nil
}

// Relevant returns up to n lessons whose pattern or tags overlap the
// query text, highest relevance first.
func (s *LessonStore) Relevant(query string, n int) []Lesson {
	lessons, err := s.All()
	if err != nil {
		return nil
	}
	q := strings.ToLower(query)
	var hits []Lesson
	for _, l := range lessons {
		if lessonMatches(l, q) {
			hits = append(hits, l)
		}
	}
	if len(hits) > n {
		hits = hits[:n]
	}
	return hits
}

func lessonMatches(l Lesson, query string) bool {
	for _, word := range strings.Fields(strings.ToLower(l.Pattern)) {
		if len(word) >= 4 && strings.Contains(query, word) {
			return true
		}
	}
	for _, tag := range l.Tags {
		if strings.Contains(query, strings.ToLower(tag)) {
			return true
		}
	}
	return false
}

// Add stores new lessons, consolidating near-duplicates: a lesson whose
// normalized pattern already exists updates the existing entry and bumps
// its relevance instead of appending.
func (s *LessonStore) Add(lessons ...Lesson) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.load()
	if err != nil {
		return err
	}

	byPattern := make(map[string]int, len(existing))
	for i, l := range existing {
		byPattern[normalizePattern(l.Pattern)] = i
	}

	now := s.now()
	for _, l := range lessons {
		if l.Pattern == "" || l.Lesson == "" {
			continue
		}
		if l.ID == "" {
			l.ID = NewID()
		}
		if l.RelevanceScore == 0 {
			l.RelevanceScore = 1
		}
		key := normalizePattern(l.Pattern)
		if i, ok := byPattern[key]; ok {
			existing[i].Lesson = l.Lesson
			existing[i].RelevanceScore += l.RelevanceScore / 2
			existing[i].UpdatedAt = now
			continue
		}
		l.CreatedAt = now
		l.UpdatedAt = now
		existing = append(existing, l)
		byPattern[key] = len(existing) - 1
	}

	return s.save(existing)
}

// ExtractAsync analyzes a finished task's tool history and stores any
// new lessons. Errors are logged, never surfaced; the caller has already
// returned its result.
func (s *LessonStore) ExtractAsync(ctx context.Context, task string, history []ToolHistoryEntry) {
	var lessons []Lesson
	var err error
	if s.extract != nil {
		lessons, err = s.extract(ctx, task, history)
		if err != nil {
			s.logger.Warn("lesson extraction failed", "error", err)
			return
		}
	} else {
		lessons = heuristicLessons(task, history)
	}
	if len(lessons) == 0 {
		return
	}
	if err := s.Add(lessons...); err != nil {
		s.logger.Warn("lesson persistence failed", "error", err)
		return
	}
	s.logger.Info("lessons extracted", "count", len(lessons))
}

// heuristicLessons derives lessons from failed tool calls when no LLM
// extractor is wired: one lesson per distinct failing tool.
func heuristicLessons(task string, history []ToolHistoryEntry) []Lesson {
	seen := make(map[string]bool)
	var lessons []Lesson
	for _, e := range history {
		if e.Success || seen[e.Tool] {
			continue
		}
		seen[e.Tool] = true
		lessons = append(lessons, Lesson{
			Pattern: "using tool " + e.Tool,
			Lesson: fmt.Sprintf("Tool %s failed (%s) while working on: %s. Check preconditions or pick an alternative first.",
				e.Tool, truncate(e.Result.Error, 120), truncate(task, 120)),
			Type: "tool_failure",
			Tags: []string{e.Tool},
		})
	}
	return lessons
}

// PromptBlock renders the top lessons for injection into a system prompt.
// Empty string when nothing relevant is stored.
func (s *LessonStore) PromptBlock(query string, n int) string {
	lessons := s.Relevant(query, n)
	if len(lessons) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Lessons from prior sessions:\n")
	for _, l := range lessons {
		b.WriteString("- When ")
		b.WriteString(l.Pattern)
		b.WriteString(": ")
		b.WriteString(l.Lesson)
		b.WriteString("\n")
	}
	return b.String()
}

// --- persistence ---

func (s *LessonStore) load() ([]Lesson, error) {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var lessons []Lesson
	if err := json.Unmarshal(data, &lessons); err != nil {
		return nil, fmt.Errorf("lessons file corrupt: %w", err)
	}
	now := s.now()
	for i := range lessons {
		lessons[i].RelevanceScore = decayed(lessons[i], now)
	}
	return lessons, nil
}

func (s *LessonStore) save(lessons []Lesson) error {
	data, err := json.MarshalIndent(lessons, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// decayed halves a lesson's score per half-life since its last update.
func decayed(l Lesson, now time.Time) float64 {
	if l.UpdatedAt.IsZero() {
		return l.RelevanceScore
	}
	age := now.Sub(l.UpdatedAt)
	if age <= 0 {
		return l.RelevanceScore
	}
	return l.RelevanceScore * math.Pow(0.5, age.Hours()/lessonHalfLife.Hours())
}

func normalizePattern(p string) string {
	return strings.Join(strings.Fields(strings.ToLower(p)), " ")
}
