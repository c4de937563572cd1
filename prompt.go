package substrate

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Workspace prompt files. SystemPrompt stitches the first three together
// in this order; CIRCUITS.md customizes the circuits poll prompt.
const (
	PromptIdentityFile = "SUBSTRATE.md"
	PromptPrimeFile    = "PRIME.md"
	PromptToolsFile    = "TOOL_PROMPT.md"
	PromptCircuitsFile = "CIRCUITS.md"
)

// PromptLoader reads prompt fragments from a workspace directory with an
// mtime cache, so edits take effect on the next run without a restart.
type PromptLoader struct {
	dir    string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]promptEntry
}

type promptEntry struct {
	content string
	mtime   time.Time
}

// NewPromptLoader creates a loader rooted at dir.
func NewPromptLoader(dir string, logger *slog.Logger) *PromptLoader {
	if logger == nil {
		logger = nopLogger
	}
	return &PromptLoader{dir: dir, logger: logger, cache: make(map[string]promptEntry)}
}

// SystemPrompt composes the agent system prompt from the workspace
// files that exist. Empty when none do; callers fall back to a default.
func (p *PromptLoader) SystemPrompt() string {
	var parts []string
	for _, name := range []string{PromptIdentityFile, PromptPrimeFile, PromptToolsFile} {
		if content := p.load(name); content != "" {
			parts = append(parts, content)
		}
	}
	return strings.Join(parts, "\n\n")
}

// CircuitsPrompt returns the CIRCUITS.md content, or empty when the
// workspace doesn't customize it.
func (p *PromptLoader) CircuitsPrompt() string {
	return p.load(PromptCircuitsFile)
}

// Section returns the body of the named heading in a prompt file, or
// empty when the file or heading is absent.
func (p *PromptLoader) Section(file, heading string) string {
	sections := markdownSections([]byte(p.load(file)))
	return sections[heading]
}

// load returns a file's content, re-reading only when its mtime moved.
func (p *PromptLoader) load(name string) string {
	path := filepath.Join(p.dir, name)
	info, err := os.Stat(path)
	if err != nil {
		return ""
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if entry, ok := p.cache[name]; ok && entry.mtime.Equal(info.ModTime()) {
		return entry.content
	}

	data, err := os.ReadFile(path)
	if err != nil {
		p.logger.Warn("prompt file read failed", "path", path, "error", err)
		return ""
	}
	content := strings.TrimSpace(string(data))
	p.cache[name] = promptEntry{content: content, mtime: info.ModTime()}
	return content
}

// markdownSections maps heading titles to their section bodies. A section
// runs from the end of its heading line to the next heading of the same
// or higher level.
func markdownSections(src []byte) map[string]string {
	if len(src) == 0 {
		return nil
	}

	type headingPos struct {
		level int
		title string
		start int // byte offset of the line after the heading
	}

	doc := goldmark.New().Parser().Parse(text.NewReader(src))
	var headings []headingPos
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		h, ok := n.(*ast.Heading)
		if !ok || !entering || h.Lines().Len() == 0 {
			return ast.WalkContinue, nil
		}
		seg := h.Lines().At(0)
		headings = append(headings, headingPos{
			level: h.Level,
			title: strings.TrimSpace(string(src[seg.Start:seg.Stop])),
			start: lineEnd(src, seg.Stop),
		})
		return ast.WalkSkipChildren, nil
	})

	sections := make(map[string]string, len(headings))
	for i, h := range headings {
		end := len(src)
		for _, next := range headings[i+1:] {
			if next.level <= h.level {
				end = lineStart(src, next.start-1)
				break
			}
		}
		if h.start > end {
			continue
		}
		sections[h.title] = strings.TrimSpace(string(src[h.start:end]))
	}
	return sections
}

// lineEnd returns the offset just past the newline following pos.
func lineEnd(src []byte, pos int) int {
	if i := bytes.IndexByte(src[pos:], '\n'); i >= 0 {
		return pos + i + 1
	}
	return len(src)
}

// lineStart returns the offset of the start of the line containing pos,
// backed up past the heading's "#" markers.
func lineStart(src []byte, pos int) int {
	if pos > len(src) {
		pos = len(src)
	}
	if i := bytes.LastIndexByte(src[:pos], '\n'); i >= 0 {
		return i + 1
	}
	return 0
}
