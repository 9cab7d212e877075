package logbook

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/lodstream/internal/lod"
	"github.com/kingrea/lodstream/internal/progress"
)

// Level is the severity column of a logbook line.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// DefaultWindow is how many recent lines Tail can return.
const DefaultWindow = 256

// LevelOf grades a progress event: failures are errors, cancellations
// warnings, everything else informational.
func LevelOf(kind string) Level {
	switch kind {
	case string(lod.EventFailed), progress.KindDefaultFailed:
		return LevelError
	case string(lod.EventCancelled):
		return LevelWarn
	}
	return LevelInfo
}

// Logbook is the journal of one run: a line per chain step or pipeline
// milestone, appended to the run file and kept in a window of recent lines
// for the terminal UI.
type Logbook struct {
	mu     sync.Mutex
	path   string
	file   *os.File
	clock  func() time.Time
	recent []string
	next   int
	total  int
}

// Option configures a Logbook.
type Option func(*Logbook)

// WithClock replaces time.Now for line timestamps.
func WithClock(now func() time.Time) Option {
	return func(l *Logbook) {
		if now != nil {
			l.clock = now
		}
	}
}

// WithWindow sets how many recent lines are retained for Tail.
func WithWindow(n int) Option {
	return func(l *Logbook) {
		if n > 0 {
			l.recent = make([]string, 0, n)
		}
	}
}

// New opens (creating if needed) the run file at path.
func New(path string, opts ...Option) (*Logbook, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("logbook: ensure dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logbook: open %s: %w", path, err)
	}
	l := &Logbook{path: path, file: file, clock: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	if l.recent == nil {
		l.recent = make([]string, 0, DefaultWindow)
	}
	return l, nil
}

// Path returns the run file.
func (l *Logbook) Path() string {
	if l == nil {
		return ""
	}
	return l.path
}

// Close releases the run file. Later entries only reach the in-memory window.
func (l *Logbook) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Record journals a progress event at the level its kind implies.
func (l *Logbook) Record(evt progress.Event) {
	l.append(LevelOf(evt.Kind), evt.Describe())
}

// Note journals a free-form informational line.
func (l *Logbook) Note(format string, args ...any) {
	l.append(LevelInfo, fmt.Sprintf(format, args...))
}

func (l *Logbook) append(level Level, message string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	line := fmt.Sprintf("%s %-5s %s",
		l.clock().UTC().Format("15:04:05.000"),
		level,
		strings.Join(strings.Fields(message), " "),
	)
	if l.file != nil {
		_, _ = l.file.WriteString(line + "\n")
	}
	l.total++
	if len(l.recent) < cap(l.recent) {
		l.recent = append(l.recent, line)
		return
	}
	l.recent[l.next] = line
	l.next = (l.next + 1) % len(l.recent)
}

// Tail returns up to maxLines of the most recent lines, oldest first, and
// the number of lines journalled so far.
func (l *Logbook) Tail(maxLines int) ([]string, int) {
	if l == nil || maxLines <= 0 {
		return nil, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.total == 0 {
		return nil, 0
	}
	ordered := make([]string, 0, len(l.recent))
	ordered = append(ordered, l.recent[l.next:]...)
	ordered = append(ordered, l.recent[:l.next]...)
	if len(ordered) > maxLines {
		ordered = ordered[len(ordered)-maxLines:]
	}
	return ordered, l.total
}
