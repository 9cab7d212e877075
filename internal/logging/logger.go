package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kingrea/lodstream/internal/config"
)

// FileName is the diagnostics log inside .lodstream/logs.
const FileName = "lodstream.log"

// Logger writes diagnostic lines stamped with wall time and the offset since
// the logger was opened, so upgrade pacing can be read straight off the log.
// A nil *Logger discards everything.
type Logger struct {
	mu      sync.Mutex
	out     io.Writer
	closer  io.Closer
	now     func() time.Time
	started time.Time
}

// Option configures a Logger.
type Option func(*Logger)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		if now != nil {
			l.now = now
		}
	}
}

// New appends to <projectDir>/.lodstream/logs/lodstream.log.
func New(projectDir string, opts ...Option) (*Logger, error) {
	logDir := filepath.Join(projectDir, config.Dir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, fmt.Errorf("logging: ensure log dir: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(logDir, FileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("logging: open log file: %w", err)
	}
	l := NewWriter(f, opts...)
	l.closer = f
	return l, nil
}

// NewWriter logs to w. Closing the logger does not close w.
func NewWriter(w io.Writer, opts ...Option) *Logger {
	l := &Logger{out: w, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	l.started = l.now()
	return l
}

// Close releases the log file opened by New.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = nil
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

// Printf writes one entry. Continuation lines of a multi-line message are
// indented under the first.
func (l *Logger) Printf(format string, args ...any) {
	if l == nil {
		return
	}
	msg := strings.TrimRight(fmt.Sprintf(format, args...), "\n")
	msg = strings.ReplaceAll(msg, "\n", "\n\t")

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out == nil {
		return
	}
	now := l.now()
	fmt.Fprintf(l.out, "%s +%s %s\n", now.UTC().Format("2006-01-02T15:04:05.000Z"), offset(now.Sub(l.started)), msg)
}

// offset renders d with millisecond precision and a fixed three decimals.
func offset(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	ms := d.Milliseconds()
	return fmt.Sprintf("%d.%03ds", ms/1000, ms%1000)
}
