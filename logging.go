package bkennet

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Logger is the single-method logging hook threaded through the internal
// packages that log (internal/reliability, internal/transport, internal/oauth all
// declare their own structurally identical interface so a *defaultLogger,
// or any caller-supplied type, satisfies all of them without an adapter).
type Logger interface {
	Logf(format string, args ...any)
}

// defaultLogger writes timestamped, tag-prefixed lines to an io.Writer that
// degrades gracefully to plain text when stdout/stderr isn't a TTY.
type defaultLogger struct {
	mu  sync.Mutex
	out io.Writer
}

// NewDefaultLogger returns the Logger installed when Configuration.Logger is
// left nil is NOT this — a nil Logger silences output entirely (§7). This
// constructor is for callers who want the library's own formatting without
// supplying their own Logger.
func NewDefaultLogger() Logger {
	var out io.Writer = os.Stderr
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		out = colorable.NewColorableStderr()
	}
	return &defaultLogger{out: out}
}

func (l *defaultLogger) Logf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.out, "%s %s\n", time.Now().Format("15:04:05.000"), fmt.Sprintf(format, args...))
}

// humanizeBytes renders a byte count for diagnostic lines, e.g. "4.2 kB".
func humanizeBytes(n int) string {
	return humanize.Bytes(uint64(n))
}
