// Package alog implements the verbose/progress line logging asmt prints
// while backing up or restoring a namespace: one line per failure in
// verbose mode (spec.md §7), and periodic single-line progress updates from
// the I/O scheduler (spec.md §5's "Progress reporting is the only output
// performed under the mutex").
package alog

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"syscall"

	"github.com/mattn/go-isatty"
)

// Logger wraps the teacher's plain *log.Logger convention with a color
// decision made once at construction time, mirroring cmd/distri's pattern of
// a single *log.Logger threaded through a Ctx struct.
type Logger struct {
	*log.Logger
	color   bool
	verbose bool
}

// New builds a Logger writing to w. Color is enabled automatically when w is
// a terminal (via mattn/go-isatty); SetColor overrides the detection.
func New(w io.Writer, verbose bool) *Logger {
	color := false
	if f, ok := w.(*os.File); ok {
		color = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &Logger{
		Logger:  log.New(w, "", 0),
		color:   color,
		verbose: verbose,
	}
}

// SetColor overrides the automatic terminal detection, for -color=always/never.
func (l *Logger) SetColor(enabled bool) { l.color = enabled }

const (
	colorRed   = "\x1b[31m"
	colorGreen = "\x1b[32m"
	colorReset = "\x1b[0m"
)

func (l *Logger) paint(color, s string) string {
	if !l.color {
		return s
	}
	return color + s + colorReset
}

// Failure prints one line per spec.md §7's "user-visible behavior": the
// operation, the key or path, the numeric error (when err wraps a
// syscall.Errno), and its string form. It is a no-op unless verbose mode is
// enabled.
func (l *Logger) Failure(op string, keyOrPath string, err error) {
	if !l.verbose {
		return
	}
	var errno syscall.Errno
	if errors.As(err, &errno) {
		l.Printf("%s %s: errno %d: %s", l.paint(colorRed, op), keyOrPath, int(errno), err)
		return
	}
	l.Printf("%s %s: %s", l.paint(colorRed, op), keyOrPath, err)
}

// Progress prints a single status line; callers are responsible for holding
// whatever mutex also guards the counters being reported (see
// internal/ioqueue), so that progress lines never interleave.
func (l *Logger) Progress(done, total int, transferred int64) {
	if !l.verbose {
		return
	}
	l.Printf("%s %d/%d (%s transferred)", l.paint(colorGreen, "progress"), done, total, humanBytes(transferred))
}

func humanBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for n/div >= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
