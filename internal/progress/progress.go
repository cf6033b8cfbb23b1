// Package progress draws a host completion bar for ssh-commander runs.
package progress

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"
)

const (
	defaultBarWidth = 30
	redrawInterval  = 100 * time.Millisecond
)

// Tracker counts finished hosts and redraws a single status line.
type Tracker struct {
	mu        sync.Mutex
	total     int
	succeeded int
	failed    int
	startTime time.Time
	lastDraw  time.Time
	writer    io.Writer
	enabled   bool
	width     int
	now       func() time.Time

	okColor   *color.Color
	failColor *color.Color
}

// NewTracker creates a tracker for total hosts. A disabled tracker only counts.
func NewTracker(total int, writer io.Writer, enabled bool) *Tracker {
	t := &Tracker{
		total:     total,
		writer:    writer,
		enabled:   enabled && writer != nil,
		width:     defaultBarWidth,
		now:       time.Now,
		okColor:   color.New(color.FgGreen),
		failColor: color.New(color.FgYellow),
	}
	t.startTime = t.now()

	// Leave room for the counters on narrow terminals.
	if f, ok := writer.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if cols, _, err := term.GetSize(int(f.Fd())); err == nil && cols < 80 {
			t.width = max(10, cols-50)
		}
	}
	return t
}

// Observe records one finished host.
func (t *Tracker) Observe(failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if failed {
		t.failed++
	} else {
		t.succeeded++
	}

	now := t.now()
	if !t.enabled || (now.Sub(t.lastDraw) < redrawInterval && t.done() < t.total) {
		return
	}
	t.lastDraw = now
	t.draw(now)
}

// Finish replaces the bar with a one-line summary.
func (t *Tracker) Finish() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.enabled {
		return
	}

	elapsed := t.now().Sub(t.startTime).Round(time.Millisecond)
	fmt.Fprint(t.writer, "\r\033[K")
	if t.failed == 0 {
		fmt.Fprintln(t.writer, t.okColor.Sprintf("%d/%d hosts done in %v", t.done(), t.total, elapsed))
		return
	}
	fmt.Fprintln(t.writer, t.failColor.Sprintf("%d/%d hosts done (%d ok, %d failed) in %v",
		t.done(), t.total, t.succeeded, t.failed, elapsed))
}

// Counts returns the hosts seen so far.
func (t *Tracker) Counts() (succeeded, failed, total int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.succeeded, t.failed, t.total
}

func (t *Tracker) done() int {
	return t.succeeded + t.failed
}

func (t *Tracker) draw(now time.Time) {
	if t.total == 0 {
		return
	}

	done := t.done()
	filled := t.width * done / t.total
	bar := strings.Repeat("#", filled) + strings.Repeat("-", t.width-filled)

	fmt.Fprintf(t.writer, "\r[%s] %d/%d hosts, %d failed [%v]",
		bar, done, t.total, t.failed, now.Sub(t.startTime).Round(time.Second))
}
