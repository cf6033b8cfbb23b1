// Package console shares operator input between the prompts of a run.
package console

import (
	"bufio"
	"context"
	"io"
	"strings"
	"sync"
)

// LineReader reads whole lines from one input stream. Every prompt reading
// the same stream must go through the same LineReader; a read is only
// started when a caller asks for a line, so nothing consumes input between
// prompts. It is meant for one caller at a time.
type LineReader struct {
	mu       sync.Mutex
	r        *bufio.Reader
	inflight chan line
}

type line struct {
	text string
	err  error
}

// NewLineReader wraps r.
func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{r: bufio.NewReader(r)}
}

// ReadLine returns the next line without its line terminator. A last line
// without a newline is returned with a nil error; io.EOF is returned once
// the input is exhausted. If ctx ends first, ctx's error is returned and
// the pending line is handed to the next ReadLine call.
func (l *LineReader) ReadLine(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	l.mu.Lock()
	if l.inflight == nil {
		ch := make(chan line, 1)
		l.inflight = ch
		go func() {
			s, err := l.r.ReadString('\n')
			if err == io.EOF && s != "" {
				err = nil
			}
			ch <- line{text: strings.TrimRight(s, "\r\n"), err: err}
		}()
	}
	ch := l.inflight
	l.mu.Unlock()

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case ln := <-ch:
		l.mu.Lock()
		l.inflight = nil
		l.mu.Unlock()
		return ln.text, ln.err
	}
}

// Pending reports whether input was already taken from the stream and not
// yet returned: a read still running or bytes left in the buffer.
func (l *LineReader) Pending() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.inflight != nil || l.r.Buffered() > 0
}
