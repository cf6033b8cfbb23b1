package auth

import (
	"context"
	"fmt"
	"io"
	"os"

	"golang.org/x/term"

	"ssh-commander/internal/console"
)

// Prompter reads a secret from the operator.
type Prompter interface {
	Prompt(ctx context.Context, prompt string) (string, error)
}

// PrompterFunc adapts a function to the Prompter interface.
type PrompterFunc func(ctx context.Context, prompt string) (string, error)

// Prompt calls f.
func (f PrompterFunc) Prompt(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// TerminalPrompter reads secrets without echo when In is a terminal and
// reads a plain line through Lines otherwise. Lines must be the reader shared
// with the other prompts of the run; it is created from In when nil.
type TerminalPrompter struct {
	In    *os.File
	Out   io.Writer
	Lines *console.LineReader
}

// NewTerminalPrompter prompts on stderr and reads from stdin through lines.
func NewTerminalPrompter(lines *console.LineReader) *TerminalPrompter {
	return &TerminalPrompter{In: os.Stdin, Out: os.Stderr, Lines: lines}
}

// Prompt shows prompt and waits for one line. If ctx ends first, the
// terminal is restored to the state it had before the prompt and ctx's
// error is returned.
func (p *TerminalPrompter) Prompt(ctx context.Context, prompt string) (string, error) {
	if p.Lines == nil {
		p.Lines = console.NewLineReader(p.In)
	}
	fmt.Fprint(p.Out, prompt)

	fd := int(p.In.Fd())
	// Typed-ahead input already taken by the line reader is used as is.
	if !term.IsTerminal(fd) || p.Lines.Pending() {
		value, err := p.Lines.ReadLine(ctx)
		fmt.Fprintln(p.Out)
		return value, err
	}

	state, err := term.GetState(fd)
	if err != nil {
		return "", fmt.Errorf("reading terminal state: %w", err)
	}

	type secret struct {
		value string
		err   error
	}
	done := make(chan secret, 1)
	go func() {
		b, err := term.ReadPassword(fd)
		done <- secret{value: string(b), err: err}
	}()

	select {
	case <-ctx.Done():
		_ = term.Restore(fd, state)
		fmt.Fprintln(p.Out)
		return "", ctx.Err()
	case s := <-done:
		fmt.Fprintln(p.Out)
		return s.value, s.err
	}
}
