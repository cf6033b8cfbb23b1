// Package pipeline drives a remote shell through a sequence of commands using
// a send, settle and read protocol.
//
// The shell gives no signal that a command has finished. Output that arrives
// after the settle delay, or that exceeds the buffer size, is either lost or
// read as part of the next command's output.
package pipeline

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"strings"
	"time"

	"ssh-commander/internal/logging"
	"ssh-commander/internal/ssh"
)

const (
	DefaultSettleDelay = time.Second
	DefaultBufferSize  = 8000
	DefaultReadTimeout = 10 * time.Second
)

// Config holds the timing of the protocol.
type Config struct {
	SettleDelay time.Duration
	BufferSize  int
	ReadTimeout time.Duration
}

// DefaultConfig returns the protocol defaults.
func DefaultConfig() Config {
	return Config{
		SettleDelay: DefaultSettleDelay,
		BufferSize:  DefaultBufferSize,
		ReadTimeout: DefaultReadTimeout,
	}
}

// SplitCommands turns the raw command argument into individual commands.
// The input is split on ',', every '"' is removed and each command is
// trimmed. Empty commands are dropped.
func SplitCommands(raw string) []string {
	parts := strings.Split(raw, ",")
	commands := make([]string, 0, len(parts))
	for _, p := range parts {
		cmd := strings.TrimSpace(strings.ReplaceAll(p, `"`, ""))
		if cmd == "" {
			continue
		}
		commands = append(commands, cmd)
	}
	return commands
}

// Pipeline runs commands on a shell.
type Pipeline struct {
	cfg    Config
	logger *logging.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

// New returns a pipeline. A non-positive buffer size or read timeout takes
// its default; a zero settle delay disables the wait.
func New(cfg Config, logger *logging.Logger) *Pipeline {
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Pipeline{cfg: cfg, logger: logger, sleep: sleepContext}
}

// Run sends each command in order, waits the settle delay and performs one
// bounded read. The lines of all reads are returned flattened in command
// order. A read that yields nothing within the read timeout contributes no
// lines. On a write or read failure the lines gathered so far are returned
// with the error.
func (p *Pipeline) Run(ctx context.Context, host string, shell ssh.Shell, commands []string) ([]string, error) {
	var lines []string

	for i, cmd := range commands {
		if _, err := shell.Write([]byte(cmd + "\n")); err != nil {
			return lines, err
		}

		if err := p.sleep(ctx, p.cfg.SettleDelay); err != nil {
			return lines, err
		}

		data, err := p.read(ctx, shell)
		if err != nil {
			return lines, err
		}

		p.logger.LogCommandSent(host, i, len(data))
		lines = append(lines, SplitLines(data)...)
	}

	return lines, nil
}

func (p *Pipeline) read(ctx context.Context, shell ssh.Shell) ([]byte, error) {
	readCtx, cancel := context.WithTimeout(ctx, p.cfg.ReadTimeout)
	defer cancel()

	data, err := shell.ReadUpTo(readCtx, p.cfg.BufferSize)
	switch {
	case err == nil:
		return data, nil
	case stderrors.Is(err, io.EOF):
		return data, nil
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case stderrors.Is(err, context.DeadlineExceeded):
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to read output: %w", err)
	}
}

// SplitLines splits output on \n, \r\n and \r. A trailing line terminator
// does not produce an empty last line. Invalid UTF-8 is replaced.
func SplitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}

	s := strings.ToValidUTF8(string(data), "�")
	var lines []string
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			lines = append(lines, s[start:i])
			start = i + 1
		case '\r':
			lines = append(lines, s[start:i])
			if i+1 < len(s) && s[i+1] == '\n' {
				i++
			}
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
