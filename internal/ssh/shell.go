package ssh

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/ssh"
)

// Shell is an open interactive shell channel on one host.
type Shell interface {
	// Write sends raw bytes to the shell's input.
	Write(p []byte) (int, error)

	// ReadUpTo returns at most n bytes of output received so far. It blocks
	// until at least one byte is available, the remote side closes the
	// channel, or ctx is done. At end of output it returns io.EOF.
	ReadUpTo(ctx context.Context, n int) ([]byte, error)

	// Close releases the session and the connection. It is safe to call
	// more than once.
	Close() error
}

// shellChannel pumps stdout and stderr of a remote shell into one buffer.
type shellChannel struct {
	client  *ssh.Client
	session *ssh.Session
	stdin   io.WriteCloser

	mu     sync.Mutex
	buf    bytes.Buffer
	eof    bool
	notify chan struct{}

	pumps     sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

func openShell(client *ssh.Client, t Terminal) (*shellChannel, error) {
	session, err := client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(t.Type, t.Height, t.Width, modes); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdin: %w", err)
	}
	stdout, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stdout: %w", err)
	}
	stderr, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to open stderr: %w", err)
	}

	if err := session.Shell(); err != nil {
		session.Close()
		return nil, fmt.Errorf("failed to start shell: %w", err)
	}

	sc := &shellChannel{
		client:  client,
		session: session,
		stdin:   stdin,
		notify:  make(chan struct{}, 1),
	}

	sc.pumps.Add(2)
	go sc.pump(stdout)
	go sc.pump(stderr)
	go func() {
		sc.pumps.Wait()
		sc.mu.Lock()
		sc.eof = true
		sc.mu.Unlock()
		sc.signal()
	}()

	return sc, nil
}

func (sc *shellChannel) pump(r io.Reader) {
	defer sc.pumps.Done()

	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			sc.mu.Lock()
			sc.buf.Write(chunk[:n])
			sc.mu.Unlock()
			sc.signal()
		}
		if err != nil {
			return
		}
	}
}

func (sc *shellChannel) signal() {
	select {
	case sc.notify <- struct{}{}:
	default:
	}
}

func (sc *shellChannel) Write(p []byte) (int, error) {
	n, err := sc.stdin.Write(p)
	if err != nil {
		return n, fmt.Errorf("failed to write command: %w", err)
	}
	return n, nil
}

func (sc *shellChannel) ReadUpTo(ctx context.Context, n int) ([]byte, error) {
	if n <= 0 {
		return nil, nil
	}

	for {
		sc.mu.Lock()
		if sc.buf.Len() > 0 {
			out := make([]byte, min(n, sc.buf.Len()))
			_, _ = sc.buf.Read(out)
			sc.mu.Unlock()
			return out, nil
		}
		eof := sc.eof
		sc.mu.Unlock()

		if eof {
			return nil, io.EOF
		}

		select {
		case <-sc.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (sc *shellChannel) Close() error {
	sc.closeOnce.Do(func() {
		_ = sc.stdin.Close()
		_ = sc.session.Close()
		sc.closeErr = sc.client.Close()
	})
	return sc.closeErr
}
