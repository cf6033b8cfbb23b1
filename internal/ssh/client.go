package ssh

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"

	"ssh-commander/internal/auth"
	"ssh-commander/internal/errors"
	"ssh-commander/internal/logging"
)

// DefaultConnectTimeout bounds the TCP dial and SSH handshake of one host.
const DefaultConnectTimeout = 10 * time.Second

// Credentials are shared read-only by every session of a run.
type Credentials struct {
	User              string
	Port              int
	Auth              *auth.Strategy
	TrustUnknownHosts bool
}

// Terminal describes the pseudo-terminal requested for the remote shell.
type Terminal struct {
	Type   string
	Height int
	Width  int
}

// DefaultTerminal matches what an interactive client asks for when it has no
// real terminal to describe.
var DefaultTerminal = Terminal{Type: "vt100", Height: 24, Width: 80}

// Option configures a SessionManager.
type Option func(*SessionManager)

// WithHostKeyCallback sets the host key verification policy.
func WithHostKeyCallback(cb ssh.HostKeyCallback) Option {
	return func(m *SessionManager) {
		m.hostKeyCallback = cb
	}
}

// WithConnectTimeout sets the dial and handshake timeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(m *SessionManager) {
		if d > 0 {
			m.connectTimeout = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *logging.Logger) Option {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithTerminal sets the pty requested for every shell.
func WithTerminal(t Terminal) Option {
	return func(m *SessionManager) {
		m.terminal = t
	}
}

// SessionManager opens interactive shells on remote hosts.
type SessionManager struct {
	creds           *Credentials
	hostKeyCallback ssh.HostKeyCallback
	connectTimeout  time.Duration
	terminal        Terminal
	logger          *logging.Logger
	dialer          func(ctx context.Context, network, address string) (net.Conn, error)
}

// NewSessionManager returns a manager for creds. Without WithHostKeyCallback
// every host key is rejected.
func NewSessionManager(creds *Credentials, opts ...Option) *SessionManager {
	m := &SessionManager{
		creds:          creds,
		connectTimeout: DefaultConnectTimeout,
		terminal:       DefaultTerminal,
		logger:         logging.Discard(),
		hostKeyCallback: func(hostname string, _ net.Addr, _ ssh.PublicKey) error {
			return fmt.Errorf("no host key policy configured for %s", hostname)
		},
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.dialer == nil {
		d := &net.Dialer{Timeout: m.connectTimeout}
		m.dialer = d.DialContext
	}
	return m
}

// Open connects to host, authenticates and starts an interactive shell.
// Every failure is returned as a *errors.HostError; the partially built
// connection is released before returning.
func (m *SessionManager) Open(ctx context.Context, host string) (Shell, error) {
	start := time.Now()

	client, err := m.connect(ctx, host)
	if err != nil {
		return nil, m.fail(host, "connect", err)
	}

	shell, err := openShell(client, m.terminal)
	if err != nil {
		_ = client.Close()
		return nil, m.fail(host, "open shell", err)
	}

	m.logger.LogSessionOpened(host, m.creds.User, m.creds.Port, time.Since(start))
	return shell, nil
}

func (m *SessionManager) connect(ctx context.Context, host string) (*ssh.Client, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInterrupted, err)
	}

	config := &ssh.ClientConfig{
		User:            m.creds.User,
		HostKeyCallback: m.hostKeyCallback,
		Timeout:         m.connectTimeout,
	}
	if m.creds.Auth != nil {
		config.Auth = m.creds.Auth.AuthMethods()
	}

	address := net.JoinHostPort(host, strconv.Itoa(m.creds.Port))

	dialCtx, cancel := context.WithTimeout(ctx, m.connectTimeout)
	defer cancel()

	netConn, err := m.dialer(dialCtx, "tcp", address)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: dial %s: %v", errors.ErrInterrupted, address, ctx.Err())
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", address, err)
	}

	// The handshake has no context of its own; a deadline on the conn and a
	// watcher closing it on cancellation bound it instead.
	_ = netConn.SetDeadline(time.Now().Add(m.connectTimeout))
	stop := context.AfterFunc(ctx, func() { _ = netConn.Close() })
	defer stop()

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, address, config)
	if err != nil {
		netConn.Close()
		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: handshake with %s: %v", errors.ErrInterrupted, address, ctx.Err())
		}
		return nil, fmt.Errorf("SSH handshake failed for %s: %w", address, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

func (m *SessionManager) fail(host, op string, err error) error {
	hostErr := errors.NewHostError(host, op, err)
	classified := errors.ClassifyError(err)
	m.logger.LogSessionError(host, m.creds.User, m.creds.Port, classified.Type.String(), err)
	return hostErr
}
