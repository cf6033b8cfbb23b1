package ssh

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"

	"ssh-commander/internal/auth"
	"ssh-commander/internal/errors"
)

const testPassword = "s3cret"

// testServer is a minimal in-process SSH server answering pty and shell
// requests and handing the channel to a handler.
type testServer struct {
	port    int
	hostKey ssh.PublicKey
}

func startServer(t *testing.T, handler func(ch ssh.Channel)) *testServer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	signer, err := ssh.NewSignerFromKey(priv)
	require.NoError(t, err)

	config := &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == "ops" && string(pass) == testPassword {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	config.AddHostKey(signer)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go serveConn(conn, config, handler)
		}
	}()

	return &testServer{
		port:    listener.Addr().(*net.TCPAddr).Port,
		hostKey: signer.PublicKey(),
	}
}

func serveConn(conn net.Conn, config *ssh.ServerConfig, handler func(ch ssh.Channel)) {
	_, chans, reqs, err := ssh.NewServerConn(conn, config)
	if err != nil {
		conn.Close()
		return
	}
	go ssh.DiscardRequests(reqs)

	for newChannel := range chans {
		if newChannel.ChannelType() != "session" {
			_ = newChannel.Reject(ssh.UnknownChannelType, "unsupported")
			continue
		}
		ch, requests, err := newChannel.Accept()
		if err != nil {
			continue
		}
		go func() {
			for req := range requests {
				switch req.Type {
				case "pty-req":
					_ = req.Reply(true, nil)
				case "shell":
					_ = req.Reply(true, nil)
					go handler(ch)
				default:
					_ = req.Reply(false, nil)
				}
			}
		}()
	}
}

// echoShell answers every line with "out:<line>" and closes on "exit".
func echoShell(ch ssh.Channel) {
	defer ch.Close()
	scanner := bufio.NewScanner(ch)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "exit" {
			return
		}
		fmt.Fprintf(ch, "out:%s\r\n", line)
		if line == "warn" {
			fmt.Fprint(ch.Stderr(), "err:warn\r\n")
		}
	}
}

func newManager(srv *testServer, password string, opts ...Option) *SessionManager {
	creds := &Credentials{
		User: "ops",
		Port: srv.port,
		Auth: &auth.Strategy{Method: auth.MethodPassword, Password: password},
	}
	opts = append([]Option{
		WithHostKeyCallback(ssh.FixedHostKey(srv.hostKey)),
		WithConnectTimeout(5 * time.Second),
	}, opts...)
	return NewSessionManager(creds, opts...)
}

func readAll(t *testing.T, shell Shell, want string) string {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var sb strings.Builder
	for !strings.Contains(sb.String(), want) {
		chunk, err := shell.ReadUpTo(ctx, 1024)
		require.NoError(t, err)
		sb.Write(chunk)
	}
	return sb.String()
}

func TestOpen_RunsShell(t *testing.T) {
	srv := startServer(t, echoShell)
	shell, err := newManager(srv, testPassword).Open(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	defer shell.Close()

	_, err = shell.Write([]byte("uptime\n"))
	require.NoError(t, err)
	assert.Contains(t, readAll(t, shell, "out:uptime"), "out:uptime\r\n")

	_, err = shell.Write([]byte("warn\n"))
	require.NoError(t, err)
	assert.Contains(t, readAll(t, shell, "err:warn"), "err:warn", "stderr is merged")
}

func TestReadUpTo_Limit(t *testing.T) {
	srv := startServer(t, func(ch ssh.Channel) {
		defer ch.Close()
		_, _ = ch.Write([]byte(strings.Repeat("x", 100)))
		_, _ = io.Copy(io.Discard, ch)
	})
	shell, err := newManager(srv, testPassword).Open(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	defer shell.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	chunk, err := shell.ReadUpTo(ctx, 10)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(chunk), 10)
	assert.NotEmpty(t, chunk)

	total := len(chunk)
	for total < 100 {
		chunk, err = shell.ReadUpTo(ctx, 10)
		require.NoError(t, err)
		assert.LessOrEqual(t, len(chunk), 10)
		total += len(chunk)
	}
	assert.Equal(t, 100, total)
}

func TestReadUpTo_EOF(t *testing.T) {
	srv := startServer(t, echoShell)
	shell, err := newManager(srv, testPassword).Open(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	defer shell.Close()

	_, err = shell.Write([]byte("exit\n"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		_, err = shell.ReadUpTo(ctx, 1024)
		if err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, io.EOF)
}

func TestReadUpTo_ContextEnds(t *testing.T) {
	srv := startServer(t, echoShell)
	shell, err := newManager(srv, testPassword).Open(context.Background(), "127.0.0.1")
	require.NoError(t, err)
	defer shell.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = shell.ReadUpTo(ctx, 1024)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClose_Idempotent(t *testing.T) {
	srv := startServer(t, echoShell)
	shell, err := newManager(srv, testPassword).Open(context.Background(), "127.0.0.1")
	require.NoError(t, err)

	_ = shell.Close()
	assert.NotPanics(t, func() { _ = shell.Close() })
}

func TestOpen_WrongPassword(t *testing.T) {
	srv := startServer(t, echoShell)
	_, err := newManager(srv, "wrong").Open(context.Background(), "127.0.0.1")
	require.Error(t, err)

	var hostErr *errors.HostError
	require.ErrorAs(t, err, &hostErr)
	assert.Equal(t, "127.0.0.1", hostErr.Host)
	assert.Equal(t, "connect", hostErr.Op)
	assert.Equal(t, errors.AuthenticationErrorType, errors.ClassifyError(err).Type)
}

func TestOpen_HostKeyRejected(t *testing.T) {
	srv := startServer(t, echoShell)
	reject := func(string, net.Addr, ssh.PublicKey) error {
		return stderrors.New("hostkey verification failed")
	}

	_, err := newManager(srv, testPassword, WithHostKeyCallback(reject)).Open(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.Equal(t, errors.AuthenticationErrorType, errors.ClassifyError(err).Type)
}

func TestOpen_ConnectionRefused(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := listener.Addr().(*net.TCPAddr).Port
	require.NoError(t, listener.Close())

	m := newManager(&testServer{port: port}, testPassword)
	_, err = m.Open(context.Background(), "127.0.0.1")
	require.Error(t, err)
	assert.Equal(t, errors.ConnectionErrorType, errors.ClassifyError(err).Type)
}

func TestOpen_Cancelled(t *testing.T) {
	srv := startServer(t, echoShell)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := newManager(srv, testPassword).Open(ctx, "127.0.0.1")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrInterrupted)
}

func TestNewSessionManager_Defaults(t *testing.T) {
	m := NewSessionManager(&Credentials{User: "ops", Port: 22})
	assert.Equal(t, DefaultConnectTimeout, m.connectTimeout)
	assert.Equal(t, DefaultTerminal, m.terminal)
	assert.Error(t, m.hostKeyCallback("10.0.0.1:22", nil, nil), "no policy rejects every key")
}
