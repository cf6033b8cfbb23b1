package commander

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	stderrors "errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"

	"ssh-commander/internal/auth"
	"ssh-commander/internal/config"
	"ssh-commander/internal/console"
	"ssh-commander/internal/errors"
	"ssh-commander/internal/executor"
	"ssh-commander/internal/hostlist"
	"ssh-commander/internal/output"
	"ssh-commander/internal/pipeline"
	"ssh-commander/internal/ssh"
	"ssh-commander/internal/trust"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// echoShell answers each written command with "<host>: <command>".
type echoShell struct {
	host    string
	mu      sync.Mutex
	pending []byte
}

func (s *echoShell) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pending = append(s.pending, []byte(s.host+": "+string(p))...)
	return len(p), nil
}

func (s *echoShell) ReadUpTo(_ context.Context, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return nil, io.EOF
	}
	out := s.pending[:min(n, len(s.pending))]
	s.pending = s.pending[len(out):]
	return out, nil
}

func (s *echoShell) Close() error { return nil }

type fakeConnector struct {
	calls atomic.Int32
	fail  map[string]error
}

func (c *fakeConnector) Open(_ context.Context, host string) (ssh.Shell, error) {
	c.calls.Add(1)
	if err := c.fail[host]; err != nil {
		return nil, errors.NewHostError(host, "connect", err)
	}
	return &echoShell{host: host}, nil
}

type countingPrompter struct {
	calls atomic.Int32
}

func (p *countingPrompter) Prompt(context.Context, string) (string, error) {
	p.calls.Add(1)
	return "s3cret", nil
}

type fixedConfirmer struct {
	answer bool
	calls  int
}

func (c *fixedConfirmer) Confirm(context.Context, []string) (bool, error) {
	c.calls++
	return c.answer, nil
}

type harness struct {
	runner    *Runner
	connector *fakeConnector
	prompter  *countingPrompter
	confirmer *fixedConfirmer
	creds     *ssh.Credentials
	stdout    *bytes.Buffer
	stderr    *bytes.Buffer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		connector: &fakeConnector{},
		prompter:  &countingPrompter{},
		confirmer: &fixedConfirmer{answer: true},
		stdout:    &bytes.Buffer{},
		stderr:    &bytes.Buffer{},
	}
	h.runner = &Runner{
		Loader:    hostlist.NewLoader(nil),
		Confirmer: h.confirmer,
		Prompter:  h.prompter,
		SSHDir:    t.TempDir(),
		NewConnector: func(creds *ssh.Credentials, _ ...ssh.Option) executor.Connector {
			h.creds = creds
			return h.connector
		},
		Stdout: h.stdout,
		Stderr: h.stderr,
	}
	return h
}

func writeHosts(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "hosts.txt")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func baseOptions(t *testing.T, hostFile string) Options {
	t.Helper()
	return Options{
		HostFile:   hostFile,
		User:       "ops",
		Commands:   `"uptime, df -h"`,
		Port:       22,
		KnownHosts: filepath.Join(t.TempDir(), "known_hosts"),
		Pipeline:   pipeline.Config{SettleDelay: 0, ReadTimeout: time.Second},
		Output:     output.StreamedMode,
	}
}

const threeHosts = "10.0.0.1\n10.0.0.2\n10.0.0.3\n"

func TestRun_PasswordPromptedOnceForAllHosts(t *testing.T) {
	h := newHarness(t)
	opts := baseOptions(t, writeHosts(t, threeHosts))

	require.NoError(t, h.runner.Run(context.Background(), opts))

	assert.EqualValues(t, 1, h.prompter.calls.Load())
	assert.EqualValues(t, 3, h.connector.calls.Load())
	require.NotNil(t, h.creds)
	assert.Equal(t, "s3cret", h.creds.Auth.Password)
	assert.Equal(t, "ops", h.creds.User)
	assert.True(t, h.creds.TrustUnknownHosts, "operator confirmed unknown hosts")

	out := h.stdout.String()
	for _, host := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		assert.Contains(t, out, "["+host+"] "+host+": uptime")
		assert.Less(t, strings.Index(out, host+": uptime"), strings.Index(out, host+": df -h"))
	}
}

func TestRun_IdentityFileNeverPrompts(t *testing.T) {
	h := newHarness(t)
	opts := baseOptions(t, writeHosts(t, threeHosts))

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	block, err := gossh.MarshalPrivateKey(priv, "")
	require.NoError(t, err)
	opts.IdentityFile = filepath.Join(t.TempDir(), "id_deploy")
	require.NoError(t, os.WriteFile(opts.IdentityFile, pem.EncodeToMemory(block), 0o600))

	require.NoError(t, h.runner.Run(context.Background(), opts))
	assert.Zero(t, h.prompter.calls.Load())
	assert.Equal(t, opts.IdentityFile, h.creds.Auth.IdentityFile)
}

func TestRun_TrustDeclinedContactsNoHost(t *testing.T) {
	h := newHarness(t)
	h.confirmer.answer = false
	opts := baseOptions(t, writeHosts(t, threeHosts))

	err := h.runner.Run(context.Background(), opts)
	assert.ErrorIs(t, err, errors.ErrTrustDeclined)
	assert.Equal(t, errors.ExitFatal, errors.ExitCode(err))
	assert.Zero(t, h.connector.calls.Load())
	assert.Zero(t, h.prompter.calls.Load(), "auth is not selected after a refusal")
	assert.Equal(t, 1, h.confirmer.calls)
}

func TestRun_TrustOverrideSkipsConfirmation(t *testing.T) {
	h := newHarness(t)
	opts := baseOptions(t, writeHosts(t, threeHosts))
	opts.TrustUnknown = true

	require.NoError(t, h.runner.Run(context.Background(), opts))
	assert.Zero(t, h.confirmer.calls)
	assert.True(t, h.creds.TrustUnknownHosts)
}

func TestRun_HostFailureDoesNotFailRun(t *testing.T) {
	h := newHarness(t)
	h.connector.fail = map[string]error{
		"10.0.0.2": stderrors.New("ssh: unable to authenticate, attempted methods [none password], no supported methods remain"),
	}
	opts := baseOptions(t, writeHosts(t, threeHosts))
	opts.ShowStats = true

	require.NoError(t, h.runner.Run(context.Background(), opts))

	out := h.stdout.String()
	assert.Contains(t, out, "[10.0.0.1] 10.0.0.1: uptime")
	assert.Contains(t, out, "[10.0.0.3] 10.0.0.3: uptime")
	assert.Contains(t, out, "[10.0.0.2] ERROR: host 10.0.0.2: connect:")
	assert.NotContains(t, out, "10.0.0.2: uptime")
	assert.Contains(t, h.stderr.String(), "Failed: 1")
	assert.Contains(t, h.stderr.String(), "1 authentication")
}

func TestRun_NoValidHosts(t *testing.T) {
	h := newHarness(t)
	opts := baseOptions(t, writeHosts(t, "# none\nnot-an-ip\n"))

	err := h.runner.Run(context.Background(), opts)
	assert.ErrorIs(t, err, errors.ErrNoHosts)
	assert.Equal(t, errors.ExitFatal, errors.ExitCode(err))
	assert.Zero(t, h.confirmer.calls)
	assert.Zero(t, h.prompter.calls.Load())
}

func TestRun_UnreadableHostFile(t *testing.T) {
	h := newHarness(t)
	opts := baseOptions(t, filepath.Join(t.TempDir(), "missing.txt"))

	err := h.runner.Run(context.Background(), opts)
	assert.Equal(t, errors.ExitHostIO, errors.ExitCode(err))
}

func TestRun_DryRun(t *testing.T) {
	h := newHarness(t)
	opts := baseOptions(t, writeHosts(t, threeHosts))
	opts.DryRun = true

	require.NoError(t, h.runner.Run(context.Background(), opts))
	assert.Zero(t, h.connector.calls.Load())
	assert.Zero(t, h.prompter.calls.Load())
	assert.Zero(t, h.confirmer.calls)

	out := h.stdout.String()
	assert.Contains(t, out, "Dry Run")
	assert.Contains(t, out, "1. uptime")
	assert.Contains(t, out, "2. df -h")
	assert.Contains(t, out, "10.0.0.2 (unknown host key)")
	assert.Contains(t, out, "Authentication: password")
}

func TestRun_InterruptedBeforeDispatch(t *testing.T) {
	h := newHarness(t)
	opts := baseOptions(t, writeHosts(t, threeHosts))
	opts.TrustUnknown = true

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.runner.Run(ctx, opts)
	assert.ErrorIs(t, err, errors.ErrInterrupted)
	assert.Zero(t, h.connector.calls.Load())
}

func TestRun_MetricsFileAndProgress(t *testing.T) {
	h := newHarness(t)
	opts := baseOptions(t, writeHosts(t, threeHosts))
	opts.MetricsFile = filepath.Join(t.TempDir(), "run.prom")
	opts.ShowProgress = true

	require.NoError(t, h.runner.Run(context.Background(), opts))
	data, err := os.ReadFile(opts.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ssh_commander_hosts_planned 3")
	assert.Contains(t, h.stderr.String(), "3/3 hosts done in")
}

func TestOptionsFromConfig(t *testing.T) {
	cfg := &config.Config{
		Port:           2222,
		Concurrency:    "4",
		SettleDelay:    2 * time.Second,
		BufferSize:     1000,
		ReadTimeout:    time.Second,
		ConnectTimeout: 3 * time.Second,
		Output:         "json",
		KnownHosts:     "/tmp/kh",
	}

	opts, err := OptionsFromConfig(cfg, "hosts.txt", "ops", "uptime")
	require.NoError(t, err)
	assert.Equal(t, 4, opts.Concurrency)
	assert.Equal(t, output.JSONMode, opts.Output)
	assert.Equal(t, 2*time.Second, opts.Pipeline.SettleDelay)
	assert.Equal(t, "/tmp/kh", opts.KnownHosts)
	assert.Equal(t, 2222, opts.Port)

	cfg.KnownHosts = ""
	opts, err = OptionsFromConfig(cfg, "hosts.txt", "ops", "uptime")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(opts.KnownHosts, filepath.Join(".ssh", "known_hosts")))

	cfg.Concurrency = "zero"
	_, err = OptionsFromConfig(cfg, "hosts.txt", "ops", "uptime")
	assert.Error(t, err)
}

func TestRun_ConfirmThenPasswordOnSharedInput(t *testing.T) {
	h := newHarness(t)
	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()

	_, err = w.WriteString("yes\nY\ns3cret\n")
	require.NoError(t, err)
	require.NoError(t, w.Close())

	var prompts bytes.Buffer
	lines := console.NewLineReader(r)
	h.runner.Confirmer = trust.NewPromptConfirmer(lines, &prompts)
	h.runner.Prompter = &auth.TerminalPrompter{In: r, Out: &prompts, Lines: lines}

	opts := baseOptions(t, writeHosts(t, threeHosts))
	require.NoError(t, h.runner.Run(context.Background(), opts))

	require.NotNil(t, h.creds)
	assert.Equal(t, "s3cret", h.creds.Auth.Password)
	assert.True(t, h.creds.TrustUnknownHosts)
	assert.Equal(t, 2, strings.Count(prompts.String(), "[Y/n]"))
	assert.Equal(t, 1, strings.Count(prompts.String(), "enter your password"))
	assert.EqualValues(t, 3, h.connector.calls.Load())
}

func TestRun_NoColorOffTerminal(t *testing.T) {
	color.NoColor = false
	t.Cleanup(func() { color.NoColor = true })

	h := newHarness(t)
	opts := baseOptions(t, writeHosts(t, "10.0.0.1\n"))
	opts.TrustUnknown = true

	require.NoError(t, h.runner.Run(context.Background(), opts))
	assert.Contains(t, h.stdout.String(), "[10.0.0.1] 10.0.0.1: uptime")
	assert.NotContains(t, h.stdout.String(), "\x1b[")
}
