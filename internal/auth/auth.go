// Package auth chooses how every session of a run authenticates.
package auth

import (
	"context"
	stderrors "errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"ssh-commander/internal/errors"
	"ssh-commander/internal/logging"
)

// DefaultKeyNames are the private key files whose presence in the user's
// SSH directory enables key-based authentication without an explicit key.
var DefaultKeyNames = []string{"id_dsa", "id_ecdsa", "id_ed25519", "id_rsa"}

const passwordPrompt = "\n Please, enter your password to access hosts: "

// Method identifies the authentication strategy of a run.
type Method int

const (
	// MethodIdentityFile authenticates with an explicitly named key.
	MethodIdentityFile Method = iota
	// MethodDefaultKeys uses the agent and the keys found in the SSH directory.
	MethodDefaultKeys
	// MethodPassword uses the password entered once at startup.
	MethodPassword
)

func (m Method) String() string {
	switch m {
	case MethodIdentityFile:
		return "identity-file"
	case MethodDefaultKeys:
		return "default-keys"
	case MethodPassword:
		return "password"
	default:
		return "unknown"
	}
}

// Strategy is the authentication material shared by every session of a run.
// It is built before dispatch and only read afterwards.
type Strategy struct {
	Method       Method
	IdentityFile string
	Password     string

	signers []ssh.Signer
	agent   agent.ExtendedAgent
	conn    net.Conn
}

// AuthMethods returns the methods offered to each server, in fallback order:
// the explicit key, then the agent, then default keys; or only the password.
func (s *Strategy) AuthMethods() []ssh.AuthMethod {
	if s.Method == MethodPassword {
		return []ssh.AuthMethod{ssh.Password(s.Password)}
	}

	var methods []ssh.AuthMethod
	signers := s.signers
	if s.Method == MethodIdentityFile && len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers[0]))
		signers = signers[1:]
	}
	if s.agent != nil {
		methods = append(methods, ssh.PublicKeysCallback(s.agent.Signers))
	}
	if len(signers) > 0 {
		methods = append(methods, ssh.PublicKeys(signers...))
	}
	return methods
}

// Close releases the agent connection, if any.
func (s *Strategy) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	s.agent = nil
	return err
}

// Selector picks the strategy for a run.
type Selector struct {
	SSHDir      string
	AgentSocket string
	Prompter    Prompter
	Logger      *logging.Logger
}

// NewSelector returns a selector looking in ~/.ssh and at $SSH_AUTH_SOCK.
func NewSelector(prompter Prompter, logger *logging.Logger) *Selector {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Selector{
		SSHDir:      DefaultSSHDir(),
		AgentSocket: os.Getenv("SSH_AUTH_SOCK"),
		Prompter:    prompter,
		Logger:      logger,
	}
}

// DefaultSSHDir returns the current user's ~/.ssh directory.
func DefaultSSHDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".ssh"
	}
	return filepath.Join(home, ".ssh")
}

// HasDefaultKeys reports whether dir holds any of DefaultKeyNames.
func HasDefaultKeys(dir string) bool {
	for _, name := range DefaultKeyNames {
		if info, err := os.Stat(filepath.Join(dir, name)); err == nil && !info.IsDir() {
			return true
		}
	}
	return false
}

// Select decides the strategy. An explicit identity file wins and never
// asks for a password. Otherwise default keys in the SSH directory are used.
// Only when neither exists is the password asked for, exactly once.
func (s *Selector) Select(ctx context.Context, identityFile string) (*Strategy, error) {
	var (
		strategy *Strategy
		err      error
	)
	switch {
	case identityFile != "":
		strategy, err = s.identityStrategy(ctx, identityFile)
	case HasDefaultKeys(s.SSHDir):
		strategy = s.defaultKeysStrategy()
	default:
		strategy, err = s.passwordStrategy(ctx)
	}
	if err != nil {
		return nil, err
	}

	s.log().LogAuthStrategy(strategy.Method.String(), strategy.IdentityFile)
	return strategy, nil
}

func (s *Selector) log() *logging.Logger {
	if s.Logger == nil {
		return logging.Discard()
	}
	return s.Logger
}

func (s *Selector) identityStrategy(ctx context.Context, path string) (*Strategy, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.NewSetupError("can't read identity file "+path, err)
	}

	signer, err := s.parseKey(ctx, path, pem)
	if err != nil {
		return nil, err
	}

	strategy := &Strategy{
		Method:       MethodIdentityFile,
		IdentityFile: path,
		signers:      []ssh.Signer{signer},
	}
	s.attachAgent(strategy)
	strategy.signers = append(strategy.signers, s.loadDefaultKeys(path)...)
	return strategy, nil
}

func (s *Selector) parseKey(ctx context.Context, path string, pem []byte) (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(pem)
	if err == nil {
		return signer, nil
	}

	var missing *ssh.PassphraseMissingError
	if !stderrors.As(err, &missing) {
		return nil, errors.NewSetupError("can't parse identity file "+path, err)
	}
	if s.Prompter == nil {
		return nil, errors.NewSetupError("identity file "+path+" is encrypted", err)
	}

	passphrase, err := s.Prompter.Prompt(ctx, fmt.Sprintf("Enter passphrase for key '%s': ", path))
	if err != nil {
		return nil, fmt.Errorf("passphrase prompt: %w", errors.ErrInterrupted)
	}

	signer, err = ssh.ParsePrivateKeyWithPassphrase(pem, []byte(passphrase))
	if err != nil {
		return nil, errors.NewSetupError("can't decrypt identity file "+path, err)
	}
	return signer, nil
}

func (s *Selector) defaultKeysStrategy() *Strategy {
	strategy := &Strategy{Method: MethodDefaultKeys}
	s.attachAgent(strategy)
	strategy.signers = s.loadDefaultKeys("")
	return strategy
}

// loadDefaultKeys parses every default key except skip. Keys that are
// encrypted or unparseable are left out with a warning.
func (s *Selector) loadDefaultKeys(skip string) []ssh.Signer {
	var signers []ssh.Signer
	for _, name := range DefaultKeyNames {
		path := filepath.Join(s.SSHDir, name)
		if skip != "" && filepath.Clean(skip) == filepath.Clean(path) {
			continue
		}

		pem, err := os.ReadFile(path)
		if err != nil {
			continue
		}

		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			var missing *ssh.PassphraseMissingError
			if stderrors.As(err, &missing) {
				s.log().Warn("skipping encrypted default key", "path", path)
			} else {
				s.log().Warn("skipping unreadable default key", "path", path, "error", err.Error())
			}
			continue
		}
		signers = append(signers, signer)
	}
	return signers
}

func (s *Selector) attachAgent(strategy *Strategy) {
	if s.AgentSocket == "" {
		return
	}
	conn, err := net.Dial("unix", s.AgentSocket)
	if err != nil {
		s.log().Debug("ssh agent unavailable", "socket", s.AgentSocket, "error", err.Error())
		return
	}
	strategy.conn = conn
	strategy.agent = agent.NewClient(conn)
}

func (s *Selector) passwordStrategy(ctx context.Context) (*Strategy, error) {
	if s.Prompter == nil {
		return nil, errors.NewSetupError("no SSH key found and no way to ask for a password", nil)
	}

	password, err := s.Prompter.Prompt(ctx, passwordPrompt)
	if err != nil {
		return nil, fmt.Errorf("password prompt: %w", errors.ErrInterrupted)
	}

	return &Strategy{Method: MethodPassword, Password: password}, nil
}
