package trust

import (
	"crypto/ed25519"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"ssh-commander/internal/logging"
)

// probeKey is offered to the known_hosts callback when only the presence of
// an entry matters. It never matches a real key.
var probeKey ssh.PublicKey

func init() {
	key, err := ssh.NewPublicKey(ed25519.PublicKey(make([]byte, ed25519.PublicKeySize)))
	if err != nil {
		panic(fmt.Sprintf("trust: building probe key: %v", err))
	}
	probeKey = key
}

// DefaultKnownHostsPath returns ~/.ssh/known_hosts for the current user.
func DefaultKnownHostsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".ssh", "known_hosts")
	}
	return filepath.Join(home, ".ssh", "known_hosts")
}

// KnownHostsStore is the locally trusted host-key store. Lookups are safe
// for concurrent use; appends are serialized.
type KnownHostsStore struct {
	path   string
	logger *logging.Logger

	mu    sync.Mutex
	check ssh.HostKeyCallback // nil when the file does not exist
}

// OpenKnownHosts parses the known_hosts file at path. A missing file yields
// an empty store; any other read or parse failure is returned.
func OpenKnownHosts(path string, logger *logging.Logger) (*KnownHostsStore, error) {
	if logger == nil {
		logger = logging.Discard()
	}

	s := &KnownHostsStore{path: path, logger: logger}
	if err := s.reload(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *KnownHostsStore) reload() error {
	check, err := knownhosts.New(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.check = nil
			return nil
		}
		return fmt.Errorf("reading known hosts %s: %w", s.path, err)
	}
	s.check = check
	return nil
}

// Path returns the file backing the store.
func (s *KnownHostsStore) Path() string {
	return s.path
}

// Known reports whether the store holds any key entry for host:port. A host
// whose recorded key differs from the one it presents still counts as known;
// the mismatch is caught when the session verifies the key.
func (s *KnownHostsStore) Known(host string, port int) bool {
	s.mu.Lock()
	check := s.check
	s.mu.Unlock()

	if check == nil {
		return false
	}

	err := check(hostAddress(host, port), tcpAddr(host, port), probeKey)
	if err == nil {
		return true
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) {
		return len(keyErr.Want) > 0
	}
	return false
}

// Unknown returns the hosts without an entry, in input order without
// duplicates.
func (s *KnownHostsStore) Unknown(hosts []string, port int) []string {
	seen := make(map[string]bool, len(hosts))
	var unknown []string
	for _, h := range hosts {
		if seen[h] {
			continue
		}
		seen[h] = true
		if !s.Known(h, port) {
			unknown = append(unknown, h)
		}
	}
	return unknown
}

// HostKeyCallback returns the verification policy for sessions.
//
// Known hosts must present their recorded key. Unknown hosts are rejected
// unless acceptUnknown is set; accepted keys are appended to the store only
// when persist is set. A key mismatch is always rejected.
func (s *KnownHostsStore) HostKeyCallback(acceptUnknown, persist bool) ssh.HostKeyCallback {
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		s.mu.Lock()
		check := s.check
		s.mu.Unlock()

		var err error
		if check != nil {
			err = check(hostname, remote, key)
			if err == nil {
				return nil
			}
			var keyErr *knownhosts.KeyError
			if !errors.As(err, &keyErr) || len(keyErr.Want) > 0 {
				return err
			}
		} else {
			err = &knownhosts.KeyError{}
		}

		if !acceptUnknown {
			return err
		}

		s.logger.LogUnknownHostKey(hostname, ssh.FingerprintSHA256(key), persist)
		if persist {
			if addErr := s.Add(hostname, remote, key); addErr != nil {
				s.logger.Warn("could not record host key",
					"host", hostname,
					"error", addErr.Error(),
				)
			}
		}
		return nil
	}
}

// Add appends a host key line to the store and reloads it. Writers are
// serialized so concurrent sessions cannot interleave lines.
func (s *KnownHostsStore) Add(hostname string, remote net.Addr, key ssh.PublicKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(s.path), err)
	}

	f, err := os.OpenFile(s.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening %s: %w", s.path, err)
	}

	addresses := []string{knownhosts.Normalize(hostname)}
	if remote != nil {
		if r := knownhosts.Normalize(remote.String()); r != addresses[0] {
			addresses = append(addresses, r)
		}
	}

	_, werr := fmt.Fprintln(f, knownhosts.Line(addresses, key))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return fmt.Errorf("writing %s: %w", s.path, werr)
	}

	return s.reload()
}

func hostAddress(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func tcpAddr(host string, port int) *net.TCPAddr {
	return &net.TCPAddr{IP: net.ParseIP(host), Port: port}
}
