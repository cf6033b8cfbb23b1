// Package hostlist loads and validates the list of remote hosts for a run.
package hostlist

import (
	"bufio"
	"io"
	"os"
	"regexp"
	"strings"

	"ssh-commander/internal/errors"
	"ssh-commander/internal/inventory"
	"ssh-commander/internal/logging"
)

// maxLineLength bounds a single host list line.
const maxLineLength = 1024 * 1024

// addressPattern is a syntactic dotted-quad check. Octet ranges are not
// validated: 999.999.999.999 passes.
var addressPattern = regexp.MustCompile(`^\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}$`)

// HostList is an ordered list of remote host addresses. File order is kept
// and duplicates are permitted.
type HostList []string

// Loader defines the interface for loading host lists
type Loader interface {
	// Load reads a host list from a file
	Load(path string) (HostList, error)

	// Parse reads a plaintext host list from any reader
	Parse(r io.Reader, source string) (HostList, error)
}

// FileLoader implements Loader for plaintext host files and YAML inventories
type FileLoader struct {
	logger *logging.Logger
}

// NewLoader creates a new FileLoader
func NewLoader(logger *logging.Logger) *FileLoader {
	if logger == nil {
		logger = logging.Discard()
	}
	return &FileLoader{logger: logger}
}

// IsValidAddress reports whether s is four dot-separated groups of 1-3 ASCII digits.
func IsValidAddress(s string) bool {
	return addressPattern.MatchString(s)
}

// Load reads the host list at path. Files ending in .yml or .yaml are read
// as an inventory. Failing to open or read the file is the only error; an
// empty result is returned as an empty list.
func (l *FileLoader) Load(path string) (HostList, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.NewInputError("can't read host file "+path, err)
	}
	defer file.Close()

	if inventory.IsInventoryFile(path) {
		return l.parseInventory(file, path)
	}

	return l.Parse(file, path)
}

// Parse reads one address per line. Blank lines and lines starting with '#'
// are ignored; other lines failing IsValidAddress are skipped with a warning.
func (l *FileLoader) Parse(r io.Reader, source string) (HostList, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineLength)

	hosts := make(HostList, 0)
	skipped := 0
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())

		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		if !IsValidAddress(line) {
			l.logger.LogHostSkipped(source, lineNum, line)
			skipped++
			continue
		}

		hosts = append(hosts, line)
	}

	if err := scanner.Err(); err != nil {
		return nil, errors.NewInputError("can't read host file "+source, err)
	}

	l.logger.LogHostsLoaded(source, len(hosts), skipped)
	return hosts, nil
}

func (l *FileLoader) parseInventory(r io.Reader, source string) (HostList, error) {
	candidates, err := inventory.Read(r)
	if err != nil {
		return nil, errors.NewInputError("can't read inventory "+source, err)
	}

	hosts := make(HostList, 0, len(candidates))
	skipped := 0
	for _, c := range candidates {
		if !IsValidAddress(c.Address) {
			l.logger.LogHostSkipped(source, c.Line, c.Address)
			skipped++
			continue
		}
		hosts = append(hosts, c.Address)
	}

	l.logger.LogHostsLoaded(source, len(hosts), skipped)
	return hosts, nil
}
