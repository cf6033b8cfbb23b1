// Package inventory reads Ansible-style YAML inventories as a host source for ssh-commander.
package inventory

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Candidate is one inventory host before address validation.
type Candidate struct {
	Name    string // inventory hostname
	Address string // ansible_host when set, otherwise Name
	Line    int    // line of the host entry in the inventory file
}

// AnsibleHost holds the inventory host variables ssh-commander understands.
// Everything else in a host entry is ignored.
type AnsibleHost struct {
	AnsibleHost string `yaml:"ansible_host"`
}

// IsInventoryFile reports whether path should be read as a YAML inventory.
func IsInventoryFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yml", ".yaml":
		return true
	}
	return false
}

// Read walks the inventory in document order and returns one candidate per
// distinct inventory hostname. A host listed under several groups is
// reported once, at its first occurrence.
func Read(r io.Reader) ([]Candidate, error) {
	var doc yaml.Node
	if err := yaml.NewDecoder(r).Decode(&doc); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to parse inventory: %w", err)
	}

	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if root.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("failed to parse inventory: line %d: top level must be a mapping of groups", root.Line)
	}

	w := &walker{seen: make(map[string]bool)}
	for i := 0; i+1 < len(root.Content); i += 2 {
		if err := w.group(root.Content[i+1]); err != nil {
			return nil, err
		}
	}

	return w.candidates, nil
}

type walker struct {
	seen       map[string]bool
	candidates []Candidate
}

// group processes a group body: its hosts, then its children recursively.
func (w *walker) group(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		switch key.Value {
		case "hosts":
			if err := w.hosts(value); err != nil {
				return err
			}
		case "children":
			if value.Kind != yaml.MappingNode {
				continue
			}
			for j := 0; j+1 < len(value.Content); j += 2 {
				if err := w.group(value.Content[j+1]); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func (w *walker) hosts(n *yaml.Node) error {
	if n.Kind != yaml.MappingNode {
		return nil
	}

	for i := 0; i+1 < len(n.Content); i += 2 {
		key, value := n.Content[i], n.Content[i+1]
		name := strings.TrimSpace(key.Value)
		if name == "" || w.seen[name] {
			continue
		}
		w.seen[name] = true

		var host AnsibleHost
		if value.Kind == yaml.MappingNode {
			if err := value.Decode(&host); err != nil {
				return fmt.Errorf("failed to parse inventory host %q (line %d): %w", name, key.Line, err)
			}
		}

		address := strings.TrimSpace(host.AnsibleHost)
		if address == "" {
			address = name
		}

		w.candidates = append(w.candidates, Candidate{
			Name:    name,
			Address: address,
			Line:    key.Line,
		})
	}

	return nil
}
