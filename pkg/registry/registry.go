// Package registry resolves agent names to agent definitions.
package registry

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/aixgo-dev/convene/pkg/security"
	"github.com/aixgo-dev/convene/pkg/session"
)

// LatestVersion selects the last declared version of an agent.
const LatestVersion = "latest"

// maxFileSize bounds registry files.
const maxFileSize = 4 * 1024 * 1024

var nameValidator = &security.StringValidator{
	Pattern:              regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.@-]*$`),
	MaxLength:            128,
	DisallowNullBytes:    true,
	DisallowControlChars: true,
}

// File is the on-disk registry format.
type File struct {
	Agents []session.AgentDefinition `yaml:"agents"`
}

// Static resolves against a fixed set of definitions. Several versions of a
// name may be declared; an empty or "latest" version picks the last one.
type Static struct {
	mu   sync.RWMutex
	defs map[string][]session.AgentDefinition
}

// NewStatic validates defs and builds a registry.
func NewStatic(defs []session.AgentDefinition) (*Static, error) {
	s := &Static{defs: make(map[string][]session.AgentDefinition)}
	for i, d := range defs {
		if err := nameValidator.Validate(d.Name); err != nil {
			return nil, fmt.Errorf("agent %d: name %q: %w", i, d.Name, err)
		}
		for _, prev := range s.defs[d.Name] {
			if prev.Version == d.Version {
				return nil, fmt.Errorf("agent %s: duplicate version %q", d.Name, d.Version)
			}
		}
		s.defs[d.Name] = append(s.defs[d.Name], d)
	}
	return s, nil
}

// LoadFile reads a YAML registry file.
func LoadFile(path string) (*Static, error) {
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("registry file: %w", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("registry file: %w", err)
	}
	if info.Size() > maxFileSize {
		return nil, fmt.Errorf("registry file too large: %d bytes", info.Size())
	}
	data, err := os.ReadFile(path) // #nosec G304 -- path validated above
	if err != nil {
		return nil, fmt.Errorf("read registry file: %w", err)
	}

	limits := security.DefaultYAMLLimits()
	limits.MaxFileSize = maxFileSize
	var f File
	if err := security.NewSafeYAMLParser(limits).UnmarshalYAML(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry file: %w", err)
	}
	return NewStatic(f.Agents)
}

// Resolve implements session.Resolver.
func (s *Static) Resolve(_ context.Context, name, version string) (session.AgentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	versions := s.defs[name]
	if len(versions) == 0 {
		return session.AgentDefinition{}, fmt.Errorf("%w: %s", session.ErrUnresolvedAgent, name)
	}
	if version == "" || version == LatestVersion {
		return versions[len(versions)-1], nil
	}
	for _, d := range versions {
		if d.Version == version {
			return d, nil
		}
	}
	return session.AgentDefinition{}, fmt.Errorf("%w: %s@%s", session.ErrUnresolvedAgent, name, version)
}

// Names returns the registered agent names, sorted.
func (s *Static) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.defs))
	for n := range s.defs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Passthrough resolves any name to a bare definition.
func Passthrough() session.Resolver {
	return session.PassthroughResolver{}
}

// New returns the registry for a configured file, or Passthrough when path
// is empty.
func New(path string, logger *zap.Logger) (session.Resolver, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if path == "" {
		logger.Info("agent registry disabled, accepting any agent name")
		return Passthrough(), nil
	}
	s, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	logger.Info("agent registry loaded", zap.String("file", path), zap.Strings("agents", s.Names()))
	return s, nil
}
