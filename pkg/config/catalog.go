package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/openfroyo/devenv/pkg/engine"
	"github.com/openfroyo/devenv/pkg/envspec"
)

// ErrSpecNotFound is returned when no spec file exists for an environment.
var ErrSpecNotFound = errors.New("spec file not found")

// SpecCatalog resolves environment names to spec files. A name maps to
// <dir>/<name>.cue, <dir>/<name>.yaml or <dir>/<name>.yml, unless a file was
// pinned for it with Pin.
type SpecCatalog struct {
	dir    string
	parser *SpecParser

	mu     sync.RWMutex
	pinned map[string]string
}

var _ engine.SpecSource = (*SpecCatalog)(nil)

// NewSpecCatalog creates a catalog over dir.
func NewSpecCatalog(dir string, parser *SpecParser) *SpecCatalog {
	if parser == nil {
		parser = NewSpecParser()
	}
	return &SpecCatalog{
		dir:    dir,
		parser: parser,
		pinned: make(map[string]string),
	}
}

// Dir returns the directory searched for spec files.
func (c *SpecCatalog) Dir() string {
	return c.dir
}

// Pin parses the file at path and binds its environment name to it. The
// returned name is the one declared inside the file.
func (c *SpecCatalog) Pin(path string) (string, error) {
	parsed, err := c.parser.ParseFile(path)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.pinned[parsed.Spec.Name] = parsed.Path
	c.mu.Unlock()
	return parsed.Spec.Name, nil
}

// Path returns the spec file for name.
func (c *SpecCatalog) Path(name string) (string, error) {
	c.mu.RLock()
	pinned, ok := c.pinned[name]
	c.mu.RUnlock()
	if ok {
		return pinned, nil
	}

	for _, ext := range SpecExtensions {
		candidate := filepath.Join(c.dir, name+ext)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: no %s.{cue,yaml,yml} in %s", ErrSpecNotFound, name, c.dir)
}

// Lookup implements engine.SpecSource.
func (c *SpecCatalog) Lookup(ctx context.Context, name string) (*envspec.EnvironmentSpec, error) {
	parsed, err := c.Load(ctx, name)
	if err != nil {
		return nil, err
	}
	return parsed.Spec, nil
}

// Load parses the spec file for name. The environment name declared in
// the file must match the name it was looked up by.
func (c *SpecCatalog) Load(ctx context.Context, name string) (*ParsedSpec, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path, err := c.Path(name)
	if err != nil {
		return nil, err
	}

	parsed, err := c.parser.ParseFile(path)
	if err != nil {
		return nil, err
	}
	if parsed.Spec.Name != name {
		return nil, &envspec.ValidationError{Name: name, Problems: []string{
			fmt.Sprintf("%s declares environment %q, expected %q", path, parsed.Spec.Name, name),
		}}
	}

	log.Debug().Str("environment", name).Str("path", path).Msg("loaded spec")
	return parsed, nil
}

// Names lists the environments that have a spec file, sorted.
func (c *SpecCatalog) Names() ([]string, error) {
	seen := make(map[string]bool)

	entries, err := os.ReadDir(c.dir)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read spec directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, err := FormatOf(e.Name()); err != nil {
			continue
		}
		seen[strings.TrimSuffix(e.Name(), filepath.Ext(e.Name()))] = true
	}

	c.mu.RLock()
	for name := range c.pinned {
		seen[name] = true
	}
	c.mu.RUnlock()

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}
