package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Scope selects which config file a config command operates on.
type Scope string

const (
	ScopeLocal  Scope = "local"
	ScopeGlobal Scope = "global"
)

// ParseScope validates a scope string; empty means local.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeLocal, ScopeGlobal:
		return Scope(s), nil
	case "":
		return ScopeLocal, nil
	}
	return "", fmt.Errorf("unknown config scope %q", s)
}

// LocalPath is the repo-level config file location.
func LocalPath(repoRoot string) string {
	return filepath.Join(repoRoot, ".codestory", "config.yaml")
}

// GlobalPath is the per-user config file location.
func GlobalPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("locating user config dir: %w", err)
	}
	return filepath.Join(dir, "codestory", "config.yaml"), nil
}

// Store reads and writes one YAML config file.
type Store struct {
	path string
}

// NewStore wraps a config file path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) Path() string { return s.path }

// Load reads the file into a layer. A missing file is an empty layer.
func (s *Store) Load() (Layer, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Layer{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", s.path, err)
	}

	raw := map[string]string{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", s.path, err)
	}
	return Layer(raw), nil
}

func (s *Store) save(layer Layer) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(map[string]string(layer))
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing config %s: %w", s.path, err)
	}
	return nil
}

// Get returns one key's stored value. ok is false when unset.
func (s *Store) Get(name string) (string, bool, error) {
	layer, err := s.Load()
	if err != nil {
		return "", false, err
	}
	v, ok := layer[name]
	return v, ok, nil
}

// Set validates and stores one key.
func (s *Store) Set(name, value string) error {
	if err := Validate(name, value); err != nil {
		return err
	}
	layer, err := s.Load()
	if err != nil {
		return err
	}
	layer[name] = value
	return s.save(layer)
}

// Delete removes one key. Unset keys are not an error.
func (s *Store) Delete(name string) error {
	if specFor(name) == nil {
		return fmt.Errorf("unknown configuration key %q", name)
	}
	layer, err := s.Load()
	if err != nil {
		return err
	}
	if _, ok := layer[name]; !ok {
		return nil
	}
	delete(layer, name)
	return s.save(layer)
}

// DeleteAll removes the config file entirely.
func (s *Store) DeleteAll() error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
