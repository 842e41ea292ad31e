package installation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v2"
)

// FileStore persists identifiers in a single YAML document on local disk.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore returns a store backed by path. The file is created on first Save.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load implements Store.
func (s *FileStore) Load(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.read()
	if err != nil {
		return "", false, err
	}
	id, ok := ids[key]
	return id, ok, nil
}

// Save implements Store.
func (s *FileStore) Save(_ context.Context, key, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids, err := s.read()
	if err != nil {
		return err
	}
	ids[key] = id
	return s.write(ids)
}

func (s *FileStore) read() (map[string]string, error) {
	ids := make(map[string]string)
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return ids, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read installation file: %w", err)
	}
	if err := yaml.Unmarshal(data, &ids); err != nil {
		return nil, fmt.Errorf("decode installation file %s: %w", s.path, err)
	}
	return ids, nil
}

// write replaces the file atomically so a crash never leaves a truncated document.
func (s *FileStore) write(ids map[string]string) error {
	data, err := yaml.Marshal(ids)
	if err != nil {
		return fmt.Errorf("encode installation file: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create installation dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".installation-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp installation file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write installation file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close installation file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace installation file: %w", err)
	}
	return nil
}
