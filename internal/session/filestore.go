package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"betapp/internal/domain"
)

// FileStore keeps the session in a YAML file readable only by the owner.
type FileStore struct {
	Path string
}

func NewFileStore(path string) *FileStore {
	return &FileStore{Path: path}
}

func (s *FileStore) Load() (domain.Tokens, error) {
	b, err := os.ReadFile(s.Path)
	if errors.Is(err, fs.ErrNotExist) {
		return domain.Tokens{}, ErrNoSession
	}
	if err != nil {
		return domain.Tokens{}, fmt.Errorf("read session file: %w", err)
	}
	var t domain.Tokens
	if err := yaml.Unmarshal(b, &t); err != nil {
		return domain.Tokens{}, fmt.Errorf("parse session file: %w", err)
	}
	if t.AccessToken == "" {
		return domain.Tokens{}, ErrNoSession
	}
	return t, nil
}

func (s *FileStore) Save(t domain.Tokens) error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	b, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.WriteFile(s.Path, b, 0o600); err != nil {
		return fmt.Errorf("write session file: %w", err)
	}
	return nil
}

func (s *FileStore) Clear() error {
	err := os.Remove(s.Path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove session file: %w", err)
	}
	return nil
}
