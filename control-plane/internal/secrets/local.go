package secrets

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// FileStore keeps a secret in a single file on the local filesystem.
// The name passed to its methods is ignored; the file holds one secret.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu     sync.Mutex
	cached []byte
}

// NewFileStore creates a store backed by path.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("secret file path is required")
	}
	return &FileStore{
		path:   path,
		logger: logger.With("component", "secrets", "backend", "file"),
	}, nil
}

// Secret reads the file. Surrounding whitespace is ignored.
func (s *FileStore) Secret(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// GetOrCreate reads the file, writing a generated secret when it is missing.
func (s *FileStore) GetOrCreate(ctx context.Context, name string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	secret, err := s.loadLocked()
	if !errors.Is(err, ErrNotFound) {
		return secret, err
	}

	secret, err = GenerateSecret()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return nil, fmt.Errorf("creating secret directory: %w", err)
	}
	if err := os.WriteFile(s.path, append(secret, '\n'), 0o600); err != nil {
		return nil, fmt.Errorf("writing secret file: %w", err)
	}
	s.cached = secret
	s.logger.Info("generated new shared secret", "path", s.path)
	return secret, nil
}

func (s *FileStore) loadLocked() ([]byte, error) {
	if s.cached != nil {
		return s.cached, nil
	}
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading secret file: %w", err)
	}
	secret := bytes.TrimSpace(data)
	if len(secret) == 0 {
		return nil, fmt.Errorf("secret file %s is empty", s.path)
	}
	s.cached = secret
	return secret, nil
}

// Close releases nothing.
func (s *FileStore) Close() error { return nil }

// EnvStore reads a secret from an environment variable. It cannot create
// secrets.
type EnvStore struct {
	variable string
}

// NewEnvStore creates a store reading variable.
func NewEnvStore(variable string) *EnvStore {
	return &EnvStore{variable: variable}
}

// Secret returns the variable's value or ErrNotFound when it is unset.
func (s *EnvStore) Secret(ctx context.Context, name string) ([]byte, error) {
	v := os.Getenv(s.variable)
	if v == "" {
		return nil, ErrNotFound
	}
	return []byte(v), nil
}

// GetOrCreate behaves like Secret.
func (s *EnvStore) GetOrCreate(ctx context.Context, name string) ([]byte, error) {
	return s.Secret(ctx, name)
}

// Close releases nothing.
func (s *EnvStore) Close() error { return nil }
