package storage

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps one JSON file per key in a directory. File names are the
// URL-safe base64 of the key so arbitrary recording names are safe on disk.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

// NewFileStore creates a FileStore and ensures the directory exists.
func NewFileStore(dir string) (*FileStore, error) {
	dir = filepath.Join(dir, "store")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("file store: mkdir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) pathFor(key string) string {
	return filepath.Join(s.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+".json")
}

func keyFromFile(path string) (string, bool) {
	name := strings.TrimSuffix(filepath.Base(path), ".json")
	raw, err := base64.RawURLEncoding.DecodeString(name)
	if err != nil {
		return "", false
	}
	return string(raw), true
}

func (s *FileStore) Get(_ context.Context, keys ...string) (map[string]json.RawMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]json.RawMessage)
	if len(keys) == 0 {
		matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
		if err != nil {
			return nil, fmt.Errorf("file store: glob: %w", err)
		}
		for _, path := range matches {
			key, ok := keyFromFile(path)
			if !ok {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				slog.Debug("file store skipped unreadable entry", "path", path, "error", err)
				continue
			}
			out[key] = data
		}
		return out, nil
	}

	for _, key := range keys {
		data, err := os.ReadFile(s.pathFor(key))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("file store: read %q: %w", key, err)
		}
		out[key] = data
	}
	return out, nil
}

func (s *FileStore) Set(_ context.Context, items map[string]json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, value := range items {
		path := s.pathFor(key)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, value, 0o644); err != nil {
			return fmt.Errorf("file store: write %q: %w", key, err)
		}
		if err := os.Rename(tmp, path); err != nil {
			_ = os.Remove(tmp)
			return fmt.Errorf("file store: rename %q: %w", key, err)
		}
	}
	return nil
}

func (s *FileStore) Remove(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.Remove(s.pathFor(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("file store: remove %q: %w", key, err)
	}
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.json"))
	if err != nil {
		return fmt.Errorf("file store: glob: %w", err)
	}
	for _, path := range matches {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			slog.Warn("file store clear failed", "path", path, "error", err)
		}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }
