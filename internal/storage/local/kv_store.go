// Package local implements a filesystem-backed key-value store.
package local

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config captures the parameters for the local key-value store.
type Config struct {
	// BaseDir is the root directory where values are stored.
	BaseDir string `mapstructure:"base_dir" yaml:"base_dir"`
}

// KVStore persists values as files under a base directory. Content types are
// recorded in a sidecar extension-free manner: the value file alone is the
// source of truth, which keeps snapshots inspectable with ordinary tools.
type KVStore struct {
	baseDir string
}

// New creates a filesystem-backed key-value store, creating the base
// directory when missing.
func New(cfg Config) (*KVStore, error) {
	if strings.TrimSpace(cfg.BaseDir) == "" {
		return nil, fmt.Errorf("base directory is required")
	}
	info, err := os.Stat(cfg.BaseDir)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat base directory: %w", err)
		}
		if mkErr := os.MkdirAll(cfg.BaseDir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create base directory: %w", mkErr)
		}
	} else if !info.IsDir() {
		return nil, fmt.Errorf("base directory path is not a directory")
	}
	return &KVStore{baseDir: cfg.BaseDir}, nil
}

// GetValue reads the value for key, or returns nil when absent.
func (s *KVStore) GetValue(_ context.Context, key string) ([]byte, error) {
	path, err := s.keyPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read value %q: %w", key, err)
	}
	return data, nil
}

// SetValue writes the value for key atomically via a temp file rename.
func (s *KVStore) SetValue(_ context.Context, key string, value []byte, _ string) error {
	path, err := s.keyPath(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create parent directories: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, value, 0o600); err != nil {
		return fmt.Errorf("write value %q: %w", key, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit value %q: %w", key, err)
	}
	return nil
}

// Drop removes the whole store directory.
func (s *KVStore) Drop(_ context.Context) error {
	if err := os.RemoveAll(s.baseDir); err != nil {
		return fmt.Errorf("drop store: %w", err)
	}
	return nil
}

// keyPath maps a key to a path inside baseDir, rejecting traversal.
func (s *KVStore) keyPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	fullPath := filepath.Join(s.baseDir, key)
	cleanBase := filepath.Clean(s.baseDir)
	cleanFull := filepath.Clean(fullPath)
	if !strings.HasPrefix(cleanFull, cleanBase+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes the base directory", key)
	}
	return fullPath, nil
}
