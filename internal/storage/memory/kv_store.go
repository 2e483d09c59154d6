package memory

import (
	"context"
	"sync"
)

// KVStore is an in-memory KeyValueClient.
type KVStore struct {
	mu           sync.RWMutex
	data         map[string][]byte
	contentTypes map[string]string
}

// NewKVStore creates a new in-memory key-value store.
func NewKVStore() *KVStore {
	return &KVStore{
		data:         make(map[string][]byte),
		contentTypes: make(map[string]string),
	}
}

// GetValue returns the stored value, or nil when the key is absent.
func (s *KVStore) GetValue(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.data[key]
	if !ok {
		return nil, nil
	}
	out := make([]byte, len(value))
	copy(out, value)
	return out, nil
}

// SetValue stores the value under key.
func (s *KVStore) SetValue(_ context.Context, key string, value []byte, contentType string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	s.contentTypes[key] = contentType
	return nil
}

// ContentType reports the content type recorded for a key.
func (s *KVStore) ContentType(key string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.contentTypes[key]
}

// Drop deletes all values.
func (s *KVStore) Drop(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string][]byte)
	s.contentTypes = make(map[string]string)
	return nil
}
