// Package gcs provides a key-value store backed by Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// Config captures the parameters required to connect to GCS.
type Config struct {
	Bucket string
	Prefix string
}

// KVStore persists values as objects in a configured GCS bucket.
type KVStore struct {
	client *storage.Client
	bucket string
	prefix string
}

// New creates a GCS-backed key-value store.
func New(client *storage.Client, cfg Config) (*KVStore, error) {
	if client == nil {
		return nil, fmt.Errorf("storage client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	return &KVStore{
		client: client,
		bucket: cfg.Bucket,
		prefix: strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// GetValue downloads the object for key, or returns nil when absent.
func (s *KVStore) GetValue(ctx context.Context, key string) ([]byte, error) {
	path, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	reader, err := s.client.Bucket(s.bucket).Object(path).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open object %q: %w", path, err)
	}
	defer reader.Close()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read object %q: %w", path, err)
	}
	return data, nil
}

// SetValue uploads the value under key with the given content type.
func (s *KVStore) SetValue(ctx context.Context, key string, value []byte, contentType string) error {
	path, err := s.objectPath(key)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(path).NewWriter(ctx)
	if contentType != "" {
		writer.ContentType = contentType
	}
	if _, err := writer.Write(value); err != nil {
		closeErr := writer.Close()
		if closeErr != nil {
			return fmt.Errorf("write object %q: %w (close writer: %v)", path, err, closeErr)
		}
		return fmt.Errorf("write object %q: %w", path, err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer for %q: %w", path, err)
	}
	return nil
}

// Drop deletes every object under the store's prefix.
func (s *KVStore) Drop(ctx context.Context) error {
	it := s.client.Bucket(s.bucket).Objects(ctx, &storage.Query{Prefix: s.prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list objects: %w", err)
		}
		if err := s.client.Bucket(s.bucket).Object(attrs.Name).Delete(ctx); err != nil {
			return fmt.Errorf("delete object %q: %w", attrs.Name, err)
		}
	}
}

func (s *KVStore) objectPath(key string) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	if s.prefix == "" {
		return key, nil
	}
	return s.prefix + "/" + key, nil
}
