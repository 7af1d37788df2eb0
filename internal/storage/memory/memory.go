// Package memory provides an in-process storage.Backend for tests and local
// development.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"
	"time"

	"pkt.systems/kolabd/internal/storage"
)

// Store implements storage.Backend in-memory.
type Store struct {
	mu   sync.RWMutex
	objs map[string]*objectEntry
	now  func() time.Time
}

type objectEntry struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{objs: make(map[string]*objectEntry), now: time.Now}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// GetObject returns a copy of the stored payload.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.GetObjectResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.GetObjectResult{}, err
	}
	s.mu.RLock()
	entry, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return storage.GetObjectResult{}, storage.ErrNotFound
	}
	payload := append([]byte(nil), entry.payload...)
	return storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(payload)),
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         entry.etag,
			Size:         int64(len(payload)),
			LastModified: entry.updated,
			ContentType:  entry.contentType,
		},
	}, nil
}

// PutObject replaces the payload stored under key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("memory: read body for %q: %w", key, err)
	}
	sum := sha256.Sum256(payload)
	entry := &objectEntry{
		payload:     payload,
		etag:        hex.EncodeToString(sum[:]),
		contentType: opts.ContentType,
		updated:     s.now(),
	}
	s.mu.Lock()
	s.objs[key] = entry
	s.mu.Unlock()
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         entry.etag,
		Size:         int64(len(payload)),
		LastModified: entry.updated,
		ContentType:  entry.contentType,
	}, nil
}
