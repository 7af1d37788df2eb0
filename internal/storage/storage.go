// Package storage defines the object backend used to persist the task
// snapshot document.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Content type constants used for snapshot payloads across backends.
const (
	ContentTypeJSON        = "application/json"
	ContentTypeOctetStream = "application/octet-stream"
)

// ErrNotFound indicates the requested key or resource is missing.
var (
	ErrNotFound   = errors.New("storage: not found")
	ErrInvalidKey = errors.New("storage: invalid key")
)

// Backend is the minimal object store contract the task store persists
// through. Writes must replace the previous object atomically: a reader
// observes either the old or the new document, never a partial one.
type Backend interface {
	// GetObject returns a reader for key. Callers must close the reader.
	GetObject(ctx context.Context, key string) (GetObjectResult, error)
	// PutObject replaces key with body.
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	// Close releases resources held by the backend.
	Close() error
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ObjectInfo captures metadata exposed by backends.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// PutObjectOptions controls metadata for PutObject.
type PutObjectOptions struct {
	ContentType string
}

// GetObjectResult captures an object reader with its metadata.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// ValidateKey rejects keys that are empty or escape the backend root.
func ValidateKey(key string) error {
	trimmed := strings.TrimSpace(key)
	if trimmed == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if strings.HasPrefix(trimmed, "/") {
		return fmt.Errorf("%w: %q is absolute", ErrInvalidKey, key)
	}
	for _, part := range strings.Split(trimmed, "/") {
		if part == ".." || part == "." || part == "" {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}

// JoinPrefix joins an optional object prefix with key using "/".
func JoinPrefix(prefix, key string) string {
	prefix = strings.Trim(prefix, "/")
	if prefix == "" {
		return key
	}
	return prefix + "/" + key
}

// ReadAll fetches key and returns its full payload.
func ReadAll(ctx context.Context, backend Backend, key string) ([]byte, *ObjectInfo, error) {
	res, err := backend.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, res.Info, fmt.Errorf("storage: read %q: %w", key, err)
	}
	return data, res.Info, nil
}
