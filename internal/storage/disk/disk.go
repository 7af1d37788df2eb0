// Package disk persists snapshot objects on the local filesystem using
// write-temp, fsync, rename and directory sync so a crash never leaves a
// truncated document behind.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config captures the tunables for the disk backend.
type Config struct {
	Root string
	Now  func() time.Time
}

// Store implements storage.Backend backed by the local filesystem.
type Store struct {
	root    string
	tmpDir  string
	lockDir string
	now     func() time.Time

	locks sync.Map
}

type fileLock struct {
	file *os.File
}

func (f *fileLock) Unlock() error {
	if f.file == nil {
		return nil
	}
	if err := unlockFile(f.file); err != nil {
		f.file.Close()
		return err
	}
	return f.file.Close()
}

// New initialises a disk-backed store rooted at cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	root := filepath.Clean(cfg.Root)
	tmpDir := filepath.Join(root, ".tmp")
	lockDir := filepath.Join(root, ".locks")
	for _, dir := range []string{root, tmpDir, lockDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}
	return &Store{root: root, tmpDir: tmpDir, lockDir: lockDir, now: cfg.Now}, nil
}

// Root returns the directory snapshots are written to.
func (s *Store) Root() string { return s.root }

// Close releases resources held by the store.
func (s *Store) Close() error { return nil }

func (s *Store) loggers(ctx context.Context) pslog.Logger {
	logger := svcfields.Ensure(pslog.LoggerFromContext(ctx))
	return logger.With("storage_backend", "disk")
}

func (s *Store) keyLock(key string) *sync.Mutex {
	mu, _ := s.locks.LoadOrStore(key, &sync.Mutex{})
	return mu.(*sync.Mutex)
}

func (s *Store) acquireFileLock(key string) (*fileLock, error) {
	path := filepath.Join(s.lockDir, url.PathEscape(key)+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock file for %q: %w", key, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("disk: lock %q: %w", key, err)
	}
	return &fileLock{file: f}, nil
}

func (s *Store) objectPath(key string) (string, error) {
	if err := storage.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

// GetObject opens the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	logger := s.loggers(ctx)
	logger.Trace("disk.get_object.begin", "key", key)
	dataPath, err := s.objectPath(key)
	if err != nil {
		return storage.GetObjectResult{}, err
	}
	f, err := os.Open(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Debug("disk.get_object.not_found", "key", key)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("disk.get_object.open_error", "key", key, "error", err)
		return storage.GetObjectResult{}, fmt.Errorf("disk: open object %q: %w", key, err)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return storage.GetObjectResult{}, fmt.Errorf("disk: stat object %q: %w", key, err)
	}
	info := &storage.ObjectInfo{
		Key:          key,
		Size:         fi.Size(),
		LastModified: fi.ModTime(),
		ContentType:  storage.ContentTypeJSON,
	}
	logger.Debug("disk.get_object.success", "key", key, "size", info.Size)
	return storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject atomically replaces the object stored under key.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.loggers(ctx)
	logger.Trace("disk.put_object.begin", "key", key)
	dataPath, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	mu := s.keyLock(key)
	mu.Lock()
	defer mu.Unlock()
	lock, err := s.acquireFileLock(key)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			logger.Debug("disk.put_object.unlock_error", "key", key, "error", err)
		}
	}()

	dir := filepath.Dir(dataPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare object directory for %q: %w", key, err)
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp object for %q: %w", key, err)
	}
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: write object %q: %w", key, err)
	}
	if err := syncFile(tmp); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: sync object %q: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: close object %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		os.Remove(tmp.Name())
		return nil, fmt.Errorf("disk: rename object %q: %w", key, err)
	}
	if err := syncDir(dir); err != nil {
		logger.Debug("disk.put_object.sync_dir_error", "key", key, "error", err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         hex.EncodeToString(hasher.Sum(nil)),
		Size:         written,
		LastModified: s.now(),
		ContentType:  contentType,
	}
	logger.Debug("disk.put_object.success", "key", key, "size", info.Size, "etag", info.ETag)
	return info, nil
}

func syncDir(path string) error {
	dir, err := os.Open(path)
	if err != nil {
		return err
	}
	defer dir.Close()
	return dir.Sync()
}
