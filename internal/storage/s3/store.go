// Package s3 stores the snapshot document in S3-compatible object storage via
// the MinIO client.
package s3

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	AccessKey      string
	SecretKey      string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend backed by S3-compatible object storage.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs an S3 store from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		} else {
			endpoint = "s3.amazonaws.com"
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	var creds *credentials.Credentials
	switch {
	case cfg.CustomCreds != nil:
		creds = cfg.CustomCreds
	case cfg.AccessKey != "" || cfg.SecretKey != "":
		creds = credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, "")
	default:
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.MaxIdleConns == 0 {
		clone.MaxIdleConns = 16
	}
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the S3 client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

// BucketExists reports whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return svcfields.Ensure(pslog.LoggerFromContext(ctx)).With("storage_backend", "s3")
}

// GetObject downloads the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.GetObjectResult{}, err
	}
	logger := s.logger(ctx)
	object := storage.JoinPrefix(s.cfg.Prefix, key)
	logger.Trace("s3.get_object.begin", "key", key, "object", object)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		logger.Debug("s3.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: get object")
	}
	stat, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		if isNotFound(err) {
			logger.Debug("s3.get_object.not_found", "key", key, "object", object)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "s3: stat object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(stat.ETag),
		Size:         stat.Size,
		LastModified: stat.LastModified,
		ContentType:  stat.ContentType,
	}
	logger.Debug("s3.get_object.success", "key", key, "object", object, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: obj, Info: info}, nil
}

// PutObject uploads body as a single object, replacing any previous version.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	logger := s.logger(ctx)
	object := storage.JoinPrefix(s.cfg.Prefix, key)
	logger.Trace("s3.put_object.begin", "key", key, "object", object)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = storage.ContentTypeOctetStream
	}
	// Snapshots are small; buffering gives the client a known length so the
	// upload is a single PUT rather than a multipart session.
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("s3: read body for %q: %w", key, err)
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, bytes.NewReader(payload), int64(len(payload)), putOpts)
	if err != nil {
		logger.Debug("s3.put_object.put_error", "key", key, "object", object, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	meta := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now(),
		ContentType:  putOpts.ContentType,
	}
	logger.Debug("s3.put_object.success", "key", key, "object", object, "etag", meta.ETag, "size", meta.Size)
	return meta, nil
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func isNotFound(err error) bool {
	errResp := minio.ErrorResponse{}
	if errors.As(err, &errResp) {
		return errResp.StatusCode == http.StatusNotFound
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	if msg != "" {
		err = fmt.Errorf("%s: %w", msg, err)
	}
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if isNetworkConnectionError(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && dnsErr.IsTemporary {
			return true
		}
	}
	var errResp minio.ErrorResponse
	if !errors.As(err, &errResp) {
		return false
	}
	if errResp.StatusCode >= http.StatusInternalServerError {
		return true
	}
	switch errResp.StatusCode {
	case http.StatusTooManyRequests, http.StatusRequestTimeout:
		return true
	}
	switch errResp.Code {
	case "SlowDown", "RequestTimeout", "InternalError":
		return true
	}
	return false
}

func isNetworkConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNABORTED) || errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return isNetworkConnectionError(opErr.Err)
	}
	return false
}
