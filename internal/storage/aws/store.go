// Package aws stores the snapshot document in Amazon S3 using the AWS SDK v2.
package aws

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

const awsOpTimeout = time.Minute

// New loads the default AWS credential chain and constructs a store.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	httpClient := &http.Client{Transport: defaultTransport(cfg.Insecure)}
	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(httpClient),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

// Close satisfies storage.Backend and is a no-op for the AWS client.
func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return svcfields.Ensure(pslog.LoggerFromContext(ctx)).With("storage_backend", "aws")
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok {
		if time.Until(deadline) <= awsOpTimeout {
			return ctx, func() {}
		}
	}
	return context.WithTimeout(ctx, awsOpTimeout)
}

// GetObject downloads the object stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.GetObjectResult{}, err
	}
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	object := storage.JoinPrefix(s.cfg.Prefix, key)
	logger.Trace("aws.get_object.begin", "key", key, "object", object)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			logger.Debug("aws.get_object.not_found", "key", key, "object", object)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.get_error", "key", key, "object", object, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "aws: get object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(aws.ToString(resp.ETag), "\""),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	logger.Debug("aws.get_object.success", "key", key, "object", object, "etag", info.ETag, "size", info.Size)
	return storage.GetObjectResult{Reader: &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, Info: info}, nil
}

// PutObject uploads body as a single object, replacing any previous version.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := storage.JoinPrefix(s.cfg.Prefix, key)
	logger.Trace("aws.put_object.begin", "key", key, "object", object)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("aws: read body for %q: %w", key, err)
	}
	resp, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.cfg.Bucket),
		Key:           aws.String(object),
		Body:          bytes.NewReader(payload),
		ContentLength: aws.Int64(int64(len(payload))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		logger.Debug("aws.put_object.put_error", "key", key, "object", object, "error", err)
		return nil, wrapError(err, "aws: put object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         strings.Trim(aws.ToString(resp.ETag), "\""),
		Size:         int64(len(payload)),
		LastModified: time.Now(),
		ContentType:  contentType,
	}
	logger.Debug("aws.put_object.success", "key", key, "object", object, "etag", info.ETag, "size", info.Size)
	return info, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
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
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if status, ok := httpStatusCode(err); ok {
		if status >= http.StatusInternalServerError {
			return true
		}
		switch status {
		case http.StatusTooManyRequests, http.StatusRequestTimeout:
			return true
		}
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "SlowDown", "RequestTimeout", "InternalError", "ThrottlingException":
			return true
		}
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

func httpStatusCode(err error) (int, bool) {
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound":
			return true
		}
	}
	if status, ok := httpStatusCode(err); ok {
		return status == http.StatusNotFound
	}
	return false
}
