// Package azure stores the snapshot document in Azure Blob Storage.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/kolabd/internal/storage"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New builds a client and makes sure the container exists.
func New(cfg Config) (*Store, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	endpoint := cfg.endpoint()
	var (
		client *azblob.Client
		err    error
	)
	clientOpts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	if cfg.SASToken != "" {
		endpointWithSAS, serr := appendSASToken(endpoint, cfg.SASToken)
		if serr != nil {
			return nil, serr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, clientOpts)
	} else {
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: build credentials: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("azure: create client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func (cfg Config) validate() error {
	if cfg.Account == "" {
		return fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return fmt.Errorf("azure: container is required")
	}
	if cfg.SASToken == "" && cfg.AccountKey == "" {
		return fmt.Errorf("azure: account key or SAS token required")
	}
	return nil
}

func (cfg Config) endpoint() string {
	if cfg.Endpoint != "" {
		return strings.TrimRight(cfg.Endpoint, "/")
	}
	return fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	if clone.IdleConnTimeout == 0 {
		clone.IdleConnTimeout = 90 * time.Second
	}
	if clone.TLSHandshakeTimeout == 0 {
		clone.TLSHandshakeTimeout = 10 * time.Second
	}
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery = u.RawQuery + "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

// Close satisfies storage.Backend (no-op for Azure).
func (s *Store) Close() error { return nil }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	return svcfields.Ensure(pslog.LoggerFromContext(ctx)).With("storage_backend", "azure")
}

// GetObject downloads the blob stored under key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetObjectResult, error) {
	if err := storage.ValidateKey(key); err != nil {
		return storage.GetObjectResult{}, err
	}
	logger := s.logger(ctx)
	blobName := storage.JoinPrefix(s.prefix, key)
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		if isNotFound(err) {
			logger.Debug("azure.get_object.not_found", "key", key, "blob", blobName)
			return storage.GetObjectResult{}, storage.ErrNotFound
		}
		logger.Debug("azure.get_object.error", "key", key, "blob", blobName, "error", err)
		return storage.GetObjectResult{}, wrapError(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = *resp.LastModified
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads body as a block blob, replacing any previous version.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if err := storage.ValidateKey(key); err != nil {
		return nil, err
	}
	logger := s.logger(ctx)
	blobName := storage.JoinPrefix(s.prefix, key)
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("azure: read body for %q: %w", key, err)
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	resp, err := s.client.UploadBuffer(ctx, s.container, blobName, payload, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)},
	})
	if err != nil {
		logger.Debug("azure.put_object.error", "key", key, "blob", blobName, "error", err)
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, Size: int64(len(payload)), ContentType: contentType, LastModified: time.Now()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	logger.Debug("azure.put_object.success", "key", key, "blob", blobName, "etag", info.ETag, "size", info.Size)
	return info, nil
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode >= http.StatusInternalServerError ||
			respErr.StatusCode == http.StatusTooManyRequests ||
			respErr.StatusCode == http.StatusRequestTimeout
	}
	return false
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

