package kolabd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/kolabd/internal/clock"
	"pkt.systems/kolabd/internal/diagnostics/storagecheck"
	"pkt.systems/kolabd/internal/storage"
	awsstore "pkt.systems/kolabd/internal/storage/aws"
	azurestore "pkt.systems/kolabd/internal/storage/azure"
	"pkt.systems/kolabd/internal/storage/disk"
	loggingbackend "pkt.systems/kolabd/internal/storage/logging"
	"pkt.systems/kolabd/internal/storage/memory"
	"pkt.systems/kolabd/internal/storage/retry"
	"pkt.systems/kolabd/internal/storage/s3"
	"pkt.systems/kolabd/internal/svcfields"
	"pkt.systems/pslog"
)

// CredentialSummary describes which credentials were selected for object storage.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

// StoreKind returns the backend kind named by a store URL.
func StoreKind(store string) (string, error) {
	u, err := url.Parse(store)
	if err != nil {
		return "", fmt.Errorf("parse store URL: %w", err)
	}
	switch u.Scheme {
	case "mem", "memory", "":
		return "memory", nil
	case "disk", "s3", "aws", "azure":
		return u.Scheme, nil
	default:
		return "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

// openBackend builds the snapshot backend named by cfg.Store and decorates it
// with tracing and, for object stores, transient-error retries.
func openBackend(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	kind, err := StoreKind(cfg.Store)
	if err != nil {
		return nil, err
	}
	storageLogger := svcfields.WithSubsystem(logger, svcfields.Subsystem("storage", kind))
	var backend storage.Backend
	switch kind {
	case "memory":
		backend = memory.New()
	case "disk":
		diskCfg, _, err := BuildDiskConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := disk.New(diskCfg)
		if err != nil {
			return nil, err
		}
		backend = store
	case "s3":
		s3cfg, summary, err := BuildGenericS3Config(cfg)
		if err != nil {
			return nil, err
		}
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, s3cfg.Bucket, store.BucketExists); err != nil {
			return nil, err
		}
		storageLogger.Info("storage.s3.ready", "endpoint", s3cfg.Endpoint, "bucket", s3cfg.Bucket, "credentials", summary.Source)
		backend = store
	case "aws":
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		storageLogger.Info("storage.aws.ready", "region", awscfg.Region, "bucket", awscfg.Bucket)
		backend = store
	case "azure":
		azureCfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := azurestore.New(azureCfg)
		if err != nil {
			return nil, err
		}
		storageLogger.Info("storage.azure.ready", "account", azureCfg.Account, "container", azureCfg.Container)
		backend = store
	}
	backend = loggingbackend.Wrap(backend, storageLogger, kind)
	if kind == "s3" || kind == "aws" || kind == "azure" {
		backend = retry.Wrap(backend, storageLogger.With("layer", "retry"), clk, retry.Config{
			MaxAttempts: cfg.StorageRetryMaxAttempts,
			BaseDelay:   cfg.StorageRetryBaseDelay,
			MaxDelay:    cfg.StorageRetryMaxDelay,
			Multiplier:  cfg.StorageRetryMultiplier,
		})
	}
	return backend, nil
}

// VerifyStore opens the backend named by cfg.Store and runs the snapshot
// round-trip diagnostics against it.
func VerifyStore(ctx context.Context, cfg Config, logger pslog.Logger) (storagecheck.Result, error) {
	kind, err := StoreKind(cfg.Store)
	if err != nil {
		return storagecheck.Result{}, err
	}
	target := storagecheck.Target{Provider: kind, Location: cfg.Store}
	if kind == "aws" {
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return storagecheck.Result{}, err
		}
		target.Bucket = awscfg.Bucket
		target.Prefix = awscfg.Prefix
	}
	backend, err := openBackend(ctx, cfg, logger, clock.Real{})
	if err != nil {
		return storagecheck.Result{}, err
	}
	defer backend.Close()
	return storagecheck.Run(ctx, backend, target)
}

func ensureBucket(ctx context.Context, bucket string, exists func(context.Context) (bool, error)) error {
	timeoutCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	ok, err := exists(timeoutCtx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !ok {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// BuildGenericS3Config parses s3://host[:port]/bucket[/prefix] URLs that
// target S3-compatible services (MinIO, etc.).
func BuildGenericS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "s3" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	endpoint := strings.TrimSpace(u.Host)
	if endpoint == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing host (expected s3://host[:port]/bucket[/prefix])")
	}
	bucket, prefix := splitBucketPath(u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://host[:port]/bucket[/prefix])")
	}
	query := u.Query()
	insecure := queryBool(query, "insecure", false)
	if v := query.Get("secure"); v != "" {
		insecure = !queryBool(query, "secure", true)
	}
	creds, summary, err := resolveGenericS3Credentials(cfg)
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       endpoint,
		Region:         strings.TrimSpace(query.Get("region")),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       insecure,
		ForcePathStyle: queryBool(query, "path-style", false),
		CustomCreds:    creds,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix]?region=...&endpoint=... URLs.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "aws" {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket := strings.TrimSpace(u.Host)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	query := u.Query()
	region := strings.TrimSpace(cfg.AWSRegion)
	if v := strings.TrimSpace(query.Get("region")); v != "" {
		region = v
	}
	if region == "" {
		region = firstEnv("AWS_REGION", "AWS_DEFAULT_REGION")
	}
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --aws-region or KOLABD_AWS_REGION)")
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(query.Get("endpoint")),
		Region:         region,
		Bucket:         bucket,
		Prefix:         strings.Trim(u.Path, "/"),
		Insecure:       queryBool(query, "insecure", false),
		ForcePathStyle: queryBool(query, "path-style", false),
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix] URLs.
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "azure" {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if cfg.AzureAccount != "" {
		account = cfg.AzureAccount
	}
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	container, prefix := splitBucketPath(u.Path)
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	query := u.Query()
	endpoint := strings.TrimSpace(cfg.AzureEndpoint)
	if v := strings.TrimSpace(query.Get("endpoint")); v != "" {
		endpoint = v
	}
	accountKey := strings.TrimSpace(cfg.AzureAccountKey)
	if accountKey == "" {
		accountKey = firstEnv("KOLABD_AZURE_ACCOUNT_KEY", "AZURE_STORAGE_ACCOUNT_KEY", "AZURE_STORAGE_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if v := strings.TrimSpace(query.Get("sas")); v != "" {
		sas = v
	}
	if sas == "" {
		sas = firstEnv("KOLABD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: accountKey,
		Endpoint:   endpoint,
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

// BuildDiskConfig parses disk:// URLs into a disk.Config and returns the root.
func BuildDiskConfig(cfg Config) (disk.Config, string, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return disk.Config{}, "", fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != "disk" {
		return disk.Config{}, "", fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	pathPart := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		pathPart = "/" + host + "/" + strings.TrimPrefix(pathPart, "/")
	}
	if strings.Trim(pathPart, "/") == "" {
		return disk.Config{}, "", fmt.Errorf("disk store path required (e.g. disk:///var/lib/kolabd)")
	}
	root := filepath.Clean(filepath.FromSlash(pathPart))
	return disk.Config{Root: root}, root, nil
}

func resolveGenericS3Credentials(cfg Config) (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(cfg.S3AccessKeyID)
	secretKey := cfg.S3SecretAccessKey
	sessionToken := cfg.S3SessionToken
	source := "config"
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		accessKey = strings.TrimSpace(os.Getenv("KOLABD_S3_ACCESS_KEY_ID"))
		secretKey = os.Getenv("KOLABD_S3_SECRET_ACCESS_KEY")
		sessionToken = os.Getenv("KOLABD_S3_SESSION_TOKEN")
		source = "env:KOLABD_S3_ACCESS_KEY_ID"
	}
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: source}
	if accessKey == "" && secretKey == "" && sessionToken == "" {
		summary.Source = "chain"
		return nil, summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func splitBucketPath(path string) (string, string) {
	path = strings.Trim(path, "/")
	if path == "" {
		return "", ""
	}
	bucket, prefix, _ := strings.Cut(path, "/")
	return strings.TrimSpace(bucket), strings.Trim(prefix, "/")
}

func queryBool(query url.Values, key string, fallback bool) bool {
	raw := strings.TrimSpace(query.Get(key))
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return v
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}
