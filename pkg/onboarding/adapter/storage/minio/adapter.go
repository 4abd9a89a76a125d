// Package minio provides an S3-compatible implementation of the storage adapter interfaces,
// including presigned downloads and bucket notifications.
package minio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/notification"

	storageAdapter "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	storageConfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/config"
	config "github.com/tigerroll/onboarding/pkg/onboarding/core/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// ProviderType defines the type identifier for this provider.
const ProviderType = "minio"

const objectCreatedEvent = "s3:ObjectCreated:*"

type minioAdapter struct {
	client *minio.Client
	cfg    storageConfig.StorageConfig
	name   string
}

var (
	_ storageAdapter.StorageConnection = (*minioAdapter)(nil)
	_ storageAdapter.Presigner         = (*minioAdapter)(nil)
	_ storageAdapter.Notifier          = (*minioAdapter)(nil)
)

// ValidateConfig checks the settings needed to reach an S3-compatible endpoint.
func ValidateConfig(cfg storageConfig.StorageConfig) error {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("endpoint is required")
	}
	if strings.Contains(cfg.Endpoint, "://") {
		return fmt.Errorf("endpoint must not include scheme: %q", cfg.Endpoint)
	}
	if strings.TrimSpace(cfg.AccessKey) == "" || strings.TrimSpace(cfg.SecretKey) == "" {
		return errors.New("access key and secret key are required")
	}
	return nil
}

// NewMinioAdapter connects to the configured endpoint and ensures CreateBuckets exist.
func NewMinioAdapter(cfg storageConfig.StorageConfig, name string) (storageAdapter.StorageConnection, error) {
	if err := ValidateConfig(cfg); err != nil {
		return nil, fmt.Errorf("minio storage adapter '%s': %w", name, err)
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("minio storage adapter '%s': %w", name, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, bucket := range cfg.CreateBuckets {
		if err := ensureBucket(ctx, client, bucket, region); err != nil {
			return nil, fmt.Errorf("minio storage adapter '%s': ensure bucket '%s': %w", name, bucket, err)
		}
	}
	return &minioAdapter{client: client, cfg: cfg, name: name}, nil
}

func ensureBucket(ctx context.Context, client *minio.Client, bucket, region string) error {
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

func (a *minioAdapter) bucket(b string) string {
	if b == "" {
		return a.cfg.BucketName
	}
	return b
}

func (a *minioAdapter) Close() error { return nil }

func (a *minioAdapter) Type() string { return ProviderType }

func (a *minioAdapter) Name() string { return a.name }

func (a *minioAdapter) Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	_, err := a.client.PutObject(ctx, a.bucket(bucket), objectName, data, -1, minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		return fmt.Errorf("failed to put object '%s/%s': %w", a.bucket(bucket), objectName, err)
	}
	return nil
}

// Download stats the object first so a missing key fails here rather than on the first read.
func (a *minioAdapter) Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error) {
	obj, err := a.client.GetObject(ctx, a.bucket(bucket), objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s/%s': %w", a.bucket(bucket), objectName, err)
	}
	if _, err := obj.Stat(); err != nil {
		obj.Close()
		return nil, fmt.Errorf("failed to stat object '%s/%s': %w", a.bucket(bucket), objectName, err)
	}
	return obj, nil
}

func (a *minioAdapter) ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	for info := range a.client.ListObjects(ctx, a.bucket(bucket), minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if info.Err != nil {
			return fmt.Errorf("failed to list '%s/%s': %w", a.bucket(bucket), prefix, info.Err)
		}
		if err := fn(info.Key); err != nil {
			return err
		}
	}
	return nil
}

func (a *minioAdapter) DeleteObject(ctx context.Context, bucket, objectName string) error {
	err := a.client.RemoveObject(ctx, a.bucket(bucket), objectName, minio.RemoveObjectOptions{})
	if err != nil && minio.ToErrorResponse(err).Code != "NoSuchKey" {
		return fmt.Errorf("failed to remove object '%s/%s': %w", a.bucket(bucket), objectName, err)
	}
	return nil
}

func (a *minioAdapter) PresignGet(ctx context.Context, bucket, objectName string, expiry time.Duration) (string, error) {
	u, err := a.client.PresignedGetObject(ctx, a.bucket(bucket), objectName, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("failed to presign '%s/%s': %w", a.bucket(bucket), objectName, err)
	}
	return u.String(), nil
}

// WatchCreated listens for object-created notifications. Keys arrive URL-encoded and are decoded.
func (a *minioAdapter) WatchCreated(ctx context.Context, bucket, prefix, suffix string, fn func(storageAdapter.ObjectEvent) error) error {
	b := a.bucket(bucket)
	logger.Infof("Listening for object-created events on '%s' (prefix '%s', suffix '%s').", b, prefix, suffix)
	for info := range a.client.ListenBucketNotification(ctx, b, prefix, suffix, []string{objectCreatedEvent}) {
		if info.Err != nil {
			return fmt.Errorf("bucket notification on '%s': %w", b, info.Err)
		}
		for _, record := range info.Records {
			if err := fn(toObjectEvent(record)); err != nil {
				return err
			}
		}
	}
	return ctx.Err()
}

func toObjectEvent(record notification.Event) storageAdapter.ObjectEvent {
	key := record.S3.Object.Key
	if decoded, err := url.QueryUnescape(key); err == nil {
		key = decoded
	}
	return storageAdapter.ObjectEvent{
		Bucket: record.S3.Bucket.Name,
		Key:    key,
		Size:   record.S3.Object.Size,
	}
}

// NewMinioProvider creates the provider of minio storage connections.
func NewMinioProvider(cfg *config.Config) storageAdapter.StorageProvider {
	return storageAdapter.NewBaseProvider(cfg, ProviderType, NewMinioAdapter)
}
