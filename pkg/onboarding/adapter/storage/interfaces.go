// Package storage defines the object storage contracts used by the orchestrator and a
// provider/resolver pair that turns named configuration entries into connections.
package storage

import (
	"context"
	"io"
	"time"

	coreAdapter "github.com/tigerroll/onboarding/pkg/onboarding/core/adapter"
)

// StorageExecutor defines generic storage operations.
type StorageExecutor interface {
	// Upload uploads data to the specified bucket and object name.
	Upload(ctx context.Context, bucket, objectName string, data io.Reader, contentType string) error
	// Download returns a ReadCloser which must be closed by the caller.
	Download(ctx context.Context, bucket, objectName string) (io.ReadCloser, error)
	// ListObjects calls fn for every object under prefix.
	ListObjects(ctx context.Context, bucket, prefix string, fn func(objectName string) error) error
	// DeleteObject deletes the specified object. Deleting a missing object is not an error.
	DeleteObject(ctx context.Context, bucket, objectName string) error
}

// StorageConnection is a named connection to one storage backend.
type StorageConnection interface {
	coreAdapter.ResourceConnection
	StorageExecutor
}

// Presigner is implemented by connections that can hand out time-limited download URLs.
type Presigner interface {
	PresignGet(ctx context.Context, bucket, objectName string, expiry time.Duration) (string, error)
}

// ObjectEvent describes a newly created object.
type ObjectEvent struct {
	Bucket string
	Key    string
	Size   int64
}

// Notifier is implemented by connections that push object-created events.
// WatchCreated blocks until ctx is done or fn returns an error.
type Notifier interface {
	WatchCreated(ctx context.Context, bucket, prefix, suffix string, fn func(ObjectEvent) error) error
}

// StorageProvider manages the connections of one storage type.
type StorageProvider interface {
	// GetConnection retrieves a StorageConnection with the specified name.
	GetConnection(name string) (StorageConnection, error)
	// CloseAll closes all connections managed by this provider.
	CloseAll() error
	// Type returns the storage type handled by this provider.
	Type() string
}

// StorageConnectionResolver resolves a named connection to the provider of its configured type.
type StorageConnectionResolver interface {
	ResolveStorageConnection(ctx context.Context, name string) (StorageConnection, error)
}

// StorageProviderGroup is the fx value group collecting every StorageProvider.
const StorageProviderGroup = `group:"storage_providers"`
