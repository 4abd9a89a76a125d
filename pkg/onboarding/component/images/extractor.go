// Package images unpacks product image archives into object storage.
package images

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage"
	"github.com/tigerroll/onboarding/pkg/onboarding/core/application/port"
	"github.com/tigerroll/onboarding/pkg/onboarding/support/util/exception"
	logger "github.com/tigerroll/onboarding/pkg/onboarding/support/util/logger"
)

// SupportedExtensions are the archive entries that are extracted.
var SupportedExtensions = []string{"jpg", "jpeg", "png", "webp", "gif"}

// DefaultWorkers bounds concurrent uploads when no worker count is configured.
const DefaultWorkers = 10

// ZipExtractor implements port.ImageExtractor for zip archives stored in one bucket.
type ZipExtractor struct {
	conn    storage.StorageExecutor
	bucket  string
	workers int
}

var _ port.ImageExtractor = (*ZipExtractor)(nil)

// NewZipExtractor creates an extractor reading archives from and writing images to bucket.
func NewZipExtractor(conn storage.StorageExecutor, bucket string, workers int) *ZipExtractor {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	return &ZipExtractor{conn: conn, bucket: bucket, workers: workers}
}

// IsSupportedImage reports whether name has a supported image extension.
func IsSupportedImage(name string) bool {
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	for _, s := range SupportedExtensions {
		if ext == s {
			return true
		}
	}
	return false
}

// ContentType sniffs the image type from its leading bytes.
func ContentType(data []byte) string {
	switch {
	case bytes.HasPrefix(data, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(data, []byte("\x89PNG\r\n\x1a\n")):
		return "image/png"
	case bytes.HasPrefix(data, []byte("GIF87a")), bytes.HasPrefix(data, []byte("GIF89a")):
		return "image/gif"
	case len(data) >= 12 && bytes.HasPrefix(data, []byte("RIFF")) && string(data[8:12]) == "WEBP":
		return "image/webp"
	}
	return "application/octet-stream"
}

// Extract uploads every supported entry of the archive at archiveKey to "<prefix>/<entry>".
func (e *ZipExtractor) Extract(ctx context.Context, prefix, archiveKey string) ([]string, error) {
	rc, err := e.conn.Download(ctx, e.bucket, archiveKey)
	if err != nil {
		return nil, exception.NewRetryableError("images", fmt.Sprintf("failed to download archive '%s'", archiveKey), err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return nil, exception.NewRetryableError("images", fmt.Sprintf("failed to read archive '%s'", archiveKey), err)
	}
	archive, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, exception.NewOnboardingError("images", fmt.Sprintf("'%s' is not a zip archive", archiveKey), err, exception.Fatal)
	}

	var (
		mu   sync.Mutex
		keys []string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, f := range archive.File {
		if f.FileInfo().IsDir() || !IsSupportedImage(f.Name) {
			continue
		}
		f := f
		g.Go(func() error {
			key := prefix + "/" + f.Name
			if err := e.upload(gctx, f, key); err != nil {
				return err
			}
			mu.Lock()
			keys = append(keys, key)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	logger.Infof("Extracted %d images from '%s' to '%s/'.", len(keys), archiveKey, prefix)
	return keys, nil
}

func (e *ZipExtractor) upload(ctx context.Context, f *zip.File, key string) error {
	logger.Debugf("Extracting and uploading '%s'.", f.Name)
	r, err := f.Open()
	if err != nil {
		return exception.NewOnboardingError("images", fmt.Sprintf("failed to open entry '%s'", f.Name), err, exception.Fatal)
	}
	defer r.Close()
	body, err := io.ReadAll(r)
	if err != nil {
		return exception.NewOnboardingError("images", fmt.Sprintf("failed to read entry '%s'", f.Name), err, exception.Fatal)
	}
	if err := e.conn.Upload(ctx, e.bucket, key, bytes.NewReader(body), ContentType(body)); err != nil {
		return exception.NewRetryableError("images", fmt.Sprintf("failed to upload '%s'", key), err)
	}
	return nil
}
