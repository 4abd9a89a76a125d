package images

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	storageConfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/config"
	"github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/local"
)

var (
	jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10}
	pngBytes  = []byte("\x89PNG\r\n\x1a\n\x00\x00")
	webpBytes = []byte("RIFF\x10\x00\x00\x00WEBPVP8 ")
)

func buildZip(t *testing.T, entries map[string][]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, data := range entries {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "image/jpeg", ContentType(jpegBytes))
	assert.Equal(t, "image/png", ContentType(pngBytes))
	assert.Equal(t, "image/gif", ContentType([]byte("GIF89a....")))
	assert.Equal(t, "image/gif", ContentType([]byte("GIF87a....")))
	assert.Equal(t, "image/webp", ContentType(webpBytes))
	assert.Equal(t, "application/octet-stream", ContentType([]byte("RIFF")))
	assert.Equal(t, "application/octet-stream", ContentType(nil))
}

func TestIsSupportedImage(t *testing.T) {
	assert.True(t, IsSupportedImage("a/b/mug.JPG"))
	assert.True(t, IsSupportedImage("mug.webp"))
	assert.False(t, IsSupportedImage("notes.txt"))
	assert.False(t, IsSupportedImage("jpg"))
}

func TestExtractUploadsSupportedEntries(t *testing.T) {
	ctx := context.Background()
	conn, err := local.NewLocalAdapter(storageConfig.StorageConfig{Type: local.ProviderType, BaseDir: t.TempDir()}, "test")
	require.NoError(t, err)

	archive := buildZip(t, map[string][]byte{
		"mug.jpg":        jpegBytes,
		"nested/cup.png": pngBytes,
		"plate.webp":     webpBytes,
		"readme.txt":     []byte("ignore me"),
	})
	require.NoError(t, conn.Upload(ctx, "input", "uploads/batch1.zip", bytes.NewReader(archive), "application/zip"))

	keys, err := NewZipExtractor(conn, "input", 2).Extract(ctx, "exec-1", "uploads/batch1.zip")
	require.NoError(t, err)
	sort.Strings(keys)
	assert.Equal(t, []string{"exec-1/mug.jpg", "exec-1/nested/cup.png", "exec-1/plate.webp"}, keys)

	rc, err := conn.Download(ctx, "input", "exec-1/nested/cup.png")
	require.NoError(t, err)
	defer rc.Close()
	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, got)
}

func TestExtractRejectsNonArchive(t *testing.T) {
	ctx := context.Background()
	conn, err := local.NewLocalAdapter(storageConfig.StorageConfig{Type: local.ProviderType, BaseDir: t.TempDir()}, "test")
	require.NoError(t, err)
	require.NoError(t, conn.Upload(ctx, "input", "bad.zip", bytes.NewReader([]byte("not a zip")), "application/zip"))

	_, err = NewZipExtractor(conn, "input", 0).Extract(ctx, "exec-1", "bad.zip")
	assert.Error(t, err)

	_, err = NewZipExtractor(conn, "input", 0).Extract(ctx, "exec-1", "missing.zip")
	assert.Error(t, err)
}
