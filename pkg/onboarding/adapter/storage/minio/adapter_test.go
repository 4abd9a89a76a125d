package minio

import (
	"testing"

	"github.com/minio/minio-go/v7/pkg/notification"
	"github.com/stretchr/testify/assert"

	storageConfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/config"
)

func TestValidateConfig(t *testing.T) {
	valid := storageConfig.StorageConfig{Type: ProviderType, Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "b"}
	assert.NoError(t, ValidateConfig(valid))

	invalid := valid
	invalid.Endpoint = "http://localhost:9000"
	assert.Error(t, ValidateConfig(invalid))

	invalid = valid
	invalid.SecretKey = ""
	assert.Error(t, ValidateConfig(invalid))
}

func TestToObjectEventDecodesKey(t *testing.T) {
	var record notification.Event
	record.S3.Bucket.Name = "input"
	record.S3.Object.Key = "uploads/my+file%281%29.csv"
	record.S3.Object.Size = 42

	ev := toObjectEvent(record)
	assert.Equal(t, "input", ev.Bucket)
	assert.Equal(t, "uploads/my file(1).csv", ev.Key)
	assert.Equal(t, int64(42), ev.Size)
}

func TestNewMinioAdapterRejectsInvalidConfig(t *testing.T) {
	_, err := NewMinioAdapter(storageConfig.StorageConfig{Type: ProviderType}, "remote")
	assert.Error(t, err)
}
