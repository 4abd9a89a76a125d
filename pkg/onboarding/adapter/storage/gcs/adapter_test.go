package gcs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	storageConfig "github.com/tigerroll/onboarding/pkg/onboarding/adapter/storage/config"
)

func TestClientOptions(t *testing.T) {
	assert.Empty(t, ClientOptions(storageConfig.StorageConfig{}))
	assert.Len(t, ClientOptions(storageConfig.StorageConfig{CredentialsFile: "key.json"}), 1)
	assert.Len(t, ClientOptions(storageConfig.StorageConfig{Endpoint: "http://localhost:4443/storage/v1/"}), 2)
}
