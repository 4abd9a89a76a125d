package serialization

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarshalDocument_Nil(t *testing.T) {
	data, err := MarshalDocument(nil)
	require.NoError(t, err)
	assert.Equal(t, "{}", string(data))
}

func TestUnmarshalDocument_KeepsNumbers(t *testing.T) {
	doc, err := UnmarshalDocument([]byte(`{"session_id":"s-1","mapOutput":{"Failed":3}}`))
	require.NoError(t, err)
	assert.Equal(t, "s-1", doc["session_id"])
	assert.Equal(t, json.Number("3"), doc["mapOutput"].(map[string]interface{})["Failed"])

	empty, err := UnmarshalDocument([]byte("null"))
	require.NoError(t, err)
	assert.Empty(t, empty)

	_, err = UnmarshalDocument([]byte("{broken"))
	assert.Error(t, err)
}

func TestMaskSecrets(t *testing.T) {
	masked := MaskSecrets(map[string]interface{}{
		"endpoint": "localhost:9000",
		"minio":    map[string]interface{}{"secret_key": "s3cr3t", "access_key": "abc"},
		"api_key":  "sk-123",
	})
	assert.Equal(t, "localhost:9000", masked["endpoint"])
	assert.Equal(t, "********", masked["api_key"])
	assert.Equal(t, "********", masked["minio"].(map[string]interface{})["secret_key"])
	assert.Equal(t, "abc", masked["minio"].(map[string]interface{})["access_key"])
}
