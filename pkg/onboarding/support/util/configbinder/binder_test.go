package configbinder

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type minioSettings struct {
	Endpoint string        `yaml:"endpoint"`
	UseSSL   bool          `yaml:"use_ssl"`
	Timeout  time.Duration `yaml:"timeout"`
	Port     int           `yaml:"port"`
	Buckets  []string      `yaml:"buckets"`
}

func TestBindProperties_WeakTypes(t *testing.T) {
	var s minioSettings
	err := BindProperties(map[string]interface{}{
		"endpoint": "localhost:9000",
		"use_ssl":  "true",
		"timeout":  "45s",
		"port":     "9000",
		"buckets":  "input,results",
	}, &s)
	require.NoError(t, err)

	assert.Equal(t, "localhost:9000", s.Endpoint)
	assert.True(t, s.UseSSL)
	assert.Equal(t, 45*time.Second, s.Timeout)
	assert.Equal(t, 9000, s.Port)
	assert.Equal(t, []string{"input", "results"}, s.Buckets)
}

func TestBindProperties_Errors(t *testing.T) {
	var s minioSettings
	err := BindProperties(map[string]interface{}{"port": "nine"}, &s)
	assert.ErrorContains(t, err, "minioSettings")

	assert.NoError(t, BindAny(nil, &s))
	assert.Error(t, BindAny("not-a-map", &s))
}
