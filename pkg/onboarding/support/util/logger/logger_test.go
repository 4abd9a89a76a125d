package logger

import (
	"bytes"
	"log"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func captureLog(t *testing.T, fn func()) string {
	t.Helper()
	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)
	fn()
	return buf.String()
}

func TestSetLogLevel_FiltersBelowLevel(t *testing.T) {
	defer SetLogLevel("INFO")

	SetLogLevel("warn")
	out := captureLog(t, func() {
		Debugf("debug %d", 1)
		Infof("info %d", 2)
		Warnf("warn %d", 3)
		Errorf("error %d", 4)
	})

	assert.NotContains(t, out, "[DEBUG]")
	assert.NotContains(t, out, "[INFO]")
	assert.Contains(t, out, "[WARN] warn 3")
	assert.Contains(t, out, "[ERROR] error 4")
}

func TestSetLogLevel_UnknownFallsBackToInfo(t *testing.T) {
	defer SetLogLevel("INFO")

	SetLogLevel("verbose")
	assert.Equal(t, LevelInfo, GetLogLevel())

	SetLogLevel("TRACE")
	assert.Equal(t, LevelDebug, GetLogLevel())
	out := captureLog(t, func() { Debugf("state %s", "AcquireSemaphore") })
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "[DEBUG] state AcquireSemaphore"))
}

func TestExtractMeaningfulFunctionName(t *testing.T) {
	assert.Equal(t, "github.com/tigerroll/onboarding/internal/app.registerHooks", trimFuncSuffix("github.com/tigerroll/onboarding/internal/app.registerHooks.func1"))
	assert.Equal(t, "main.run", trimFuncSuffix("main.run"))
}
