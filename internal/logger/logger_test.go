package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSONFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "proctor.log")
	log, err := New("debug", file)
	require.NoError(t, err)

	log.Info("attempt submitted")
	_ = log.Sync()

	buf, err := os.ReadFile(file)
	require.NoError(t, err)
	assert.Contains(t, string(buf), `"msg":"attempt submitted"`)
	assert.Contains(t, string(buf), `"level":"INFO"`)
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New("loud", "")
	assert.Error(t, err)
}
