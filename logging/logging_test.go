package logging_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/commission-vm/config"
	"github.com/commission-vm/logging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComponentAddsField(t *testing.T) {
	var buf bytes.Buffer
	root := logging.To(&buf)

	logging.Component(root, "session").Info().Str("job", "j1").Msg("state change")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "session", entry["component"])
	assert.Equal(t, "j1", entry["job"])
	assert.Equal(t, "state change", entry["message"])
}

func TestWithDoesNotMutateParent(t *testing.T) {
	var buf bytes.Buffer
	root := logging.To(&buf)
	_ = logging.With(root, "site", "harel")

	root.Info().Msg("plain")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	_, ok := entry["site"]
	assert.False(t, ok)
}

func TestNewWithFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "logs", "cvm.log")
	l, err := logging.New(config.LoggingConfig{Level: "debug", File: file, Format: "json"})
	require.NoError(t, err)
	l.Info().Msg("hello")

	entries, err := os.ReadDir(filepath.Dir(file))
	require.NoError(t, err)
	assert.NotEmpty(t, entries)
}

func TestPrintfAdapter(t *testing.T) {
	var buf bytes.Buffer
	logging.Printf(logging.To(&buf))("navigated to %s", "https://example.test")
	assert.Contains(t, buf.String(), "navigated to https://example.test")
}
