package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_ValidConfig(t *testing.T) {
	yamlContent := `
store:
  backend: "bolt"
  path: "/tmp/test_data/sync.bolt"
engine:
  flush_delay: "20ms"
relay:
  listen_address: ":9999"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden values
	assert.Equal(t, "bolt", cfg.Store.Backend)
	assert.Equal(t, "/tmp/test_data/sync.bolt", cfg.Store.Path)
	assert.Equal(t, "20ms", cfg.Engine.FlushDelay)
	assert.Equal(t, ":9999", cfg.Relay.ListenAddress)

	// Check a default value that was not overridden
	assert.Equal(t, "60s", cfg.Relay.PongTimeout)
	assert.Equal(t, "snappy", cfg.Snapshot.Compression)
}

func TestLoad_PartialConfig(t *testing.T) {
	yamlContent := `
engine:
  schema_mode: "strict"
`
	reader := strings.NewReader(yamlContent)
	cfg, err := Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)

	// Check overridden value
	assert.Equal(t, "strict", cfg.Engine.SchemaMode)
	// Check default values are still there
	assert.Equal(t, "memory", cfg.Store.Backend)
	assert.Equal(t, "5ms", cfg.Engine.FlushDelay)
	assert.Equal(t, int64(512), cfg.Relay.MaxMessageSize)
}

func TestLoad_EmptyReader(t *testing.T) {
	// Test with nil reader
	cfg, err := Load(nil)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "memory", cfg.Store.Backend) // Check a default value

	// Test with empty string reader
	reader := strings.NewReader("")
	cfg, err = Load(reader)
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, ":8077", cfg.Relay.ListenAddress) // Check a default value
}

func TestLoad_InvalidYAML(t *testing.T) {
	yamlContent := `
store:
  backend: "bolt"
engine:
  this: is: invalid: yaml
`
	reader := strings.NewReader(yamlContent)
	_, err := Load(reader)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to unmarshal config yaml")
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	t.Setenv("NEXUSSYNC_STORE_BACKEND", "sqlite")
	t.Setenv("NEXUSSYNC_ENGINE_FLUSH_DELAY", "50ms")

	yamlContent := `
store:
  backend: "bolt"
  path: "/tmp/env_test.bolt"
`
	cfg, err := Load(strings.NewReader(yamlContent))
	require.NoError(t, err)

	// Env wins over the file, the file wins over defaults.
	assert.Equal(t, "sqlite", cfg.Store.Backend)
	assert.Equal(t, "50ms", cfg.Engine.FlushDelay)
	assert.Equal(t, "/tmp/env_test.bolt", cfg.Store.Path)
}

func TestLoad_EnvOverridesDefaults(t *testing.T) {
	t.Setenv("NEXUSSYNC_CHANNEL_RELAY_URL", "ws://relay.internal:8077/relay")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "ws://relay.internal:8077/relay", cfg.Channel.RelayURL)
}

// TestLoadConfig_FileIntegration is a small integration test to ensure
// the original LoadConfig function still works correctly with the filesystem.
func TestLoadConfig_FileIntegration(t *testing.T) {
	t.Run("FileExists", func(t *testing.T) {
		yamlContent := `
relay:
  listen_address: ":12345"
`
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "config.yaml")
		err := os.WriteFile(configPath, []byte(yamlContent), 0644)
		require.NoError(t, err)

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		assert.Equal(t, ":12345", cfg.Relay.ListenAddress)
	})

	t.Run("FileDoesNotExist", func(t *testing.T) {
		tempDir := t.TempDir()
		configPath := filepath.Join(tempDir, "non_existent_config.yaml")

		cfg, err := LoadConfig(configPath)
		require.NoError(t, err)
		require.NotNil(t, cfg)
		// Should return default value
		assert.Equal(t, ":8077", cfg.Relay.ListenAddress)
	})
}

func TestParseDuration(t *testing.T) {
	// Use a logger that discards output for this test
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	defaultDuration := 10 * time.Second

	testCases := []struct {
		name     string
		input    string
		expected time.Duration
	}{
		{"ValidSeconds", "5s", 5 * time.Second},
		{"ValidMilliseconds", "500ms", 500 * time.Millisecond},
		{"ValidMinutes", "2m", 2 * time.Minute},
		{"EmptyString", "", defaultDuration},
		{"ZeroString", "0", defaultDuration},
		{"InvalidString", "5x", defaultDuration},
		{"JustNumber", "10", defaultDuration},
		{"NilLogger", "5x", defaultDuration}, // Should not panic with nil logger
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var testLogger *slog.Logger
			if tc.name != "NilLogger" {
				testLogger = logger
			}
			result := ParseDuration(tc.input, defaultDuration, testLogger)
			assert.Equal(t, tc.expected, result)
		})
	}
}
