package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/mnemo.json")
	assert.Equal(t, "/path/to/mnemo.json", loader.configPath)
}

func TestLoaderLoadMissingFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "nonexistent.json")

	cfg, err := NewLoader(configPath).Load()
	require.NoError(t, err)

	// Defaults apply when the file is absent.
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, 100, cfg.Memory.ShortTerm.Capacity)
	assert.NotEmpty(t, cfg.DataDir)
	assert.Equal(t, filepath.Join(cfg.DataDir, "mnemo.log"), cfg.Logging.File)
}

func TestLoaderLoadFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "mnemo.json")

	testConfig := `{
		"data_dir": "` + tmpDir + `",
		"logging": {"level": "debug"},
		"memory": {
			"short_term": {"capacity": 42},
			"snapshot_path": "state.json"
		},
		"summary": {"provider": "anthropic", "api_key": "sk-ant-test"}
	}`
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0644))

	cfg, err := NewLoader(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, tmpDir, cfg.DataDir)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 42, cfg.Memory.ShortTerm.Capacity)
	assert.Equal(t, "state.json", cfg.Memory.SnapshotPath)
	assert.Equal(t, "anthropic", cfg.Summary.Provider)

	// Unspecified fields keep defaults.
	assert.Equal(t, 0.3, cfg.Memory.LongTerm.MinImportance)
	assert.Equal(t, filepath.Join(tmpDir, "mnemo.log"), cfg.Logging.File)
}

func TestLoaderLoadInvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "mnemo.json")
	require.NoError(t, os.WriteFile(configPath, []byte("{not json"), 0644))

	_, err := NewLoader(configPath).Load()
	assert.Error(t, err)
}

func TestLoaderSaveRoundTrip(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "mnemo.json")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Logging.Level = "warn"
	cfg.Memory.ShortTerm.Capacity = 7
	cfg.Metrics.Enabled = true

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))
	require.FileExists(t, configPath)

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, tmpDir, loaded.DataDir)
	assert.Equal(t, "warn", loaded.Logging.Level)
	assert.Equal(t, 7, loaded.Memory.ShortTerm.Capacity)
	assert.True(t, loaded.Metrics.Enabled)
}

func TestLoaderGetConfigPath(t *testing.T) {
	assert.Equal(t, "/etc/mnemo.json", NewLoader("/etc/mnemo.json").GetConfigPath())

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".mnemo", "mnemo.json"), NewLoader("").GetConfigPath())
}

func TestLoadConvenience(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "absent.json")

	cfg, err := Load(configPath)
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Logging.Level)
}
