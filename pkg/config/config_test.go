package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadFile_MissingReturnsDefaults(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "nope.json"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAPIBaseURL, cfg.APIBaseURL)
	assert.Equal(t, DefaultReconnectDelay, cfg.ReconnectDelay.Duration)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout.Duration)
	assert.False(t, cfg.NotifyHidden)
}

func TestLoadFile_PartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"api_base_url":"https://board.example/api/","reconnect_delay":"2s","notify_hidden":true}`), 0600))

	cfg, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "https://board.example/api", cfg.APIBaseURL)
	assert.Equal(t, 2*time.Second, cfg.ReconnectDelay.Duration)
	assert.True(t, cfg.NotifyHidden)
	assert.Equal(t, DefaultWSURL, cfg.WSURL)
	assert.Equal(t, DefaultCalendar, cfg.Calendar)
}

func TestLoadFile_BadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"reconnect_delay":"soon"}`), 0600))

	_, err := LoadFile(path)
	require.Error(t, err)
}

func TestSaveAndLoad_RoundTripThroughEnvDir(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("TASKBOARD_CONFIG_DIR", dir)
	t.Setenv("TASKBOARD_WS_URL", "wss://push.example/ws")

	cfg := Default()
	cfg.Calendar = "Work"
	cfg.ReconnectDelay = Duration{3 * time.Second}
	require.NoError(t, Save(cfg))

	info, err := os.Stat(filepath.Join(dir, configFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "Work", loaded.Calendar)
	assert.Equal(t, 3*time.Second, loaded.ReconnectDelay.Duration)
	assert.Equal(t, "wss://push.example/ws", loaded.WSURL)
}
