package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	t.Setenv("HOME", "/home/tester")

	cfg := defaultConfig()
	assert.Equal(t, "/home/tester/.waveflow/waveflow.db", cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "text", cfg.LogFormat)
	assert.True(t, cfg.Persist)
	assert.Zero(t, cfg.MaxParallel)
	assert.Equal(t, 100, cfg.RetainRuns)
}

func TestLoadConfigLayers(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	path := filepath.Join(t.TempDir(), "settings.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"db_path": "/data/settings.db",
		"log_level": "debug",
		"max_parallel": 4,
		"retain_runs": 10,
		"schedules_file": "/etc/waveflow/schedules.yaml"
	}`), 0o600))

	cfg := loadConfig(path)
	assert.Equal(t, "/data/settings.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 4, cfg.MaxParallel)
	assert.Equal(t, 10, cfg.RetainRuns)
	assert.Equal(t, "/etc/waveflow/schedules.yaml", cfg.SchedulesFile)
	assert.True(t, cfg.Persist)

	t.Setenv("WAVEFLOW_DB_PATH", "/data/env.db")
	t.Setenv("WAVEFLOW_LOG_FORMAT", "json")
	t.Setenv("WAVEFLOW_MAX_PARALLEL", "8")
	t.Setenv("WAVEFLOW_PERSIST", "false")
	t.Setenv("WAVEFLOW_RETAIN_RUNS", "5")

	cfg = loadConfig(path)
	assert.Equal(t, "/data/env.db", cfg.DBPath)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 8, cfg.MaxParallel)
	assert.Equal(t, 5, cfg.RetainRuns)
	assert.False(t, cfg.Persist)
}

func TestLoadConfigIgnoresBadValues(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("WAVEFLOW_MAX_PARALLEL", "many")

	cfg := loadConfig(filepath.Join(t.TempDir(), "missing.json"))
	assert.Equal(t, defaultConfig().DBPath, cfg.DBPath)
	assert.Zero(t, cfg.MaxParallel)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, "file:/data/w.db", Config{DBPath: "/data/w.db"}.dsn())
	assert.Equal(t, "file:w.db", Config{DBPath: "w.db"}.dsn())
	assert.Equal(t, "file:/data/w.db", Config{DBPath: "file:/data/w.db"}.dsn())
	assert.Equal(t, "libsql://db.example.com", Config{DBPath: "libsql://db.example.com"}.dsn())
}
