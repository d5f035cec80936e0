package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rendis/waveflow/internal/manager"
)

// Config holds all waveflow configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	DBPath        string `json:"db_path"`
	LogLevel      string `json:"log_level"`
	LogFormat     string `json:"log_format"`
	MaxParallel   int    `json:"max_parallel"`
	RetainRuns    int    `json:"retain_runs"`
	Persist       bool   `json:"persist"`
	SchedulesFile string `json:"schedules_file"`
}

func defaultConfig() Config {
	return Config{
		DBPath:     filepath.Join(waveflowDir(), "waveflow.db"),
		LogLevel:   "info",
		LogFormat:  "text",
		Persist:    true,
		RetainRuns: manager.DefaultRetainRuns,
	}
}

func waveflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".waveflow"
	}
	return filepath.Join(home, ".waveflow")
}

func settingsPath() string {
	return filepath.Join(waveflowDir(), "settings.json")
}

func loadConfig(path string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if path == "" {
		path = settingsPath()
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("WAVEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WAVEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WAVEFLOW_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}
	if v := os.Getenv("WAVEFLOW_MAX_PARALLEL"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v := os.Getenv("WAVEFLOW_RETAIN_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.RetainRuns = n
		}
	}
	if v := os.Getenv("WAVEFLOW_PERSIST"); v != "" {
		cfg.Persist = v == "true" || v == "1"
	}
	if v := os.Getenv("WAVEFLOW_SCHEDULES_FILE"); v != "" {
		cfg.SchedulesFile = v
	}

	return cfg
}

// dsn turns a plain database path into a libsql file URL. Values that
// already carry a scheme are used as is.
func (c Config) dsn() string {
	if strings.HasPrefix(c.DBPath, "file:") || strings.Contains(c.DBPath, "://") {
		return c.DBPath
	}
	return "file:" + c.DBPath
}
