package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
)

// Config holds procflow CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath       string `json:"db_path"`
	LogLevel     string `json:"log_level"`
	PoolSize     int    `json:"pool_size"`
	TickInterval string `json:"tick_interval"` // scheduler poll interval
}

func defaultConfig() Config {
	return Config{
		DBPath:       filepath.Join(procflowDir(), "procflow.db"),
		LogLevel:     "info",
		PoolSize:     10,
		TickInterval: "60s",
	}
}

func procflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".procflow"
	}
	return filepath.Join(home, ".procflow")
}

func settingsPath() string {
	return filepath.Join(procflowDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("PROCFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("PROCFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("PROCFLOW_POOL_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PoolSize = n
		}
	}
	if v := os.Getenv("PROCFLOW_TICK_INTERVAL"); v != "" {
		cfg.TickInterval = v
	}

	return cfg
}
