package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all waypoint runtime configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath              string `json:"db_path"`
	LogLevel            string `json:"log_level"`
	ScanIntervalMinutes int    `json:"scan_interval_minutes"`
	LookbackDays        int    `json:"lookback_days"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	MaxStepsFactor      int    `json:"max_steps_factor"`
}

func defaultConfig() Config {
	return Config{
		DBPath:              filepath.Join(waypointDir(), "waypoint.db"),
		LogLevel:            "info",
		ScanIntervalMinutes: 5,
		LookbackDays:        30,
		PollIntervalSeconds: 60,
		MaxStepsFactor:      10,
	}
}

func waypointDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".waypoint"
	}
	return filepath.Join(home, ".waypoint")
}

func settingsPath() string {
	return filepath.Join(waypointDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("WAYPOINT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("WAYPOINT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("WAYPOINT_SCAN_INTERVAL_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ScanIntervalMinutes = n
		}
	}
	if v := os.Getenv("WAYPOINT_LOOKBACK_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.LookbackDays = n
		}
	}
	if v := os.Getenv("WAYPOINT_POLL_INTERVAL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.PollIntervalSeconds = n
		}
	}
	if v := os.Getenv("WAYPOINT_MAX_STEPS_FACTOR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxStepsFactor = n
		}
	}

	return cfg
}

func (c Config) scanInterval() time.Duration {
	return time.Duration(c.ScanIntervalMinutes) * time.Minute
}

func (c Config) lookback() time.Duration {
	return time.Duration(c.LookbackDays) * 24 * time.Hour
}

func (c Config) pollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}
