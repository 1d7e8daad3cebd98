// Package config loads application configuration: built-in defaults, an
// optional YAML file, then environment-variable overrides, in that order.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	defaultListenAddr = ":8080"
	defaultDBPath     = "prefect.db"
	defaultWorkers    = 4

	envListenAddr = "PREFECT_LISTEN_ADDR"
	envDBPath     = "PREFECT_DB_PATH"
	envLogLevel   = "PREFECT_LOG_LEVEL"
	envWorkers    = "PREFECT_WORKERS"
	envAdaptMin   = "PREFECT_ADAPT_MIN"
	envAdaptMax   = "PREFECT_ADAPT_MAX"
	envReportDir  = "PREFECT_REPORT_DIR"
	envConfigFile = "PREFECT_CONFIG_FILE"
)

// Config holds application configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DBPath     string `yaml:"db_path"`
	LogLevel   slog.Level
	Workers    int    `yaml:"workers"`
	AdaptMin   int    `yaml:"adapt_min"`
	AdaptMax   int    `yaml:"adapt_max"`
	ReportDir  string `yaml:"report_dir"`

	// LogLevelName is the YAML-facing log level; parsed into LogLevel.
	LogLevelName string `yaml:"log_level"`
}

// Load reads configuration: defaults, then the YAML file named by
// PREFECT_CONFIG_FILE (if any), then environment-variable overrides.
func Load() (Config, error) {
	cfg := Config{
		ListenAddr: defaultListenAddr,
		DBPath:     defaultDBPath,
		LogLevel:   slog.LevelInfo,
		Workers:    defaultWorkers,
	}

	if path := os.Getenv(envConfigFile); path != "" {
		if err := loadFile(&cfg, path); err != nil {
			return cfg, err
		}
	}

	if v := os.Getenv(envListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv(envDBPath); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv(envLogLevel); v != "" {
		cfg.LogLevelName = v
	}
	if v := os.Getenv(envWorkers); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return cfg, fmt.Errorf("invalid %s: %q", envWorkers, v)
		}
		cfg.Workers = n
	}
	if v := os.Getenv(envAdaptMin); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %q", envAdaptMin, v)
		}
		cfg.AdaptMin = n
	}
	if v := os.Getenv(envAdaptMax); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return cfg, fmt.Errorf("invalid %s: %q", envAdaptMax, v)
		}
		cfg.AdaptMax = n
	}
	if v := os.Getenv(envReportDir); v != "" {
		cfg.ReportDir = v
	}

	if cfg.LogLevelName != "" {
		cfg.LogLevel = parseLogLevel(cfg.LogLevelName)
	}
	if cfg.AdaptMax > 0 && (cfg.AdaptMin < 1 || cfg.AdaptMax < cfg.AdaptMin) {
		return cfg, fmt.Errorf("invalid adapt bounds: min=%d max=%d", cfg.AdaptMin, cfg.AdaptMax)
	}

	return cfg, nil
}

func loadFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a structured JSON logger writing to w at the configured level.
func NewLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	}))
}
