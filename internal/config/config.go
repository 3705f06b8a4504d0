// Package config loads the console's own settings from console.yaml in the
// OpenClaw home directory. This file configures the console process itself;
// the gateway's openclaw.json is owned by internal/store.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// GatewayConfig describes how the supervisor runs the gateway binary.
type GatewayConfig struct {
	// Binary is the executable name or path, default "openclaw".
	Binary string `yaml:"binary"`
	// Args precede the managed invocation, default ["gateway"].
	Args []string `yaml:"args"`

	StartTimeoutSeconds int `yaml:"start_timeout_seconds"`
	StopTimeoutSeconds  int `yaml:"stop_timeout_seconds"`

	// LogFileMaxMB bounds the rotated gateway output file under the home
	// dir. Zero keeps the 10MB default.
	LogFileMaxMB int `yaml:"log_file_max_mb"`
}

// TelemetryConfig selects the trace exporter.
type TelemetryConfig struct {
	// Exporter is "none", "stdout", or "otlp-http".
	Exporter string `yaml:"exporter"`
	// Endpoint is the OTLP collector address for "otlp-http".
	Endpoint string `yaml:"endpoint"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	// AllowOrigins controls CORS and cross-origin websocket upgrades on the
	// command surface. Empty means same-origin only.
	AllowOrigins []string `yaml:"allow_origins"`

	// MaxBodyBytes caps invoke payload size. Zero applies the 10MB default.
	MaxBodyBytes int64 `yaml:"max_body_bytes"`

	// BackupRetention is how many config backups to keep, default 20.
	BackupRetention int `yaml:"backup_retention"`

	// StatusReconcileCron and BackupPruneCron are robfig/cron expressions
	// for the periodic jobs. Empty uses the defaults.
	StatusReconcileCron string `yaml:"status_reconcile_cron"`
	BackupPruneCron     string `yaml:"backup_prune_cron"`

	Gateway   GatewayConfig   `yaml:"gateway"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ConfigPath returns the path to console.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "console.yaml")
}

// HomeDir resolves the OpenClaw home: $OPENCLAW_HOME, or ~/.openclaw.
func HomeDir() string {
	if override := os.Getenv("OPENCLAW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".openclaw")
}

func defaultConfig() Config {
	return Config{
		BindAddr:        "127.0.0.1:18790",
		LogLevel:        "info",
		BackupRetention: 20,
		Gateway: GatewayConfig{
			Binary:              "openclaw",
			Args:                []string{"gateway"},
			StartTimeoutSeconds: 15,
			StopTimeoutSeconds:  5,
		},
		Telemetry: TelemetryConfig{Exporter: "none"},
	}
}

// Load reads console.yaml, applies env overrides, and fills defaults. A
// missing file is not an error; defaults apply.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create openclaw home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read console.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse console.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18790"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.BackupRetention <= 0 {
		cfg.BackupRetention = 20
	}
	if cfg.Gateway.Binary == "" {
		cfg.Gateway.Binary = "openclaw"
	}
	if len(cfg.Gateway.Args) == 0 {
		cfg.Gateway.Args = []string{"gateway"}
	}
	if cfg.Gateway.StartTimeoutSeconds <= 0 {
		cfg.Gateway.StartTimeoutSeconds = 15
	}
	if cfg.Gateway.StopTimeoutSeconds <= 0 {
		cfg.Gateway.StopTimeoutSeconds = 5
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "none"
	}
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("CLAWDECK_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("CLAWDECK_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("CLAWDECK_GATEWAY_BINARY"); raw != "" {
		cfg.Gateway.Binary = raw
	}
	if raw := os.Getenv("CLAWDECK_BACKUP_RETENTION"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.BackupRetention = v
		}
	}
	if raw := os.Getenv("CLAWDECK_TELEMETRY_EXPORTER"); raw != "" {
		cfg.Telemetry.Exporter = raw
	}
	if raw := os.Getenv("CLAWDECK_TELEMETRY_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
	}
}
