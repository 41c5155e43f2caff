// Package config provides configuration loading for the rvguard engine from
// an optional YAML file, environment overrides, and defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// Config holds all engine configuration.
type Config struct {
	// SocketPath is where the control endpoint listens. The parent
	// directory is created mode 0700 and the socket chmodded 0600 so only
	// root-equivalent callers can reach the device.
	SocketPath string `yaml:"socket_path"`

	// DiagAddr serves /health and /metrics; loopback only by default.
	// Empty disables the diagnostics server.
	DiagAddr string `yaml:"diag_addr"`

	// WatchdogPeriod is the heartbeat check-in window.
	WatchdogPeriod time.Duration `yaml:"watchdog_period"`

	// MaxUnlockAttempts and LockoutDuration tune the unlock throttle.
	MaxUnlockAttempts int           `yaml:"max_unlock_attempts"`
	LockoutDuration   time.Duration `yaml:"lockout_duration"`

	// ProtectedFilenames are the bare names the file guard denies
	// deletion/rename for, matched case-insensitively against the final
	// path component.
	ProtectedFilenames []string `yaml:"protected_filenames"`

	// WatchPaths are directories observed for tampering with the
	// protected binaries on hosts without an in-line file interceptor.
	WatchPaths []string `yaml:"watch_paths"`

	LogLevel string `yaml:"log_level"`
}

// Default returns engine config from environment with defaults.
func Default() Config {
	return Config{
		SocketPath:         GetEnv("RVGUARD_SOCKET", "/run/rvguard/rvguard.sock"),
		DiagAddr:           GetEnv("RVGUARD_DIAG_ADDR", "127.0.0.1:9633"),
		WatchdogPeriod:     GetEnvDuration("RVGUARD_WATCHDOG_PERIOD", 6*time.Second),
		MaxUnlockAttempts:  GetEnvInt("RVGUARD_MAX_UNLOCK_ATTEMPTS", 5),
		LockoutDuration:    GetEnvDuration("RVGUARD_LOCKOUT_DURATION", 30*time.Second),
		ProtectedFilenames: defaultProtectedFilenames(),
		WatchPaths:         nil,
		LogLevel:           GetEnv("RVGUARD_LOG_LEVEL", "info"),
	}
}

func defaultProtectedFilenames() []string {
	return []string{
		"TAD.RV.sys",           // the engine's own loadable image
		"TadBridgeService.exe", // the bridge agent
		"TAD.RV.exe",           // the UI overlay
	}
}

// Load returns Default overridden by the YAML file at path, if any.
// A missing file is not an error; a malformed one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}
	if c.WatchdogPeriod <= 0 {
		return fmt.Errorf("watchdog_period must be positive")
	}
	if c.MaxUnlockAttempts <= 0 {
		return fmt.Errorf("max_unlock_attempts must be positive")
	}
	if c.LockoutDuration <= 0 {
		return fmt.Errorf("lockout_duration must be positive")
	}
	if len(c.ProtectedFilenames) == 0 {
		return fmt.Errorf("protected_filenames must not be empty")
	}
	return nil
}
