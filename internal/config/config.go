package config

import (
	"bytes"
	"fmt"
	"math"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	minCollectionIntervalSeconds = 1
	maxCollectionIntervalSeconds = 3600
	minUPSTimeoutSeconds         = 1
	maxUPSTimeoutSeconds         = 60
	minRetentionDays             = 1
	maxRetentionDays             = 3650
	minCleanupIntervalHours      = 1
	maxCleanupIntervalHours      = 720
)

const (
	BusSystem  = "system"
	BusSession = "session"
)

type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Collection CollectionConfig `toml:"collection"`
	Policy     PolicyConfig     `toml:"policy"`
	UPS        UPSConfig        `toml:"ups"`
	Metrics    MetricsConfig    `toml:"metrics"`
	DBus       DBusConfig       `toml:"dbus"`
	Cleanup    CleanupConfig    `toml:"cleanup"`
}

type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

type CollectionConfig struct {
	IntervalSeconds int    `toml:"interval_seconds"`
	SysfsRoot       string `toml:"sysfs_root"`
}

type PolicyConfig struct {
	// LowBatteryPercent is inclusive: an aggregate percentage equal to it
	// counts as low.
	LowBatteryPercent float64 `toml:"low_battery_percent"`
}

type UPSConfig struct {
	Enabled        bool   `toml:"enabled"`
	Address        string `toml:"address"`
	TimeoutSeconds int    `toml:"timeout_seconds"`
}

type MetricsConfig struct {
	Enabled       bool   `toml:"enabled"`
	ListenAddress string `toml:"listen_address"`
}

type DBusConfig struct {
	Bus string `toml:"bus"`
}

type CleanupConfig struct {
	RetentionDays int `toml:"retention_days"`
	IntervalHours int `toml:"interval_hours"`
}

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			DBPath: "/var/lib/power-supply/history.db",
		},
		Collection: CollectionConfig{
			IntervalSeconds: 5,
			SysfsRoot:       "/sys",
		},
		Policy: PolicyConfig{
			LowBatteryPercent: 10,
		},
		UPS: UPSConfig{
			Enabled:        false,
			Address:        "127.0.0.1:3493",
			TimeoutSeconds: 3,
		},
		Metrics: MetricsConfig{
			Enabled:       false,
			ListenAddress: "127.0.0.1:9586",
		},
		DBus: DBusConfig{
			Bus: BusSystem,
		},
		Cleanup: CleanupConfig{
			RetentionDays: 30,
			IntervalHours: 24,
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}

	return NormalizeAndValidate(cfg)
}

// FromEnv returns the defaults with environment overrides applied, for when
// no config file exists.
func FromEnv() (*Config, error) {
	cfg := DefaultConfig()
	if err := ApplyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	return NormalizeAndValidate(cfg)
}

func NormalizeAndValidate(cfg *Config) (*Config, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config must not be nil")
	}

	sanitized := *cfg

	var err error
	sanitized.Storage.DBPath, err = sanitizePath("storage.db_path", sanitized.Storage.DBPath)
	if err != nil {
		return nil, err
	}
	sanitized.Collection.SysfsRoot, err = sanitizePath("collection.sysfs_root", sanitized.Collection.SysfsRoot)
	if err != nil {
		return nil, err
	}

	if err := validateRange("collection.interval_seconds", sanitized.Collection.IntervalSeconds, minCollectionIntervalSeconds, maxCollectionIntervalSeconds); err != nil {
		return nil, err
	}
	if err := validatePercent("policy.low_battery_percent", sanitized.Policy.LowBatteryPercent); err != nil {
		return nil, err
	}

	// Addresses are validated even when the feature is disabled.
	sanitized.UPS.Address, err = sanitizeHostPort("ups.address", sanitized.UPS.Address)
	if err != nil {
		return nil, err
	}
	if err := validateRange("ups.timeout_seconds", sanitized.UPS.TimeoutSeconds, minUPSTimeoutSeconds, maxUPSTimeoutSeconds); err != nil {
		return nil, err
	}
	sanitized.Metrics.ListenAddress, err = sanitizeHostPort("metrics.listen_address", sanitized.Metrics.ListenAddress)
	if err != nil {
		return nil, err
	}

	sanitized.DBus.Bus = strings.ToLower(strings.TrimSpace(sanitized.DBus.Bus))
	if sanitized.DBus.Bus != BusSystem && sanitized.DBus.Bus != BusSession {
		return nil, fmt.Errorf("dbus.bus must be %q or %q, got %q", BusSystem, BusSession, cfg.DBus.Bus)
	}

	if err := validateRange("cleanup.retention_days", sanitized.Cleanup.RetentionDays, minRetentionDays, maxRetentionDays); err != nil {
		return nil, err
	}
	if err := validateRange("cleanup.interval_hours", sanitized.Cleanup.IntervalHours, minCleanupIntervalHours, maxCleanupIntervalHours); err != nil {
		return nil, err
	}

	return &sanitized, nil
}

func Save(path string, cfg *Config) error {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return fmt.Errorf("config path must not be empty")
	}

	sanitized, err := NormalizeAndValidate(cfg)
	if err != nil {
		return err
	}

	var data bytes.Buffer
	if err := toml.NewEncoder(&data).Encode(sanitized); err != nil {
		return fmt.Errorf("encode config TOML: %w", err)
	}

	dir := filepath.Dir(trimmedPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	tmpFile, err := os.CreateTemp(dir, ".config-*.toml")
	if err != nil {
		return fmt.Errorf("create temp config file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		if tmpPath != "" {
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmpFile.Write(data.Bytes()); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("write temp config file: %w", err)
	}
	if err := tmpFile.Chmod(0o644); err != nil {
		_ = tmpFile.Close()
		return fmt.Errorf("chmod temp config file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("close temp config file: %w", err)
	}
	if err := os.Rename(tmpPath, trimmedPath); err != nil {
		return fmt.Errorf("replace config file: %w", err)
	}
	tmpPath = ""

	return nil
}

func sanitizePath(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "", fmt.Errorf("%s must not be empty", name)
	}
	cleaned := filepath.Clean(trimmed)
	if !filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("%s must be an absolute path, got %q", name, value)
	}
	return cleaned, nil
}

func sanitizeHostPort(name, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	host, port, err := net.SplitHostPort(trimmed)
	if err != nil {
		return "", fmt.Errorf("%s must be host:port, got %q", name, value)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return "", fmt.Errorf("%s has invalid port %q", name, port)
	}
	return net.JoinHostPort(host, port), nil
}

func validateRange(name string, value, min, max int) error {
	if value < min || value > max {
		return fmt.Errorf("%s must be between %d and %d, got %d", name, min, max, value)
	}

	return nil
}

func validatePercent(name string, value float64) error {
	if math.IsNaN(value) || value < 0 || value > 100 {
		return fmt.Errorf("%s must be between 0 and 100, got %v", name, value)
	}
	return nil
}
