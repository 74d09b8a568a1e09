package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables that override the config file.
const (
	EnvDBPath            = "POWER_SUPPLY_DB_PATH"
	EnvLowBatteryPercent = "POWER_SUPPLY_LOW_BATTERY_PERCENT"
	EnvUPSEnabled        = "POWER_SUPPLY_UPS_ENABLED"
	EnvUPSAddress        = "POWER_SUPPLY_UPS_ADDRESS"
	EnvMetricsEnabled    = "POWER_SUPPLY_METRICS_ENABLED"
	EnvMetricsAddress    = "POWER_SUPPLY_METRICS_ADDRESS"
	EnvBus               = "POWER_SUPPLY_DBUS_BUS"
)

// LoadEnvFile reads KEY=value lines from path into the process environment.
// Variables already set are left alone and a missing file is not an error.
func LoadEnvFile(path string) error {
	err := godotenv.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// ApplyEnvOverrides updates cfg in place from the POWER_SUPPLY_* variables.
// Empty variables are ignored.
func ApplyEnvOverrides(cfg *Config) error {
	if v := os.Getenv(EnvDBPath); v != "" {
		cfg.Storage.DBPath = v
	}
	if v := os.Getenv(EnvLowBatteryPercent); v != "" {
		pct, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvLowBatteryPercent, err)
		}
		cfg.Policy.LowBatteryPercent = pct
	}
	if v := os.Getenv(EnvUPSEnabled); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvUPSEnabled, err)
		}
		cfg.UPS.Enabled = b
	}
	if v := os.Getenv(EnvUPSAddress); v != "" {
		cfg.UPS.Address = v
	}
	if v := os.Getenv(EnvMetricsEnabled); v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", EnvMetricsEnabled, err)
		}
		cfg.Metrics.Enabled = b
	}
	if v := os.Getenv(EnvMetricsAddress); v != "" {
		cfg.Metrics.ListenAddress = v
	}
	if v := os.Getenv(EnvBus); v != "" {
		cfg.DBus.Bus = v
	}
	return nil
}
