package main

import (
	"context"
	"errors"
	"flag"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	godbus "github.com/godbus/dbus/v5"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/collector"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/config"
	dbussvc "github.com/cptspacemanspiff/power-supply-daemon/internal/dbus"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/engine"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/metrics"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/storage"
)

const (
	defaultConfigPath  = "/etc/power-supply/config.toml"
	defaultEnvFile     = "/etc/default/power-supply"
	upsBreakerFailures = 3
	upsBreakerTimeout  = 30 * time.Second
)

func main() {
	configPath := flag.String("config", defaultConfigPath, "path to the TOML config file")
	envFile := flag.String("env-file", defaultEnvFile, "optional KEY=value file with POWER_SUPPLY_* overrides")
	verbose := flag.Bool("verbose", false, "enable all verbose logging (equivalent to -log=all)")
	logFlag := flag.String("log", "", "comma-separated log topics: devices,status,ups,storage,metrics,dbus,sleep (or 'all')")
	resetDB := flag.Bool("reset-db", false, "delete the database and start fresh")
	flag.Parse()

	logger := slog.New(newTopicHandler(
		slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug}),
		*verbose, *logFlag,
	))
	devicesLog := logger.With("topic", "devices")
	statusLog := logger.With("topic", "status")
	upsLog := logger.With("topic", "ups")
	storageLog := logger.With("topic", "storage")
	metricsLog := logger.With("topic", "metrics")
	dbusLog := logger.With("topic", "dbus")
	sleepLog := logger.With("topic", "sleep")

	if err := config.LoadEnvFile(*envFile); err != nil {
		logger.Error("load env file", "path", *envFile, "err", err)
		os.Exit(1)
	}
	cfg, err := loadConfig(*configPath, logger)
	if err != nil {
		logger.Error("load config", "path", *configPath, "err", err)
		os.Exit(1)
	}

	dbPath := cfg.Storage.DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		logger.Error("create data dir", "err", err)
		os.Exit(1)
	}

	if *resetDB {
		for _, suffix := range []string{"", "-wal", "-shm"} {
			if err := os.Remove(dbPath + suffix); err != nil && !os.IsNotExist(err) {
				logger.Error("delete database", "err", err)
				os.Exit(1)
			}
		}
		logger.Info("database deleted", "path", dbPath)
		return
	}

	store, err := storage.Open(dbPath)
	if err != nil {
		logger.Error("open database", "err", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	var eng *engine.Engine
	svc := dbussvc.NewService(snapshotFunc(func() *engine.Snapshot { return eng.Snapshot() }), store, dbusLog)
	notifiers := engine.Multi{
		logNotifier{devices: devicesLog, status: statusLog},
		storage.NewRecorder(store, storageLog),
		svc,
	}
	if m != nil {
		notifiers = append(notifiers, m)
	}
	eng = engine.New(cfg.Policy.LowBatteryPercent, notifiers, devicesLog)

	sources := collector.NewSources(devicesLog)
	sources.Add("sysfs", collector.NewSysfsSource(cfg.Collection.SysfsRoot))
	if cfg.UPS.Enabled {
		timeout := time.Duration(cfg.UPS.TimeoutSeconds) * time.Second
		nut := collector.NewNUTSource(cfg.UPS.Address, timeout)
		sources.Add("nut", collector.NewBreakerSource("nut", nut, upsBreakerFailures, upsBreakerTimeout, upsLog))
		upsLog.Info("NUT source enabled", "address", cfg.UPS.Address)
	}

	interval := time.Duration(cfg.Collection.IntervalSeconds) * time.Second
	d := newDaemon(eng, sources, m, devicesLog)

	// Coldplug before going on the bus.
	d.refresh(ctx, "coldplug", interval)

	conn, err := connectBus(cfg.DBus.Bus)
	if err != nil {
		logger.Error("connect dbus", "bus", cfg.DBus.Bus, "err", err)
		os.Exit(1)
	}
	defer conn.Close()
	if err := svc.Export(conn); err != nil {
		logger.Error("export dbus service", "err", err)
		os.Exit(1)
	}
	logger.Info("D-Bus service registered", "name", "org.freedesktop.PowerSupply", "bus", cfg.DBus.Bus)

	var wakeCh <-chan struct{}
	if wakeMon, err := newWakeMonitor(conn, cfg.DBus.Bus, sleepLog); err != nil {
		logger.Warn("wake monitor unavailable", "err", err)
	} else {
		wakeCh = wakeMon.Wake()
		defer wakeMon.Close()
	}

	if m != nil {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.ListenAddress, metricsLog); err != nil {
				metricsLog.Error("metrics server stopped", "err", err)
			}
		}()
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	cleanupTicker := time.NewTicker(time.Duration(cfg.Cleanup.IntervalHours) * time.Hour)
	defer cleanupTicker.Stop()
	cleanup(store, cfg.Cleanup.RetentionDays, storageLog)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(hupCh)

	logger.Info("power-supply-daemon started", "version", engine.Version, "interval", interval.String())
	for {
		select {
		case <-ticker.C:
			d.refresh(ctx, "poll", interval)
		case <-wakeCh:
			d.refresh(ctx, "wake", interval)
		case <-svc.RefreshRequests():
			d.refresh(ctx, "dbus", interval)
		case <-cleanupTicker.C:
			cleanup(store, cfg.Cleanup.RetentionDays, storageLog)
		case <-hupCh:
			next, err := loadConfig(*configPath, logger)
			if err != nil {
				logger.Error("reload config, keeping current settings", "err", err)
				continue
			}
			threshold := next.Policy.LowBatteryPercent
			if threshold != cfg.Policy.LowBatteryPercent {
				logger.Info("low battery threshold changed", "from", cfg.Policy.LowBatteryPercent, "to", threshold)
				d.setThreshold(threshold)
			}
			next.Policy = cfg.Policy
			if *next != *cfg {
				logger.Warn("config changes other than policy need a restart")
			}
			cfg.Policy.LowBatteryPercent = threshold
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		}
	}
}

// loadConfig reads path, falling back to defaults when it does not exist.
// Environment overrides apply either way.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		logger.Info("config file not found, using defaults", "path", path)
		return config.FromEnv()
	}
	return cfg, err
}

func connectBus(bus string) (*godbus.Conn, error) {
	if bus == config.BusSession {
		return godbus.ConnectSessionBus()
	}
	return godbus.ConnectSystemBus()
}

// newWakeMonitor listens for logind on the system bus, reusing conn when the
// service already runs there.
func newWakeMonitor(conn *godbus.Conn, bus string, logger *slog.Logger) (*collector.WakeMonitor, error) {
	if bus != config.BusSystem {
		sys, err := godbus.ConnectSystemBus()
		if err != nil {
			return nil, err
		}
		conn = sys
	}
	return collector.NewWakeMonitor(conn, logger)
}

func cleanup(store *storage.DB, retentionDays int, logger *slog.Logger) {
	before := time.Now().AddDate(0, 0, -retentionDays).Unix()
	n, err := store.DeleteOlderThan(before)
	if err != nil {
		logger.Error("cleanup failed", "err", err)
		return
	}
	logger.Info("cleanup done", "deleted", n, "before", before)
}
