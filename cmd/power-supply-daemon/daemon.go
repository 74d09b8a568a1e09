package main

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/collector"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/engine"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/metrics"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/power"
)

// daemon drives the engine from the attribute sources. All methods run on
// the main loop goroutine, which is the engine's only writer.
type daemon struct {
	eng     *engine.Engine
	source  collector.Source
	metrics *metrics.Metrics // nil when disabled
	log     *slog.Logger

	// rejected holds the IDs rejected by the last recomputation; only
	// newly rejected devices are logged at warning level.
	rejected map[string]bool
}

func newDaemon(eng *engine.Engine, source collector.Source, m *metrics.Metrics, logger *slog.Logger) *daemon {
	return &daemon{eng: eng, source: source, metrics: m, log: logger, rejected: make(map[string]bool)}
}

// refresh re-enumerates every source and republishes.
func (d *daemon) refresh(ctx context.Context, reason string, timeout time.Duration) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reports, err := d.source.Enumerate(ctx)
	if err != nil {
		d.log.Warn("enumerate failed", "reason", reason, "err", err)
		return
	}
	res := d.eng.OnDevicesChanged(reports)
	d.observe(res)
	d.log.Debug("recomputed", "reason", reason, "devices", len(reports),
		"added", len(res.Added), "removed", len(res.Removed), "changed", len(res.Changed),
		"retained", len(res.Retained), "rejected", len(res.Rejected))
}

// setThreshold applies a new low-battery threshold.
func (d *daemon) setThreshold(pct float64) {
	d.observe(d.eng.SetThreshold(pct))
}

func (d *daemon) observe(res engine.Result) {
	if d.metrics != nil {
		d.metrics.Observe(res, d.eng.Snapshot().Status)
	}

	seen := make(map[string]bool, len(res.Rejected))
	for _, err := range res.Rejected {
		id := err.Error()
		var cerr *device.ClassificationError
		if errors.As(err, &cerr) {
			id = cerr.ID
		}
		seen[id] = true
		if d.rejected[id] {
			d.log.Debug("device still rejected", "err", err)
			continue
		}
		d.log.Warn("device rejected", "err", err)
	}
	d.rejected = seen
}

// snapshotFunc lets the D-Bus service read an engine built after it.
type snapshotFunc func() *engine.Snapshot

func (f snapshotFunc) Snapshot() *engine.Snapshot { return f() }

// logNotifier reports engine changes to the log.
type logNotifier struct {
	devices *slog.Logger
	status  *slog.Logger
}

func (n logNotifier) DeviceAdded(d device.Resolved) {
	n.devices.Info("device added", "native_path", d.NativePath, "type", d.Kind.String(),
		"present", d.IsPresent, "state", d.State.String(), "percentage", d.Percentage)
}

func (n logNotifier) DeviceRemoved(nativePath string) {
	n.devices.Info("device removed", "native_path", nativePath)
}

func (n logNotifier) DeviceChanged(d device.Resolved) {
	n.devices.Debug("device changed", "native_path", d.NativePath, "online", d.Online,
		"present", d.IsPresent, "state", d.State.String(), "percentage", d.Percentage)
}

func (n logNotifier) StatusChanged(st power.Status) {
	n.status.Info("power status changed", "on_battery", st.OnBattery,
		"on_low_battery", st.OnLowBattery, "percentage", st.Percentage)
}
