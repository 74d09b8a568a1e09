// Package engine keeps the published power state of the daemon.
//
// Attribute sources hand the engine complete device reports; the engine
// classifies and resolves them, runs the aggregator, swaps the published
// snapshot in one step and tells its Notifier what changed. Readers never
// block the writer and never see a half-updated device set.
package engine

import (
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/power"
)

// Version is the daemon version exported as DaemonVersion.
const Version = "1.2.0"

// Snapshot is an immutable view of the published state.
type Snapshot struct {
	Devices    []device.Resolved `json:"devices"` // sorted by NativePath
	Status     power.Status      `json:"status"`
	Generation uint64            `json:"generation"`
}

// Device returns the device with the given native path.
func (s *Snapshot) Device(nativePath string) (device.Resolved, bool) {
	i, ok := slices.BinarySearchFunc(s.Devices, nativePath, func(d device.Resolved, p string) int {
		return strings.Compare(d.NativePath, p)
	})
	if !ok {
		return device.Resolved{}, false
	}
	return s.Devices[i], true
}

// Result summarises one recomputation.
type Result struct {
	Added         []string
	Removed       []string
	Changed       []string
	Retained      []string // failed reads that kept their last known state
	Rejected      []error  // classification errors, one per excluded device
	StatusChanged bool
}

// Engine is safe for concurrent use. Writers are serialised; readers load
// the current snapshot without locking.
type Engine struct {
	mu        sync.Mutex
	threshold float64
	notifier  Notifier
	log       *slog.Logger

	current atomic.Pointer[Snapshot]
}

// New creates an engine with an empty snapshot, which reports neither on
// battery nor low battery.
func New(lowThresholdPercent float64, notifier Notifier, logger *slog.Logger) *Engine {
	if notifier == nil {
		notifier = nopNotifier{}
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	e := &Engine{threshold: lowThresholdPercent, notifier: notifier, log: logger}
	e.current.Store(&Snapshot{})
	return e
}

// Snapshot returns the current published state.
func (e *Engine) Snapshot() *Snapshot {
	return e.current.Load()
}

// OnBattery reports whether the machine currently runs from battery.
func (e *Engine) OnBattery() bool {
	return e.current.Load().Status.OnBattery
}

// OnLowBattery reports whether the battery is critically low.
func (e *Engine) OnLowBattery() bool {
	return e.current.Load().Status.OnLowBattery
}

// Device returns the resolved device with the given native path.
func (e *Engine) Device(nativePath string) (device.Resolved, bool) {
	return e.current.Load().Device(nativePath)
}

// OnDevicesChanged replaces the device set with reports and republishes.
// Devices missing from reports are removed. A report with Err set keeps the
// previous resolution of that device, if any. Devices that fail
// classification are left out and returned in Result.Rejected for the caller
// to log.
func (e *Engine) OnDevicesChanged(reports []device.Report) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	prev := e.current.Load()
	var res Result
	next := make(map[string]device.Resolved, len(reports))

	for _, rep := range reports {
		if rep.Err != nil {
			if old, ok := prev.Device(rep.ID); ok {
				next[rep.ID] = old
				res.Retained = append(res.Retained, rep.ID)
				e.log.Debug("keeping last known state", "native_path", rep.ID, "err", rep.Err)
			}
			continue
		}
		r, err := device.ClassifyAndResolve(rep.ID, rep.Subsystem, rep.Attributes)
		if err != nil {
			res.Rejected = append(res.Rejected, err)
			delete(next, rep.ID)
			continue
		}
		next[rep.ID] = r
	}

	e.publish(prev, next, &res)
	return res
}

// SetThreshold changes the low-battery cutoff and re-aggregates the current
// device set without touching hardware.
func (e *Engine) SetThreshold(lowThresholdPercent float64) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.threshold = lowThresholdPercent
	prev := e.current.Load()
	next := make(map[string]device.Resolved, len(prev.Devices))
	for _, d := range prev.Devices {
		next[d.NativePath] = d
	}

	var res Result
	e.publish(prev, next, &res)
	return res
}

// publish must be called with e.mu held.
func (e *Engine) publish(prev *Snapshot, next map[string]device.Resolved, res *Result) {
	devices := make([]device.Resolved, 0, len(next))
	for _, d := range next {
		devices = append(devices, d)
	}
	slices.SortFunc(devices, func(a, b device.Resolved) int {
		return strings.Compare(a.NativePath, b.NativePath)
	})

	snap := &Snapshot{
		Devices:    devices,
		Status:     power.Aggregate(devices, e.threshold),
		Generation: prev.Generation + 1,
	}
	e.current.Store(snap)

	for _, old := range prev.Devices {
		if _, ok := next[old.NativePath]; !ok {
			res.Removed = append(res.Removed, old.NativePath)
			e.notifier.DeviceRemoved(old.NativePath)
		}
	}
	for _, d := range devices {
		old, ok := prev.Device(d.NativePath)
		switch {
		case !ok:
			res.Added = append(res.Added, d.NativePath)
			e.notifier.DeviceAdded(d)
		case old != d:
			res.Changed = append(res.Changed, d.NativePath)
			e.notifier.DeviceChanged(d)
		}
	}
	if snap.Status.OnBattery != prev.Status.OnBattery || snap.Status.OnLowBattery != prev.Status.OnLowBattery {
		res.StatusChanged = true
		e.notifier.StatusChanged(snap.Status)
	}
}
