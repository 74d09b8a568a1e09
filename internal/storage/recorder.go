package storage

import (
	"log/slog"
	"time"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/power"
)

// Recorder writes engine notifications to the database: one device sample
// per added, changed or removed device and one transition per status flip.
// Write failures are logged and dropped.
type Recorder struct {
	db  *DB
	log *slog.Logger
	now func() time.Time
}

// NewRecorder returns a Recorder writing to db.
func NewRecorder(db *DB, logger *slog.Logger) *Recorder {
	return &Recorder{db: db, log: logger, now: time.Now}
}

func (r *Recorder) DeviceAdded(d device.Resolved) {
	r.sample(DeviceSample{Resolved: d})
}

func (r *Recorder) DeviceChanged(d device.Resolved) {
	r.sample(DeviceSample{Resolved: d})
}

func (r *Recorder) DeviceRemoved(nativePath string) {
	r.sample(DeviceSample{Removed: true, Resolved: device.Resolved{NativePath: nativePath}})
}

func (r *Recorder) StatusChanged(st power.Status) {
	t := Transition{Timestamp: r.now().Unix(), Status: st}
	if err := r.db.InsertTransition(t); err != nil {
		r.log.Error("failed to record power transition", "on_battery", st.OnBattery, "on_low_battery", st.OnLowBattery, "err", err)
	}
}

func (r *Recorder) sample(s DeviceSample) {
	s.Timestamp = r.now().Unix()
	if err := r.db.InsertDeviceSample(s); err != nil {
		r.log.Error("failed to record device sample", "device", s.NativePath, "err", err)
	}
}
