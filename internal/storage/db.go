package storage

import (
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/power"
)

const schema = `
CREATE TABLE IF NOT EXISTS device_samples (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	native_path TEXT NOT NULL,
	removed INTEGER NOT NULL DEFAULT 0,
	kind INTEGER NOT NULL,
	is_present INTEGER NOT NULL,
	online INTEGER NOT NULL,
	state INTEGER NOT NULL,
	percentage REAL NOT NULL,
	voltage REAL NOT NULL,
	energy_now REAL NOT NULL,
	energy_full REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_device_ts ON device_samples(timestamp);
CREATE INDEX IF NOT EXISTS idx_device_path_ts ON device_samples(native_path, timestamp);

CREATE TABLE IF NOT EXISTS power_transitions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	on_battery INTEGER NOT NULL,
	on_low_battery INTEGER NOT NULL,
	percentage REAL NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transition_ts ON power_transitions(timestamp);
`

// DeviceSample is one recorded device state. Removed samples carry only
// the native path.
type DeviceSample struct {
	Timestamp int64 `json:"timestamp"`
	Removed   bool  `json:"removed,omitempty"`
	device.Resolved
}

// Transition is a recorded change of OnBattery or OnLowBattery.
type Transition struct {
	Timestamp int64 `json:"timestamp"`
	power.Status
}

// History is everything recorded within a time range.
type History struct {
	From        int64          `json:"from"`
	To          int64          `json:"to"`
	Samples     []DeviceSample `json:"samples"`
	Transitions []Transition   `json:"transitions"`
}

// DB wraps a SQLite database of power supply history.
type DB struct {
	db *sql.DB
}

// Open opens or creates the SQLite database at the given path.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &DB{db: db}, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

// InsertDeviceSample inserts a device sample.
func (d *DB) InsertDeviceSample(s DeviceSample) error {
	_, err := d.db.Exec(
		`INSERT INTO device_samples (timestamp, native_path, removed, kind, is_present, online, state, percentage, voltage, energy_now, energy_full)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.Timestamp, s.NativePath, boolInt(s.Removed), uint32(s.Kind), boolInt(s.IsPresent), boolInt(s.Online),
		uint32(s.State), s.Percentage, s.Voltage, s.EnergyNow, s.EnergyFull,
	)
	return err
}

// InsertTransition inserts a power status transition.
func (d *DB) InsertTransition(t Transition) error {
	_, err := d.db.Exec(
		"INSERT INTO power_transitions (timestamp, on_battery, on_low_battery, percentage) VALUES (?, ?, ?, ?)",
		t.Timestamp, boolInt(t.OnBattery), boolInt(t.OnLowBattery), t.Percentage,
	)
	return err
}

const deviceColumns = "timestamp, native_path, removed, kind, is_present, online, state, percentage, voltage, energy_now, energy_full"

func scanDeviceSample(row interface{ Scan(...any) error }) (DeviceSample, error) {
	var (
		s                        DeviceSample
		kind, state              uint32
		removed, present, online int
	)
	err := row.Scan(&s.Timestamp, &s.NativePath, &removed, &kind, &present, &online, &state,
		&s.Percentage, &s.Voltage, &s.EnergyNow, &s.EnergyFull)
	if err != nil {
		return DeviceSample{}, err
	}
	s.Removed = removed != 0
	s.Kind = device.Kind(kind)
	s.IsPresent = present != 0
	s.Online = online != 0
	s.State = device.State(state)
	return s, nil
}

// LatestDeviceSample returns the most recent sample for a device, or nil if
// none was recorded.
func (d *DB) LatestDeviceSample(nativePath string) (*DeviceSample, error) {
	row := d.db.QueryRow(
		"SELECT "+deviceColumns+" FROM device_samples WHERE native_path = ? ORDER BY timestamp DESC, id DESC LIMIT 1",
		nativePath,
	)
	s, err := scanDeviceSample(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// DeviceSamplesInRange returns device samples within the given time range.
func (d *DB) DeviceSamplesInRange(from, to int64) ([]DeviceSample, error) {
	rows, err := d.db.Query(
		"SELECT "+deviceColumns+" FROM device_samples WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var samples []DeviceSample
	for rows.Next() {
		s, err := scanDeviceSample(rows)
		if err != nil {
			return nil, err
		}
		samples = append(samples, s)
	}
	return samples, rows.Err()
}

// TransitionsInRange returns power transitions within the given time range.
func (d *DB) TransitionsInRange(from, to int64) ([]Transition, error) {
	rows, err := d.db.Query(
		"SELECT timestamp, on_battery, on_low_battery, percentage FROM power_transitions WHERE timestamp >= ? AND timestamp <= ? ORDER BY timestamp, id",
		from, to,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var transitions []Transition
	for rows.Next() {
		var (
			t          Transition
			onBat, low int
		)
		if err := rows.Scan(&t.Timestamp, &onBat, &low, &t.Percentage); err != nil {
			return nil, err
		}
		t.OnBattery = onBat != 0
		t.OnLowBattery = low != 0
		transitions = append(transitions, t)
	}
	return transitions, rows.Err()
}

// HistoryInRange returns device samples and transitions within the given
// time range.
func (d *DB) HistoryInRange(from, to int64) (*History, error) {
	samples, err := d.DeviceSamplesInRange(from, to)
	if err != nil {
		return nil, fmt.Errorf("device samples: %w", err)
	}
	transitions, err := d.TransitionsInRange(from, to)
	if err != nil {
		return nil, fmt.Errorf("transitions: %w", err)
	}
	if samples == nil {
		samples = []DeviceSample{}
	}
	if transitions == nil {
		transitions = []Transition{}
	}
	return &History{From: from, To: to, Samples: samples, Transitions: transitions}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
