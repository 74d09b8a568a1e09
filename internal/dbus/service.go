// Package dbus publishes the engine's power state on D-Bus.
package dbus

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	godbus "github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"golang.org/x/time/rate"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/engine"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/power"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/storage"
)

const (
	busName     = "org.freedesktop.PowerSupply"
	objPath     = "/org/freedesktop/PowerSupply"
	ifaceName   = "org.freedesktop.PowerSupply"
	deviceIface = ifaceName + ".Device"
	devicesPath = objPath + "/devices/"

	errNoSuchDevice = ifaceName + ".Error.NoSuchDevice"
	errRateLimited  = ifaceName + ".Error.RateLimited"
	errNoHistory    = ifaceName + ".Error.NoHistory"
	errInvalidRange = ifaceName + ".Error.InvalidRange"

	maxHistoryRangeSeconds = 86400 * 365
)

// StateReader is the read side of the engine.
type StateReader interface {
	Snapshot() *engine.Snapshot
}

// HistoryReader serves recorded samples.
type HistoryReader interface {
	HistoryInRange(from, to int64) (*storage.History, error)
}

// Service exposes the power state over D-Bus. It implements engine.Notifier;
// notifications update exported properties and emit signals.
type Service struct {
	state   StateReader
	history HistoryReader
	log     *slog.Logger

	refresh chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	conn    *godbus.Conn
	props   *prop.Properties
	devices map[string]*exportedDevice
}

type exportedDevice struct {
	path  godbus.ObjectPath
	last  device.Resolved
	props *prop.Properties
}

// NewService creates a new D-Bus service. history may be nil when storage is
// disabled.
func NewService(state StateReader, history HistoryReader, logger *slog.Logger) *Service {
	return &Service{
		state:   state,
		history: history,
		log:     logger,
		refresh: make(chan struct{}, 1),
		limiter: rate.NewLimiter(1, 3),
		devices: make(map[string]*exportedDevice),
	}
}

// RefreshRequests delivers client requests for an immediate re-read.
// Requests made while one is pending are coalesced.
func (s *Service) RefreshRequests() <-chan struct{} {
	return s.refresh
}

// Export registers the service on conn and claims the bus name. The current
// snapshot is exported first, so clients never see an empty device list
// after a coldplug.
func (s *Service) Export(conn *godbus.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := s.state.Snapshot()
	props, err := prop.Export(conn, objPath, prop.Map{
		ifaceName: {
			"OnBattery":     {Value: snap.Status.OnBattery, Emit: prop.EmitTrue},
			"OnLowBattery":  {Value: snap.Status.OnLowBattery, Emit: prop.EmitTrue},
			"DaemonVersion": {Value: engine.Version, Emit: prop.EmitConst},
		},
	})
	if err != nil {
		return fmt.Errorf("export properties: %w", err)
	}
	s.conn = conn
	s.props = props

	if err := conn.Export(s, objPath, ifaceName); err != nil {
		return fmt.Errorf("export %s: %w", ifaceName, err)
	}
	node := &introspect.Node{
		Name: objPath,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
			rootInterface(props.Introspection(ifaceName)),
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), objPath, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("export introspection: %w", err)
	}

	s.devices = make(map[string]*exportedDevice, len(snap.Devices))
	for _, d := range snap.Devices {
		if err := s.addDeviceLocked(d); err != nil {
			return err
		}
	}

	reply, err := conn.RequestName(busName, godbus.NameFlagDoNotQueue)
	if err != nil {
		return fmt.Errorf("request name: %w", err)
	}
	if reply != godbus.RequestNameReplyPrimaryOwner {
		return fmt.Errorf("name %s already taken", busName)
	}
	return nil
}

func rootInterface(props []introspect.Property) introspect.Interface {
	jsonOut := introspect.Arg{Name: "json", Type: "s", Direction: "out"}
	return introspect.Interface{
		Name: ifaceName,
		Methods: []introspect.Method{
			{Name: "EnumerateDevices", Args: []introspect.Arg{{Name: "devices", Type: "ao", Direction: "out"}}},
			{Name: "GetStatusJSON", Args: []introspect.Arg{jsonOut}},
			{Name: "GetDeviceJSON", Args: []introspect.Arg{{Name: "native_path", Type: "s", Direction: "in"}, jsonOut}},
			{Name: "GetHistory", Args: []introspect.Arg{
				{Name: "from_epoch", Type: "x", Direction: "in"},
				{Name: "to_epoch", Type: "x", Direction: "in"},
				jsonOut,
			}},
		},
		Signals: []introspect.Signal{
			{Name: "DeviceAdded", Args: []introspect.Arg{{Name: "device", Type: "o"}}},
			{Name: "DeviceRemoved", Args: []introspect.Arg{{Name: "device", Type: "o"}}},
			{Name: "Changed"},
		},
		Properties: props,
	}
}

func deviceInterface(props []introspect.Property) introspect.Interface {
	return introspect.Interface{
		Name:       deviceIface,
		Methods:    []introspect.Method{{Name: "Refresh"}},
		Properties: props,
	}
}

// DevicePath returns the object path of a device: its kind and native path,
// with every byte outside [A-Za-z0-9] escaped as _xx.
func DevicePath(d device.Resolved) godbus.ObjectPath {
	var b strings.Builder
	b.WriteString(devicesPath)
	b.WriteString(d.Kind.String())
	b.WriteByte('_')
	for i := 0; i < len(d.NativePath); i++ {
		c := d.NativePath[i]
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "_%02x", c)
		}
	}
	return godbus.ObjectPath(b.String())
}

// EnumerateDevices returns the object paths of all published devices.
func (s *Service) EnumerateDevices() ([]godbus.ObjectPath, *godbus.Error) {
	snap := s.state.Snapshot()
	paths := make([]godbus.ObjectPath, 0, len(snap.Devices))
	for _, d := range snap.Devices {
		paths = append(paths, DevicePath(d))
	}
	return paths, nil
}

type statusJSON struct {
	power.Status
	DaemonVersion string `json:"daemon_version"`
	Generation    uint64 `json:"generation"`
	Devices       int    `json:"devices"`
}

// GetStatusJSON returns the aggregate power status as JSON.
func (s *Service) GetStatusJSON() (string, *godbus.Error) {
	snap := s.state.Snapshot()
	return marshal(statusJSON{
		Status:        snap.Status,
		DaemonVersion: engine.Version,
		Generation:    snap.Generation,
		Devices:       len(snap.Devices),
	})
}

// GetDeviceJSON returns one resolved device as JSON.
func (s *Service) GetDeviceJSON(nativePath string) (string, *godbus.Error) {
	d, ok := s.state.Snapshot().Device(nativePath)
	if !ok {
		return "", godbus.NewError(errNoSuchDevice, []interface{}{fmt.Sprintf("no device %q", nativePath)})
	}
	return marshal(d)
}

// GetHistory returns recorded device samples and power transitions in a time
// range as JSON.
func (s *Service) GetHistory(fromEpoch, toEpoch int64) (string, *godbus.Error) {
	if err := validateRange(fromEpoch, toEpoch); err != nil {
		return "", err
	}
	if s.history == nil {
		return "", godbus.NewError(errNoHistory, []interface{}{"history storage is disabled"})
	}
	h, err := s.history.HistoryInRange(fromEpoch, toEpoch)
	if err != nil {
		s.log.Error("history query failed", "from", fromEpoch, "to", toEpoch, "err", err)
		return "", godbus.MakeFailedError(err)
	}
	return marshal(h)
}

func validateRange(from, to int64) *godbus.Error {
	switch {
	case from < 0:
		return godbus.NewError(errInvalidRange, []interface{}{fmt.Sprintf("from_epoch must not be negative, got %d", from)})
	case to < from:
		return godbus.NewError(errInvalidRange, []interface{}{fmt.Sprintf("to_epoch %d is before from_epoch %d", to, from)})
	case to-from > maxHistoryRangeSeconds:
		return godbus.NewError(errInvalidRange, []interface{}{fmt.Sprintf("range of %d seconds exceeds %d", to-from, maxHistoryRangeSeconds)})
	}
	return nil
}

func (s *Service) requestRefresh() *godbus.Error {
	if !s.limiter.Allow() {
		return godbus.NewError(errRateLimited, []interface{}{"refresh requested too often"})
	}
	select {
	case s.refresh <- struct{}{}:
	default:
	}
	return nil
}

func marshal(v any) (string, *godbus.Error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", godbus.MakeFailedError(err)
	}
	return string(data), nil
}

// deviceObject is exported on each device path.
type deviceObject struct {
	svc *Service
}

// Refresh asks the daemon to re-read all power supplies.
func (o deviceObject) Refresh() *godbus.Error {
	return o.svc.requestRefresh()
}
