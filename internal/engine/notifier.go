package engine

import (
	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/power"
)

// Notifier receives changes after each published snapshot. Calls are made on
// the writer goroutine, in the order removed, added/changed (by native path),
// then status.
type Notifier interface {
	DeviceAdded(d device.Resolved)
	DeviceRemoved(nativePath string)
	DeviceChanged(d device.Resolved)
	// StatusChanged is only called when OnBattery or OnLowBattery flips.
	StatusChanged(st power.Status)
}

// Multi fans every notification out to each notifier in order.
type Multi []Notifier

func (m Multi) DeviceAdded(d device.Resolved) {
	for _, n := range m {
		n.DeviceAdded(d)
	}
}

func (m Multi) DeviceRemoved(nativePath string) {
	for _, n := range m {
		n.DeviceRemoved(nativePath)
	}
}

func (m Multi) DeviceChanged(d device.Resolved) {
	for _, n := range m {
		n.DeviceChanged(d)
	}
}

func (m Multi) StatusChanged(st power.Status) {
	for _, n := range m {
		n.StatusChanged(st)
	}
}

type nopNotifier struct{}

func (nopNotifier) DeviceAdded(device.Resolved)   {}
func (nopNotifier) DeviceRemoved(string)          {}
func (nopNotifier) DeviceChanged(device.Resolved) {}
func (nopNotifier) StatusChanged(power.Status)    {}
