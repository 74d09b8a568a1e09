package dbus

import (
	"fmt"

	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
	"github.com/cptspacemanspiff/power-supply-daemon/internal/power"
)

type deviceProp struct {
	name  string
	value func(device.Resolved) any
}

var deviceProps = []deviceProp{
	{"NativePath", func(d device.Resolved) any { return d.NativePath }},
	{"Type", func(d device.Resolved) any { return uint32(d.Kind) }},
	{"IsPresent", func(d device.Resolved) any { return d.IsPresent }},
	{"Online", func(d device.Resolved) any { return d.Online }},
	{"State", func(d device.Resolved) any { return uint32(d.State) }},
	{"Percentage", func(d device.Resolved) any { return d.Percentage }},
	{"Voltage", func(d device.Resolved) any { return d.Voltage }},
}

func (s *Service) DeviceAdded(d device.Resolved) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.announceDeviceLocked(d)
}

func (s *Service) DeviceRemoved(nativePath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeDeviceLocked(nativePath)
}

func (s *Service) DeviceChanged(d device.Resolved) {
	s.mu.Lock()
	defer s.mu.Unlock()

	dev, ok := s.devices[d.NativePath]
	if !ok || DevicePath(d) != dev.path {
		// The kind is part of the object path.
		s.removeDeviceLocked(d.NativePath)
		s.announceDeviceLocked(d)
		return
	}

	if dev.props != nil {
		for _, p := range deviceProps {
			if v := p.value(d); v != p.value(dev.last) {
				dev.props.SetMust(deviceIface, p.name, v)
			}
		}
	}
	dev.last = d
	s.emit("Changed")
}

func (s *Service) StatusChanged(st power.Status) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.props != nil {
		if s.props.GetMust(ifaceName, "OnBattery") != st.OnBattery {
			s.props.SetMust(ifaceName, "OnBattery", st.OnBattery)
		}
		if s.props.GetMust(ifaceName, "OnLowBattery") != st.OnLowBattery {
			s.props.SetMust(ifaceName, "OnLowBattery", st.OnLowBattery)
		}
	}
	s.emit("Changed")
}

// addDeviceLocked tracks d and, once exported, puts it on the bus.
func (s *Service) addDeviceLocked(d device.Resolved) error {
	dev := &exportedDevice{path: DevicePath(d), last: d}
	if s.conn != nil {
		m := make(map[string]*prop.Prop, len(deviceProps))
		for _, p := range deviceProps {
			m[p.name] = &prop.Prop{Value: p.value(d), Emit: prop.EmitTrue}
		}
		props, err := prop.Export(s.conn, dev.path, prop.Map{deviceIface: m})
		if err != nil {
			return fmt.Errorf("export device properties: %w", err)
		}
		dev.props = props
		if err := s.conn.Export(deviceObject{svc: s}, dev.path, deviceIface); err != nil {
			return fmt.Errorf("export device: %w", err)
		}
		node := &introspect.Node{
			Name: string(dev.path),
			Interfaces: []introspect.Interface{
				introspect.IntrospectData,
				prop.IntrospectData,
				deviceInterface(props.Introspection(deviceIface)),
			},
		}
		if err := s.conn.Export(introspect.NewIntrospectable(node), dev.path, "org.freedesktop.DBus.Introspectable"); err != nil {
			return fmt.Errorf("export device introspection: %w", err)
		}
	}
	s.devices[d.NativePath] = dev
	return nil
}

func (s *Service) announceDeviceLocked(d device.Resolved) {
	if err := s.addDeviceLocked(d); err != nil {
		s.log.Error("failed to export device", "native_path", d.NativePath, "err", err)
		return
	}
	s.emit("DeviceAdded", s.devices[d.NativePath].path)
	s.emit("Changed")
}

func (s *Service) removeDeviceLocked(nativePath string) {
	dev, ok := s.devices[nativePath]
	if !ok {
		return
	}
	delete(s.devices, nativePath)
	if s.conn != nil {
		for _, iface := range []string{deviceIface, "org.freedesktop.DBus.Properties", "org.freedesktop.DBus.Introspectable"} {
			_ = s.conn.Export(nil, dev.path, iface)
		}
	}
	s.emit("DeviceRemoved", dev.path)
	s.emit("Changed")
}

func (s *Service) emit(signal string, args ...any) {
	if s.conn == nil {
		return
	}
	if err := s.conn.Emit(objPath, ifaceName+"."+signal, args...); err != nil {
		s.log.Warn("failed to emit signal", "signal", signal, "err", err)
	}
}
