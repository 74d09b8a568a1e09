package collector

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
)

// sysfsRoot is overridden by tests.
var sysfsRoot = "/sys"

const ueventPrefix = "POWER_SUPPLY_"

// SysfsSource enumerates /sys/class/power_supply.
type SysfsSource struct {
	root string
}

// NewSysfsSource reads power supplies below root. An empty root means /sys.
func NewSysfsSource(root string) *SysfsSource {
	return &SysfsSource{root: root}
}

// Enumerate returns one report per power supply. A supply whose uevent
// cannot be read is reported with Err set. A missing power_supply class
// (containers, desktops without ACPI power devices) yields no devices.
func (s *SysfsSource) Enumerate(ctx context.Context) ([]device.Report, error) {
	root := s.root
	if root == "" {
		root = sysfsRoot
	}
	classDir := filepath.Join(root, "class/power_supply")

	entries, err := os.ReadDir(classDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read power_supply class: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	reports := make([]device.Report, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rep := device.Report{ID: name, Subsystem: device.SubsystemPowerSupply}
		data, err := os.ReadFile(filepath.Join(classDir, name, "uevent"))
		if err != nil {
			rep.Err = fmt.Errorf("read uevent: %w", err)
		} else {
			rep.Attributes = normalizeUevent(parseUevent(string(data)))
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func parseUevent(data string) map[string]string {
	props := make(map[string]string)
	for _, line := range strings.Split(data, "\n") {
		if k, v, ok := strings.Cut(strings.TrimSpace(line), "="); ok {
			props[k] = v
		}
	}
	return props
}

// normalizeUevent keeps the POWER_SUPPLY_* properties under their sysfs
// attribute names (POWER_SUPPLY_ENERGY_NOW becomes energy_now).
//
// Batteries that only report charge (µAh) get energy_now and energy_full
// derived from the design voltage, or the present voltage when no design
// voltage is given.
func normalizeUevent(props map[string]string) map[string]string {
	attrs := make(map[string]string, len(props))
	for k, v := range props {
		if name, ok := strings.CutPrefix(k, ueventPrefix); ok {
			attrs[strings.ToLower(name)] = v
		}
	}

	if _, ok := attrs[device.AttrEnergyFull]; ok {
		return attrs
	}
	voltage := readInt(attrs["voltage_min_design"])
	if voltage <= 0 {
		voltage = readInt(attrs[device.AttrVoltageNow])
	}
	if voltage <= 0 {
		return attrs
	}
	for charge, energy := range map[string]string{
		"charge_now":  device.AttrEnergyNow,
		"charge_full": device.AttrEnergyFull,
	} {
		if v, ok := attrs[charge]; ok {
			// µAh * µV / 1e6 = µWh
			attrs[energy] = strconv.FormatInt(readInt(v)*(voltage/1000)/1000, 10)
		}
	}
	return attrs
}

func readInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
