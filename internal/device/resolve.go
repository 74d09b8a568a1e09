package device

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Attribute names read by Resolve. Power supply attributes use the sysfs
// names with the POWER_SUPPLY_ prefix stripped and lower-cased.
const (
	AttrOnline     = "online"
	AttrPresent    = "present"
	AttrStatus     = "status"
	AttrEnergyNow  = "energy_now"
	AttrEnergyFull = "energy_full"
	AttrVoltageNow = "voltage_now"
	AttrCharging   = "charging"
	AttrPercentage = "percentage"
)

// Resolve derives the observable properties of a classified device. It is
// total: missing or malformed attributes resolve to conservative defaults
// (not present, Unknown, 0%).
func Resolve(d Device) Resolved {
	r := Resolved{NativePath: d.ID, Kind: d.Kind}
	switch d.Kind {
	case KindMains:
		resolveMains(&r, d.Raw)
	case KindBattery:
		resolveBattery(&r, d.Raw)
	case KindUps:
		resolveUps(&r, d.Raw)
	default:
		// Only Classify constructs devices.
		panic(fmt.Sprintf("device %s: unclassified kind %d", d.ID, uint32(d.Kind)))
	}
	return r
}

func resolveMains(r *Resolved, raw map[string]string) {
	r.IsPresent = true
	r.Online = attr(raw, AttrOnline, "0") == "1"
}

func resolveBattery(r *Resolved, raw map[string]string) {
	r.IsPresent = attr(raw, AttrPresent, "0") == "1"
	if !r.IsPresent {
		return
	}

	r.State = ParseState(raw[AttrStatus])
	r.Voltage = float64(parseMicro(raw[AttrVoltageNow])) / 1e6

	now := parseMicro(raw[AttrEnergyNow])
	full := parseMicro(raw[AttrEnergyFull])
	if full <= 0 {
		return
	}
	if now > full {
		now = full
	}
	r.EnergyNow = float64(now)
	r.EnergyFull = float64(full)
	r.Percentage = clampPercent(r.EnergyNow * 100 / r.EnergyFull)
}

func resolveUps(r *Resolved, raw map[string]string) {
	r.IsPresent = true
	if attr(raw, AttrCharging, "0") == "1" {
		r.State = StateCharging
	} else {
		r.State = StateDischarging
	}

	pct, err := strconv.ParseFloat(strings.TrimSpace(raw[AttrPercentage]), 64)
	if err != nil {
		pct = 0
	}
	r.Percentage = clampPercent(pct)
	r.EnergyNow = r.Percentage
	r.EnergyFull = 100
}

// ParseState maps a raw status string to a State, ignoring case and
// surrounding whitespace. Unrecognised strings map to StateUnknown.
func ParseState(status string) State {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "charging":
		return StateCharging
	case "discharging":
		return StateDischarging
	case "full":
		return StateFullyCharged
	case "empty":
		return StateEmpty
	default:
		return StateUnknown
	}
}

func attr(raw map[string]string, key, def string) string {
	v, ok := raw[key]
	if !ok {
		return def
	}
	return strings.TrimSpace(v)
}

// parseMicro reads a non-negative integer sysfs reading. Anything that does
// not parse, including out-of-range values, reads as 0.
func parseMicro(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

func clampPercent(p float64) float64 {
	switch {
	case math.IsNaN(p), p < 0:
		return 0
	case p > 100:
		return 100
	default:
		return p
	}
}
