// Package power computes the system-wide power state from a snapshot of
// resolved devices.
package power

import "github.com/cptspacemanspiff/power-supply-daemon/internal/device"

// DefaultLowBatteryPercent is the default low-battery cutoff.
const DefaultLowBatteryPercent = 10.0

// Status is the system-wide verdict for one snapshot.
//
// Percentage is the energy-weighted charge across all present batteries and
// UPS units, or 0 when there are none or none has a known capacity.
type Status struct {
	OnBattery    bool    `json:"on_battery"`
	OnLowBattery bool    `json:"on_low_battery"`
	Percentage   float64 `json:"percentage"`
}

// Aggregate derives the system power status from a snapshot. It is a pure
// function of its input: device order does not matter and nothing is
// remembered between calls.
//
// An online mains device, or a UPS that reports it is charging, means the
// machine is on line power. Otherwise the machine is on battery as soon as
// one battery or UPS is present, whatever its charge status. A machine with
// no mains and nothing to run from is treated as being on line power.
//
// OnLowBattery is only ever set while on battery, when the aggregate
// percentage is at or below lowThresholdPercent.
func Aggregate(snapshot []device.Resolved, lowThresholdPercent float64) Status {
	linePower := false
	var supplies []device.Resolved

	for _, d := range snapshot {
		switch d.Kind {
		case device.KindMains:
			if d.Online {
				linePower = true
			}
		case device.KindBattery:
			if d.IsPresent {
				supplies = append(supplies, d)
			}
		case device.KindUps:
			if !d.IsPresent {
				continue
			}
			if d.State == device.StateCharging {
				linePower = true
			}
			supplies = append(supplies, d)
		}
	}

	var st Status
	pct, known := aggregatePercentage(supplies)
	if known {
		st.Percentage = pct
	}
	if linePower || len(supplies) == 0 {
		return st
	}

	st.OnBattery = true
	st.OnLowBattery = known && pct <= lowThresholdPercent
	return st
}

// aggregatePercentage sums energy across supplies rather than averaging
// their percentages, so one well-charged battery masks a nearly empty one
// while uniformly low batteries still read low. known is false when no
// supply has a known capacity.
func aggregatePercentage(supplies []device.Resolved) (pct float64, known bool) {
	var now, full float64
	for _, d := range supplies {
		if d.EnergyFull <= 0 {
			continue
		}
		now += d.EnergyNow
		full += d.EnergyFull
	}
	if full <= 0 {
		return 0, false
	}

	pct = now * 100 / full
	if pct > 100 {
		pct = 100
	}
	return pct, true
}
