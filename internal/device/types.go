// Package device turns the raw attribute maps reported for each power supply
// into typed records.
//
// Classification picks exactly one Kind from a device's subsystem and type
// marker. Resolution derives the observable properties for that kind and
// never fails: unreadable or malformed attributes fall back to the neutral
// zero value of the affected field.
package device

import "fmt"

// Kind is the closed set of power supply kinds. The numbering matches the
// UPower device type enumeration so it can be exported over D-Bus unchanged.
type Kind uint32

const (
	KindMains   Kind = 1
	KindBattery Kind = 2
	KindUps     Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindMains:
		return "line_power"
	case KindBattery:
		return "battery"
	case KindUps:
		return "ups"
	default:
		return fmt.Sprintf("kind(%d)", uint32(k))
	}
}

// State is the charge state of a battery or UPS, numbered as in UPower.
type State uint32

const (
	StateUnknown      State = 0
	StateCharging     State = 1
	StateDischarging  State = 2
	StateEmpty        State = 3
	StateFullyCharged State = 4
)

func (s State) String() string {
	switch s {
	case StateCharging:
		return "charging"
	case StateDischarging:
		return "discharging"
	case StateEmpty:
		return "empty"
	case StateFullyCharged:
		return "fully-charged"
	default:
		return "unknown"
	}
}

// Report is one device as delivered by an attribute source. Attributes is
// always the complete map for the device, never a diff. A non-nil Err means
// the read failed and the previous resolution of ID should be kept.
type Report struct {
	ID         string
	Subsystem  string
	Attributes map[string]string
	Err        error
}

// Device is a classified power supply. Raw is owned by the Device and must
// not be modified.
type Device struct {
	ID   string
	Kind Kind
	Raw  map[string]string
}

// Resolved holds the observable properties of a device. Fields that do not
// apply to the device's kind stay at their zero value.
//
// EnergyNow and EnergyFull feed the aggregate percentage: µWh for batteries
// with a known capacity, the reported percentage over 100 for UPS units, and
// zero when the capacity is unknown.
type Resolved struct {
	NativePath string  `json:"native_path"`
	Kind       Kind    `json:"type"`
	IsPresent  bool    `json:"is_present"`
	Online     bool    `json:"online"`
	State      State   `json:"state"`
	Percentage float64 `json:"percentage"`
	Voltage    float64 `json:"voltage"`
	EnergyNow  float64 `json:"energy_now"`
	EnergyFull float64 `json:"energy_full"`
}
