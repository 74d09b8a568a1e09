package device

import (
	"errors"
	"fmt"
	"maps"
	"strings"
)

// Subsystems understood by Classify.
const (
	SubsystemPowerSupply = "power_supply"
	SubsystemUSB         = "usb"
)

// AttrType is the attribute carrying the kind marker.
const AttrType = "type"

// ErrUnknownKind is matched by every ClassificationError.
var ErrUnknownKind = errors.New("unknown power supply kind")

// ClassificationError reports a device whose subsystem and type marker do
// not name a known kind. The device is excluded from the snapshot.
type ClassificationError struct {
	ID        string
	Subsystem string
	Type      string
}

func (e *ClassificationError) Error() string {
	return fmt.Sprintf("classify %s: subsystem %q type %q: %v", e.ID, e.Subsystem, e.Type, ErrUnknownKind)
}

func (e *ClassificationError) Unwrap() error {
	return ErrUnknownKind
}

// Classify picks the kind of a device from its subsystem and type marker
// alone. It never looks at which other attributes happen to be present.
func Classify(id, subsystem string, attrs map[string]string) (Device, error) {
	typ := strings.TrimSpace(attrs[AttrType])

	var kind Kind
	switch subsystem {
	case SubsystemPowerSupply:
		switch strings.ToLower(typ) {
		case "mains":
			kind = KindMains
		case "battery":
			kind = KindBattery
		}
	case SubsystemUSB:
		if strings.EqualFold(typ, "ups") {
			kind = KindUps
		}
	}
	if kind == 0 {
		return Device{}, &ClassificationError{ID: id, Subsystem: subsystem, Type: typ}
	}

	return Device{ID: id, Kind: kind, Raw: maps.Clone(attrs)}, nil
}

// ClassifyAndResolve classifies a device and resolves its properties. The
// only possible error is a *ClassificationError.
func ClassifyAndResolve(id, subsystem string, attrs map[string]string) (Resolved, error) {
	d, err := Classify(id, subsystem, attrs)
	if err != nil {
		return Resolved{}, err
	}
	return Resolve(d), nil
}
