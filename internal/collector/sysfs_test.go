package collector

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
)

func setTestSysfsRoot(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	oldRoot := sysfsRoot
	sysfsRoot = root
	t.Cleanup(func() {
		sysfsRoot = oldRoot
	})

	return root
}

func writeTestFile(t *testing.T, path, contents string) {
	t.Helper()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func writeUevent(t *testing.T, root, name string, lines ...string) {
	t.Helper()
	writeTestFile(t, filepath.Join(root, "class/power_supply", name, "uevent"), strings.Join(append(lines, ""), "\n"))
}

func TestEnumerate_ParsesUevent(t *testing.T) {
	root := setTestSysfsRoot(t)
	writeUevent(t, root, "BAT0",
		"POWER_SUPPLY_NAME=BAT0",
		"POWER_SUPPLY_TYPE=Battery",
		"POWER_SUPPLY_STATUS=Discharging",
		"POWER_SUPPLY_PRESENT=1",
		"POWER_SUPPLY_VOLTAGE_NOW=12345000",
		"POWER_SUPPLY_ENERGY_NOW=40000000",
		"POWER_SUPPLY_ENERGY_FULL=50000000",
	)
	writeUevent(t, root, "AC",
		"POWER_SUPPLY_NAME=AC",
		"POWER_SUPPLY_TYPE=Mains",
		"POWER_SUPPLY_ONLINE=0",
	)

	reports, err := NewSysfsSource("").Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if len(reports) != 2 {
		t.Fatalf("len(reports) = %d, want 2", len(reports))
	}
	// Sorted by directory name.
	if reports[0].ID != "AC" || reports[1].ID != "BAT0" {
		t.Fatalf("IDs = %q, %q, want AC, BAT0", reports[0].ID, reports[1].ID)
	}

	bat := reports[1]
	if bat.Subsystem != device.SubsystemPowerSupply {
		t.Fatalf("Subsystem = %q, want %q", bat.Subsystem, device.SubsystemPowerSupply)
	}
	if bat.Err != nil {
		t.Fatalf("Err = %v, want nil", bat.Err)
	}
	want := map[string]string{
		"type":        "Battery",
		"status":      "Discharging",
		"present":     "1",
		"voltage_now": "12345000",
		"energy_now":  "40000000",
		"energy_full": "50000000",
	}
	for k, v := range want {
		if got := bat.Attributes[k]; got != v {
			t.Fatalf("Attributes[%q] = %q, want %q", k, got, v)
		}
	}

	r, err := device.ClassifyAndResolve(bat.ID, bat.Subsystem, bat.Attributes)
	if err != nil {
		t.Fatalf("ClassifyAndResolve() error = %v", err)
	}
	if r.Percentage != 80 {
		t.Fatalf("Percentage = %v, want 80", r.Percentage)
	}
}

func TestEnumerate_ExplicitRootWinsOverDefault(t *testing.T) {
	_ = setTestSysfsRoot(t)
	other := t.TempDir()
	writeUevent(t, other, "AC", "POWER_SUPPLY_TYPE=Mains", "POWER_SUPPLY_ONLINE=1")

	reports, err := NewSysfsSource(other).Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if len(reports) != 1 || reports[0].Attributes["online"] != "1" {
		t.Fatalf("reports = %+v, want one online AC", reports)
	}
}

func TestEnumerate_DerivesEnergyFromCharge(t *testing.T) {
	root := setTestSysfsRoot(t)
	writeUevent(t, root, "BAT0",
		"POWER_SUPPLY_TYPE=Battery",
		"POWER_SUPPLY_PRESENT=1",
		"POWER_SUPPLY_VOLTAGE_MIN_DESIGN=11400000",
		"POWER_SUPPLY_VOLTAGE_NOW=12000000",
		"POWER_SUPPLY_CHARGE_NOW=2500000",
		"POWER_SUPPLY_CHARGE_FULL=5000000",
	)

	reports, err := NewSysfsSource("").Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	attrs := reports[0].Attributes
	if attrs["energy_now"] != "28500000" {
		t.Fatalf("energy_now = %q, want 28500000", attrs["energy_now"])
	}
	if attrs["energy_full"] != "57000000" {
		t.Fatalf("energy_full = %q, want 57000000", attrs["energy_full"])
	}
}

func TestEnumerate_ChargeFallsBackToVoltageNow(t *testing.T) {
	root := setTestSysfsRoot(t)
	writeUevent(t, root, "BAT1",
		"POWER_SUPPLY_TYPE=Battery",
		"POWER_SUPPLY_VOLTAGE_NOW=10000000",
		"POWER_SUPPLY_CHARGE_FULL=3000000",
	)

	reports, err := NewSysfsSource("").Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if got := reports[0].Attributes["energy_full"]; got != "30000000" {
		t.Fatalf("energy_full = %q, want 30000000", got)
	}
	if _, ok := reports[0].Attributes["energy_now"]; ok {
		t.Fatal("energy_now derived without charge_now")
	}
}

func TestEnumerate_EnergyNotOverwritten(t *testing.T) {
	root := setTestSysfsRoot(t)
	writeUevent(t, root, "BAT0",
		"POWER_SUPPLY_TYPE=Battery",
		"POWER_SUPPLY_VOLTAGE_MIN_DESIGN=11400000",
		"POWER_SUPPLY_CHARGE_FULL=5000000",
		"POWER_SUPPLY_ENERGY_FULL=1000",
	)

	reports, err := NewSysfsSource("").Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v", err)
	}
	if got := reports[0].Attributes["energy_full"]; got != "1000" {
		t.Fatalf("energy_full = %q, want 1000", got)
	}
}

func TestEnumerate_NoPowerSupplyClass(t *testing.T) {
	_ = setTestSysfsRoot(t)

	reports, err := NewSysfsSource("").Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v, want nil", err)
	}
	if len(reports) != 0 {
		t.Fatalf("len(reports) = %d, want 0", len(reports))
	}
}

func TestEnumerate_UeventReadError(t *testing.T) {
	root := setTestSysfsRoot(t)
	if err := os.MkdirAll(filepath.Join(root, "class/power_supply/BAT0"), 0o755); err != nil {
		t.Fatalf("mkdir BAT0: %v", err)
	}

	reports, err := NewSysfsSource("").Enumerate(context.Background())
	if err != nil {
		t.Fatalf("Enumerate() error = %v, want per-device error", err)
	}
	if len(reports) != 1 {
		t.Fatalf("len(reports) = %d, want 1", len(reports))
	}
	if reports[0].Err == nil {
		t.Fatal("Err = nil, want read uevent error")
	}
	if !strings.Contains(reports[0].Err.Error(), "read uevent") {
		t.Fatalf("Err = %q, want contains %q", reports[0].Err.Error(), "read uevent")
	}
}

func TestEnumerate_CanceledContext(t *testing.T) {
	root := setTestSysfsRoot(t)
	writeUevent(t, root, "AC", "POWER_SUPPLY_TYPE=Mains")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewSysfsSource("").Enumerate(ctx); err == nil {
		t.Fatal("Enumerate() error = nil, want context error")
	}
}

func TestParseUevent_IgnoresMalformedLines(t *testing.T) {
	props := parseUevent("POWER_SUPPLY_ONLINE=1\ngarbage\n\n  POWER_SUPPLY_TYPE=Mains  \n")
	if len(props) != 2 {
		t.Fatalf("len(props) = %d, want 2: %v", len(props), props)
	}
	if props["POWER_SUPPLY_TYPE"] != "Mains" {
		t.Fatalf("TYPE = %q, want Mains", props["POWER_SUPPLY_TYPE"])
	}
}
