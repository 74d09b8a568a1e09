package power

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cptspacemanspiff/power-supply-daemon/internal/device"
)

func mains(path string, online bool) device.Resolved {
	online01 := "0"
	if online {
		online01 = "1"
	}
	return resolve(path, device.SubsystemPowerSupply, map[string]string{"type": "Mains", "online": online01})
}

func battery(path, status, now, full string) device.Resolved {
	return resolve(path, device.SubsystemPowerSupply, map[string]string{
		"type": "Battery", "present": "1", "status": status,
		"energy_now": now, "energy_full": full,
	})
}

func ups(path, charging, pct string) device.Resolved {
	return resolve(path, device.SubsystemUSB, map[string]string{"type": "UPS", "charging": charging, "percentage": pct})
}

func resolve(path, subsystem string, attrs map[string]string) device.Resolved {
	r, err := device.ClassifyAndResolve(path, subsystem, attrs)
	if err != nil {
		panic(err)
	}
	return r
}

func TestAggregate_EmptySnapshot(t *testing.T) {
	st := Aggregate(nil, DefaultLowBatteryPercent)
	assert.Equal(t, Status{}, st)
}

func TestAggregate_OnlineMainsOverridesBatteries(t *testing.T) {
	snapshots := [][]device.Resolved{
		{mains("AC", true)},
		{mains("AC", true), battery("BAT0", "Discharging", "1000", "60000000")},
		{mains("AC", true), battery("BAT0", "bogus", "0", "60000000"), ups("ups", "0", "1")},
		{mains("AC0", false), mains("AC1", true), battery("BAT0", "Discharging", "1", "100")},
	}
	for i, snap := range snapshots {
		st := Aggregate(snap, DefaultLowBatteryPercent)
		assert.False(t, st.OnBattery, "snapshot %d", i)
		assert.False(t, st.OnLowBattery, "snapshot %d", i)
	}
}

func TestAggregate_OfflineMainsWithoutSuppliesIsNotOnBattery(t *testing.T) {
	st := Aggregate([]device.Resolved{mains("AC", false)}, DefaultLowBatteryPercent)
	assert.False(t, st.OnBattery)
	assert.False(t, st.OnLowBattery)

	absent := resolve("BAT0", device.SubsystemPowerSupply, map[string]string{"type": "Battery", "present": "0"})
	st = Aggregate([]device.Resolved{mains("AC", false), absent}, DefaultLowBatteryPercent)
	assert.False(t, st.OnBattery, "an absent battery supplies nothing")
}

func TestAggregate_PresenceAloneMeansOnBattery(t *testing.T) {
	for _, status := range []string{"Discharging", "Charging", "Full", "Empty", "Not charging", ""} {
		st := Aggregate([]device.Resolved{
			mains("AC", false),
			battery("BAT0", status, "48000000", "60000000"),
		}, DefaultLowBatteryPercent)
		assert.True(t, st.OnBattery, "status %q", status)
	}
}

// Absence of any mains device is treated exactly like an offline one.
func TestAggregate_NoMainsDeviceBatteryWithUnknownStatus(t *testing.T) {
	st := Aggregate([]device.Resolved{battery("BAT0", "Unknown", "48000000", "60000000")}, DefaultLowBatteryPercent)
	assert.True(t, st.OnBattery)
	assert.False(t, st.OnLowBattery)
	assert.InDelta(t, 80.0, st.Percentage, 1e-9)
}

func TestAggregate_SingleBattery(t *testing.T) {
	st := Aggregate([]device.Resolved{
		mains("AC", false),
		battery("BAT0", "Discharging", "48000000", "60000000"),
	}, DefaultLowBatteryPercent)
	assert.True(t, st.OnBattery)
	assert.False(t, st.OnLowBattery)
	assert.InDelta(t, 80.0, st.Percentage, 1e-9)

	st = Aggregate([]device.Resolved{
		mains("AC", false),
		battery("BAT0", "Discharging", "1500000", "60000000"),
	}, DefaultLowBatteryPercent)
	assert.True(t, st.OnBattery)
	assert.True(t, st.OnLowBattery)
	assert.InDelta(t, 2.5, st.Percentage, 1e-9)
}

func TestAggregate_SummedEnergyAcrossBatteries(t *testing.T) {
	st := Aggregate([]device.Resolved{
		mains("AC", false),
		battery("BAT0", "Discharging", "48000000", "60000000"),
		battery("BAT1", "Discharging", "1500000", "60000000"),
	}, DefaultLowBatteryPercent)
	assert.True(t, st.OnBattery)
	assert.False(t, st.OnLowBattery, "a healthy battery masks a low one")
	assert.InDelta(t, 41.25, st.Percentage, 1e-9)

	st = Aggregate([]device.Resolved{
		mains("AC", false),
		battery("BAT0", "Discharging", "1500000", "60000000"),
		battery("BAT1", "Discharging", "1500000", "60000000"),
	}, DefaultLowBatteryPercent)
	assert.True(t, st.OnLowBattery)
	assert.InDelta(t, 2.5, st.Percentage, 1e-9)
}

func TestAggregate_WeightsByCapacity(t *testing.T) {
	// 90% of a small battery plus 5% of a big one is well under the mean.
	st := Aggregate([]device.Resolved{
		battery("BAT0", "Discharging", "9000000", "10000000"),
		battery("BAT1", "Discharging", "4500000", "90000000"),
	}, 20)
	assert.InDelta(t, 13.5, st.Percentage, 1e-9)
	assert.True(t, st.OnLowBattery)
}

func TestAggregate_ThresholdIsInclusiveAndTunable(t *testing.T) {
	snap := []device.Resolved{battery("BAT0", "Discharging", "6000000", "60000000")}

	assert.True(t, Aggregate(snap, 10).OnLowBattery, "threshold is inclusive")
	assert.False(t, Aggregate(snap, 9.9).OnLowBattery)
	assert.True(t, Aggregate(snap, 50).OnLowBattery)
	assert.False(t, Aggregate(snap, 0).OnLowBattery)
}

func TestAggregate_UnknownCapacityIsNotLow(t *testing.T) {
	st := Aggregate([]device.Resolved{
		mains("AC", false),
		battery("BAT0", "Discharging", "0", "0"),
	}, DefaultLowBatteryPercent)
	assert.True(t, st.OnBattery)
	assert.False(t, st.OnLowBattery)
	assert.Zero(t, st.Percentage)
}

func TestAggregate_UnknownCapacityExcludedFromSum(t *testing.T) {
	st := Aggregate([]device.Resolved{
		battery("BAT0", "Discharging", "30000000", "60000000"),
		battery("BAT1", "Discharging", "5", "0"),
	}, DefaultLowBatteryPercent)
	assert.InDelta(t, 50.0, st.Percentage, 1e-9)
}

func TestAggregate_Ups(t *testing.T) {
	st := Aggregate([]device.Resolved{ups("ups@localhost", "1", "70")}, DefaultLowBatteryPercent)
	assert.False(t, st.OnBattery, "a charging UPS is on line power")
	assert.InDelta(t, 70.0, st.Percentage, 1e-9)

	st = Aggregate([]device.Resolved{ups("ups@localhost", "0", "70")}, DefaultLowBatteryPercent)
	assert.True(t, st.OnBattery)
	assert.False(t, st.OnLowBattery)

	st = Aggregate([]device.Resolved{ups("ups@localhost", "0", "8")}, DefaultLowBatteryPercent)
	assert.True(t, st.OnLowBattery)
}

func TestAggregate_UpsMergesIntoEnergySum(t *testing.T) {
	// A UPS counts as 100 units of capacity.
	st := Aggregate([]device.Resolved{
		ups("ups@localhost", "0", "50"),
		battery("BAT0", "Discharging", "10", "100"),
	}, DefaultLowBatteryPercent)
	assert.InDelta(t, 30.0, st.Percentage, 1e-9)
}

func TestAggregate_OrderIndependent(t *testing.T) {
	a := mains("AC", false)
	b := battery("BAT0", "Discharging", "1500000", "60000000")
	c := battery("BAT1", "Charging", "48000000", "60000000")
	d := ups("ups@localhost", "0", "20")

	want := Aggregate([]device.Resolved{a, b, c, d}, DefaultLowBatteryPercent)
	for _, snap := range [][]device.Resolved{
		{d, c, b, a},
		{b, a, d, c},
		{c, d, a, b},
	} {
		assert.Equal(t, want, Aggregate(snap, DefaultLowBatteryPercent))
	}
}

func TestAggregate_Idempotent(t *testing.T) {
	snap := []device.Resolved{mains("AC", false), battery("BAT0", "Discharging", "1500000", "60000000")}
	first := Aggregate(snap, DefaultLowBatteryPercent)
	second := Aggregate(snap, DefaultLowBatteryPercent)
	assert.Equal(t, first, second)
}

func TestAggregate_LowImpliesOnBattery(t *testing.T) {
	snaps := [][]device.Resolved{
		nil,
		{mains("AC", true), battery("BAT0", "Discharging", "1", "100")},
		{mains("AC", false), battery("BAT0", "Discharging", "1", "100")},
		{ups("u", "1", "1")},
		{ups("u", "0", "1")},
		{battery("BAT0", "Discharging", "0", "0")},
	}
	for i, snap := range snaps {
		st := Aggregate(snap, DefaultLowBatteryPercent)
		if st.OnLowBattery {
			assert.True(t, st.OnBattery, "snapshot %d low while on line power", i)
		}
	}
}

func TestAggregate_PercentageMonotonic(t *testing.T) {
	prev := -1.0
	for now := int64(0); now <= 60000000; now += 3000000 {
		st := Aggregate([]device.Resolved{
			battery("BAT0", "Discharging", "1500000", "60000000"),
			battery("BAT1", "Discharging", strconv.FormatInt(now, 10), "60000000"),
		}, DefaultLowBatteryPercent)
		require.GreaterOrEqual(t, st.Percentage, prev, "energy_now=%d", now)
		prev = st.Percentage
	}
}
