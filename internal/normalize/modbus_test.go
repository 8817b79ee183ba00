package normalize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

func register(device, name string, v any, unit, category string) models.RawDataPoint {
	return models.RawDataPoint{
		Source:     models.SourceModbus,
		DeviceID:   device,
		DeviceType: "Inverter",
		Endpoint:   "inverter",
		Name:       name,
		Value:      v,
		Unit:       unit,
		Category:   category,
		Timestamp:  ts,
	}
}

func fieldOf(t *testing.T, points []models.TimeSeriesPoint, device, name string) models.TimeSeriesPoint {
	t.Helper()
	for _, p := range points {
		d, _ := p.Tag(TagDeviceID)
		n, _ := p.Tag(TagName)
		if d == device && n == name {
			return p
		}
	}
	t.Fatalf("no point %s/%s", device, name)
	return models.TimeSeriesPoint{}
}

func TestModbusScaling(t *testing.T) {
	raw := []models.RawDataPoint{
		register("inverter", "c_sunspec_did", int64(103), "", "Info"),
		register("inverter", "energy_total", int64(500), "Wh", "Energy"),
		register("inverter", "energy_total_scale", int64(1), "", "Scale"),
		register("inverter", "power_ac", int64(500), "W", "Power"),
		register("inverter", "power_ac_scale", int64(-1), "", "Scale"),
		register("inverter", "l1_voltage", int64(2301), "V", "Voltage"),
		register("inverter", "voltage_scale", int64(-1), "", "Scale"),
		register("inverter", "temperature", int64(4512), "°C", "Temperature"),
		register("inverter", "temperature_scale", int64(-32768), "", "Scale"),
		register("inverter", "status", int64(4), "", "Info"),
		register("meter1", "power", int64(-200), "W", "Power"),
		register("meter1", "power_scale", int64(1), "", "Scale"),
	}

	n := NewModbus(testOptions())
	points, err := n.Parse(raw, nil)
	require.NoError(t, err)

	energy := fieldOf(t, points, "inverter", "energy_total")
	assert.Equal(t, 50.0, energy.Value, "energy_total with scale 1 is divided by ten")
	assert.Equal(t, "Energy", energy.Field)
	assert.Equal(t, models.MeasurementModbus, energy.Measurement)

	assert.InDelta(t, 50.0, fieldOf(t, points, "inverter", "power_ac").Value, 1e-9)
	assert.InDelta(t, 230.1, fieldOf(t, points, "inverter", "l1_voltage").Value, 1e-9)
	assert.Equal(t, 4.0, fieldOf(t, points, "inverter", "status").Value)
	assert.Equal(t, -2000.0, fieldOf(t, points, "meter1", "power").Value, "scales do not leak across devices")

	for _, p := range points {
		name, _ := p.Tag(TagName)
		assert.NotEqual(t, "temperature", name, "sentinel scale drops the field")
		assert.NotContains(t, name, "_scale")
		assert.NotEqual(t, "c_sunspec_did", name)
	}
}

func TestModbusRegisterOverrides(t *testing.T) {
	off := false
	raw := []models.RawDataPoint{
		register("inverter", "power_ac", int64(500), "W", "Power"),
		register("inverter", "power_ac_scale", int64(0), "", "Scale"),
		register("inverter", "vendor_status", int64(0), "", "Info"),
	}
	endpoints := config.Endpoints{
		"power_ac":      {Name: "power_ac", Category: "AC", Unit: "kW", Scale: 0.001},
		"vendor_status": {Name: "vendor_status", Enabled: &off},
	}

	points, err := NewModbus(testOptions()).Parse(raw, endpoints)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "AC", points[0].Field)
	assert.InDelta(t, 0.5, points[0].Value, 1e-9)
}
