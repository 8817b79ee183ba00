package normalize

import (
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
)

const ts = int64(1735732800000) // 2025-01-01T12:00:00Z

func testOptions() Options {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return Options{Logger: logger}
}

func TestApplyScale(t *testing.T) {
	tests := []struct {
		name   string
		reg    string
		raw    int64
		scale  int64
		want   float64
		wantOK bool
	}{
		{"ordinary", "power_ac", 500, -1, 50, true},
		{"positive scale", "power_ac", 5, 2, 500, true},
		{"energy_total firmware bug", "energy_total", 500, 1, 50, true},
		{"energy_total other scale", "energy_total", 500, 0, 500, true},
		{"sentinel value", "power_ac", -32768, 0, 0, false},
		{"sentinel scale", "power_ac", 500, -32768, 0, false},
		{"fraction", "l1_voltage", 2301, -1, 230.1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ApplyScale(tt.reg, tt.raw, tt.scale)
			assert.Equal(t, tt.wantOK, ok)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestOfficialMissingCategoryIsConfigError(t *testing.T) {
	n := NewOfficial(testOptions())
	raw := []models.RawDataPoint{
		{Source: "api", Endpoint: "site_energy_day", Name: "energy", Value: 10.0, Timestamp: ts},
		{Source: "api", Endpoint: "site_power", Name: "power", Value: 5.0, Timestamp: ts, Category: "Power"},
	}
	endpoints := config.Endpoints{"site_energy_day": {Name: "site_energy_day", Kind: "energy"}}

	points, err := n.Parse(raw, endpoints)
	require.Error(t, err)
	assert.True(t, IsConfigError(err))
	assert.ErrorIs(t, err, ErrConfig)

	var ce *ConfigError
	require.True(t, errors.As(err, &ce))
	assert.Equal(t, "site_energy_day", ce.Endpoint)

	for _, p := range points {
		e, _ := p.Tag(TagEndpoint)
		assert.NotEqual(t, "site_energy_day", e, "no points for the misconfigured endpoint")
	}
}

func TestCategoryResolution(t *testing.T) {
	endpoints := config.Endpoints{
		"site_energy_day": {Name: "site_energy_day", Category: "Energy"},
	}

	official := NewOfficial(testOptions())
	raw := models.RawDataPoint{Source: "api", Endpoint: "site_energy_day", Name: "energy", Value: 1.0, Timestamp: ts, Category: "Other"}
	category, how, err := official.Categorize(raw, endpoints)
	require.NoError(t, err)
	assert.Equal(t, "Energy", category)
	assert.Equal(t, ResolvedConfig, how)

	points, err := official.Parse([]models.RawDataPoint{raw}, endpoints)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "Energy", points[0].Field)

	web := NewWeb(testOptions())
	unknown := models.RawDataPoint{Source: "web", Endpoint: "SITE", DeviceType: "Optimizer", DeviceID: "OPT-1", Name: "voltage", Value: 41.0, Timestamp: ts}
	category, how, err = web.Categorize(unknown, nil)
	require.NoError(t, err)
	assert.Equal(t, FallbackCategory, category)
	assert.Equal(t, ResolvedFallback, how)

	points, err = web.Parse([]models.RawDataPoint{unknown}, nil)
	require.NoError(t, err)
	require.Len(t, points, 1)
	assert.Equal(t, "Info", points[0].Field)
	assert.Equal(t, models.MeasurementWeb, points[0].Measurement)

	unknown.Category = "Voltage"
	_, how, err = web.Categorize(unknown, nil)
	require.NoError(t, err)
	assert.Equal(t, ResolvedPayload, how)
}

func TestRecordValues(t *testing.T) {
	n := NewOfficial(testOptions())
	endpoints := config.Endpoints{
		"inverter_equipment": {Name: "inverter_equipment", Category: "Inverter"},
		"site_power":         {Name: "site_power", Category: "Power", Unit: "kW", Scale: 0.001},
	}
	raw := []models.RawDataPoint{
		{Source: "api", Endpoint: "inverter_equipment", DeviceID: "7E12AB34", Name: "totalActivePower", Value: json.Number("1200.5"), Unit: "w", Timestamp: ts},
		{Source: "api", Endpoint: "inverter_equipment", DeviceID: "7E12AB34", Name: "inverterMode", Value: "MPPT", Timestamp: ts},
		{Source: "api", Endpoint: "inverter_equipment", DeviceID: "7E12AB34", Name: "dcVoltage", Value: nil, Timestamp: ts},
		{Source: "api", Endpoint: "inverter_equipment", DeviceID: "7E12AB34", Name: "late", Value: 1.0, Timestamp: 0},
		{Source: "api", Endpoint: "site_power", Name: "power", Value: 2500.0, Unit: "W", Timestamp: ts},
	}

	points, err := n.Parse(raw, endpoints)
	require.NoError(t, err)
	require.Len(t, points, 3, "nil values and missing timestamps are dropped")

	p := points[0]
	assert.Equal(t, models.MeasurementOfficial, p.Measurement)
	assert.Equal(t, "Inverter", p.Field)
	assert.Equal(t, 1200.5, p.Value)
	assert.Equal(t, ts*1_000_000, p.Timestamp)
	assert.Equal(t, TagEndpoint, p.Tags[0].Key, "endpoint is always the first tag")
	assert.Equal(t, map[string]string{
		"endpoint":    "inverter_equipment",
		"device_id":   "7E12AB34",
		"device_type": "",
		"name":        "totalActivePower",
		"unit":        "W",
	}, p.TagMap())

	assert.Equal(t, "Inverter_Text", points[1].Field)
	assert.Equal(t, "MPPT", points[1].Value)

	unit, _ := points[2].Tag(TagUnit)
	assert.Equal(t, "kW", unit, "configured unit wins")
	assert.InDelta(t, 2.5, points[2].Value, 1e-9)
}

func TestDisabledEndpointIsSkipped(t *testing.T) {
	off := false
	n := NewWeb(testOptions())
	points, err := n.Parse([]models.RawDataPoint{
		{Source: "web", Endpoint: "SITE", DeviceID: "OPT-1", Name: "voltage", Value: 1.0, Timestamp: ts},
	}, config.Endpoints{"OPT-1": {Name: "OPT-1", Enabled: &off}})
	require.NoError(t, err)
	assert.Empty(t, points)
}

func TestNormalizeUnit(t *testing.T) {
	tests := map[string]string{
		"w":       "W",
		"KWH":     "kWh",
		" hz ":    "Hz",
		"C":       "°C",
		"Eur/MWh": "EUR/MWh",
		"lux":     "lux",
		"":        "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeUnit(in), in)
	}
}

func TestDeviceResolver(t *testing.T) {
	r := NewDeviceResolver(16)
	tests := []struct {
		name string
		raw  models.RawDataPoint
		want string
	}{
		{"reported id", models.RawDataPoint{DeviceID: "INV-1", Serial: "7E12AB34-56"}, "INV-1"},
		{"serial", models.RawDataPoint{Serial: "7e12ab34-56", Model: "SE5000"}, "7E12AB34"},
		{"model", models.RawDataPoint{Model: "SE 5000H"}, "se_5000h"},
		{"weather", models.RawDataPoint{DeviceType: "Weather"}, WeatherDeviceID},
		{"type only", models.RawDataPoint{DeviceType: "Site"}, "site"},
		{"nothing", models.RawDataPoint{}, "unknown"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, r.Resolve(tt.raw))
			// cached
			assert.Equal(t, tt.want, r.Resolve(tt.raw))
		})
	}
}

func TestGroupPanicIsIsolated(t *testing.T) {
	n := NewWeb(testOptions())
	raw := []models.RawDataPoint{
		{Source: "web", Endpoint: "SITE", DeviceID: "A", Name: "x", Value: 1.0, Timestamp: ts},
		{Source: "web", Endpoint: "SITE", DeviceID: "B", Name: "x", Value: 2.0, Timestamp: ts},
	}
	points, err := n.parseGroups(raw, func(g group) ([]models.TimeSeriesPoint, error) {
		if g.points[0].DeviceID == "A" {
			panic("malformed payload")
		}
		p, _ := n.point(g.points[0], config.EndpointConfig{}, "Info", g.points[0].Value)
		return []models.TimeSeriesPoint{p}, nil
	})
	require.NoError(t, err)
	require.Len(t, points, 1)
	id, _ := points[0].Tag(TagDeviceID)
	assert.Equal(t, "B", id)
}
