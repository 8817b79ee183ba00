package collector

import (
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/quota"
	"github.com/tejusbharadwaj/solarflux/internal/sunspec"
)

type fakeRegisters struct {
	mu     sync.Mutex
	values map[uint16]uint16
	failAt map[uint16]bool
	reads  int
	closed bool
}

func newFakeRegisters() *fakeRegisters {
	return &fakeRegisters{values: map[uint16]uint16{}, failAt: map[uint16]bool{}}
}

func (f *fakeRegisters) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	if f.failAt[address] {
		return nil, errors.New("exception 2: illegal data address")
	}
	out := make([]byte, int(quantity)*2)
	for i := uint16(0); i < quantity; i++ {
		binary.BigEndian.PutUint16(out[int(i)*2:], f.values[address+i])
	}
	return out, nil
}

func (f *fakeRegisters) set32(addr uint16, v uint32) {
	f.values[addr] = uint16(v >> 16)
	f.values[addr+1] = uint16(v)
}

func (f *fakeRegisters) connector() Connector {
	return func(ctx context.Context) (RegisterReader, func() error, error) {
		return f, func() error {
			f.mu.Lock()
			f.closed = true
			f.mu.Unlock()
			return nil
		}, nil
	}
}

func inverterRegisters() *fakeRegisters {
	f := newFakeRegisters()
	f.values[40069] = 103
	f.values[40083] = 500
	f.values[40084] = 0xFFFF // scale -1
	f.set32(40093, 500)
	f.values[40095] = 1
	f.values[40107] = 4
	// meter 1 present, meter 2 absent
	f.values[40188] = 203
	f.values[40206] = 0xFF38 // -200 W, exporting
	return f
}

func modbusConfig(meters int) config.ModbusConfig {
	return config.ModbusConfig{
		SourceConfig: config.SourceConfig{Enabled: true},
		Host:         "inverter.local",
		Port:         1502,
		UnitID:       1,
		Meters:       meters,
	}
}

func find(points []models.RawDataPoint, device, name string) (models.RawDataPoint, bool) {
	for _, p := range points {
		if p.DeviceID == device && p.Name == name {
			return p, true
		}
	}
	return models.RawDataPoint{}, false
}

func TestModbusReadsInverterAndMeters(t *testing.T) {
	regs := inverterRegisters()
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	c, err := NewModbus(modbusConfig(2), testDeps(t, now), regs.connector())
	require.NoError(t, err)

	points, err := c.Collect(context.Background(), PeriodSpec{})
	require.NoError(t, err)
	assert.True(t, regs.closed)

	p, ok := find(points, "inverter", "power_ac")
	require.True(t, ok)
	assert.Equal(t, int64(500), p.Value)
	assert.Equal(t, "W", p.Unit)
	assert.Equal(t, "Power", p.Category)
	assert.Equal(t, "Inverter", p.DeviceType)
	assert.Equal(t, now.UnixMilli(), p.Timestamp)

	p, ok = find(points, "inverter", "power_ac_scale")
	require.True(t, ok)
	assert.Equal(t, int64(-1), p.Value)

	p, ok = find(points, "inverter", "energy_total")
	require.True(t, ok)
	assert.Equal(t, int64(500), p.Value)

	p, ok = find(points, "meter1", "power")
	require.True(t, ok)
	assert.Equal(t, int64(-200), p.Value)

	_, ok = find(points, "meter2", "power")
	assert.False(t, ok, "meter without model id is skipped")

	_, ok = find(points, "inverter", "c_manufacturer")
	assert.False(t, ok, "strings are device metadata, not values")

	// inverter: one read, meters: two reads each
	assert.Equal(t, 5, regs.reads)
}

func TestModbusFailedBlockIsSkipped(t *testing.T) {
	regs := inverterRegisters()
	m1, err := sunspec.Meter(1)
	require.NoError(t, err)
	regs.failAt[m1.Start] = true

	c, err := NewModbus(modbusConfig(1), testDeps(t, time.Now()), regs.connector())
	require.NoError(t, err)

	points, err := c.Collect(context.Background(), PeriodSpec{})
	require.Error(t, err)
	var unitErr *UnitError
	require.True(t, errors.As(err, &unitErr))
	assert.Equal(t, "meter1", unitErr.Unit)

	_, ok := find(points, "inverter", "power_ac")
	assert.True(t, ok, "inverter values survive a failed meter")
}

func TestModbusConnectFailure(t *testing.T) {
	connect := func(ctx context.Context) (RegisterReader, func() error, error) {
		return nil, nil, errors.New("connection refused")
	}
	c, err := NewModbus(modbusConfig(0), testDeps(t, time.Now()), connect)
	require.NoError(t, err)

	points, err := c.Collect(context.Background(), PeriodSpec{})
	assert.Empty(t, points)
	assert.Error(t, err)
}

func TestModbusCountsQuota(t *testing.T) {
	regs := inverterRegisters()
	deps := testDeps(t, time.Now())
	deps.Limiter.SetLimits("modbus", quota.Limits{PerMinute: 60})

	c, err := NewModbus(modbusConfig(1), deps, regs.connector())
	require.NoError(t, err)
	_, err = c.Collect(context.Background(), PeriodSpec{})
	require.NoError(t, err)

	assert.Equal(t, 3, deps.Limiter.Usage("modbus").RequestsMinute)
}
