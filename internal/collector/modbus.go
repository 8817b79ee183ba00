package collector

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goburrow/modbus"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarflux/internal/config"
	"github.com/tejusbharadwaj/solarflux/internal/models"
	"github.com/tejusbharadwaj/solarflux/internal/sunspec"
)

// RegisterReader is the part of a Modbus client the collector needs.
// modbus.Client satisfies it.
type RegisterReader interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
}

// Connector opens a register reader and returns the function closing it.
type Connector func(ctx context.Context) (RegisterReader, func() error, error)

// TCPConnector dials the inverter over Modbus TCP.
func TCPConnector(cfg config.ModbusConfig) Connector {
	return func(ctx context.Context) (RegisterReader, func() error, error) {
		handler := modbus.NewTCPClientHandler(cfg.Address())
		handler.Timeout = cfg.Timeout
		handler.SlaveId = byte(cfg.UnitID)
		if deadline, ok := ctx.Deadline(); ok {
			if d := time.Until(deadline); d > 0 && (handler.Timeout == 0 || d < handler.Timeout) {
				handler.Timeout = d
			}
		}
		if err := handler.Connect(); err != nil {
			return nil, nil, fmt.Errorf("%w: modbus connect %s: %v", ErrRequest, cfg.Address(), err)
		}
		return modbus.NewClient(handler), handler.Close, nil
	}
}

// Modbus reads realtime values from the SunSpec register map. It bypasses
// the cache but every register read still counts against the quota.
type Modbus struct {
	cfg     config.ModbusConfig
	deps    Deps
	connect Connector
	blocks  []blockSpec
}

type blockSpec struct {
	block    sunspec.Block
	deviceID string
	optional bool
}

func NewModbus(cfg config.ModbusConfig, deps Deps, connect Connector) (*Modbus, error) {
	deps = deps.withDefaults(cfg.Timeout)
	if connect == nil {
		connect = TCPConnector(cfg)
	}

	blocks := []blockSpec{{block: sunspec.Inverter(), deviceID: "inverter"}}
	for n := 1; n <= cfg.Meters; n++ {
		m, err := sunspec.Meter(n)
		if err != nil {
			return nil, fmt.Errorf("modbus collector: %w", err)
		}
		blocks = append(blocks, blockSpec{block: m, deviceID: m.Name, optional: true})
	}
	for _, b := range blocks {
		if err := b.block.Validate(); err != nil {
			return nil, fmt.Errorf("modbus collector: %w", err)
		}
	}

	return &Modbus{cfg: cfg, deps: deps, connect: connect, blocks: blocks}, nil
}

func (c *Modbus) Source() string { return models.SourceModbus }

// Collect ignores the period: registers only hold the current values.
func (c *Modbus) Collect(ctx context.Context, _ PeriodSpec) ([]models.RawDataPoint, error) {
	u := newUnits(c.Source(), c.deps)

	reader, closeFn, err := c.connect(ctx)
	if err != nil {
		u.fail("connect", err)
		return nil, u.err()
	}
	defer func() {
		if err := closeFn(); err != nil {
			c.deps.Logger.WithError(err).Debug("Closing modbus connection")
		}
	}()

	ts := c.deps.Now().UnixMilli()
	var points []models.RawDataPoint
	for _, spec := range c.blocks {
		if ctx.Err() != nil {
			break
		}
		data, err := c.read(ctx, reader, spec.block)
		if err != nil {
			u.fail(spec.deviceID, err)
			continue
		}

		got, err := c.decode(spec, data, ts)
		if err != nil {
			if errors.Is(err, errAbsent) {
				c.deps.Logger.WithField("device", spec.deviceID).Debug("No meter at block")
				continue
			}
			u.fail(spec.deviceID, err)
			continue
		}
		points = append(points, got...)
		u.ok()
	}

	c.deps.Logger.WithFields(logrus.Fields{
		"source": c.Source(),
		"points": len(points),
	}).Debug("Collected")

	if err := ctx.Err(); err != nil {
		return points, errors.Join(err, u.err())
	}
	return points, u.err()
}

var errAbsent = errors.New("device not present")

func (c *Modbus) read(ctx context.Context, reader RegisterReader, b sunspec.Block) ([]byte, error) {
	data := make([]byte, 0, int(b.Length)*2)
	for _, r := range b.Reads() {
		if c.deps.Limiter != nil {
			if err := c.deps.Limiter.Acquire(ctx, c.Source(), int64(r.Quantity)*2); err != nil {
				return nil, err
			}
		}
		chunk, err := reader.ReadHoldingRegisters(r.Address, r.Quantity)
		if err != nil {
			return nil, fmt.Errorf("%w: read %d+%d: %v", ErrRequest, r.Address, r.Quantity, err)
		}
		if len(chunk) != int(r.Quantity)*2 {
			return nil, fmt.Errorf("%w: read %d+%d returned %d bytes", ErrRequest, r.Address, r.Quantity, len(chunk))
		}
		data = append(data, chunk...)
	}
	return data, nil
}

func (c *Modbus) decode(spec blockSpec, data []byte, ts int64) ([]models.RawDataPoint, error) {
	b := spec.block
	values := make(map[string]any, len(b.Registers))
	for _, r := range b.Registers {
		v, err := b.Decode(r, data)
		if err != nil {
			return nil, err
		}
		values[r.Name] = v
	}

	if spec.optional {
		did, _ := values["c_sunspec_did"].(int64)
		if !sunspec.MeterPresent(did) {
			return nil, errAbsent
		}
	}

	serial, _ := values["c_serialnumber"].(string)
	model, _ := values["c_model"].(string)

	out := make([]models.RawDataPoint, 0, len(b.Registers))
	for _, r := range b.Registers {
		v := values[r.Name]
		if v == nil || r.Type == sunspec.String {
			continue
		}
		out = append(out, models.RawDataPoint{
			Source:     c.Source(),
			DeviceID:   spec.deviceID,
			DeviceType: b.DeviceType,
			Endpoint:   b.Name,
			Name:       r.Name,
			Value:      v,
			Unit:       r.Unit,
			Timestamp:  ts,
			Category:   r.Category,
			Serial:     serial,
			Model:      model,
		})
	}
	return out, nil
}
