// Package sunspec holds the static SunSpec holding register map of the
// inverter and its attached meters, as exposed over Modbus TCP.
package sunspec

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Type is the wire type of a register.
type Type string

const (
	Uint16 Type = "uint16"
	Int16  Type = "int16"
	Uint32 Type = "uint32"
	Acc32  Type = "acc32"
	String Type = "string"
)

const (
	// NotImplemented16 marks an unavailable signed value, including scale factors.
	NotImplemented16 = -32768

	// MaxReadRegisters is the largest quantity of a single holding register read.
	MaxReadRegisters = 125

	// MeterStride is the distance between consecutive meter blocks.
	MeterStride = 174
	MaxMeters   = 3
)

// Register describes one value of a block.
type Register struct {
	Name     string
	Address  uint16
	Length   uint16
	Type     Type
	Unit     string
	Category string
	// Scale names the register holding the scale factor, empty if unscaled.
	Scale string
}

// Block is a contiguous address range read as a unit.
type Block struct {
	Name       string
	DeviceType string
	Start      uint16
	Length     uint16
	Registers  []Register
}

// Read is one holding register request.
type Read struct {
	Address  uint16
	Quantity uint16
}

// Reads splits the block into requests the device accepts.
func (b Block) Reads() []Read {
	var out []Read
	for addr, end := b.Start, b.Start+b.Length; addr < end; {
		q := end - addr
		if q > MaxReadRegisters {
			q = MaxReadRegisters
		}
		out = append(out, Read{Address: addr, Quantity: q})
		addr += q
	}
	return out
}

// Lookup returns the register called name.
func (b Block) Lookup(name string) (Register, bool) {
	for _, r := range b.Registers {
		if r.Name == name {
			return r, true
		}
	}
	return Register{}, false
}

// Decode extracts the value of r from data, the big-endian register contents
// of the whole block. Unsigned "not implemented" markers decode to nil.
func (b Block) Decode(r Register, data []byte) (any, error) {
	off := int(r.Address-b.Start) * 2
	end := off + int(r.Length)*2
	if off < 0 || end > len(data) {
		return nil, fmt.Errorf("register %s at %d outside block %s", r.Name, r.Address, b.Name)
	}
	raw := data[off:end]

	switch r.Type {
	case Uint16:
		v := binary.BigEndian.Uint16(raw)
		if v == 0xFFFF {
			return nil, nil
		}
		return int64(v), nil
	case Int16:
		return int64(int16(binary.BigEndian.Uint16(raw))), nil
	case Uint32:
		v := binary.BigEndian.Uint32(raw)
		if v == 0xFFFFFFFF {
			return nil, nil
		}
		return int64(v), nil
	case Acc32:
		// accumulators report 0 when not implemented
		v := binary.BigEndian.Uint32(raw)
		if v == 0 {
			return nil, nil
		}
		return int64(v), nil
	case String:
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		return strings.TrimSpace(string(raw)), nil
	}
	return nil, fmt.Errorf("register %s has unknown type %q", r.Name, r.Type)
}

// Validate checks that every scaled register resolves to an int16 scale
// register of the same block.
func (b Block) Validate() error {
	seen := make(map[string]bool, len(b.Registers))
	for _, r := range b.Registers {
		if seen[r.Name] {
			return fmt.Errorf("block %s: duplicate register %s", b.Name, r.Name)
		}
		seen[r.Name] = true
		if r.Address < b.Start || r.Address+r.Length > b.Start+b.Length {
			return fmt.Errorf("block %s: register %s outside block", b.Name, r.Name)
		}
		if r.Scale == "" {
			continue
		}
		sf, ok := b.Lookup(r.Scale)
		if !ok {
			return fmt.Errorf("block %s: register %s has unknown scale %s", b.Name, r.Name, r.Scale)
		}
		if sf.Type != Int16 {
			return fmt.Errorf("block %s: scale %s of %s is not int16", b.Name, sf.Name, r.Name)
		}
	}
	return nil
}

// ScaleKey returns the name of the scale register of name. Registers that
// follow the {name}_scale convention are not listed in scaleKeys.
func ScaleKey(name string) (string, bool) {
	if strings.HasSuffix(name, "_scale") {
		return "", false
	}
	if k, ok := scaleKeys[name]; ok {
		return k, true
	}
	return name + "_scale", true
}

func category(unit string) string {
	switch unit {
	case "W", "VA", "var":
		return "Power"
	case "Wh", "VAh", "varh":
		return "Energy"
	case "V":
		return "Voltage"
	case "A":
		return "Current"
	case "Hz":
		return "Frequency"
	case "%":
		return "PowerFactor"
	case "°C":
		return "Temperature"
	}
	return "Info"
}

func reg(name string, addr uint16, t Type, unit string) Register {
	length := uint16(1)
	if t == Uint32 || t == Acc32 {
		length = 2
	}
	return Register{Name: name, Address: addr, Length: length, Type: t, Unit: unit, Category: category(unit)}
}

func str(name string, addr, length uint16) Register {
	return Register{Name: name, Address: addr, Length: length, Type: String, Category: "Info"}
}

func sf(name string, addr uint16) Register {
	return Register{Name: name, Address: addr, Length: 1, Type: Int16, Category: "Scale"}
}

// scaleKeys lists the registers whose scale register does not follow the
// {name}_scale convention.
var scaleKeys = map[string]string{
	"l1_current":  "current_scale",
	"l2_current":  "current_scale",
	"l3_current":  "current_scale",
	"l1_voltage":  "voltage_scale",
	"l2_voltage":  "voltage_scale",
	"l3_voltage":  "voltage_scale",
	"l1n_voltage": "voltage_scale",
	"l2n_voltage": "voltage_scale",
	"l3n_voltage": "voltage_scale",
	"voltage_ln":  "voltage_scale",
	"l12_voltage": "voltage_scale",
	"l23_voltage": "voltage_scale",
	"l31_voltage": "voltage_scale",
	"voltage_ll":  "voltage_scale",

	"l1_power": "power_scale",
	"l2_power": "power_scale",
	"l3_power": "power_scale",

	"l1_power_apparent": "power_apparent_scale",
	"l2_power_apparent": "power_apparent_scale",
	"l3_power_apparent": "power_apparent_scale",
	"l1_power_reactive": "power_reactive_scale",
	"l2_power_reactive": "power_reactive_scale",
	"l3_power_reactive": "power_reactive_scale",
	"l1_power_factor":   "power_factor_scale",
	"l2_power_factor":   "power_factor_scale",
	"l3_power_factor":   "power_factor_scale",

	"export_energy_active":      "energy_active_scale",
	"l1_export_energy_active":   "energy_active_scale",
	"l2_export_energy_active":   "energy_active_scale",
	"l3_export_energy_active":   "energy_active_scale",
	"import_energy_active":      "energy_active_scale",
	"l1_import_energy_active":   "energy_active_scale",
	"l2_import_energy_active":   "energy_active_scale",
	"l3_import_energy_active":   "energy_active_scale",
	"export_energy_apparent":    "energy_apparent_scale",
	"l1_export_energy_apparent": "energy_apparent_scale",
	"l2_export_energy_apparent": "energy_apparent_scale",
	"l3_export_energy_apparent": "energy_apparent_scale",
	"import_energy_apparent":    "energy_apparent_scale",
	"l1_import_energy_apparent": "energy_apparent_scale",
	"l2_import_energy_apparent": "energy_apparent_scale",
	"l3_import_energy_apparent": "energy_apparent_scale",

	"import_energy_reactive_q1":    "energy_reactive_scale",
	"l1_import_energy_reactive_q1": "energy_reactive_scale",
	"l2_import_energy_reactive_q1": "energy_reactive_scale",
	"l3_import_energy_reactive_q1": "energy_reactive_scale",
	"import_energy_reactive_q2":    "energy_reactive_scale",
	"l1_import_energy_reactive_q2": "energy_reactive_scale",
	"l2_import_energy_reactive_q2": "energy_reactive_scale",
	"l3_import_energy_reactive_q2": "energy_reactive_scale",
	"export_energy_reactive_q3":    "energy_reactive_scale",
	"l1_export_energy_reactive_q3": "energy_reactive_scale",
	"l2_export_energy_reactive_q3": "energy_reactive_scale",
	"l3_export_energy_reactive_q3": "energy_reactive_scale",
	"export_energy_reactive_q4":    "energy_reactive_scale",
	"l1_export_energy_reactive_q4": "energy_reactive_scale",
	"l2_export_energy_reactive_q4": "energy_reactive_scale",
	"l3_export_energy_reactive_q4": "energy_reactive_scale",
}

// Inverter returns the common and inverter model block starting at 40000.
func Inverter() Block {
	return Block{
		Name:       "inverter",
		DeviceType: "Inverter",
		Start:      40000,
		Length:     109,
		Registers: registers{
			reg("c_id", 40000, Uint32, ""),
			reg("c_did", 40002, Uint16, ""),
			str("c_manufacturer", 40004, 16),
			str("c_model", 40020, 16),
			str("c_version", 40044, 8),
			str("c_serialnumber", 40052, 16),
			reg("c_deviceaddress", 40068, Uint16, ""),
			reg("c_sunspec_did", 40069, Uint16, ""),

			reg("current", 40071, Uint16, "A"),
			reg("l1_current", 40072, Uint16, "A"),
			reg("l2_current", 40073, Uint16, "A"),
			reg("l3_current", 40074, Uint16, "A"),
			sf("current_scale", 40075),
			reg("l1_voltage", 40076, Uint16, "V"),
			reg("l2_voltage", 40077, Uint16, "V"),
			reg("l3_voltage", 40078, Uint16, "V"),
			reg("l1n_voltage", 40079, Uint16, "V"),
			reg("l2n_voltage", 40080, Uint16, "V"),
			reg("l3n_voltage", 40081, Uint16, "V"),
			sf("voltage_scale", 40082),
			reg("power_ac", 40083, Int16, "W"),
			sf("power_ac_scale", 40084),
			reg("frequency", 40085, Uint16, "Hz"),
			sf("frequency_scale", 40086),
			reg("power_apparent", 40087, Int16, "VA"),
			sf("power_apparent_scale", 40088),
			reg("power_reactive", 40089, Int16, "var"),
			sf("power_reactive_scale", 40090),
			reg("power_factor", 40091, Int16, "%"),
			sf("power_factor_scale", 40092),
			reg("energy_total", 40093, Acc32, "Wh"),
			sf("energy_total_scale", 40095),
			reg("current_dc", 40096, Uint16, "A"),
			sf("current_dc_scale", 40097),
			reg("voltage_dc", 40098, Uint16, "V"),
			sf("voltage_dc_scale", 40099),
			reg("power_dc", 40100, Int16, "W"),
			sf("power_dc_scale", 40101),
			reg("temperature", 40103, Int16, "°C"),
			sf("temperature_scale", 40106),
			reg("status", 40107, Uint16, ""),
			reg("vendor_status", 40108, Uint16, ""),
		}.withScales(),
	}
}

// Meter returns the block of meter n (1..MaxMeters).
func Meter(n int) (Block, error) {
	if n < 1 || n > MaxMeters {
		return Block{}, fmt.Errorf("meter %d out of range 1..%d", n, MaxMeters)
	}
	off := uint16((n - 1) * MeterStride)
	regs := meterRegisters()
	for i := range regs {
		regs[i].Address += off
	}
	return Block{
		Name:       fmt.Sprintf("meter%d", n),
		DeviceType: "Meter",
		Start:      40121 + off,
		Length:     174,
		Registers:  regs,
	}, nil
}

func meterRegisters() registers {
	regs := registers{
		reg("c_did", 40121, Uint16, ""),
		str("c_manufacturer", 40123, 16),
		str("c_model", 40139, 16),
		str("c_option", 40155, 8),
		str("c_version", 40163, 8),
		str("c_serialnumber", 40171, 16),
		reg("c_deviceaddress", 40187, Uint16, ""),
		reg("c_sunspec_did", 40188, Uint16, ""),

		reg("current", 40190, Int16, "A"),
		reg("l1_current", 40191, Int16, "A"),
		reg("l2_current", 40192, Int16, "A"),
		reg("l3_current", 40193, Int16, "A"),
		sf("current_scale", 40194),
		reg("voltage_ln", 40195, Int16, "V"),
		reg("l1n_voltage", 40196, Int16, "V"),
		reg("l2n_voltage", 40197, Int16, "V"),
		reg("l3n_voltage", 40198, Int16, "V"),
		reg("voltage_ll", 40199, Int16, "V"),
		reg("l12_voltage", 40200, Int16, "V"),
		reg("l23_voltage", 40201, Int16, "V"),
		reg("l31_voltage", 40202, Int16, "V"),
		sf("voltage_scale", 40203),
		reg("frequency", 40204, Int16, "Hz"),
		sf("frequency_scale", 40205),
		reg("power", 40206, Int16, "W"),
		reg("l1_power", 40207, Int16, "W"),
		reg("l2_power", 40208, Int16, "W"),
		reg("l3_power", 40209, Int16, "W"),
		sf("power_scale", 40210),
		reg("power_apparent", 40211, Int16, "VA"),
		reg("l1_power_apparent", 40212, Int16, "VA"),
		reg("l2_power_apparent", 40213, Int16, "VA"),
		reg("l3_power_apparent", 40214, Int16, "VA"),
		sf("power_apparent_scale", 40215),
		reg("power_reactive", 40216, Int16, "var"),
		reg("l1_power_reactive", 40217, Int16, "var"),
		reg("l2_power_reactive", 40218, Int16, "var"),
		reg("l3_power_reactive", 40219, Int16, "var"),
		sf("power_reactive_scale", 40220),
		reg("power_factor", 40221, Int16, "%"),
		reg("l1_power_factor", 40222, Int16, "%"),
		reg("l2_power_factor", 40223, Int16, "%"),
		reg("l3_power_factor", 40224, Int16, "%"),
		sf("power_factor_scale", 40225),
	}

	energy := func(prefix string, base uint16, unit string) {
		regs = append(regs,
			reg(prefix, base, Acc32, unit),
			reg("l1_"+prefix, base+2, Acc32, unit),
			reg("l2_"+prefix, base+4, Acc32, unit),
			reg("l3_"+prefix, base+6, Acc32, unit),
		)
	}
	energy("export_energy_active", 40226, "Wh")
	energy("import_energy_active", 40234, "Wh")
	regs = append(regs, sf("energy_active_scale", 40242))
	energy("export_energy_apparent", 40243, "VAh")
	energy("import_energy_apparent", 40251, "VAh")
	regs = append(regs, sf("energy_apparent_scale", 40259))
	energy("import_energy_reactive_q1", 40260, "varh")
	energy("import_energy_reactive_q2", 40268, "varh")
	energy("export_energy_reactive_q3", 40276, "varh")
	energy("export_energy_reactive_q4", 40284, "varh")
	regs = append(regs, sf("energy_reactive_scale", 40292))

	return regs.withScales()
}

type registers []Register

// withScales fills in the scale register of every measured value.
func (rs registers) withScales() []Register {
	for i, r := range rs {
		if r.Unit == "" || r.Category == "Scale" {
			continue
		}
		if k, ok := ScaleKey(r.Name); ok {
			rs[i].Scale = k
		}
	}
	return rs
}

// MeterPresent reports whether a meter model id was read at a meter block.
func MeterPresent(did int64) bool {
	return did >= 201 && did <= 204
}
