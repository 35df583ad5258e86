/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package fieldbus

import (
	"encoding/binary"
	"fmt"
	"math"
	"sort"

	"github.com/pelletier/go-toml/v2"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// Register kinds map onto the bus function codes used to access them.
const (
	KindHolding = "holding"
	KindInput   = "input"
	KindCoil    = "coil"
)

// Register encodings. Two-word values are big-endian, high word first.
const (
	EncU16 = "u16"
	EncS16 = "s16"
	EncU32 = "u32"
	EncS32 = "s32"
	EncF32 = "f32"
)

// Logical register names the telemetry mapper understands. Hardware
// variants differ only in addresses and scaling; names are fixed.
const (
	RegSOC            = "soc_percent"
	RegSOH            = "soh_percent"
	RegPackVoltage    = "pack_voltage_v"
	RegCurrent        = "current_a"
	RegPowerKW        = "power_kw"
	RegTempMin        = "temp_min_c"
	RegTempMax        = "temp_max_c"
	RegTempAvg        = "temp_avg_c"
	RegGridFrequency  = "grid_frequency_hz"
	RegGridVoltage    = "grid_voltage_v"
	RegCellVoltageMin = "cell_voltage_min_v"
	RegCellVoltageMax = "cell_voltage_max_v"

	// Optional sensors.
	RegInsulation   = "insulation_resistance_kohm"
	RegSmoke        = "smoke_detected"
	RegSiteDemandKW = "site_demand_kw"

	// Write targets.
	RegPowerSetpointKW = "power_setpoint_kw"
	RegChargeEnable    = "charge_enable"
	RegDischargeEnable = "discharge_enable"
	RegEmergencyStop   = "emergency_stop"
)

// requiredRegisters must all be mapped for a register map to be usable.
var requiredRegisters = []string{
	RegSOC, RegSOH, RegPackVoltage, RegCurrent, RegPowerKW,
	RegTempMin, RegTempMax, RegTempAvg, RegGridFrequency, RegGridVoltage,
	RegCellVoltageMin, RegCellVoltageMax,
	RegPowerSetpointKW, RegChargeEnable, RegDischargeEnable, RegEmergencyStop,
}

// Register describes how one logical value is laid out on the bus.
type Register struct {
	Address  uint16  `toml:"address"`
	Kind     string  `toml:"kind"`
	Encoding string  `toml:"encoding"`
	Scale    float64 `toml:"scale"`
	Offset   float64 `toml:"offset"`
	Writable bool    `toml:"writable"`
}

// Words returns how many 16-bit registers the encoding occupies.
func (r Register) Words() uint16 {
	switch r.Encoding {
	case EncU32, EncS32, EncF32:
		return 2
	default:
		return 1
	}
}

func (r Register) validate(name string) error {
	var err error
	switch r.Kind {
	case KindHolding, KindInput, KindCoil:
	default:
		err = multierr.Append(err, fmt.Errorf("register %q: unknown kind %q", name, r.Kind))
	}
	if r.Kind == KindCoil {
		if r.Encoding != "" && r.Encoding != EncU16 {
			err = multierr.Append(err, fmt.Errorf("register %q: coils carry no encoding", name))
		}
		return err
	}
	switch r.Encoding {
	case EncU16, EncS16, EncU32, EncS32, EncF32:
	default:
		err = multierr.Append(err, fmt.Errorf("register %q: unknown encoding %q", name, r.Encoding))
	}
	if r.Scale == 0 {
		err = multierr.Append(err, fmt.Errorf("register %q: scale must not be zero", name))
	}
	if r.Writable && r.Kind != KindHolding {
		err = multierr.Append(err, fmt.Errorf("register %q: only holding registers are writable", name))
	}
	return err
}

// Decode turns raw register bytes into an engineering value:
// raw*scale + offset.
func (r Register) Decode(b []byte) (float64, error) {
	if want := int(r.Words()) * 2; len(b) < want {
		return 0, fmt.Errorf("register payload too short: got %d bytes, want %d", len(b), want)
	}
	var raw float64
	switch r.Encoding {
	case EncU16:
		raw = float64(binary.BigEndian.Uint16(b))
	case EncS16:
		raw = float64(int16(binary.BigEndian.Uint16(b)))
	case EncU32:
		raw = float64(binary.BigEndian.Uint32(b))
	case EncS32:
		raw = float64(int32(binary.BigEndian.Uint32(b)))
	case EncF32:
		raw = float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	default:
		return 0, fmt.Errorf("unknown encoding %q", r.Encoding)
	}
	return raw*r.Scale + r.Offset, nil
}

// Encode turns an engineering value back into the raw register word,
// range-checked against the encoding. Two-word encodings are rejected for
// single-register writes.
func (r Register) Encode(value float64) (uint16, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return 0, fmt.Errorf("value %v is not finite", value)
	}
	raw := math.Round((value - r.Offset) / r.Scale)
	switch r.Encoding {
	case EncU16:
		if raw < 0 || raw > math.MaxUint16 {
			return 0, fmt.Errorf("value %v encodes to %v, outside u16", value, raw)
		}
		return uint16(raw), nil
	case EncS16:
		if raw < math.MinInt16 || raw > math.MaxInt16 {
			return 0, fmt.Errorf("value %v encodes to %v, outside s16", value, raw)
		}
		return uint16(int16(raw)), nil
	default:
		return 0, fmt.Errorf("encoding %q not supported for single register writes", r.Encoding)
	}
}

// RegisterMap binds logical names to bus registers for one hardware
// variant. It is data, not code: new variants ship a new TOML file.
type RegisterMap struct {
	Registers map[string]Register `toml:"registers"`

	plan []readBlock
}

// readBlock is one contiguous bus read covering a run of mapped registers.
type readBlock struct {
	kind  string
	start uint16
	count uint16
	names []string
}

// Read transactions are capped below the protocol limit of 125 registers to
// stay within conservative device buffers.
const maxBlockWords = 64

// ParseRegisterMap decodes and validates a TOML register map and computes
// its read plan.
func ParseRegisterMap(data []byte) (*RegisterMap, error) {
	rm := &RegisterMap{}
	if err := toml.Unmarshal(data, rm); err != nil {
		return nil, fmt.Errorf("parsing register map, %w", err)
	}
	if err := rm.Validate(); err != nil {
		return nil, err
	}
	rm.plan = rm.computePlan()
	return rm, nil
}

// Validate checks structural soundness, required coverage and overlaps.
func (rm *RegisterMap) Validate() error {
	var err error
	if len(rm.Registers) == 0 {
		return fmt.Errorf("register map is empty")
	}
	for name, reg := range rm.Registers {
		err = multierr.Append(err, reg.validate(name))
	}
	for _, name := range requiredRegisters {
		if _, ok := rm.Registers[name]; !ok {
			err = multierr.Append(err, fmt.Errorf("required register %q is not mapped", name))
		}
	}
	if err != nil {
		return err
	}
	// Overlap detection within each kind.
	type span struct {
		name     string
		from, to uint16
	}
	byKind := map[string][]span{}
	for name, reg := range rm.Registers {
		byKind[reg.Kind] = append(byKind[reg.Kind], span{name: name, from: reg.Address, to: reg.Address + reg.Words() - 1})
	}
	for kind, spans := range byKind {
		sort.Slice(spans, func(i, j int) bool { return spans[i].from < spans[j].from })
		for i := 1; i < len(spans); i++ {
			if spans[i].from <= spans[i-1].to {
				err = multierr.Append(err, fmt.Errorf("%s registers %q and %q overlap at address %d", kind, spans[i-1].name, spans[i].name, spans[i].from))
			}
		}
	}
	return err
}

// Lookup returns the register for a logical name.
func (rm *RegisterMap) Lookup(name string) (Register, bool) {
	reg, ok := rm.Registers[name]
	return reg, ok
}

// Has reports whether an optional register is mapped.
func (rm *RegisterMap) Has(name string) bool {
	_, ok := rm.Registers[name]
	return ok
}

// computePlan coalesces readable registers into contiguous block reads so a
// full telemetry pass costs a handful of transactions instead of one per
// value. Gaps split blocks; so does the word cap.
func (rm *RegisterMap) computePlan() []readBlock {
	names := lo.Filter(lo.Keys(rm.Registers), func(name string, _ int) bool {
		return rm.Registers[name].Kind != KindCoil && !rm.Registers[name].Writable
	})
	sort.Slice(names, func(i, j int) bool {
		a, b := rm.Registers[names[i]], rm.Registers[names[j]]
		if a.Kind != b.Kind {
			return a.Kind < b.Kind
		}
		return a.Address < b.Address
	})
	var blocks []readBlock
	for _, name := range names {
		reg := rm.Registers[name]
		if n := len(blocks); n > 0 {
			last := &blocks[n-1]
			contiguous := last.kind == reg.Kind && last.start+last.count == reg.Address
			if contiguous && last.count+reg.Words() <= maxBlockWords {
				last.count += reg.Words()
				last.names = append(last.names, name)
				continue
			}
		}
		blocks = append(blocks, readBlock{kind: reg.Kind, start: reg.Address, count: reg.Words(), names: []string{name}})
	}
	return blocks
}

// decodeBlock extracts every named register value from one block payload.
func (rm *RegisterMap) decodeBlock(block readBlock, payload []byte) (map[string]float64, error) {
	if len(payload) < int(block.count)*2 {
		return nil, fmt.Errorf("block at %d: payload %d bytes, want %d", block.start, len(payload), int(block.count)*2)
	}
	values := make(map[string]float64, len(block.names))
	for _, name := range block.names {
		reg := rm.Registers[name]
		off := int(reg.Address-block.start) * 2
		v, err := reg.Decode(payload[off : off+int(reg.Words())*2])
		if err != nil {
			return nil, fmt.Errorf("decoding %q, %w", name, err)
		}
		values[name] = v
	}
	return values, nil
}
