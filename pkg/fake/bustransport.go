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

package fake

import (
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/lifo4/edge-controller/pkg/fieldbus"
)

type RegisterReadInput struct {
	Address  uint16
	Quantity uint16
}

type RegisterWriteInput struct {
	Address uint16
	Value   uint16
}

// BusBehavior must be reset between tests otherwise tests will
// pollute each other.
type BusBehavior struct {
	ReadHoldingRegistersBehavior MockedFunction[RegisterReadInput, []byte]
	ReadInputRegistersBehavior   MockedFunction[RegisterReadInput, []byte]
	ReadCoilsBehavior            MockedFunction[RegisterReadInput, []byte]
	WriteSingleRegisterBehavior  MockedFunction[RegisterWriteInput, []byte]
	WriteSingleCoilBehavior      MockedFunction[RegisterWriteInput, []byte]
}

// BusTransport is an in-memory register bank satisfying
// fieldbus.Transport. Reads and writes fall through to the bank unless a
// behavior overrides them, so tests can seed telemetry and assert on
// control writes without a device.
type BusTransport struct {
	BusBehavior

	mu      sync.Mutex
	holding map[uint16]uint16
	input   map[uint16]uint16
	coils   map[uint16]bool
}

func NewBusTransport() *BusTransport {
	return &BusTransport{
		holding: map[uint16]uint16{},
		input:   map[uint16]uint16{},
		coils:   map[uint16]bool{},
	}
}

// Reset must be called between tests otherwise tests will pollute
// each other.
func (t *BusTransport) Reset() {
	t.ReadHoldingRegistersBehavior.Reset()
	t.ReadInputRegistersBehavior.Reset()
	t.ReadCoilsBehavior.Reset()
	t.WriteSingleRegisterBehavior.Reset()
	t.WriteSingleCoilBehavior.Reset()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.holding = map[uint16]uint16{}
	t.input = map[uint16]uint16{}
	t.coils = map[uint16]bool{}
}

// Seed stores an engineering value into the bank through the register's
// own encoding, so a subsequent read decodes back to the same value.
func (t *BusTransport) Seed(registers *fieldbus.RegisterMap, name string, value float64) {
	reg, ok := registers.Lookup(name)
	if !ok {
		panic(fmt.Sprintf("seeding unmapped register %q", name))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if reg.Kind == fieldbus.KindCoil {
		t.coils[reg.Address] = value != 0
		return
	}
	bank := t.holding
	if reg.Kind == fieldbus.KindInput {
		bank = t.input
	}
	words := rawWords(reg, value)
	for i, w := range words {
		bank[reg.Address+uint16(i)] = w
	}
}

// SeedCoil stores a boolean directly.
func (t *BusTransport) SeedCoil(registers *fieldbus.RegisterMap, name string, on bool) {
	reg, ok := registers.Lookup(name)
	if !ok || reg.Kind != fieldbus.KindCoil {
		panic(fmt.Sprintf("seeding unmapped coil %q", name))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.coils[reg.Address] = on
}

// HoldingValue reads back a raw holding word for assertions.
func (t *BusTransport) HoldingValue(address uint16) uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.holding[address]
}

// CoilValue reads back a coil for assertions.
func (t *BusTransport) CoilValue(address uint16) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.coils[address]
}

func (t *BusTransport) ReadHoldingRegisters(address, quantity uint16) ([]byte, error) {
	out, err := t.ReadHoldingRegistersBehavior.Invoke(&RegisterReadInput{Address: address, Quantity: quantity}, func(in *RegisterReadInput) (*[]byte, error) {
		return t.readBank(t.holding, in)
	})
	return deref(out), err
}

func (t *BusTransport) ReadInputRegisters(address, quantity uint16) ([]byte, error) {
	out, err := t.ReadInputRegistersBehavior.Invoke(&RegisterReadInput{Address: address, Quantity: quantity}, func(in *RegisterReadInput) (*[]byte, error) {
		return t.readBank(t.input, in)
	})
	return deref(out), err
}

func (t *BusTransport) ReadCoils(address, quantity uint16) ([]byte, error) {
	out, err := t.ReadCoilsBehavior.Invoke(&RegisterReadInput{Address: address, Quantity: quantity}, func(in *RegisterReadInput) (*[]byte, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		payload := make([]byte, (in.Quantity+7)/8)
		for i := uint16(0); i < in.Quantity; i++ {
			if t.coils[in.Address+i] {
				payload[i/8] |= 1 << (i % 8)
			}
		}
		return &payload, nil
	})
	return deref(out), err
}

func (t *BusTransport) WriteSingleRegister(address, value uint16) ([]byte, error) {
	out, err := t.WriteSingleRegisterBehavior.Invoke(&RegisterWriteInput{Address: address, Value: value}, func(in *RegisterWriteInput) (*[]byte, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.holding[in.Address] = in.Value
		return echo(in), nil
	})
	return deref(out), err
}

func (t *BusTransport) WriteSingleCoil(address, value uint16) ([]byte, error) {
	out, err := t.WriteSingleCoilBehavior.Invoke(&RegisterWriteInput{Address: address, Value: value}, func(in *RegisterWriteInput) (*[]byte, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.coils[in.Address] = in.Value == 0xFF00
		return echo(in), nil
	})
	return deref(out), err
}

func (t *BusTransport) readBank(bank map[uint16]uint16, in *RegisterReadInput) (*[]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	payload := make([]byte, in.Quantity*2)
	for i := uint16(0); i < in.Quantity; i++ {
		binary.BigEndian.PutUint16(payload[i*2:], bank[in.Address+i])
	}
	return &payload, nil
}

func echo(in *RegisterWriteInput) *[]byte {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload, in.Address)
	binary.BigEndian.PutUint16(payload[2:], in.Value)
	return &payload
}

func deref(b *[]byte) []byte {
	if b == nil {
		return nil
	}
	return *b
}

// rawWords is the encode mirror of fieldbus decoding, covering the
// two-word encodings single-register writes cannot.
func rawWords(reg fieldbus.Register, value float64) []uint16 {
	raw := (value - reg.Offset) / reg.Scale
	switch reg.Encoding {
	case fieldbus.EncU16:
		return []uint16{uint16(math.Round(raw))}
	case fieldbus.EncS16:
		return []uint16{uint16(int16(math.Round(raw)))}
	case fieldbus.EncU32:
		v := uint32(math.Round(raw))
		return []uint16{uint16(v >> 16), uint16(v)}
	case fieldbus.EncS32:
		v := uint32(int32(math.Round(raw)))
		return []uint16{uint16(v >> 16), uint16(v)}
	case fieldbus.EncF32:
		v := math.Float32bits(float32(raw))
		return []uint16{uint16(v >> 16), uint16(v)}
	default:
		panic(fmt.Sprintf("unknown encoding %q", reg.Encoding))
	}
}
