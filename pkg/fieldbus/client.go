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

// Package fieldbus reads battery telemetry and writes control targets over
// the site field bus. The client is stateless: connection handling lives in
// the transport, retry policy lives with the caller.
package fieldbus

import (
	"context"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/metrics"
)

// Transport is the register-level bus access the client needs. It is
// satisfied by github.com/goburrow/modbus.Client so production wiring is a
// handler plus this interface, and tests swap in a fake.
type Transport interface {
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
	WriteSingleRegister(address, value uint16) ([]byte, error)
	ReadCoils(address, quantity uint16) ([]byte, error)
	WriteSingleCoil(address, value uint16) ([]byte, error)
}

const (
	coilOn  uint16 = 0xFF00
	coilOff uint16 = 0x0000
)

// Client maps logical telemetry and control names onto bus registers.
type Client struct {
	transport Transport
	registers *RegisterMap
	clk       clock.Clock
	log       logr.Logger
}

func NewClient(transport Transport, registers *RegisterMap, clk clock.Clock, log logr.Logger) *Client {
	return &Client{
		transport: transport,
		registers: registers,
		clk:       clk,
		log:       log.WithName("fieldbus"),
	}
}

// ReadTelemetry performs one full telemetry pass: every planned block read,
// optional coil sensors, decode, then whole-snapshot validation. Any failed
// transaction or non-finite field rejects the entire snapshot.
func (c *Client) ReadTelemetry(ctx context.Context) (bess.TelemetrySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return bess.TelemetrySnapshot{}, err
	}
	values := map[string]float64{}
	for _, block := range c.registers.plan {
		payload, err := c.readBlock(block)
		if err != nil {
			return bess.TelemetrySnapshot{}, err
		}
		decoded, err := c.registers.decodeBlock(block, payload)
		if err != nil {
			return bess.TelemetrySnapshot{}, fmt.Errorf("decoding block at %d, %w", block.start, err)
		}
		for name, v := range decoded {
			values[name] = v
		}
	}
	snapshot := bess.TelemetrySnapshot{
		SOC:            values[RegSOC],
		SOH:            values[RegSOH],
		PackVoltage:    values[RegPackVoltage],
		Current:        values[RegCurrent],
		PowerKW:        values[RegPowerKW],
		TempMin:        values[RegTempMin],
		TempMax:        values[RegTempMax],
		TempAvg:        values[RegTempAvg],
		GridFrequency:  values[RegGridFrequency],
		GridVoltage:    values[RegGridVoltage],
		CellVoltageMin: values[RegCellVoltageMin],
		CellVoltageMax: values[RegCellVoltageMax],
		CapturedAt:     c.clk.Now(),
	}
	if v, ok := values[RegInsulation]; ok {
		snapshot.InsulationResistanceKOhm = lo.ToPtr(v)
	}
	if v, ok := values[RegSiteDemandKW]; ok {
		snapshot.SiteDemandKW = lo.ToPtr(v)
	}
	if reg, ok := c.registers.Lookup(RegSmoke); ok && reg.Kind == KindCoil {
		on, err := c.readCoil(reg)
		if err != nil {
			return bess.TelemetrySnapshot{}, err
		}
		snapshot.SmokeDetected = lo.ToPtr(on)
	}
	if err := snapshot.Validate(); err != nil {
		return bess.TelemetrySnapshot{}, fmt.Errorf("rejecting snapshot, %w", err)
	}
	return snapshot, nil
}

// WriteSetpointKW writes the power setpoint magnitude. Direction comes
// from the charge/discharge permissive coils, not the register sign.
func (c *Client) WriteSetpointKW(ctx context.Context, kw float64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reg, ok := c.registers.Lookup(RegPowerSetpointKW)
	if !ok || !reg.Writable {
		return fmt.Errorf("register %q is not writable", RegPowerSetpointKW)
	}
	raw, err := reg.Encode(kw)
	if err != nil {
		return fmt.Errorf("encoding setpoint, %w", err)
	}
	return c.writeRegister("write_setpoint", reg.Address, raw)
}

// SetChargeEnabled toggles the charge contactor permissive.
func (c *Client) SetChargeEnabled(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeCoilNamed("write_charge_enable", RegChargeEnable, on)
}

// SetDischargeEnabled toggles the discharge contactor permissive.
func (c *Client) SetDischargeEnabled(ctx context.Context, on bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.writeCoilNamed("write_discharge_enable", RegDischargeEnable, on)
}

// EmergencyStop trips the hardware e-stop coil. The trip write goes first
// and its result is reported no matter what; zeroing the setpoint and
// dropping the permissives are best-effort follow-ups whose failures are
// attached but must never delay the trip.
func (c *Client) EmergencyStop(ctx context.Context) error {
	tripErr := c.writeCoilNamed("emergency_stop", RegEmergencyStop, true)
	var followUp error
	if reg, ok := c.registers.Lookup(RegPowerSetpointKW); ok && reg.Writable {
		if raw, err := reg.Encode(0); err == nil {
			followUp = multierr.Append(followUp, c.writeRegister("write_setpoint", reg.Address, raw))
		}
	}
	followUp = multierr.Append(followUp, c.writeCoilNamed("write_charge_enable", RegChargeEnable, false))
	followUp = multierr.Append(followUp, c.writeCoilNamed("write_discharge_enable", RegDischargeEnable, false))
	if tripErr != nil {
		return fmt.Errorf("emergency stop trip failed, %w", multierr.Append(tripErr, followUp))
	}
	if followUp != nil {
		c.log.Error(followUp, "emergency stop follow-up writes failed")
	}
	return nil
}

// Probe reads one known register to confirm a responsive unit. Used for
// discovery and liveness.
func (c *Client) Probe(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	reg := c.registers.Registers[RegSOC]
	_, err := c.readBlock(readBlock{kind: reg.Kind, start: reg.Address, count: reg.Words(), names: []string{RegSOC}})
	return err
}

func (c *Client) readBlock(block readBlock) ([]byte, error) {
	op := "read_" + block.kind
	start := c.clk.Now()
	var payload []byte
	var err error
	switch block.kind {
	case KindHolding:
		payload, err = c.transport.ReadHoldingRegisters(block.start, block.count)
	case KindInput:
		payload, err = c.transport.ReadInputRegisters(block.start, block.count)
	default:
		return nil, fmt.Errorf("unreadable block kind %q", block.kind)
	}
	c.observe(op, start, err)
	if err != nil {
		return nil, Categorize(op, err)
	}
	return payload, nil
}

func (c *Client) readCoil(reg Register) (bool, error) {
	start := c.clk.Now()
	payload, err := c.transport.ReadCoils(reg.Address, 1)
	c.observe("read_coil", start, err)
	if err != nil {
		return false, Categorize("read_coil", err)
	}
	return len(payload) > 0 && payload[0]&0x01 == 0x01, nil
}

func (c *Client) writeRegister(op string, address, value uint16) error {
	start := c.clk.Now()
	_, err := c.transport.WriteSingleRegister(address, value)
	c.observe(op, start, err)
	return Categorize(op, err)
}

func (c *Client) writeCoilNamed(op, name string, on bool) error {
	reg, ok := c.registers.Lookup(name)
	if !ok || reg.Kind != KindCoil {
		return fmt.Errorf("register %q is not a coil", name)
	}
	start := c.clk.Now()
	_, err := c.transport.WriteSingleCoil(reg.Address, lo.Ternary(on, coilOn, coilOff))
	c.observe(op, start, err)
	return Categorize(op, err)
}

func (c *Client) observe(op string, start time.Time, err error) {
	transactionDuration.WithLabelValues(op).Observe(c.clk.Since(start).Seconds())
	result := metrics.ResultSuccess
	if err != nil {
		result = metrics.ResultError
		transactionErrors.WithLabelValues(string(categoryOf(err))).Inc()
	}
	transactionsTotal.WithLabelValues(op, result).Inc()
}
