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
	"fmt"
	"io"
	"time"

	"github.com/goburrow/modbus"
	"github.com/samber/lo"
)

// Transport kinds for BusConfig.
const (
	TransportTCP = "tcp"
	TransportRTU = "rtu"
)

// Unit IDs scanned during provisioning discovery.
const (
	DiscoveryUnitMin = 1
	DiscoveryUnitMax = 10
)

// BusConfig describes how to reach the battery management system. It is
// embedded in the provisioned device configuration.
type BusConfig struct {
	Transport    string `json:"transport" validate:"required,oneof=tcp rtu"`
	Host         string `json:"host,omitempty" validate:"required_if=Transport tcp"`
	Port         int    `json:"port,omitempty"`
	SerialDevice string `json:"serial_device,omitempty" validate:"required_if=Transport rtu"`
	BaudRate     int    `json:"baud_rate,omitempty"`
	UnitID       byte   `json:"unit_id" validate:"required,min=1,max=247"`
	TimeoutMS    int    `json:"timeout_ms,omitempty"`
	RegisterMap  string `json:"register_map,omitempty"`
}

// Timeout returns the per-transaction deadline, clamped so a slow device
// can never stall the control cycle.
func (c BusConfig) Timeout() time.Duration {
	ms := c.TimeoutMS
	if ms <= 0 {
		ms = 500
	}
	return time.Duration(lo.Clamp(ms, 50, 500)) * time.Millisecond
}

// WithUnit returns a copy of the config addressing a different unit ID,
// used by discovery scans.
func (c BusConfig) WithUnit(unitID byte) BusConfig {
	c.UnitID = unitID
	return c
}

// Dial connects a transport for the configured bus. The returned closer
// tears down the underlying connection; the transport must not be used
// after closing.
func Dial(cfg BusConfig) (Transport, io.Closer, error) {
	switch cfg.Transport {
	case TransportTCP:
		handler := modbus.NewTCPClientHandler(fmt.Sprintf("%s:%d", cfg.Host, lo.Ternary(cfg.Port > 0, cfg.Port, 502)))
		handler.Timeout = cfg.Timeout()
		handler.SlaveId = cfg.UnitID
		if err := handler.Connect(); err != nil {
			return nil, nil, Categorize("connect", err)
		}
		return modbus.NewClient(handler), handler, nil
	case TransportRTU:
		handler := modbus.NewRTUClientHandler(cfg.SerialDevice)
		handler.BaudRate = lo.Ternary(cfg.BaudRate > 0, cfg.BaudRate, 9600)
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = cfg.Timeout()
		handler.SlaveId = cfg.UnitID
		if err := handler.Connect(); err != nil {
			return nil, nil, Categorize("connect", err)
		}
		return modbus.NewClient(handler), handler, nil
	default:
		return nil, nil, fmt.Errorf("unknown bus transport %q", cfg.Transport)
	}
}
