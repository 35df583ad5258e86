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

// Package bess holds the domain value types shared across the edge
// controller: telemetry snapshots, decisions, safety verdicts, alarms and
// device identity. Types here are plain values with no I/O so every other
// package can depend on them without cycles.
package bess

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
)

// TelemetrySnapshot is a single consistent reading of the battery system.
// Sign convention: Current and PowerKW are positive when discharging,
// negative when charging. CapturedAt is taken from the injected clock at
// read time; when obtained from the real clock it carries a monotonic
// reading, so cycle arithmetic is immune to wall clock jumps.
type TelemetrySnapshot struct {
	SOC            float64 `json:"soc_percent"`
	SOH            float64 `json:"soh_percent"`
	PackVoltage    float64 `json:"pack_voltage_v"`
	Current        float64 `json:"current_a"`
	PowerKW        float64 `json:"power_kw"`
	TempMin        float64 `json:"temp_min_c"`
	TempMax        float64 `json:"temp_max_c"`
	TempAvg        float64 `json:"temp_avg_c"`
	GridFrequency  float64 `json:"grid_frequency_hz"`
	GridVoltage    float64 `json:"grid_voltage_v"`
	CellVoltageMin float64 `json:"cell_voltage_min_v"`
	CellVoltageMax float64 `json:"cell_voltage_max_v"`

	// Optional sensors not present on every hardware variant. Nil means
	// the register map does not expose them.
	InsulationResistanceKOhm *float64 `json:"insulation_resistance_kohm,omitempty"`
	SmokeDetected            *bool    `json:"smoke_detected,omitempty"`
	SiteDemandKW             *float64 `json:"site_demand_kw,omitempty"`

	CapturedAt time.Time `json:"captured_at"`
}

// Validate rejects the snapshot as a whole if any required field is
// non-finite or out of physical range. A partially valid snapshot is never
// acted upon.
func (t TelemetrySnapshot) Validate() error {
	var err error
	for name, v := range map[string]float64{
		"soc_percent":        t.SOC,
		"soh_percent":        t.SOH,
		"pack_voltage_v":     t.PackVoltage,
		"current_a":          t.Current,
		"power_kw":           t.PowerKW,
		"temp_min_c":         t.TempMin,
		"temp_max_c":         t.TempMax,
		"temp_avg_c":         t.TempAvg,
		"grid_frequency_hz":  t.GridFrequency,
		"grid_voltage_v":     t.GridVoltage,
		"cell_voltage_min_v": t.CellVoltageMin,
		"cell_voltage_max_v": t.CellVoltageMax,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			err = multierr.Append(err, fmt.Errorf("field %q is not finite", name))
		}
	}
	if t.SOC < 0 || t.SOC > 100 {
		err = multierr.Append(err, fmt.Errorf("soc_percent %v outside [0,100]", t.SOC))
	}
	if t.SOH < 0 || t.SOH > 100 {
		err = multierr.Append(err, fmt.Errorf("soh_percent %v outside [0,100]", t.SOH))
	}
	if t.InsulationResistanceKOhm != nil && (math.IsNaN(*t.InsulationResistanceKOhm) || math.IsInf(*t.InsulationResistanceKOhm, 0)) {
		err = multierr.Append(err, fmt.Errorf("field %q is not finite", "insulation_resistance_kohm"))
	}
	if t.SiteDemandKW != nil && (math.IsNaN(*t.SiteDemandKW) || math.IsInf(*t.SiteDemandKW, 0)) {
		err = multierr.Append(err, fmt.Errorf("field %q is not finite", "site_demand_kw"))
	}
	if t.CapturedAt.IsZero() {
		err = multierr.Append(err, fmt.Errorf("captured_at is zero"))
	}
	return err
}

// Age reports how long ago the snapshot was captured.
func (t TelemetrySnapshot) Age(now time.Time) time.Duration {
	return now.Sub(t.CapturedAt)
}

// OperationalState is the compact state the control loop persists each
// cycle for out-of-band consumers, most importantly the update gate.
type OperationalState struct {
	SOCPercent    float64       `json:"soc_percent"`
	PowerKW       float64       `json:"power_kw"`
	CriticalAlarm bool          `json:"critical_alarm"`
	IslandMode    bool          `json:"island_mode"`
	Mode          OperatingMode `json:"mode"`
	UpdatedAt     time.Time     `json:"updated_at"`
}
