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

package safety

import (
	"fmt"
	"math"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/multierr"

	"github.com/lifo4/edge-controller/pkg/bess"
)

// Senses describe which direction of travel is dangerous.
const (
	SenseHigh = "high"
	SenseLow  = "low"
)

// Monitored parameter names. Extractors bind them to snapshot fields.
const (
	ParamCellVoltageMax = "cell_voltage_max"
	ParamCellVoltageMin = "cell_voltage_min"
	ParamTempMax        = "temp_max"
	ParamTempMin        = "temp_min"
	ParamPackCurrent    = "pack_current"
	ParamInsulation     = "insulation_resistance"
	ParamSmoke          = "smoke"
	ParamSOCHigh        = "soc_high"
	ParamSOCLow         = "soc_low"
	ParamTelemetryAge   = "telemetry_age_s"
)

// Level is one severity rung of a threshold: the value that crosses it and
// the protective action it demands.
type Level struct {
	Value  float64           `toml:"value"`
	Action bess.SafetyAction `toml:"action"`
}

// Threshold watches one parameter. Absent severity rungs are simply not
// evaluated; smoke, for instance, goes straight to emergency.
type Threshold struct {
	Parameter  string  `toml:"parameter"`
	Sense      string  `toml:"sense"`
	Hysteresis float64 `toml:"hysteresis"`
	Warning    *Level  `toml:"warning,omitempty"`
	Alarm      *Level  `toml:"alarm,omitempty"`
	Critical   *Level  `toml:"critical,omitempty"`
	Emergency  *Level  `toml:"emergency,omitempty"`
}

// level returns the rung for a severity, nil when not configured.
func (t Threshold) level(severity bess.Severity) *Level {
	switch severity {
	case bess.SeverityWarning:
		return t.Warning
	case bess.SeverityAlarm:
		return t.Alarm
	case bess.SeverityCritical:
		return t.Critical
	case bess.SeverityEmergency:
		return t.Emergency
	default:
		return nil
	}
}

// crossed reports whether value is on the unsafe side of the rung.
func (t Threshold) crossed(level Level, value float64) bool {
	if t.Sense == SenseLow {
		return value <= level.Value
	}
	return value >= level.Value
}

// cleared reports whether value has backed off the rung by at least the
// hysteresis margin.
func (t Threshold) cleared(level Level, value float64) bool {
	if t.Sense == SenseLow {
		return value >= level.Value+t.Hysteresis
	}
	return value <= level.Value-t.Hysteresis
}

func (t Threshold) validate() error {
	var err error
	if t.Parameter == "" {
		err = multierr.Append(err, fmt.Errorf("threshold missing parameter"))
	}
	if _, ok := extractors[t.Parameter]; !ok {
		err = multierr.Append(err, fmt.Errorf("unknown parameter %q", t.Parameter))
	}
	if t.Sense != SenseHigh && t.Sense != SenseLow {
		err = multierr.Append(err, fmt.Errorf("parameter %q: unknown sense %q", t.Parameter, t.Sense))
	}
	if t.Hysteresis < 0 || math.IsNaN(t.Hysteresis) {
		err = multierr.Append(err, fmt.Errorf("parameter %q: hysteresis must be >= 0", t.Parameter))
	}
	if t.Warning == nil && t.Alarm == nil && t.Critical == nil && t.Emergency == nil {
		err = multierr.Append(err, fmt.Errorf("parameter %q: no severity rungs configured", t.Parameter))
	}
	for _, rung := range []struct {
		severity bess.Severity
		level    *Level
	}{
		{bess.SeverityWarning, t.Warning},
		{bess.SeverityAlarm, t.Alarm},
		{bess.SeverityCritical, t.Critical},
		{bess.SeverityEmergency, t.Emergency},
	} {
		if rung.level == nil {
			continue
		}
		switch rung.level.Action {
		case bess.SafetyActionNone, bess.SafetyActionReducePower, bess.SafetyActionStopCharge,
			bess.SafetyActionStopDischarge, bess.SafetyActionStopAll, bess.SafetyActionEmergencyStop:
		default:
			err = multierr.Append(err, fmt.Errorf("parameter %q: unknown action %q", t.Parameter, rung.level.Action))
		}
		if math.IsNaN(rung.level.Value) || math.IsInf(rung.level.Value, 0) {
			err = multierr.Append(err, fmt.Errorf("parameter %q: %s value not finite", t.Parameter, rung.severity))
		}
	}
	// rungs must escalate monotonically along the dangerous direction
	ordered := []*Level{t.Warning, t.Alarm, t.Critical, t.Emergency}
	var prev *Level
	for _, l := range ordered {
		if l == nil {
			continue
		}
		if prev != nil {
			if t.Sense == SenseLow && l.Value >= prev.Value {
				err = multierr.Append(err, fmt.Errorf("parameter %q: rungs must decrease for sense low", t.Parameter))
			}
			if t.Sense != SenseLow && l.Value <= prev.Value {
				err = multierr.Append(err, fmt.Errorf("parameter %q: rungs must increase for sense high", t.Parameter))
			}
		}
		prev = l
	}
	return err
}

// Table is the ordered set of thresholds. Order is evaluation order, which
// breaks severity ties deterministically.
type Table struct {
	Thresholds []Threshold `toml:"thresholds"`
}

// ParseTable decodes and validates a TOML threshold table.
func ParseTable(data []byte) (Table, error) {
	var t Table
	if err := toml.Unmarshal(data, &t); err != nil {
		return Table{}, fmt.Errorf("parsing threshold table, %w", err)
	}
	if err := t.Validate(); err != nil {
		return Table{}, err
	}
	return t, nil
}

// Validate checks every threshold and rejects duplicates.
func (t Table) Validate() error {
	var err error
	if len(t.Thresholds) == 0 {
		return fmt.Errorf("threshold table is empty")
	}
	seen := map[string]bool{}
	for _, threshold := range t.Thresholds {
		err = multierr.Append(err, threshold.validate())
		if seen[threshold.Parameter] {
			err = multierr.Append(err, fmt.Errorf("duplicate parameter %q", threshold.Parameter))
		}
		seen[threshold.Parameter] = true
	}
	return err
}

// DefaultTable is the compiled-in protection envelope. Provisioned
// safety_limits or an on-disk table override it wholesale; a rejected
// override leaves it in force.
func DefaultTable() Table {
	return Table{Thresholds: []Threshold{
		{
			Parameter: ParamSmoke, Sense: SenseHigh, Hysteresis: 0,
			Emergency: &Level{Value: 1, Action: bess.SafetyActionEmergencyStop},
		},
		{
			Parameter: ParamCellVoltageMax, Sense: SenseHigh, Hysteresis: 0.05,
			Warning:   &Level{Value: 3.55, Action: bess.SafetyActionNone},
			Alarm:     &Level{Value: 3.60, Action: bess.SafetyActionStopCharge},
			Emergency: &Level{Value: 3.65, Action: bess.SafetyActionEmergencyStop},
		},
		{
			Parameter: ParamCellVoltageMin, Sense: SenseLow, Hysteresis: 0.05,
			Warning:   &Level{Value: 3.00, Action: bess.SafetyActionNone},
			Alarm:     &Level{Value: 2.90, Action: bess.SafetyActionStopDischarge},
			Emergency: &Level{Value: 2.80, Action: bess.SafetyActionEmergencyStop},
		},
		{
			Parameter: ParamTempMax, Sense: SenseHigh, Hysteresis: 2,
			Warning:   &Level{Value: 45, Action: bess.SafetyActionReducePower},
			Alarm:     &Level{Value: 55, Action: bess.SafetyActionStopAll},
			Emergency: &Level{Value: 60, Action: bess.SafetyActionEmergencyStop},
		},
		{
			Parameter: ParamTempMin, Sense: SenseLow, Hysteresis: 2,
			Warning:  &Level{Value: 5, Action: bess.SafetyActionNone},
			Alarm:    &Level{Value: 0, Action: bess.SafetyActionStopCharge},
			Critical: &Level{Value: -10, Action: bess.SafetyActionStopAll},
		},
		{
			Parameter: ParamPackCurrent, Sense: SenseHigh, Hysteresis: 10,
			Warning:   &Level{Value: 180, Action: bess.SafetyActionNone},
			Alarm:     &Level{Value: 200, Action: bess.SafetyActionReducePower},
			Emergency: &Level{Value: 250, Action: bess.SafetyActionEmergencyStop},
		},
		{
			Parameter: ParamInsulation, Sense: SenseLow, Hysteresis: 50,
			Warning:   &Level{Value: 500, Action: bess.SafetyActionNone},
			Alarm:     &Level{Value: 200, Action: bess.SafetyActionStopAll},
			Emergency: &Level{Value: 100, Action: bess.SafetyActionEmergencyStop},
		},
		{
			Parameter: ParamSOCHigh, Sense: SenseHigh, Hysteresis: 1,
			Warning: &Level{Value: 97, Action: bess.SafetyActionNone},
			Alarm:   &Level{Value: 99, Action: bess.SafetyActionStopCharge},
		},
		{
			Parameter: ParamSOCLow, Sense: SenseLow, Hysteresis: 1,
			Warning: &Level{Value: 5, Action: bess.SafetyActionNone},
			Alarm:   &Level{Value: 2, Action: bess.SafetyActionStopDischarge},
		},
		{
			Parameter: ParamTelemetryAge, Sense: SenseHigh, Hysteresis: 2,
			Alarm:     &Level{Value: 10, Action: bess.SafetyActionStopAll},
			Emergency: &Level{Value: 30, Action: bess.SafetyActionEmergencyStop},
		},
	}}
}
