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

// Package test holds shared fixtures for unit suites. Builders take
// overrides merged over nominal defaults so a test states only what it
// cares about.
package test

import (
	"fmt"
	"time"

	"github.com/Pallinder/go-randomdata"
	"github.com/imdario/mergo"

	"github.com/lifo4/edge-controller/pkg/bess"
)

// FixedTime anchors fixtures and fake clocks so expectations are stable.
var FixedTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// Snapshot returns a nominal mid-SOC idle telemetry snapshot, merged with
// overrides. Zero-valued override fields keep the defaults.
func Snapshot(overrides ...bess.TelemetrySnapshot) bess.TelemetrySnapshot {
	options := bess.TelemetrySnapshot{}
	for _, override := range overrides {
		if err := mergo.Merge(&options, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge settings: %s", err))
		}
	}
	if options.SOC == 0 {
		options.SOC = 55
	}
	if options.SOH == 0 {
		options.SOH = 97
	}
	if options.PackVoltage == 0 {
		options.PackVoltage = 812.4
	}
	if options.TempMin == 0 {
		options.TempMin = 18.1
	}
	if options.TempMax == 0 {
		options.TempMax = 24.7
	}
	if options.TempAvg == 0 {
		options.TempAvg = 21.3
	}
	if options.GridFrequency == 0 {
		options.GridFrequency = 49.98
	}
	if options.GridVoltage == 0 {
		options.GridVoltage = 230.1
	}
	if options.CellVoltageMin == 0 {
		options.CellVoltageMin = 3.31
	}
	if options.CellVoltageMax == 0 {
		options.CellVoltageMax = 3.38
	}
	if options.CapturedAt.IsZero() {
		options.CapturedAt = FixedTime
	}
	return options
}

// Decision returns a valid decision merged with overrides.
func Decision(overrides ...bess.Decision) bess.Decision {
	options := bess.Decision{}
	for _, override := range overrides {
		if err := mergo.Merge(&options, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge settings: %s", err))
		}
	}
	if options.Action == "" {
		options.Action = bess.ActionIdle
	}
	if options.Priority == "" {
		options.Priority = bess.PriorityLongevity
	}
	if options.Mode == "" {
		options.Mode = bess.ModeOnline
	}
	if options.Reason == "" {
		options.Reason = "test"
	}
	if options.IssuedAt.IsZero() {
		options.IssuedAt = FixedTime
	}
	return options
}

// Alarm returns a warning alarm merged with overrides.
func Alarm(overrides ...bess.Alarm) bess.Alarm {
	options := bess.Alarm{}
	for _, override := range overrides {
		if err := mergo.Merge(&options, override, mergo.WithOverride); err != nil {
			panic(fmt.Sprintf("Failed to merge settings: %s", err))
		}
	}
	base := bess.NewAlarm(bess.SeverityWarning, bess.AlarmLoopOverrun, "test alarm", FixedTime)
	if options.ID == "" {
		options.ID = base.ID
	}
	if options.Severity == "" {
		options.Severity = base.Severity
	}
	if options.Kind == "" {
		options.Kind = base.Kind
	}
	if options.Message == "" {
		options.Message = base.Message
	}
	if options.RaisedAt.IsZero() {
		options.RaisedAt = base.RaisedAt
	}
	return options
}

// Identity returns a random but well-formed device identity.
func Identity() bess.DeviceIdentity {
	return bess.NewDeviceIdentity(randomdata.MacAddress(), "SN-"+randomdata.Alphanumeric(8), "lifo4-mk3", "2.1.0")
}

// FlatPrices returns a 24-slot hourly price curve at the given level.
func FlatPrices(level float64) [24]float64 {
	var prices [24]float64
	for i := range prices {
		prices[i] = level
	}
	return prices
}
