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

package bess

import "fmt"

// Severity ranks how bad a condition is. Ordering matters: verdicts and
// alarms always report the highest severity found.
type Severity string

const (
	SeverityAdvisory  Severity = "advisory"
	SeverityWarning   Severity = "warning"
	SeverityAlarm     Severity = "alarm"
	SeverityCritical  Severity = "critical"
	SeverityEmergency Severity = "emergency"
)

var severityRank = map[Severity]int{
	SeverityAdvisory:  0,
	SeverityWarning:   1,
	SeverityAlarm:     2,
	SeverityCritical:  3,
	SeverityEmergency: 4,
}

// Rank returns the ordering value, higher is worse.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is as severe as other or worse.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// SafetyAction is the protective measure a verdict demands.
type SafetyAction string

const (
	SafetyActionNone          SafetyAction = "none"
	SafetyActionReducePower   SafetyAction = "reduce_power"
	SafetyActionStopCharge    SafetyAction = "stop_charge"
	SafetyActionStopDischarge SafetyAction = "stop_discharge"
	SafetyActionStopAll       SafetyAction = "stop_all"
	SafetyActionEmergencyStop SafetyAction = "emergency_stop"
)

// Protective reports whether the action requires the control loop to act
// before any optimization runs.
func (a SafetyAction) Protective() bool {
	return a != SafetyActionNone
}

// SafetyVerdict is the outcome of one safety evaluation. OK holds exactly
// when Action is none and Severity is advisory.
type SafetyVerdict struct {
	OK        bool         `json:"ok"`
	Severity  Severity     `json:"severity"`
	Action    SafetyAction `json:"action"`
	Parameter string       `json:"parameter,omitempty"`
	Value     float64      `json:"value,omitempty"`
	Limit     float64      `json:"limit,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

// SafeVerdict is the all-clear result.
func SafeVerdict() SafetyVerdict {
	return SafetyVerdict{OK: true, Severity: SeverityAdvisory, Action: SafetyActionNone}
}

func (v SafetyVerdict) String() string {
	if v.OK {
		return "ok"
	}
	return fmt.Sprintf("%s %s: %s=%g (limit %g) %s", v.Severity, v.Action, v.Parameter, v.Value, v.Limit, v.Reason)
}
