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

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/multierr"
)

// OperatingMode describes where decisions come from.
type OperatingMode string

const (
	// ModeOnline means cloud-connected; cloud setpoints are honored.
	ModeOnline OperatingMode = "online"
	// ModeAutonomous means the cloud has been silent past the configured
	// timeout; local policies decide.
	ModeAutonomous OperatingMode = "autonomous"
	// ModeSafe means a fault latched the controller into conservative
	// behavior until an operator reset.
	ModeSafe OperatingMode = "safe"
)

// Action is what the battery is told to do.
type Action string

const (
	ActionIdle          Action = "idle"
	ActionCharge        Action = "charge"
	ActionDischarge     Action = "discharge"
	ActionEmergencyStop Action = "emergency_stop"
)

// Priority orders decision sources. Arbitration is strict: a higher
// priority proposal always wins regardless of magnitudes.
type Priority string

const (
	PrioritySafety      Priority = "SAFETY"
	PriorityGridCode    Priority = "GRID_CODE"
	PriorityContractual Priority = "CONTRACTUAL"
	PriorityEconomic    Priority = "ECONOMIC"
	PriorityLongevity   Priority = "LONGEVITY"
)

var priorityRank = map[Priority]int{
	PrioritySafety:      0,
	PriorityGridCode:    1,
	PriorityContractual: 2,
	PriorityEconomic:    3,
	PriorityLongevity:   4,
}

// Rank returns the arbitration rank, lower wins. Unknown priorities rank
// below LONGEVITY so they can never displace a real proposal.
func (p Priority) Rank() int {
	if r, ok := priorityRank[p]; ok {
		return r
	}
	return len(priorityRank)
}

// Outranks reports whether p wins arbitration against other.
func (p Priority) Outranks(other Priority) bool {
	return p.Rank() < other.Rank()
}

// Decision is the arbitrated output of one optimization pass. PowerKW is a
// magnitude; direction is carried by Action.
type Decision struct {
	Action   Action        `json:"action"`
	PowerKW  float64       `json:"power_kw"`
	Priority Priority      `json:"priority"`
	Reason   string        `json:"reason"`
	Mode     OperatingMode `json:"mode"`
	IssuedAt time.Time     `json:"issued_at"`
}

// Validate enforces the structural invariants every decision must satisfy
// before it is applied or persisted.
func (d Decision) Validate() error {
	var err error
	switch d.Action {
	case ActionIdle, ActionCharge, ActionDischarge, ActionEmergencyStop:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown action %q", d.Action))
	}
	if math.IsNaN(d.PowerKW) || math.IsInf(d.PowerKW, 0) || d.PowerKW < 0 {
		err = multierr.Append(err, fmt.Errorf("power_kw %v must be a finite magnitude", d.PowerKW))
	}
	if _, ok := priorityRank[d.Priority]; !ok {
		err = multierr.Append(err, fmt.Errorf("unknown priority %q", d.Priority))
	}
	switch d.Mode {
	case ModeOnline, ModeAutonomous, ModeSafe:
	default:
		err = multierr.Append(err, fmt.Errorf("unknown mode %q", d.Mode))
	}
	if d.Reason == "" {
		err = multierr.Append(err, fmt.Errorf("reason must not be empty"))
	}
	return err
}

// Proposal is a sub-controller's suggestion before arbitration.
type Proposal struct {
	Action  Action
	PowerKW float64
	Reason  string
}

// Idle returns a no-op proposal carrying the given reason.
func Idle(reason string) Proposal {
	return Proposal{Action: ActionIdle, Reason: reason}
}

// IsIdle reports whether the proposal requests no power movement.
func (p Proposal) IsIdle() bool {
	return p.Action == ActionIdle || (p.Action != ActionEmergencyStop && p.PowerKW == 0)
}
