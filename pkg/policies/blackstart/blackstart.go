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

// Package blackstart rides through grid failures: it detects loss of the
// grid from voltage and frequency, islands the site on battery power, and
// resynchronizes once the grid holds steady. Its output is promoted to
// GRID_CODE priority by the decision engine.
package blackstart

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
)

// State of the grid-code machine.
type State string

const (
	StateGridConnected   State = "grid_connected"
	StateFailureDetected State = "grid_failure_detected"
	StateTransferring    State = "transferring"
	StateIslandMode      State = "island_mode"
	StateReconnecting    State = "reconnecting"
	StateSynchronizing   State = "synchronizing"
)

// Limits bound what counts as a healthy grid. EN 50160-ish defaults for a
// 230 V 50 Hz system.
type Limits struct {
	VoltageMin   float64
	VoltageMax   float64
	FrequencyMin float64
	FrequencyMax float64

	// FailureConfirm and RestoreConfirm are consecutive-cycle counts
	// before a transition commits, filtering single-sample glitches.
	FailureConfirm int
	RestoreConfirm int
}

func DefaultLimits() Limits {
	return Limits{
		VoltageMin:     207,
		VoltageMax:     253,
		FrequencyMin:   49.5,
		FrequencyMax:   50.5,
		FailureConfirm: 3,
		RestoreConfirm: 5,
	}
}

// Controller is the per-site grid-code state machine. One Evaluate call
// advances at most one transition, so traversal time is bounded by the
// control cadence.
type Controller struct {
	limits Limits

	state        State
	badStreak    int
	steadyStreak int
}

func NewController(limits Limits) *Controller {
	return &Controller{limits: limits, state: StateGridConnected}
}

// State returns the current machine state. island_mode blocks software
// updates.
func (c *Controller) State() State {
	return c.state
}

// IslandMode reports whether the site currently runs separated from the
// grid.
func (c *Controller) IslandMode() bool {
	switch c.state {
	case StateIslandMode, StateReconnecting, StateSynchronizing, StateTransferring:
		return true
	}
	return false
}

func (c *Controller) gridHealthy(snapshot bess.TelemetrySnapshot) bool {
	return snapshot.GridVoltage >= c.limits.VoltageMin && snapshot.GridVoltage <= c.limits.VoltageMax &&
		snapshot.GridFrequency >= c.limits.FrequencyMin && snapshot.GridFrequency <= c.limits.FrequencyMax
}

// Evaluate advances the machine on this cycle's reading and returns the
// grid-code proposal. Anything but a healthy grid_connected state produces
// a non-idle output for the engine to promote.
func (c *Controller) Evaluate(snapshot bess.TelemetrySnapshot, view cache.View) bess.Proposal {
	healthy := c.gridHealthy(snapshot)
	if healthy {
		c.badStreak = 0
		c.steadyStreak++
	} else {
		c.badStreak++
		c.steadyStreak = 0
	}

	switch c.state {
	case StateGridConnected:
		if c.badStreak >= c.limits.FailureConfirm {
			c.state = StateFailureDetected
		}
	case StateFailureDetected:
		c.state = StateTransferring
	case StateTransferring:
		c.state = StateIslandMode
	case StateIslandMode:
		if c.steadyStreak >= c.limits.RestoreConfirm {
			c.state = StateReconnecting
		}
	case StateReconnecting:
		if !healthy {
			c.state = StateIslandMode
		} else {
			c.state = StateSynchronizing
		}
	case StateSynchronizing:
		if !healthy {
			c.state = StateIslandMode
		} else {
			c.state = StateGridConnected
		}
	}
	stateGauge.Set(stateRank(c.state))

	return c.propose(snapshot, view)
}

// propose sizes the island discharge by SOC: full support above half
// charge, tapering linearly toward the reserve floor.
func (c *Controller) propose(snapshot bess.TelemetrySnapshot, view cache.View) bess.Proposal {
	cfg := view.Config
	switch c.state {
	case StateGridConnected:
		return bess.Idle("grid connected")
	case StateIslandMode, StateReconnecting, StateSynchronizing:
		if snapshot.SOC <= cfg.MinSOC {
			return bess.Idle(fmt.Sprintf("island mode, soc %.1f%% at reserve floor", snapshot.SOC))
		}
		fraction := lo.Clamp((snapshot.SOC-cfg.MinSOC)/(50-cfg.MinSOC), 0, 1)
		power := cfg.MaxPowerKW * fraction
		return bess.Proposal{
			Action:  bess.ActionDischarge,
			PowerKW: power,
			Reason:  fmt.Sprintf("island mode, supporting load at %.1fkW (soc %.1f%%)", power, snapshot.SOC),
		}
	default:
		// failure detected or transferring: hold the battery still while
		// contactors move
		return bess.Proposal{Action: bess.ActionIdle, Reason: fmt.Sprintf("grid transfer in progress (%s)", c.state)}
	}
}

func stateRank(s State) float64 {
	switch s {
	case StateGridConnected:
		return 0
	case StateFailureDetected:
		return 1
	case StateTransferring:
		return 2
	case StateIslandMode:
		return 3
	case StateReconnecting:
		return 4
	case StateSynchronizing:
		return 5
	}
	return -1
}
