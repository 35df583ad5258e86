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

// Package peakshaving keeps the site demand below its contracted limit by
// discharging exactly the excess. The engage latch releases only well
// below the trigger so demand hovering at the limit cannot flap the
// battery.
package peakshaving

import (
	"fmt"

	"github.com/samber/lo"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
)

// releaseFactor scales the trigger level down to the disengage point.
const releaseFactor = 0.7

// Controller holds the hysteresis latch, its only state.
type Controller struct {
	engaged bool
}

func NewController() *Controller {
	return &Controller{}
}

// Demand resolves the demand input: the site meter when the register map
// provides one, otherwise battery power plus the configured baseline load.
func Demand(snapshot bess.TelemetrySnapshot, cfg cache.OptimizationConfig) float64 {
	if snapshot.SiteDemandKW != nil {
		return *snapshot.SiteDemandKW
	}
	power := snapshot.PowerKW
	if power < 0 {
		power = -power
	}
	return power + cfg.BaselineLoadKW
}

// Evaluate engages at demand >= trigger_percent x demand_limit (inclusive)
// with SOC above the floor, shaving the excess over the trigger level
// capped by the inverter rating.
func (c *Controller) Evaluate(snapshot bess.TelemetrySnapshot, view cache.View) bess.Proposal {
	cfg := view.Config
	demand := Demand(snapshot, cfg)
	trigger := cfg.PeakTriggerPercent * cfg.DemandLimitKW

	if !c.engaged && demand >= trigger && snapshot.SOC > cfg.PeakMinSOC {
		c.engaged = true
	}
	if c.engaged && demand < releaseFactor*trigger {
		c.engaged = false
	}
	if c.engaged && snapshot.SOC <= cfg.PeakMinSOC {
		// out of usable energy; stay latched but stop discharging
		return bess.Idle(fmt.Sprintf("peak shaving exhausted at soc %.1f%%", snapshot.SOC))
	}
	if !c.engaged {
		return bess.Idle(fmt.Sprintf("demand %.1fkW below trigger %.1fkW", demand, trigger))
	}
	excess := lo.Clamp(demand-trigger, 0, cfg.MaxPowerKW)
	if excess == 0 {
		return bess.Idle(fmt.Sprintf("latched, demand %.1fkW back under trigger %.1fkW", demand, trigger))
	}
	return bess.Proposal{
		Action:  bess.ActionDischarge,
		PowerKW: excess,
		Reason:  fmt.Sprintf("shaving %.1fkW excess over trigger %.1fkW (demand %.1fkW)", excess, trigger, demand),
	}
}

// Engaged exposes the latch for tests and status reporting.
func (c *Controller) Engaged() bool {
	return c.engaged
}
