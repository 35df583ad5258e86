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

// Package solar absorbs forecast generation surplus into the battery and,
// when configured, covers night load from it.
package solar

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
)

// Controller is stateless; surplus comes from the forecast view.
type Controller struct{}

func NewController() *Controller {
	return &Controller{}
}

// Evaluate charges with the hour's forecast surplus above the threshold
// while below the target SOC. With no generation this hour and a night
// discharge rate configured, it serves the load instead.
func (c *Controller) Evaluate(snapshot bess.TelemetrySnapshot, view cache.View, now time.Time) bess.Proposal {
	cfg := view.Config
	generation := view.SolarForecast.At(now)
	load := view.LoadForecast.At(now)
	surplus := generation - load

	if surplus > cfg.SolarSurplusThresholdKW && snapshot.SOC < cfg.SolarTargetSOC {
		power := lo.Clamp(surplus, 0, cfg.MaxPowerKW)
		return bess.Proposal{
			Action:  bess.ActionCharge,
			PowerKW: power,
			Reason:  fmt.Sprintf("absorbing %.1fkW solar surplus, soc %.1f%% below target %.1f%%", power, snapshot.SOC, cfg.SolarTargetSOC),
		}
	}
	if generation == 0 && cfg.SolarNightDischargeKW > 0 && snapshot.SOC > cfg.MinSOC {
		power := lo.Clamp(lo.Min([]float64{cfg.SolarNightDischargeKW, load}), 0, cfg.MaxPowerKW)
		if power > 0 {
			return bess.Proposal{
				Action:  bess.ActionDischarge,
				PowerKW: power,
				Reason:  fmt.Sprintf("night discharge %.1fkW toward %.1fkW load", power, load),
			}
		}
	}
	return bess.Idle(fmt.Sprintf("surplus %.1fkW below threshold %.1fkW", surplus, cfg.SolarSurplusThresholdKW))
}
