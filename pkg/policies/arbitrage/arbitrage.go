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

// Package arbitrage charges when energy is cheap and discharges when it is
// expensive, inside the configured SOC band.
package arbitrage

import (
	"fmt"
	"time"

	"github.com/samber/lo"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
)

// Controller is stateless; both thresholds come from the per-cycle view.
type Controller struct{}

func NewController() *Controller {
	return &Controller{}
}

// Evaluate applies the price thresholds. Sell gates are strict
// inequalities on SOC: at exactly min_soc_for_sell no discharge happens.
func (c *Controller) Evaluate(snapshot bess.TelemetrySnapshot, view cache.View, now time.Time) bess.Proposal {
	cfg := view.Config
	price := view.Prices.At(now)
	rate := lo.Min([]float64{cfg.ArbitrageRateKW, cfg.MaxPowerKW})

	if price <= cfg.ArbitrageBuyThreshold && snapshot.SOC < cfg.ArbitrageMaxSOCForBuy {
		return bess.Proposal{
			Action:  bess.ActionCharge,
			PowerKW: rate,
			Reason:  fmt.Sprintf("price %.3f <= buy threshold %.3f, soc %.1f%%", price, cfg.ArbitrageBuyThreshold, snapshot.SOC),
		}
	}
	if price >= cfg.ArbitrageSellThreshold && snapshot.SOC > cfg.ArbitrageMinSOCForSell {
		return bess.Proposal{
			Action:  bess.ActionDischarge,
			PowerKW: rate,
			Reason:  fmt.Sprintf("price %.3f >= sell threshold %.3f, soc %.1f%%", price, cfg.ArbitrageSellThreshold, snapshot.SOC),
		}
	}
	return bess.Idle(fmt.Sprintf("price %.3f inside dead band", price))
}
