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

package cache

import (
	"time"

	"github.com/lifo4/edge-controller/pkg/bess"
)

// Entry TTLs. A stale entry reads as absent: consumers get the compiled
// default plus a freshness flag, never a blocking miss.
const (
	SetpointTTL = 15 * time.Minute
	PricesTTL   = 6 * time.Hour
	ForecastTTL = 6 * time.Hour

	// CleanupInterval is how often expired entries are swept.
	CleanupInterval = 10 * time.Minute
)

// Setpoint is a cloud-commanded operating point. Stale setpoints are
// discarded wholesale; half-followed remote commands are worse than local
// autonomy.
type Setpoint struct {
	Action   bess.Action `json:"action" validate:"required,oneof=charge discharge idle"`
	PowerKW  float64     `json:"power_kw" validate:"gte=0"`
	Reason   string      `json:"reason,omitempty"`
	IssuedAt time.Time   `json:"issued_at"`
}

// HourlySeries carries 24 values indexed by hour of day.
type HourlySeries [24]float64

// At returns the value for the hour of t.
func (s HourlySeries) At(t time.Time) float64 {
	return s[t.Hour()]
}

// OptimizationConfig tunes the local policies. Updates arrive on the
// config topic and merge over compiled defaults, so a partial update can
// never leave a zeroed knob.
type OptimizationConfig struct {
	ArbitrageBuyThreshold  float64 `json:"arbitrage_buy_threshold,omitempty" validate:"omitempty,gte=0"`
	ArbitrageSellThreshold float64 `json:"arbitrage_sell_threshold,omitempty" validate:"omitempty,gte=0"`
	ArbitrageMaxSOCForBuy  float64 `json:"arbitrage_max_soc_for_buy,omitempty" validate:"omitempty,gte=0,lte=100"`
	ArbitrageMinSOCForSell float64 `json:"arbitrage_min_soc_for_sell,omitempty" validate:"omitempty,gte=0,lte=100"`
	ArbitrageRateKW        float64 `json:"arbitrage_rate_kw,omitempty" validate:"omitempty,gt=0"`

	DemandLimitKW      float64 `json:"demand_limit_kw,omitempty" validate:"omitempty,gt=0"`
	PeakTriggerPercent float64 `json:"peak_trigger_percent,omitempty" validate:"omitempty,gt=0,lte=1"`
	PeakMinSOC         float64 `json:"peak_min_soc,omitempty" validate:"omitempty,gte=0,lte=100"`
	BaselineLoadKW     float64 `json:"baseline_load_kw,omitempty" validate:"omitempty,gte=0"`

	SolarSurplusThresholdKW float64 `json:"solar_surplus_threshold_kw,omitempty" validate:"omitempty,gte=0"`
	SolarTargetSOC          float64 `json:"solar_target_soc,omitempty" validate:"omitempty,gte=0,lte=100"`
	SolarNightDischargeKW   float64 `json:"solar_night_discharge_kw,omitempty" validate:"omitempty,gte=0"`

	MinSOC float64 `json:"min_soc,omitempty" validate:"omitempty,gte=0,lte=100"`
	MaxSOC float64 `json:"max_soc,omitempty" validate:"omitempty,gte=0,lte=100"`

	// MaxPowerKW is the inverter rating every policy caps against.
	MaxPowerKW float64 `json:"max_power_kw,omitempty" validate:"omitempty,gt=0"`
}

// DefaultOptimizationConfig returns the compiled defaults the edge falls
// back to before any cloud config has ever arrived.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		ArbitrageBuyThreshold:  0.10,
		ArbitrageSellThreshold: 0.30,
		ArbitrageMaxSOCForBuy:  90,
		ArbitrageMinSOCForSell: 20,
		ArbitrageRateKW:        25,

		DemandLimitKW:      100,
		PeakTriggerPercent: 0.8,
		PeakMinSOC:         15,
		BaselineLoadKW:     20,

		SolarSurplusThresholdKW: 1,
		SolarTargetSOC:          90,
		SolarNightDischargeKW:   0,

		MinSOC: 10,
		MaxSOC: 95,

		MaxPowerKW: 50,
	}
}

// DefaultPrices is the flat curve used when no market data has arrived:
// priced so arbitrage stays idle rather than trading on fiction.
func DefaultPrices() HourlySeries {
	var s HourlySeries
	for i := range s {
		s[i] = 0.20
	}
	return s
}

// DefaultForecast is the all-zero series, meaning no expected load or
// generation.
func DefaultForecast() HourlySeries {
	return HourlySeries{}
}

// View is the immutable per-cycle read of every cached entry. The control
// loop takes one at cycle start; writers never mutate a handed-out view.
type View struct {
	Prices        HourlySeries
	PricesFresh   bool
	LoadForecast  HourlySeries
	SolarForecast HourlySeries
	ForecastFresh bool
	Setpoint      *Setpoint
	Config        OptimizationConfig
	TakenAt       time.Time
}

// SetpointFresh reports whether a live cloud setpoint is present.
func (v View) SetpointFresh() bool {
	return v.Setpoint != nil
}
