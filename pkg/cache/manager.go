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

// Package cache keeps the last known cloud guidance (prices, forecasts,
// setpoint, optimization config) behind TTLs with compiled defaults, so a
// read never blocks and never misses while the cloud is away.
package cache

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/imdario/mergo"
	"github.com/patrickmn/go-cache"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/utils/pretty"
)

const (
	keyPrices        = "prices"
	keyLoadForecast  = "load_forecast"
	keySolarForecast = "solar_forecast"
	keySetpoint      = "cloud_setpoint"
	keyOptimization  = "optimization_config"
)

// Manager owns the cached entries. All writes funnel through the ingress
// dispatcher; readers take immutable Views.
type Manager struct {
	cache *cache.Cache
	clk   clock.Clock
	log   logr.Logger
	cm    *pretty.ChangeMonitor
}

func NewManager(c *cache.Cache, clk clock.Clock, log logr.Logger) *Manager {
	return &Manager{
		cache: c,
		clk:   clk,
		log:   log.WithName("cache"),
		cm:    pretty.NewChangeMonitor(),
	}
}

// SetPrices stores the 24h price curve.
func (m *Manager) SetPrices(prices HourlySeries) {
	m.cache.Set(keyPrices, prices, PricesTTL)
	m.observeUpdate(keyPrices, prices)
}

// SetLoadForecast stores the hourly load forecast.
func (m *Manager) SetLoadForecast(forecast HourlySeries) {
	m.cache.Set(keyLoadForecast, forecast, ForecastTTL)
	m.observeUpdate(keyLoadForecast, forecast)
}

// SetSolarForecast stores the hourly generation forecast.
func (m *Manager) SetSolarForecast(forecast HourlySeries) {
	m.cache.Set(keySolarForecast, forecast, ForecastTTL)
	m.observeUpdate(keySolarForecast, forecast)
}

// SetSetpoint stores a cloud setpoint; it expires on its own if the cloud
// goes quiet.
func (m *Manager) SetSetpoint(sp Setpoint) {
	m.cache.Set(keySetpoint, sp, SetpointTTL)
	m.observeUpdate(keySetpoint, sp)
}

// ClearSetpoint drops the live setpoint, used when entering safe mode so a
// later exit cannot replay a stale command.
func (m *Manager) ClearSetpoint() {
	m.cache.Delete(keySetpoint)
}

// SetOptimizationConfig merges a (possibly partial) config update over the
// compiled defaults and stores it without expiry. The previous config wins
// only by being replaced.
func (m *Manager) SetOptimizationConfig(update OptimizationConfig) error {
	merged := DefaultOptimizationConfig()
	if err := mergo.Merge(&merged, update, mergo.WithOverride); err != nil {
		return fmt.Errorf("merging optimization config, %w", err)
	}
	if merged.MinSOC >= merged.MaxSOC {
		return fmt.Errorf("optimization config rejected: min_soc %v >= max_soc %v", merged.MinSOC, merged.MaxSOC)
	}
	m.cache.Set(keyOptimization, merged, cache.NoExpiration)
	if m.cm.HasChanged(keyOptimization, merged) {
		m.log.Info("optimization config updated", "demand-limit-kw", merged.DemandLimitKW, "buy-threshold", merged.ArbitrageBuyThreshold, "sell-threshold", merged.ArbitrageSellThreshold)
	}
	m.observeUpdate(keyOptimization, nil)
	return nil
}

// Flush drops every expirable entry under memory pressure. Sticky config
// stays: it is small and losing it would change behavior.
func (m *Manager) Flush() {
	config, hadConfig := m.cache.Get(keyOptimization)
	m.cache.Flush()
	if hadConfig {
		m.cache.Set(keyOptimization, config, cache.NoExpiration)
	}
	flushesTotal.Inc()
}

// Snapshot returns the consistent view for one control cycle. Missing or
// expired entries read as compiled defaults with freshness flags lowered.
func (m *Manager) Snapshot() View {
	view := View{
		Prices:        DefaultPrices(),
		LoadForecast:  DefaultForecast(),
		SolarForecast: DefaultForecast(),
		Config:        DefaultOptimizationConfig(),
		TakenAt:       m.clk.Now(),
	}
	if v, ok := m.cache.Get(keyPrices); ok {
		view.Prices = v.(HourlySeries)
		view.PricesFresh = true
	}
	forecastFresh := true
	if v, ok := m.cache.Get(keyLoadForecast); ok {
		view.LoadForecast = v.(HourlySeries)
	} else {
		forecastFresh = false
	}
	if v, ok := m.cache.Get(keySolarForecast); ok {
		view.SolarForecast = v.(HourlySeries)
	} else {
		forecastFresh = false
	}
	view.ForecastFresh = forecastFresh
	if v, ok := m.cache.Get(keySetpoint); ok {
		sp := v.(Setpoint)
		view.Setpoint = &sp
	}
	if v, ok := m.cache.Get(keyOptimization); ok {
		view.Config = v.(OptimizationConfig)
	}
	freshnessGauge.WithLabelValues(keyPrices).Set(boolToFloat(view.PricesFresh))
	freshnessGauge.WithLabelValues(keySetpoint).Set(boolToFloat(view.Setpoint != nil))
	return view
}

func (m *Manager) observeUpdate(entry string, value any) {
	updatesTotal.WithLabelValues(entry).Inc()
	if value != nil && m.cm.HasChanged(entry, value) {
		m.log.V(1).Info("cache entry updated", "entry", entry)
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
