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

package ingress

import (
	"github.com/lifo4/edge-controller/pkg/cache"
)

// Command types accepted on the commands topic. Stable wire strings.
const (
	CommandSetSetpoint      = "set_setpoint"
	CommandClearSetpoint    = "clear_setpoint"
	CommandEnterSafeMode    = "enter_safe_mode"
	CommandExitSafeMode     = "exit_safe_mode"
	CommandAcknowledgeAlarm = "acknowledge_alarm"
)

// Command is one operational instruction from the cloud.
type Command struct {
	Type     string          `json:"type" validate:"required,oneof=set_setpoint clear_setpoint enter_safe_mode exit_safe_mode acknowledge_alarm"`
	Setpoint *cache.Setpoint `json:"setpoint,omitempty" validate:"omitempty"`
	AlarmID  string          `json:"alarm_id,omitempty" validate:"required_if=Type acknowledge_alarm,omitempty,uuid4"`
	Reason   string          `json:"reason,omitempty"`
}

// ConfigUpdate carries any subset of the tunable runtime data. Sections
// are independent; an omitted section leaves the cached value untouched.
type ConfigUpdate struct {
	Prices        *cache.HourlySeries       `json:"prices,omitempty"`
	LoadForecast  *cache.HourlySeries       `json:"load_forecast,omitempty"`
	SolarForecast *cache.HourlySeries       `json:"solar_forecast,omitempty"`
	Optimization  *cache.OptimizationConfig `json:"optimization,omitempty" validate:"omitempty"`
}

// Empty reports whether no section was provided, which is always a sender
// bug worth surfacing.
func (u ConfigUpdate) Empty() bool {
	return u.Prices == nil && u.LoadForecast == nil && u.SolarForecast == nil && u.Optimization == nil
}
