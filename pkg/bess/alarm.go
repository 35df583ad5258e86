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
	"time"

	"github.com/google/uuid"
)

// Alarm kinds are stable identifiers consumed by the cloud side; renaming
// one is a wire format change.
const (
	AlarmSafetyViolation       = "SAFETY_VIOLATION"
	AlarmSafetyEmergencyStop   = "SAFETY_EMERGENCY_STOP"
	AlarmLoopOverrun           = "LOOP_OVERRUN"
	AlarmDiskCritical          = "DISK_CRITICAL"
	AlarmMemoryCritical        = "MEMORY_CRITICAL"
	AlarmConfigInvalid         = "CONFIG_INVALID"
	AlarmFieldBusExhausted     = "FIELD_BUS_EXHAUSTED"
	AlarmWatchdogRestart       = "WATCHDOG_RESTART"
	AlarmWatchdogRestartFailed = "WATCHDOG_RESTART_FAILED"
	AlarmGridFailure           = "GRID_FAILURE"
	AlarmUpdateFailed          = "UPDATE_FAILED"
)

// Alarm is an operator-significant event. Lifecycle: raised, acknowledged,
// aged out by retention.
type Alarm struct {
	ID           string            `json:"id"`
	Severity     Severity          `json:"severity"`
	Kind         string            `json:"kind"`
	Message      string            `json:"message"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	RaisedAt     time.Time         `json:"raised_at"`
	Acknowledged bool              `json:"acknowledged"`
}

// NewAlarm builds an alarm with a fresh identity.
func NewAlarm(severity Severity, kind, message string, raisedAt time.Time) Alarm {
	return Alarm{
		ID:       uuid.NewString(),
		Severity: severity,
		Kind:     kind,
		Message:  message,
		RaisedAt: raisedAt,
	}
}

// WithMetadata attaches a metadata key to a copy of the alarm.
func (a Alarm) WithMetadata(key, value string) Alarm {
	md := make(map[string]string, len(a.Metadata)+1)
	for k, v := range a.Metadata {
		md[k] = v
	}
	md[key] = value
	a.Metadata = md
	return a
}
