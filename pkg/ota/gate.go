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

package ota

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/lifo4/edge-controller/pkg/bess"
)

// Safety gate limits: no update while the battery is low, moving real
// power, islanded, or alarming.
const (
	gateMinSOC     = 20.0
	gateMaxPowerKW = 1.0
)

// OperationalStatePath is where the control loop drops its per-cycle
// state for out-of-band readers.
func OperationalStatePath(dataDir string) string {
	return filepath.Join(dataDir, "runtime", "operational_state.json")
}

// ReadOperationalState loads the control loop's last published state.
func ReadOperationalState(fs afero.Fs, dataDir string) (bess.OperationalState, error) {
	data, err := afero.ReadFile(fs, OperationalStatePath(dataDir))
	if err != nil {
		return bess.OperationalState{}, fmt.Errorf("reading operational state, %w", err)
	}
	var state bess.OperationalState
	if err := json.Unmarshal(data, &state); err != nil {
		return bess.OperationalState{}, fmt.Errorf("decoding operational state, %w", err)
	}
	return state, nil
}

// WriteOperationalState atomically replaces the runtime state file.
func WriteOperationalState(fs afero.Fs, dataDir string, state bess.OperationalState) error {
	path := OperationalStatePath(dataDir)
	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating runtime dir, %w", err)
	}
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encoding operational state, %w", err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing operational state, %w", err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing operational state, %w", err)
	}
	return nil
}

// CheckSafetyGate returns nil when the system may be updated. The state
// must also be recent: a stale file means the loop is not writing, which
// is itself a reason not to update.
func CheckSafetyGate(state bess.OperationalState, now time.Time) error {
	if age := now.Sub(state.UpdatedAt); age > time.Minute {
		return fmt.Errorf("operational state is %s old", age.Round(time.Second))
	}
	if state.CriticalAlarm {
		return fmt.Errorf("critical alarm active")
	}
	if state.IslandMode {
		return fmt.Errorf("site is in island mode")
	}
	if state.SOCPercent < gateMinSOC {
		return fmt.Errorf("soc %.1f%% below %.0f%%", state.SOCPercent, gateMinSOC)
	}
	if power := state.PowerKW; power > gateMaxPowerKW || power < -gateMaxPowerKW {
		return fmt.Errorf("battery moving %.1fkW, limit %.0fkW", power, gateMaxPowerKW)
	}
	return nil
}

// MaintenanceWindow is a daily local-time hour range. Start == End means
// always open (bench use).
type MaintenanceWindow struct {
	StartHour int
	EndHour   int
}

func DefaultMaintenanceWindow() MaintenanceWindow {
	return MaintenanceWindow{StartHour: 2, EndHour: 5}
}

// Contains reports whether t falls inside the window, handling ranges
// that wrap midnight.
func (w MaintenanceWindow) Contains(t time.Time) bool {
	if w.StartHour == w.EndHour {
		return true
	}
	hour := t.Hour()
	if w.StartHour < w.EndHour {
		return hour >= w.StartHour && hour < w.EndHour
	}
	return hour >= w.StartHour || hour < w.EndHour
}

// NextOpening returns the next instant the window opens at or after t.
func (w MaintenanceWindow) NextOpening(t time.Time) time.Time {
	if w.Contains(t) {
		return t
	}
	opening := time.Date(t.Year(), t.Month(), t.Day(), w.StartHour, 0, 0, 0, t.Location())
	if !opening.After(t) {
		opening = opening.Add(24 * time.Hour)
	}
	return opening
}

// End returns when the window containing t closes. Only valid when
// Contains(t).
func (w MaintenanceWindow) End(t time.Time) time.Time {
	if w.StartHour == w.EndHour {
		return t.Add(24 * time.Hour)
	}
	end := time.Date(t.Year(), t.Month(), t.Day(), w.EndHour, 0, 0, 0, t.Location())
	if !end.After(t) {
		end = end.Add(24 * time.Hour)
	}
	return end
}
