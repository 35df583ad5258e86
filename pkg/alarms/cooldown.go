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

package alarms

import (
	"sync"
	"time"
)

const (
	// baseCooldown suppresses repeats of the same alarm kind.
	baseCooldown = 10 * time.Minute
	// flapWindow and flapCount escalate the cooldown for kinds that keep
	// coming back: three occurrences inside the window stretch the
	// cooldown to flapCooldown.
	flapWindow   = 30 * time.Minute
	flapCount    = 3
	flapCooldown = time.Hour
)

// Deduper rate-limits operator-visible alarms per kind. Persistence is
// never deduplicated, only publishing: the local log keeps every event.
type Deduper struct {
	mu    sync.Mutex
	kinds map[string]*kindRecord
}

type kindRecord struct {
	lastPublished time.Time
	occurrences   []time.Time
}

func NewDeduper() *Deduper {
	return &Deduper{kinds: map[string]*kindRecord{}}
}

// Allow reports whether an alarm of this kind may be published now, and
// records the occurrence either way.
func (d *Deduper) Allow(kind string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	record, ok := d.kinds[kind]
	if !ok {
		record = &kindRecord{}
		d.kinds[kind] = record
	}

	// slide the flap window
	kept := record.occurrences[:0]
	for _, t := range record.occurrences {
		if now.Sub(t) <= flapWindow {
			kept = append(kept, t)
		}
	}
	record.occurrences = append(kept, now)

	cooldown := baseCooldown
	if len(record.occurrences) >= flapCount {
		cooldown = flapCooldown
	}
	if !record.lastPublished.IsZero() && now.Sub(record.lastPublished) < cooldown {
		return false
	}
	record.lastPublished = now
	return true
}

// Reset clears all cooldowns, used after an operator acknowledges.
func (d *Deduper) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.kinds = map[string]*kindRecord{}
}
