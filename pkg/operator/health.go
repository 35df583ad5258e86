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

package operator

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
)

// Probe reports one component's health. nil means healthy.
type Probe func() error

// Health serves /healthz as a JSON map of component name to "ok" or the
// failure text, HTTP 200 only when every probe passes. The post-reboot
// OTA verifier commits or rolls back on exactly this contract.
type Health struct {
	mu     sync.Mutex
	probes map[string]Probe
}

func NewHealth() *Health {
	return &Health{probes: map[string]Probe{}}
}

func (h *Health) Register(name string, probe Probe) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes[name] = probe
}

func (h *Health) check() (map[string]string, bool) {
	h.mu.Lock()
	names := make([]string, 0, len(h.probes))
	for name := range h.probes {
		names = append(names, name)
	}
	probes := make(map[string]Probe, len(h.probes))
	for name, probe := range h.probes {
		probes[name] = probe
	}
	h.mu.Unlock()

	sort.Strings(names)
	report := make(map[string]string, len(names))
	healthy := true
	for _, name := range names {
		if err := probes[name](); err != nil {
			report[name] = err.Error()
			healthy = false
			continue
		}
		report[name] = "ok"
	}
	return report, healthy
}

func (h *Health) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		report, healthy := h.check()
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(report)
	})
	return mux
}
