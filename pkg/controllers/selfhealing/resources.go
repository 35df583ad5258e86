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

package selfhealing

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/alarms"
	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/store"
)

const (
	pressureSoft = 0.80
	pressureHard = 0.90
)

// TelemetryToggler is the loop surface resource remediation needs.
type TelemetryToggler interface {
	SetTelemetryPublish(on bool)
}

// ResourceMonitor watches memory and disk and remediates in two stages:
// reclaim at the soft threshold, shed load and alarm at the hard one.
type ResourceMonitor struct {
	db       *store.Store
	cache    *cache.Manager
	loop     TelemetryToggler
	sink     *alarms.Sink
	dataDir  string
	memLimit uint64
	clk      clock.Clock
	log      logr.Logger

	// MemUsage and DiskUsed are replaceable probes; tests point them at
	// canned values.
	MemUsage func() uint64
	DiskUsed func(path string) (float64, error)
}

func NewResourceMonitor(db *store.Store, cacheManager *cache.Manager, loop TelemetryToggler, sink *alarms.Sink, dataDir string, memLimitBytes uint64, clk clock.Clock, log logr.Logger) *ResourceMonitor {
	return &ResourceMonitor{
		db:       db,
		cache:    cacheManager,
		loop:     loop,
		sink:     sink,
		dataDir:  dataDir,
		memLimit: memLimitBytes,
		clk:      clk,
		log:      log.WithName("selfhealing.resources"),
		MemUsage: heapUsage,
		DiskUsed: diskUsedFraction,
	}
}

// Check runs one remediation pass over both resources.
func (m *ResourceMonitor) Check(ctx context.Context) {
	m.checkMemory(ctx)
	m.checkDisk(ctx)
}

func (m *ResourceMonitor) checkMemory(ctx context.Context) {
	if m.memLimit == 0 {
		return
	}
	used := float64(m.MemUsage()) / float64(m.memLimit)
	memoryUsedRatio.Set(used)
	switch {
	case used > pressureHard:
		m.log.Info("memory critical, shedding load", "used", fmt.Sprintf("%.0f%%", used*100))
		m.cache.Flush()
		debug.FreeOSMemory()
		m.loop.SetTelemetryPublish(false)
		m.sink.Raise(ctx, bess.NewAlarm(bess.SeverityCritical, bess.AlarmMemoryCritical,
			fmt.Sprintf("memory at %.0f%% of limit", used*100), m.clk.Now()))
	case used > pressureSoft:
		m.log.Info("memory pressure, reclaiming", "used", fmt.Sprintf("%.0f%%", used*100))
		m.cache.Flush()
		debug.FreeOSMemory()
	default:
		m.loop.SetTelemetryPublish(true)
	}
}

func (m *ResourceMonitor) checkDisk(ctx context.Context) {
	used, err := m.DiskUsed(m.dataDir)
	if err != nil {
		m.log.Error(err, "reading disk usage failed", "path", m.dataDir)
		return
	}
	diskUsedRatio.Set(used)
	switch {
	case used > pressureHard:
		m.log.Info("disk critical, truncating history", "used", fmt.Sprintf("%.0f%%", used*100))
		if err := m.db.AggressiveCleanup(); err != nil {
			m.log.Error(err, "aggressive cleanup failed")
		}
		m.sink.Raise(ctx, bess.NewAlarm(bess.SeverityCritical, bess.AlarmDiskCritical,
			fmt.Sprintf("data volume at %.0f%% capacity", used*100), m.clk.Now()))
	case used > pressureSoft:
		if err := m.db.Cleanup(); err != nil {
			m.log.Error(err, "retention cleanup failed")
		}
	}
}

func heapUsage() uint64 {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return stats.HeapAlloc
}

func diskUsedFraction(path string) (float64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return 0, fmt.Errorf("statfs %q, %w", path, err)
	}
	if st.Blocks == 0 {
		return 0, nil
	}
	return 1 - float64(st.Bavail)/float64(st.Blocks), nil
}
