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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/afero"
)

// Paths locates the markers and partition roots. Defaults mirror the
// production disk layout; tests point everything into a MemMapFs.
type Paths struct {
	ConfigDir  string // active_partition.txt, version.txt
	OTADir     string // pending_version.txt, staging
	PartitionA string
	PartitionB string
}

func DefaultPaths(dataDir string) Paths {
	return Paths{
		ConfigDir:  filepath.Join(dataDir, "config"),
		OTADir:     filepath.Join(dataDir, "ota"),
		PartitionA: "/partition-a",
		PartitionB: "/partition-b",
	}
}

func (p Paths) ActiveMarker() string  { return filepath.Join(p.ConfigDir, "active_partition.txt") }
func (p Paths) VersionFile() string   { return filepath.Join(p.ConfigDir, "version.txt") }
func (p Paths) PendingMarker() string { return filepath.Join(p.OTADir, "pending_version.txt") }
func (p Paths) StagingDir() string    { return filepath.Join(p.OTADir, "staging") }

// Root returns the filesystem root of a partition.
func (p Paths) Root(partition Partition) string {
	if partition == PartitionA {
		return p.PartitionA
	}
	return p.PartitionB
}

// Markers reads and writes the partition state files. Exactly one
// partition is active at any time; the pending marker exists only between
// an update reboot and its commit or rollback.
type Markers struct {
	fs    afero.Fs
	paths Paths
}

func NewMarkers(fs afero.Fs, paths Paths) *Markers {
	return &Markers{fs: fs, paths: paths}
}

// Active reads the active partition marker. A missing marker defaults to
// partition A (factory state); a corrupt one is an invariant breach.
func (m *Markers) Active() (Partition, error) {
	data, err := afero.ReadFile(m.fs, m.paths.ActiveMarker())
	if os.IsNotExist(err) {
		return PartitionA, nil
	}
	if err != nil {
		return "", fmt.Errorf("reading active partition marker, %w", err)
	}
	return ParsePartition(strings.TrimSpace(string(data)))
}

// SetActive atomically flips the active partition marker.
func (m *Markers) SetActive(partition Partition) error {
	return m.writeAtomic(m.paths.ActiveMarker(), string(partition)+"\n")
}

// RunningVersion reads version.txt; empty when never written.
func (m *Markers) RunningVersion() (string, error) {
	data, err := afero.ReadFile(m.fs, m.paths.VersionFile())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading version marker, %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetRunningVersion records the committed software version.
func (m *Markers) SetRunningVersion(version string) error {
	return m.writeAtomic(m.paths.VersionFile(), version+"\n")
}

// PendingVersion returns the uncommitted update version, or "" when no
// update is awaiting its healthcheck.
func (m *Markers) PendingVersion() (string, error) {
	data, err := afero.ReadFile(m.fs, m.paths.PendingMarker())
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading pending marker, %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// SetPending writes the pending marker before the update reboot.
func (m *Markers) SetPending(version string) error {
	return m.writeAtomic(m.paths.PendingMarker(), version+"\n")
}

// ClearPending consumes the pending marker. Idempotent.
func (m *Markers) ClearPending() error {
	err := m.fs.Remove(m.paths.PendingMarker())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("clearing pending marker, %w", err)
	}
	return nil
}

func (m *Markers) writeAtomic(path, content string) error {
	if err := m.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %q, %w", filepath.Dir(path), err)
	}
	tmp := path + ".tmp"
	if err := afero.WriteFile(m.fs, tmp, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %q, %w", tmp, err)
	}
	if err := m.fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("replacing %q, %w", path, err)
	}
	return nil
}
