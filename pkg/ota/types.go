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
	"time"
)

// UpdateNotice is the payload received on the OTA update topic. Checksum
// is the hex sha-256 of the compressed image; Signature is the base64
// ed25519 signature over the raw digest bytes.
type UpdateNotice struct {
	Version      string `json:"version" validate:"required"`
	URL          string `json:"url" validate:"required,url"`
	Checksum     string `json:"checksum" validate:"required,len=64,hexadecimal"`
	Signature    string `json:"signature,omitempty" validate:"omitempty,base64"`
	ReleaseNotes string `json:"release_notes,omitempty"`
}

// Status values published on the OTA status topic. Stable wire strings.
type Status string

const (
	StatusReceived         Status = "RECEIVED"
	StatusScheduled        Status = "SCHEDULED"
	StatusRejected         Status = "REJECTED"
	StatusDownloading      Status = "DOWNLOADING"
	StatusVerifying        Status = "VERIFYING"
	StatusInstalling       Status = "INSTALLING"
	StatusRebooting        Status = "REBOOTING"
	StatusSuccess          Status = "UPDATE_SUCCESS"
	StatusFailed           Status = "UPDATE_FAILED"
	StatusRollbackExecuted Status = "ROLLBACK_EXECUTED"
)

// StatusMessage is the wire format of one OTA state transition.
type StatusMessage struct {
	Status          Status    `json:"status"`
	Version         string    `json:"version"`
	ActivePartition Partition `json:"active_partition"`
	Detail          string    `json:"detail,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

// Partition identifies one of the two root filesystems.
type Partition string

const (
	PartitionA Partition = "a"
	PartitionB Partition = "b"
)

// Other returns the opposite partition.
func (p Partition) Other() Partition {
	if p == PartitionA {
		return PartitionB
	}
	return PartitionA
}

// ParsePartition validates a marker value. Anything but "a" or "b" is a
// programming invariant breach: the caller must treat it as fatal.
func ParsePartition(s string) (Partition, error) {
	switch Partition(s) {
	case PartitionA, PartitionB:
		return Partition(s), nil
	}
	return "", fmt.Errorf("inconsistent partition marker %q", s)
}

// Rebooter abstracts the machine reboot so tests and the bench harness can
// intercept it.
type Rebooter interface {
	Reboot(reason string) error
}
