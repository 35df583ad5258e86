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
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

// DeviceIdentity identifies one edge controller. EdgeID is derived, stable
// across reboots and re-provisioning, and never changes for a given piece
// of hardware.
type DeviceIdentity struct {
	EdgeID          string `json:"edge_id"`
	MAC             string `json:"mac"`
	Serial          string `json:"serial"`
	HardwareModel   string `json:"hardware_model"`
	SoftwareVersion string `json:"software_version"`
}

// NewDeviceIdentity derives the edge ID from the primary interface MAC and
// the hardware serial: "edge-" + first 12 hex chars of sha256(mac|serial).
// MAC is canonicalized to lowercase without separators so cosmetic
// formatting differences cannot change the identity.
func NewDeviceIdentity(mac, serial, hardwareModel, softwareVersion string) DeviceIdentity {
	canonical := strings.ToLower(strings.NewReplacer(":", "", "-", "").Replace(mac))
	sum := sha256.Sum256([]byte(canonical + "|" + serial))
	return DeviceIdentity{
		EdgeID:          "edge-" + hex.EncodeToString(sum[:])[:12],
		MAC:             canonical,
		Serial:          serial,
		HardwareModel:   hardwareModel,
		SoftwareVersion: softwareVersion,
	}
}

// Validate rejects identities missing the fields the fleet requires.
func (d DeviceIdentity) Validate() error {
	if d.EdgeID == "" || d.MAC == "" || d.Serial == "" {
		return fmt.Errorf("identity incomplete: edge_id=%q mac=%q serial=%q", d.EdgeID, d.MAC, d.Serial)
	}
	return nil
}
