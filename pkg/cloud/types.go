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

package cloud

import (
	"context"
	"fmt"
)

// QoS levels used on the wire. Telemetry and heartbeats tolerate loss;
// everything else requires broker acknowledgment.
const (
	QoSBestEffort  byte = 0
	QoSAtLeastOnce byte = 1
)

// Broker is the pub/sub surface the rest of the edge depends on. The
// production implementation is the paho client below; suites use the fake.
type Broker interface {
	// Publish sends payload and, for QoS 1, waits for the broker ack
	// within the publish timeout. A returned error means not delivered:
	// the caller owns store-and-forward.
	Publish(ctx context.Context, topic string, payload []byte, qos byte) error
	// Subscribe registers a handler for a topic pattern. Handlers run on
	// the messaging ingress goroutine and must not block.
	Subscribe(topic string, qos byte, handler func(topic string, payload []byte)) error
	IsConnected() bool
	Close()
}

// Topics builds the per-site topic names. Site is the provisioned site ID.
type Topics struct {
	Site string
}

func (t Topics) Telemetry() string { return fmt.Sprintf("lifo4/%s/telemetry", t.Site) }
func (t Topics) Decisions() string { return fmt.Sprintf("lifo4/%s/decisions", t.Site) }
func (t Topics) Alarms() string    { return fmt.Sprintf("lifo4/%s/alarms", t.Site) }
func (t Topics) Heartbeat() string { return fmt.Sprintf("lifo4/%s/heartbeat", t.Site) }
func (t Topics) Status() string    { return fmt.Sprintf("lifo4/%s/status", t.Site) }
func (t Topics) Commands() string  { return fmt.Sprintf("lifo4/%s/commands", t.Site) }
func (t Topics) Config() string    { return fmt.Sprintf("lifo4/%s/config", t.Site) }
func (t Topics) OTAUpdate() string { return fmt.Sprintf("lifo4/%s/ota/update", t.Site) }
func (t Topics) OTAStatus() string { return fmt.Sprintf("lifo4/%s/ota/status", t.Site) }

// Provisioning topics are fleet-wide, not per-site.
const TopicProvisioningRegister = "lifo4/provisioning/register"

// TopicProvisioningConfig is where a device receives its one-time config.
func TopicProvisioningConfig(edgeID string) string {
	return fmt.Sprintf("lifo4/provisioning/%s/config", edgeID)
}
