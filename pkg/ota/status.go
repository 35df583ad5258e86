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
	"context"
	"encoding/json"

	"github.com/go-logr/logr"

	"github.com/lifo4/edge-controller/pkg/cloud"
)

// PublishStatus sends one OTA transition with QoS 1. Status messages are
// observability, not control flow: a failed publish is logged and the
// update proceeds.
func PublishStatus(ctx context.Context, broker cloud.Broker, topics cloud.Topics, msg StatusMessage, log logr.Logger) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Error(err, "encoding ota status failed", "status", msg.Status)
		return
	}
	if err := broker.Publish(ctx, topics.OTAStatus(), payload, cloud.QoSAtLeastOnce); err != nil {
		log.V(1).Info("publishing ota status failed", "status", msg.Status, "error", err)
	}
}
