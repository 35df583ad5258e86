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

// Package sync moves locally persisted outbound data to the cloud: live
// telemetry best-effort, decisions and alarms at-least-once through the
// durable queue, plus the retention sweep that keeps the database inside
// its disk budget.
package sync

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cloud"
	"github.com/lifo4/edge-controller/pkg/store"
)

// Options tune the drain and backlog behavior.
type Options struct {
	// DrainBatch bounds how many queued messages one cycle republishes so
	// a deep backlog cannot starve the control loop.
	DrainBatch int

	// QueueSoftLimit is the depth above which telemetry is down-sampled.
	// Decisions and alarms are never dropped.
	QueueSoftLimit int

	// SampleEvery keeps 1 in K telemetry enqueues above the soft limit.
	SampleEvery int

	// NackDelay defers a failed queue message so one poisoned or unlucky
	// payload does not spin the drain.
	NackDelay time.Duration
}

func DefaultOptions() Options {
	return Options{
		DrainBatch:     32,
		QueueSoftLimit: 10000,
		SampleEvery:    10,
		NackDelay:      30 * time.Second,
	}
}

type Controller struct {
	db     *store.Store
	broker cloud.Broker
	topics cloud.Topics
	opts   Options
	clk    clock.Clock
	log    logr.Logger

	sampleCounter int
}

func NewController(db *store.Store, broker cloud.Broker, topics cloud.Topics, opts Options, clk clock.Clock, log logr.Logger) *Controller {
	return &Controller{
		db:     db,
		broker: broker,
		topics: topics,
		opts:   opts,
		clk:    clk,
		log:    log.WithName("sync"),
	}
}

// PublishTelemetry ships one snapshot best-effort. Offline snapshots go
// through the queue, down-sampled once the backlog passes the soft limit:
// a day-long outage should cost granularity, not the disk.
func (c *Controller) PublishTelemetry(ctx context.Context, snapshot bess.TelemetrySnapshot) error {
	if c.broker.IsConnected() {
		if err := c.broker.Publish(ctx, c.topics.Telemetry(), mustJSON(snapshot), cloud.QoSBestEffort); err == nil {
			return nil
		}
	}
	depth, err := c.db.QueueDepth()
	if err != nil {
		return fmt.Errorf("reading queue depth, %w", err)
	}
	if depth >= c.opts.QueueSoftLimit {
		c.sampleCounter++
		if c.sampleCounter%c.opts.SampleEvery != 0 {
			downsampledTotal.Inc()
			return nil
		}
	}
	return c.db.EnqueueJSON(c.topics.Telemetry(), snapshot, cloud.QoSBestEffort)
}

// PublishDecision ships one decision at-least-once: direct publish when
// connected, durable queue otherwise.
func (c *Controller) PublishDecision(ctx context.Context, decision bess.Decision) error {
	if c.broker.IsConnected() {
		if err := c.broker.Publish(ctx, c.topics.Decisions(), mustJSON(decision), cloud.QoSAtLeastOnce); err == nil {
			return nil
		}
	}
	return c.db.EnqueueJSON(c.topics.Decisions(), decision, cloud.QoSAtLeastOnce)
}

// Heartbeat publishes the liveness beacon. Best-effort and never queued:
// a stale heartbeat is the signal, replaying old ones would mask it.
func (c *Controller) Heartbeat(ctx context.Context, state bess.OperationalState) {
	beat := heartbeat{
		Mode:      state.Mode,
		SOC:       state.SOCPercent,
		PowerKW:   state.PowerKW,
		Timestamp: c.clk.Now().UTC(),
	}
	if err := c.broker.Publish(ctx, c.topics.Heartbeat(), mustJSON(beat), cloud.QoSBestEffort); err != nil {
		c.log.V(1).Info("heartbeat publish failed", "error", err)
	}
}

// Drain republishes a batch of queued messages in arrival order. Each is
// acknowledged only after the broker confirms; on the first failure the
// rest of the batch is deferred and the drain yields until next cycle.
func (c *Controller) Drain(ctx context.Context) error {
	if !c.broker.IsConnected() {
		return nil
	}
	batch, err := c.db.PopBatch(c.opts.DrainBatch)
	if err != nil {
		return fmt.Errorf("reading outbound queue, %w", err)
	}
	for i, msg := range batch {
		if err := c.broker.Publish(ctx, msg.Topic, msg.Payload, msg.QoS); err != nil {
			remaining := make([]int64, 0, len(batch)-i)
			for _, left := range batch[i:] {
				remaining = append(remaining, left.ID)
			}
			if nackErr := c.db.Nack(remaining, c.opts.NackDelay); nackErr != nil {
				return fmt.Errorf("deferring %d queued messages, %w", len(remaining), nackErr)
			}
			return fmt.Errorf("republishing queued message %d, %w", msg.ID, err)
		}
		if err := c.db.Ack(msg.ID); err != nil {
			return fmt.Errorf("acknowledging queued message %d, %w", msg.ID, err)
		}
		drainedTotal.Inc()
	}
	return nil
}

// Sweep applies the retention policy. Run periodically, not per cycle.
func (c *Controller) Sweep(ctx context.Context) error {
	_ = ctx
	if err := c.db.Cleanup(); err != nil {
		return fmt.Errorf("retention sweep, %w", err)
	}
	return nil
}

func mustJSON(v any) []byte {
	return lo.Must(json.Marshal(v))
}

type heartbeat struct {
	Mode      bess.OperatingMode `json:"mode"`
	SOC       float64            `json:"soc_percent"`
	PowerKW   float64            `json:"power_kw"`
	Timestamp time.Time          `json:"timestamp"`
}
