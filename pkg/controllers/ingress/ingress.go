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

// Package ingress routes inbound cloud messages to their typed handlers:
// operational commands, configuration updates, and software update
// notices. Every accepted message counts as cloud contact for the mode
// machine; every malformed one raises CONFIG_INVALID instead of crashing
// the subscriber goroutine.
package ingress

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"go.uber.org/multierr"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/alarms"
	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/cloud"
	"github.com/lifo4/edge-controller/pkg/engine"
	"github.com/lifo4/edge-controller/pkg/ota"
	"github.com/lifo4/edge-controller/pkg/store"
)

// noticeBuffer bounds queued update notices. The OTA task consumes at most
// one per maintenance window, so anything beyond a small backlog is the
// cloud re-sending and can be dropped.
const noticeBuffer = 4

type Controller struct {
	cache    *cache.Manager
	engine   *engine.Engine
	db       *store.Store
	sink     *alarms.Sink
	broker   cloud.Broker
	topics   cloud.Topics
	validate *validator.Validate
	clk      clock.Clock
	log      logr.Logger

	notices chan ota.UpdateNotice
}

func NewController(cacheManager *cache.Manager, eng *engine.Engine, db *store.Store, sink *alarms.Sink, broker cloud.Broker, topics cloud.Topics, clk clock.Clock, log logr.Logger) *Controller {
	return &Controller{
		cache:    cacheManager,
		engine:   eng,
		db:       db,
		sink:     sink,
		broker:   broker,
		topics:   topics,
		validate: validator.New(),
		clk:      clk,
		log:      log.WithName("ingress"),
		notices:  make(chan ota.UpdateNotice, noticeBuffer),
	}
}

// Start subscribes the three inbound topics. The broker replays
// subscriptions across reconnects, so this runs once at boot.
func (c *Controller) Start(ctx context.Context) error {
	return multierr.Combine(
		c.broker.Subscribe(c.topics.Commands(), cloud.QoSAtLeastOnce, c.handler(ctx, "command", c.handleCommand)),
		c.broker.Subscribe(c.topics.Config(), cloud.QoSAtLeastOnce, c.handler(ctx, "config", c.handleConfig)),
		c.broker.Subscribe(c.topics.OTAUpdate(), cloud.QoSAtLeastOnce, c.handler(ctx, "ota_update", c.handleUpdateNotice)),
	)
}

// Notices streams validated update notices to the OTA task.
func (c *Controller) Notices() <-chan ota.UpdateNotice {
	return c.notices
}

// handler wraps a typed parse with cloud-contact accounting, metrics and
// the CONFIG_INVALID alarm path.
func (c *Controller) handler(ctx context.Context, kind string, handle func(ctx context.Context, payload []byte) error) func(topic string, payload []byte) {
	return func(topic string, payload []byte) {
		if err := handle(ctx, payload); err != nil {
			messagesTotal.WithLabelValues(kind, resultRejected).Inc()
			c.log.Error(err, "rejected inbound message", "topic", topic)
			c.sink.Raise(ctx, bess.NewAlarm(bess.SeverityWarning, bess.AlarmConfigInvalid,
				fmt.Sprintf("rejected %s message: %s", kind, err), c.clk.Now()).
				WithMetadata("topic", topic))
			return
		}
		// only a valid message counts as cloud contact; garbage must not
		// hold the mode machine online
		c.engine.NoteCloudContact(c.clk.Now())
		messagesTotal.WithLabelValues(kind, resultAccepted).Inc()
	}
}

func (c *Controller) handleCommand(_ context.Context, payload []byte) error {
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		return fmt.Errorf("decoding command, %w", err)
	}
	if err := c.validate.Struct(cmd); err != nil {
		return fmt.Errorf("validating command, %w", err)
	}
	switch cmd.Type {
	case CommandSetSetpoint:
		if cmd.Setpoint == nil {
			return fmt.Errorf("set_setpoint command without a setpoint")
		}
		sp := *cmd.Setpoint
		if sp.IssuedAt.IsZero() {
			sp.IssuedAt = c.clk.Now()
		}
		c.cache.SetSetpoint(sp)
	case CommandClearSetpoint:
		c.cache.ClearSetpoint()
	case CommandEnterSafeMode:
		c.engine.EnterSafeMode(fmt.Sprintf("cloud command: %s", cmd.Reason))
	case CommandExitSafeMode:
		c.engine.ExitSafeMode()
	case CommandAcknowledgeAlarm:
		if err := c.db.AckAlarm(cmd.AlarmID); err != nil {
			return fmt.Errorf("acknowledging alarm %q, %w", cmd.AlarmID, err)
		}
	}
	c.log.Info("applied command", "type", cmd.Type)
	return nil
}

func (c *Controller) handleConfig(_ context.Context, payload []byte) error {
	var update ConfigUpdate
	if err := json.Unmarshal(payload, &update); err != nil {
		return fmt.Errorf("decoding config update, %w", err)
	}
	if err := c.validate.Struct(update); err != nil {
		return fmt.Errorf("validating config update, %w", err)
	}
	if update.Empty() {
		return fmt.Errorf("config update carries no recognized section")
	}
	if update.Prices != nil {
		c.cache.SetPrices(*update.Prices)
	}
	if update.LoadForecast != nil {
		c.cache.SetLoadForecast(*update.LoadForecast)
	}
	if update.SolarForecast != nil {
		c.cache.SetSolarForecast(*update.SolarForecast)
	}
	if update.Optimization != nil {
		if err := c.cache.SetOptimizationConfig(*update.Optimization); err != nil {
			return fmt.Errorf("applying optimization config, %w", err)
		}
	}
	c.log.Info("applied config update",
		"prices", update.Prices != nil,
		"load-forecast", update.LoadForecast != nil,
		"solar-forecast", update.SolarForecast != nil,
		"optimization", update.Optimization != nil)
	return nil
}

func (c *Controller) handleUpdateNotice(_ context.Context, payload []byte) error {
	var notice ota.UpdateNotice
	if err := json.Unmarshal(payload, &notice); err != nil {
		return fmt.Errorf("decoding update notice, %w", err)
	}
	if err := c.validate.Struct(notice); err != nil {
		return fmt.Errorf("validating update notice, %w", err)
	}
	select {
	case c.notices <- notice:
		c.log.Info("queued update notice", "version", notice.Version)
	default:
		// the cloud re-sent faster than the ota task drains; keep the
		// backlog, drop the extra
		c.log.Info("dropping update notice, backlog full", "version", notice.Version)
	}
	return nil
}
