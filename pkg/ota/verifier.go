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
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/cloud"
)

// Outcome of one verifier run.
type Outcome string

const (
	OutcomeNoOp       Outcome = "noop"
	OutcomeCommitted  Outcome = "committed"
	OutcomeRolledBack Outcome = "rolled_back"
)

// HealthChecker reports whether the freshly booted daemon is healthy. An
// error means at least one subsystem check failed.
type HealthChecker interface {
	Check(ctx context.Context) error
}

// HTTPHealthChecker polls the daemon's health probe endpoint. Every
// subsystem must report ok: control loop, field bus, messaging, safety.
type HTTPHealthChecker struct {
	URL    string
	Client *http.Client
}

func (h *HTTPHealthChecker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return fmt.Errorf("building health request, %w", err)
	}
	resp, err := h.Client.Do(req)
	if err != nil {
		return fmt.Errorf("probing daemon health, %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return fmt.Errorf("reading health response, %w", err)
	}
	var checks map[string]string
	if err := json.Unmarshal(body, &checks); err != nil {
		return fmt.Errorf("decoding health response, %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("daemon unhealthy: %v", checks)
	}
	for name, state := range checks {
		if state != "ok" {
			return fmt.Errorf("subsystem %s is %s", name, state)
		}
	}
	return nil
}

// Verifier is the post-reboot judge: with a pending version present it
// either commits (all health checks pass inside the window) or rolls back
// (window expires). With no pending version it is a no-op, which makes
// running it on every boot safe.
type Verifier struct {
	markers  *Markers
	health   HealthChecker
	broker   cloud.Broker
	topics   cloud.Topics
	rebooter Rebooter
	clk      clock.Clock
	log      logr.Logger

	timeout  time.Duration
	interval time.Duration
}

func NewVerifier(markers *Markers, health HealthChecker, broker cloud.Broker, topics cloud.Topics, rebooter Rebooter, timeout time.Duration, clk clock.Clock, log logr.Logger) *Verifier {
	return &Verifier{
		markers:  markers,
		health:   health,
		broker:   broker,
		topics:   topics,
		rebooter: rebooter,
		clk:      clk,
		log:      log.WithName("ota.verifier"),
		timeout:  timeout,
		interval: 5 * time.Second,
	}
}

// Run executes one verification pass.
func (v *Verifier) Run(ctx context.Context) (Outcome, error) {
	pending, err := v.markers.PendingVersion()
	if err != nil {
		return OutcomeNoOp, err
	}
	if pending == "" {
		v.log.Info("no pending version, nothing to verify")
		return OutcomeNoOp, nil
	}
	active, err := v.markers.Active()
	if err != nil {
		return OutcomeNoOp, err
	}
	v.log.Info("verifying pending update", "version", pending, "active", active, "window", v.timeout)

	deadline := v.clk.Now().Add(v.timeout)
	for {
		if err := v.health.Check(ctx); err == nil {
			return v.commit(ctx, pending, active)
		} else {
			v.log.V(1).Info("healthcheck not passing yet", "error", err)
		}
		if !v.clk.Now().Before(deadline) {
			return v.rollback(ctx, pending, active)
		}
		select {
		case <-ctx.Done():
			return v.rollback(ctx, pending, active)
		case <-v.clk.After(v.interval):
		}
	}
}

func (v *Verifier) commit(ctx context.Context, version string, active Partition) (Outcome, error) {
	if err := v.markers.SetRunningVersion(version); err != nil {
		return OutcomeNoOp, err
	}
	if err := v.markers.ClearPending(); err != nil {
		return OutcomeNoOp, err
	}
	v.log.Info("update committed", "version", version, "active", active)
	updatesTotal.WithLabelValues(string(StatusSuccess)).Inc()
	PublishStatus(ctx, v.broker, v.topics, StatusMessage{
		Status:          StatusSuccess,
		Version:         version,
		ActivePartition: active,
		Timestamp:       v.clk.Now().UTC(),
	}, v.log)
	return OutcomeCommitted, nil
}

// rollback flips the marker back and reboots into the previous software.
// version.txt is deliberately untouched: the previous version is still
// the running one.
func (v *Verifier) rollback(ctx context.Context, version string, active Partition) (Outcome, error) {
	previous := active.Other()
	if err := v.markers.SetActive(previous); err != nil {
		return OutcomeNoOp, fmt.Errorf("flipping partition back, %w", err)
	}
	if err := v.markers.ClearPending(); err != nil {
		return OutcomeNoOp, err
	}
	v.log.Info("update rolled back", "failed-version", version, "active", previous)
	updatesTotal.WithLabelValues(string(StatusRollbackExecuted)).Inc()
	PublishStatus(ctx, v.broker, v.topics, StatusMessage{
		Status:          StatusRollbackExecuted,
		Version:         version,
		ActivePartition: previous,
		Detail:          "healthcheck window expired",
		Timestamp:       v.clk.Now().UTC(),
	}, v.log)
	if err := v.rebooter.Reboot(fmt.Sprintf("ota rollback from %s", version)); err != nil {
		return OutcomeRolledBack, fmt.Errorf("rebooting after rollback, %w", err)
	}
	return OutcomeRolledBack, nil
}
