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

// Package update gates incoming software update notices. A notice clears
// two gates before the staged install starts: the operational safety gate
// (battery idle, healthy and grid-tied) and the maintenance window. A
// notice arriving outside the window is deferred to the next opening and
// re-gated on wake.
package update

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/ota"
)

// Applier runs the staged update flow and publishes state transitions.
// Satisfied by *ota.Updater.
type Applier interface {
	Apply(ctx context.Context, notice ota.UpdateNotice) error
	Reject(ctx context.Context, notice ota.UpdateNotice, reason string)
	Scheduled(ctx context.Context, notice ota.UpdateNotice, opening time.Time)
	Received(ctx context.Context, notice ota.UpdateNotice)
}

type Controller struct {
	notices <-chan ota.UpdateNotice
	applier Applier
	window  ota.MaintenanceWindow
	fs      afero.Fs
	dataDir string
	clk     clock.Clock
	log     logr.Logger
}

func NewController(notices <-chan ota.UpdateNotice, applier Applier, window ota.MaintenanceWindow, fs afero.Fs, dataDir string, clk clock.Clock, log logr.Logger) *Controller {
	return &Controller{
		notices: notices,
		applier: applier,
		window:  window,
		fs:      fs,
		dataDir: dataDir,
		clk:     clk,
		log:     log.WithName("update"),
	}
}

// Run consumes notices until the context ends. Notices are handled one
// at a time; a deferred notice blocks later ones, which is intended: the
// fleet sends at most one pending version per device.
func (c *Controller) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case notice := <-c.notices:
			if err := c.Process(ctx, notice); err != nil {
				c.log.Error(err, "update attempt failed", "version", notice.Version)
			}
		}
	}
}

// Process gates and applies one notice. A gate rejection is terminal for
// the notice and is not an error; the fleet re-sends if it still wants
// the version installed.
func (c *Controller) Process(ctx context.Context, notice ota.UpdateNotice) error {
	c.applier.Received(ctx, notice)

	if reason := c.gate(); reason != "" {
		c.applier.Reject(ctx, notice, reason)
		return nil
	}

	now := c.clk.Now()
	if !c.window.Contains(now) {
		opening := c.window.NextOpening(now)
		c.applier.Scheduled(ctx, notice, opening)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clk.After(opening.Sub(now)):
		}
		// conditions move overnight, gate again on wake
		if reason := c.gate(); reason != "" {
			c.applier.Reject(ctx, notice, reason)
			return nil
		}
	}

	return c.applier.Apply(ctx, notice)
}

// gate returns an empty string when the system may be updated.
func (c *Controller) gate() string {
	state, err := ota.ReadOperationalState(c.fs, c.dataDir)
	if err != nil {
		return "operational state unavailable"
	}
	if err := ota.CheckSafetyGate(state, c.clk.Now()); err != nil {
		return err.Error()
	}
	return ""
}
