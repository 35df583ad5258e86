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

// Package ota performs dual-partition software updates: stage into the
// inactive partition, flip the marker, reboot, and let the post-reboot
// verifier commit or roll back. The active partition is never written.
package ota

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path/filepath"
	"time"

	"github.com/avast/retry-go"
	"github.com/go-logr/logr"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/cloud"
)

// Config bounds what the updater accepts and when it runs.
type Config struct {
	AllowedHosts  []string
	AllowUnsigned bool // development override only
	Window        MaintenanceWindow
	DataDir       string
	SigningKey    string // path to code-signing.pub
}

// Updater runs one update attempt end to end. It owns the partition
// markers; nothing else writes them while the daemon runs.
type Updater struct {
	cfg      Config
	fs       afero.Fs
	paths    Paths
	markers  *Markers
	http     *http.Client
	broker   cloud.Broker
	topics   cloud.Topics
	rebooter Rebooter
	clk      clock.Clock
	log      logr.Logger
}

func NewUpdater(cfg Config, fs afero.Fs, paths Paths, httpClient *http.Client, broker cloud.Broker, topics cloud.Topics, rebooter Rebooter, clk clock.Clock, log logr.Logger) *Updater {
	return &Updater{
		cfg:      cfg,
		fs:       fs,
		paths:    paths,
		markers:  NewMarkers(fs, paths),
		http:     httpClient,
		broker:   broker,
		topics:   topics,
		rebooter: rebooter,
		clk:      clk,
		log:      log.WithName("ota"),
	}
}

// Markers exposes the partition state for the composition root and tests.
func (u *Updater) Markers() *Markers {
	return u.markers
}

// Apply runs the staged update flow for one notice. The caller has
// already cleared the safety gate and the maintenance window; Apply
// re-checks neither. On success the process ends inside Reboot.
func (u *Updater) Apply(ctx context.Context, notice UpdateNotice) error {
	active, err := u.markers.Active()
	if err != nil {
		return err
	}
	candidate := active.Other()

	if err := u.step(ctx, notice, StatusDownloading, func() error {
		return u.download(ctx, notice)
	}); err != nil {
		return err
	}
	if err := u.step(ctx, notice, StatusVerifying, func() error {
		return u.verify(notice)
	}); err != nil {
		return err
	}
	if err := u.step(ctx, notice, StatusInstalling, func() error {
		return InstallImage(u.fs, u.stagedImage(notice), u.paths.Root(candidate))
	}); err != nil {
		return err
	}

	// point of no return: pending marker first, then the flip, then the
	// reboot that the verifier judges
	if err := u.markers.SetPending(notice.Version); err != nil {
		return u.fail(ctx, notice, err)
	}
	if err := u.markers.SetActive(candidate); err != nil {
		return u.fail(ctx, notice, err)
	}
	u.publishStatus(ctx, StatusRebooting, notice.Version, "")
	updatesTotal.WithLabelValues(string(StatusRebooting)).Inc()
	if err := u.rebooter.Reboot(fmt.Sprintf("ota update to %s", notice.Version)); err != nil {
		// undo the flip so the next boot stays on the known-good side
		_ = u.markers.SetActive(active)
		_ = u.markers.ClearPending()
		return u.fail(ctx, notice, fmt.Errorf("rebooting, %w", err))
	}
	return nil
}

// Reject publishes a rejection without touching any state.
func (u *Updater) Reject(ctx context.Context, notice UpdateNotice, reason string) {
	u.log.Info("update rejected", "version", notice.Version, "reason", reason)
	u.publishStatus(ctx, StatusRejected, notice.Version, reason)
	updatesTotal.WithLabelValues(string(StatusRejected)).Inc()
}

// Scheduled publishes the deferral to the next maintenance window.
func (u *Updater) Scheduled(ctx context.Context, notice UpdateNotice, opening time.Time) {
	u.log.Info("update scheduled", "version", notice.Version, "window-opens", opening)
	u.publishStatus(ctx, StatusScheduled, notice.Version, fmt.Sprintf("window opens %s", opening.Format(time.RFC3339)))
}

// Received acknowledges the notice before gating begins.
func (u *Updater) Received(ctx context.Context, notice UpdateNotice) {
	u.publishStatus(ctx, StatusReceived, notice.Version, "")
}

func (u *Updater) step(ctx context.Context, notice UpdateNotice, status Status, fn func() error) error {
	u.publishStatus(ctx, status, notice.Version, "")
	if err := fn(); err != nil {
		return u.fail(ctx, notice, err)
	}
	return nil
}

func (u *Updater) fail(ctx context.Context, notice UpdateNotice, err error) error {
	u.log.Error(err, "update failed", "version", notice.Version)
	u.publishStatus(ctx, StatusFailed, notice.Version, err.Error())
	updatesTotal.WithLabelValues(string(StatusFailed)).Inc()
	return err
}

// download fetches the image into staging. Transient HTTP failures are
// retried with backoff inside the window; the URL must clear the
// allow-list and, outside the development override, use HTTPS.
func (u *Updater) download(ctx context.Context, notice UpdateNotice) error {
	parsed, err := url.Parse(notice.URL)
	if err != nil {
		return fmt.Errorf("parsing image url, %w", err)
	}
	if parsed.Scheme != "https" && !u.cfg.AllowUnsigned {
		return fmt.Errorf("image url scheme %q refused, https required", parsed.Scheme)
	}
	if !lo.Contains(u.cfg.AllowedHosts, parsed.Hostname()) {
		return fmt.Errorf("image host %q not in allow-list %v", parsed.Hostname(), u.cfg.AllowedHosts)
	}
	if err := u.fs.MkdirAll(u.paths.StagingDir(), 0o755); err != nil {
		return fmt.Errorf("creating staging dir, %w", err)
	}
	return retry.Do(func() error {
		return u.fetch(ctx, notice.URL, u.stagedImage(notice))
	}, retry.Attempts(3), retry.Delay(5*time.Second), retry.Context(ctx))
}

func (u *Updater) fetch(ctx context.Context, imageURL, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return fmt.Errorf("building download request, %w", err)
	}
	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("downloading image, %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading image, status %s", resp.Status)
	}
	out, err := u.fs.Create(target)
	if err != nil {
		return fmt.Errorf("creating staged image, %w", err)
	}
	if _, err := io.Copy(out, io.LimitReader(resp.Body, maxImageSize)); err != nil {
		_ = out.Close()
		return fmt.Errorf("writing staged image, %w", err)
	}
	return out.Close()
}

func (u *Updater) verify(notice UpdateNotice) error {
	if err := VerifyChecksum(u.fs, u.stagedImage(notice), notice.Checksum); err != nil {
		return err
	}
	if notice.Signature == "" {
		if u.cfg.AllowUnsigned {
			u.log.Info("accepting unsigned image, development override set", "version", notice.Version)
			return nil
		}
		return fmt.Errorf("unsigned image refused")
	}
	return VerifySignature(u.fs, u.cfg.SigningKey, notice.Checksum, notice.Signature)
}

func (u *Updater) stagedImage(notice UpdateNotice) string {
	return filepath.Join(u.paths.StagingDir(), notice.Version+".tar.gz")
}

func (u *Updater) publishStatus(ctx context.Context, status Status, version, detail string) {
	active, err := u.markers.Active()
	if err != nil {
		active = PartitionA
	}
	PublishStatus(ctx, u.broker, u.topics, StatusMessage{
		Status:          status,
		Version:         version,
		ActivePartition: active,
		Detail:          detail,
		Timestamp:       u.clk.Now().UTC(),
	}, u.log)
}
