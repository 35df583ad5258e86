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

// The ota-verifier runs once per boot, before anything depends on the
// running software version. With no pending update it exits immediately;
// with one it polls the daemon's health probe and commits the update or
// rolls the partition back.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/cloud"
	"github.com/lifo4/edge-controller/pkg/operator"
	"github.com/lifo4/edge-controller/pkg/operator/options"
	"github.com/lifo4/edge-controller/pkg/ota"
	"github.com/lifo4/edge-controller/pkg/provisioning"
	"github.com/lifo4/edge-controller/pkg/utils/log"
)

func main() {
	opts := options.New().MustParse()
	logger, err := log.NewLogger(opts.LogLevel, opts.LogMode)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fs := afero.NewOsFs()
	clk := clock.RealClock{}
	paths := ota.DefaultPaths(opts.DataDir)
	paths.PartitionA = opts.PartitionA
	paths.PartitionB = opts.PartitionB
	markers := ota.NewMarkers(fs, paths)

	broker, topics := connect(fs, opts, logger)
	defer broker.Close()

	health := &ota.HTTPHealthChecker{
		URL:    fmt.Sprintf("http://127.0.0.1:%d/healthz", opts.HealthProbePort),
		Client: &http.Client{Timeout: 5 * time.Second},
	}
	verifier := ota.NewVerifier(markers, health, broker, topics,
		operator.SystemRebooter{Log: logger},
		time.Duration(opts.HealthcheckTimeoutS)*time.Second, clk, logger)

	outcome, err := verifier.Run(ctx)
	if err != nil {
		logger.Error(err, "verification failed", "outcome", outcome)
		os.Exit(1)
	}
	logger.Info("verification finished", "outcome", outcome)
}

// connect builds the status-publish session. The verifier must work with
// the broker down, so failures degrade to a no-op publisher.
func connect(fs afero.Fs, opts *options.Options, logger logr.Logger) (cloud.Broker, cloud.Topics) {
	site := opts.SiteID
	prov := provisioning.NewProvisioner(provisioning.Config{
		ConfigDir: filepath.Join(opts.DataDir, "config"),
		CertsDir:  opts.CertsDir,
	}, fs, nil, nil, clock.RealClock{}, logger)
	if device, err := prov.Load(); err == nil && site == "" {
		site = device.SiteID
	}
	topics := cloud.Topics{Site: site}

	cfg := cloud.Config{
		BrokerHost: opts.BrokerHost,
		BrokerPort: opts.BrokerPort,
		ClientID:   "ota-verifier",
	}
	if creds := cloud.DeviceCredentials(fs, opts.CertsDir); creds.Present() {
		cfg.TLS = creds
	}
	broker, err := cloud.Connect(cfg, logger)
	if err != nil {
		logger.Error(err, "broker unreachable, statuses will not be published")
		return noopBroker{}, topics
	}
	return broker, topics
}

type noopBroker struct{}

func (noopBroker) Publish(context.Context, string, []byte, byte) error { return nil }
func (noopBroker) Subscribe(string, byte, func(string, []byte)) error  { return nil }
func (noopBroker) IsConnected() bool                                   { return false }
func (noopBroker) Close()                                              {}
