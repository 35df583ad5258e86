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

// Package operator is the composition root: it provisions the device if
// needed, builds every component, and supervises the long-lived tasks.
// Nothing here contains domain logic.
package operator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-logr/logr"
	gocache "github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
	"k8s.io/utils/clock"

	"github.com/lifo4/edge-controller/pkg/alarms"
	"github.com/lifo4/edge-controller/pkg/bess"
	"github.com/lifo4/edge-controller/pkg/cache"
	"github.com/lifo4/edge-controller/pkg/cloud"
	"github.com/lifo4/edge-controller/pkg/controllers/controlloop"
	"github.com/lifo4/edge-controller/pkg/controllers/ingress"
	"github.com/lifo4/edge-controller/pkg/controllers/selfhealing"
	syncctrl "github.com/lifo4/edge-controller/pkg/controllers/sync"
	"github.com/lifo4/edge-controller/pkg/controllers/update"
	"github.com/lifo4/edge-controller/pkg/engine"
	"github.com/lifo4/edge-controller/pkg/fieldbus"
	"github.com/lifo4/edge-controller/pkg/operator/options"
	"github.com/lifo4/edge-controller/pkg/ota"
	"github.com/lifo4/edge-controller/pkg/provisioning"
	"github.com/lifo4/edge-controller/pkg/safety"
	"github.com/lifo4/edge-controller/pkg/store"
)

const sweepInterval = time.Hour

// Operator holds every built component. Fields are exported so the main
// package and integration harnesses can reach individual pieces.
type Operator struct {
	Device    provisioning.DeviceConfig
	Topics    cloud.Topics
	Broker    *cloud.Client
	Store     *store.Store
	Cache     *cache.Manager
	Engine    *engine.Engine
	Evaluator *safety.Evaluator
	Sink      *alarms.Sink
	Sync      *syncctrl.Controller
	Sentinel  *selfhealing.Sentinel
	Loop      *controlloop.Loop
	Ingress   *ingress.Controller
	Updates   *update.Controller
	Healing   *selfhealing.Manager
	Health    *Health

	opts      *options.Options
	fs        afero.Fs
	clk       clock.Clock
	log       logr.Logger
	busCloser io.Closer

	mu         sync.Mutex
	parent     context.Context
	loopCancel context.CancelFunc
}

// NewOperator provisions (when needed) and wires the whole daemon. The
// context bounds provisioning and the first broker connection.
func NewOperator(ctx context.Context, opts *options.Options, log logr.Logger) (*Operator, error) {
	o := &Operator{
		opts: opts,
		fs:   afero.NewOsFs(),
		clk:  clock.RealClock{},
		log:  log,
	}

	device, err := o.provision(ctx)
	if err != nil {
		return nil, err
	}
	o.Device = device
	o.Topics = cloud.Topics{Site: lo.Ternary(opts.SiteID != "", opts.SiteID, device.SiteID)}

	if err := o.connectBroker(); err != nil {
		return nil, err
	}

	o.Store, err = store.Open(filepath.Join(opts.DataDir, "lifo4.db"), store.DefaultRetention(), o.clk, log)
	if err != nil {
		return nil, err
	}

	o.Cache = cache.NewManager(gocache.New(gocache.NoExpiration, 10*time.Minute), o.clk, log)

	engineCfg := engine.DefaultConfig()
	engineCfg.CloudTimeout = time.Duration(opts.CloudTimeoutMinutes) * time.Minute
	o.Engine = engine.New(engineCfg, o.clk, log)

	o.Evaluator, err = o.buildEvaluator()
	if err != nil {
		return nil, err
	}

	o.Sink = alarms.NewSink(o.Store, o.Broker, o.Topics, o.clk, log)
	o.Sync = syncctrl.NewController(o.Store, o.Broker, o.Topics, syncctrl.DefaultOptions(), o.clk, log)
	o.Sentinel = selfhealing.NewSentinel(o.Engine, o.Sink, o.clk, log)

	bus, err := o.dialBus()
	if err != nil {
		return nil, err
	}

	loopCfg := controlloop.DefaultConfig()
	loopCfg.SampleInterval = opts.SampleInterval
	loopCfg.OptimizationInterval = opts.OptimizationInterval
	loopCfg.DataDir = opts.DataDir
	o.Loop = controlloop.NewLoop(loopCfg, bus, o.Sentinel, o.Evaluator, o.Engine, o.Store, o.Cache, o.Sync, o.Sink, o.fs, o.clk, log)

	o.Ingress = ingress.NewController(o.Cache, o.Engine, o.Store, o.Sink, o.Broker, o.Topics, o.clk, log)

	window := ota.MaintenanceWindow{StartHour: opts.WindowStartHour, EndHour: opts.WindowEndHour}
	paths := ota.DefaultPaths(opts.DataDir)
	paths.PartitionA = opts.PartitionA
	paths.PartitionB = opts.PartitionB
	updater := ota.NewUpdater(ota.Config{
		AllowedHosts:  opts.OTAAllowedHosts,
		AllowUnsigned: opts.OTAAllowUnsigned,
		Window:        window,
		DataDir:       opts.DataDir,
		SigningKey:    filepath.Join(opts.CertsDir, "device", "code-signing.pub"),
	}, o.fs, paths, &http.Client{Timeout: 10 * time.Minute}, o.Broker, o.Topics, SystemRebooter{Log: log}, o.clk, log)
	o.Updates = update.NewController(o.Ingress.Notices(), updater, window, o.fs, opts.DataDir, o.clk, log)

	memLimit := uint64(0)
	if opts.MemoryLimit > 0 {
		memLimit = uint64(opts.MemoryLimit)
	}
	resources := selfhealing.NewResourceMonitor(o.Store, o.Cache, o.Loop, o.Sink, opts.DataDir, memLimit, o.clk, log)
	watchdog := selfhealing.NewWatchdog(o.Loop, o.restartLoop, o.Sink, o.clk, log).
		WithTimeout(time.Duration(opts.WatchdogTimeoutS) * time.Second)
	o.Healing = selfhealing.NewManager(resources, watchdog, o.clk, log)

	o.Health = NewHealth()
	o.registerProbes()
	return o, nil
}

// Start runs every long-lived task until the context ends, then tears
// down in order: loop, subscriptions/broker, bus, store.
func (o *Operator) Start(ctx context.Context) error {
	group, ctx := errgroup.WithContext(ctx)
	o.mu.Lock()
	o.parent = ctx
	o.mu.Unlock()

	if err := o.Ingress.Start(ctx); err != nil {
		return fmt.Errorf("starting message ingress, %w", err)
	}
	o.startLoop(ctx)

	group.Go(func() error { return ignoreCancel(o.Updates.Run(ctx)) })
	group.Go(func() error { return ignoreCancel(o.Healing.Run(ctx)) })
	group.Go(func() error { return o.sweep(ctx) })
	if path := o.opts.SafetyTablePath; path != "" {
		group.Go(func() error {
			return safety.WatchTable(ctx, path, o.Evaluator, func(err error) {
				o.Sink.Raise(ctx, bess.NewAlarm(bess.SeverityWarning, bess.AlarmConfigInvalid,
					fmt.Sprintf("safety table update rejected: %s", err), o.clk.Now()))
			}, o.log)
		})
	}
	group.Go(func() error {
		return o.serve(ctx, fmt.Sprintf(":%d", o.opts.MetricsPort), promhttp.Handler())
	})
	group.Go(func() error {
		return o.serve(ctx, fmt.Sprintf(":%d", o.opts.HealthProbePort), o.Health.Handler())
	})

	err := group.Wait()

	o.stopLoop()
	o.Broker.Close()
	if o.busCloser != nil {
		_ = o.busCloser.Close()
	}
	if closeErr := o.Store.Close(); closeErr != nil {
		o.log.Error(closeErr, "closing store")
	}
	return err
}

func (o *Operator) provision(ctx context.Context) (provisioning.DeviceConfig, error) {
	prov := provisioning.NewProvisioner(provisioning.Config{
		ConfigDir: filepath.Join(o.opts.DataDir, "config"),
		CertsDir:  o.opts.CertsDir,
		MAC:       o.opts.DeviceMAC,
		Serial:    o.opts.DeviceSerial,
		Model:     o.opts.HardwareModel,
		Version:   o.opts.SoftwareVersion,
	}, o.fs, &mqttDialer{host: o.opts.BrokerHost, port: o.opts.BrokerPort, log: o.log}, o.probeUnit, o.clk, o.log)
	device, err := prov.Run(ctx)
	if err != nil {
		return provisioning.DeviceConfig{}, fmt.Errorf("provisioning, %w", err)
	}
	return device, nil
}

func (o *Operator) connectBroker() error {
	creds := cloud.DeviceCredentials(o.fs, o.opts.CertsDir)
	cfg := cloud.Config{
		BrokerHost:  o.opts.BrokerHost,
		BrokerPort:  o.opts.BrokerPort,
		ClientID:    o.Device.Identity.EdgeID,
		WillTopic:   o.Topics.Status(),
		WillPayload: []byte(`{"status":"OFFLINE_UNGRACEFUL"}`),
	}
	// bench brokers run without TLS; a provisioned device always has the set
	if creds.Present() {
		cfg.TLS = creds
	}
	broker, err := cloud.Connect(cfg, o.log)
	if err != nil {
		return err
	}
	o.Broker = broker
	return nil
}

func (o *Operator) buildEvaluator() (*safety.Evaluator, error) {
	table := safety.DefaultTable()
	if path := o.opts.SafetyTablePath; path != "" {
		data, err := afero.ReadFile(o.fs, path)
		if err != nil {
			return nil, fmt.Errorf("reading safety table %q, %w", path, err)
		}
		if table, err = safety.ParseTable(data); err != nil {
			return nil, fmt.Errorf("parsing safety table %q, %w", path, err)
		}
	}
	return safety.NewEvaluator(table, o.clk, o.log)
}

func (o *Operator) busConfig() fieldbus.BusConfig {
	return fieldbus.BusConfig{
		Transport: fieldbus.TransportTCP,
		Host:      o.opts.ModbusHost,
		Port:      o.opts.ModbusPort,
		UnitID:    byte(o.opts.ModbusUnitID),
	}
}

func (o *Operator) dialBus() (*fieldbus.Client, error) {
	transport, closer, err := fieldbus.Dial(o.busConfig())
	if err != nil {
		return nil, fmt.Errorf("dialing field bus, %w", err)
	}
	o.busCloser = closer
	return fieldbus.NewClient(transport, fieldbus.DefaultRegisterMap(), o.clk, o.log), nil
}

// probeUnit checks one unit ID for liveness during provisioning discovery.
func (o *Operator) probeUnit(ctx context.Context, unit byte) error {
	transport, closer, err := fieldbus.Dial(o.busConfig().WithUnit(unit))
	if err != nil {
		return err
	}
	defer closer.Close()
	return fieldbus.NewClient(transport, fieldbus.DefaultRegisterMap(), o.clk, o.log).Probe(ctx)
}

func (o *Operator) registerProbes() {
	watchdogTimeout := time.Duration(o.opts.WatchdogTimeoutS) * time.Second
	o.Health.Register("control_loop", func() error {
		beat := o.Loop.LastBeat()
		if beat.IsZero() {
			return fmt.Errorf("no beat yet")
		}
		if stale := o.clk.Since(beat); stale > watchdogTimeout {
			return fmt.Errorf("beat stale for %s", stale.Round(time.Second))
		}
		return nil
	})
	o.Health.Register("field_bus", func() error {
		if !o.Sentinel.Healthy() {
			return fmt.Errorf("failure streak active")
		}
		return nil
	})
	o.Health.Register("messaging", func() error {
		if !o.Broker.IsConnected() {
			return fmt.Errorf("broker disconnected")
		}
		return nil
	})
	o.Health.Register("safety", func() error {
		// the evaluator rejects invalid tables at load time; reaching
		// this probe means a valid table is live
		return nil
	})
}

// startLoop runs the control loop in a restartable goroutine.
func (o *Operator) startLoop(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	o.mu.Lock()
	o.loopCancel = cancel
	o.mu.Unlock()
	go func() {
		if err := o.Loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			o.log.Error(err, "control loop exited")
		}
	}()
}

func (o *Operator) stopLoop() {
	o.mu.Lock()
	cancel := o.loopCancel
	o.loopCancel = nil
	o.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// restartLoop is the watchdog's remediation: kill the wedged goroutine
// and start a fresh one under the supervising context.
func (o *Operator) restartLoop(context.Context) error {
	o.mu.Lock()
	parent := o.parent
	o.mu.Unlock()
	if parent == nil {
		return fmt.Errorf("loop supervisor not started")
	}
	o.stopLoop()
	o.startLoop(parent)
	return nil
}

func (o *Operator) sweep(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-o.clk.After(sweepInterval):
			if err := o.Sync.Sweep(ctx); err != nil {
				o.log.Error(err, "retention sweep failed")
			}
		}
	}
}

func (o *Operator) serve(ctx context.Context, addr string, handler http.Handler) error {
	server := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serving %s, %w", addr, err)
	}
	return nil
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// mqttDialer backs provisioning's broker sessions with the real client.
type mqttDialer struct {
	host string
	port int
	log  logr.Logger
}

func (d *mqttDialer) Dial(_ context.Context, creds *cloud.CredentialSet, clientID string) (cloud.Broker, error) {
	cfg := cloud.Config{BrokerHost: d.host, BrokerPort: d.port, ClientID: clientID}
	if creds != nil && creds.Present() {
		cfg.TLS = creds
	}
	return cloud.Connect(cfg, d.log)
}

// SystemRebooter asks the kernel for a restart. The OTA flow has already
// synced its markers; Sync flushes whatever the filesystems still hold.
type SystemRebooter struct {
	Log logr.Logger
}

func (r SystemRebooter) Reboot(reason string) error {
	r.Log.Info("rebooting", "reason", reason)
	unix.Sync()
	if err := unix.Reboot(unix.LINUX_REBOOT_CMD_RESTART); err != nil {
		return fmt.Errorf("requesting reboot, %w", err)
	}
	return nil
}
