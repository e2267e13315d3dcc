// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package orchestrator runs relayd's provisioning cycles and hands the
// result to the supervisor and the daily scheduler.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/tombee/relayd/internal/config"
	"github.com/tombee/relayd/internal/discovery"
	"github.com/tombee/relayd/internal/identity"
	"github.com/tombee/relayd/internal/lifecycle"
	"github.com/tombee/relayd/internal/log"
	"github.com/tombee/relayd/internal/metrics"
	"github.com/tombee/relayd/internal/provision"
	"github.com/tombee/relayd/internal/relayconf"
	"github.com/tombee/relayd/internal/scheduler"
	"github.com/tombee/relayd/internal/supervisor"
	"github.com/tombee/relayd/internal/tracing"
	relayerrors "github.com/tombee/relayd/pkg/errors"
	"github.com/tombee/relayd/pkg/httpclient"
)

// ErrDailyRestart is returned by Run in exit mode when the daily restart
// fires. The relay has already been stopped.
var ErrDailyRestart = errors.New("daily restart")

const (
	configMode os.FileMode = 0o600
	linkMode   os.FileMode = 0o600
)

// AddressDiscoverer finds the address published in the connection link.
type AddressDiscoverer interface {
	Discover(ctx context.Context) netip.Addr
}

// Options configures an Orchestrator. Only Config is required.
type Options struct {
	Config  *config.Config
	Logger  *slog.Logger
	Version string

	// Launcher starts the relay. Default: lifecycle.ExecLauncher
	Launcher lifecycle.Launcher

	// HTTPClient downloads the relay binary. Default: pkg/httpclient
	HTTPClient *http.Client

	// Discoverer finds the public address. Default: discovery.Discoverer
	Discoverer AddressDiscoverer

	// CertRunner runs openssl. Default: provision.ExecRunner
	CertRunner provision.CommandRunner

	// Clock drives the scheduler, supervisor and retry delays.
	Clock clock.Clock

	// Tracer records provisioning spans. Default: the global provider
	Tracer trace.Tracer

	// Collector records provisioning step metrics. Optional.
	Collector *tracing.Collector
}

// Cycle is the outcome of one successful provisioning pass.
type Cycle struct {
	Number   int
	Identity *identity.Identity
	Address  netip.Addr
	Link     string
}

// Orchestrator sequences provisioning and supervision.
type Orchestrator struct {
	cfg        *config.Config
	logger     *slog.Logger
	launcher   lifecycle.Launcher
	clock      clock.Clock
	tracer     trace.Tracer
	collector  *tracing.Collector
	identities *identity.Generator
	certs      *provision.CertProvisioner
	binary     *provision.BinaryProvisioner
	discoverer AddressDiscoverer
	command    lifecycle.Command
}

// New wires an Orchestrator from opts.
func New(opts Options) (*Orchestrator, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, fmt.Errorf("orchestrator: config is required")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = log.WithRun(logger, uuid.NewString())

	workDir, err := filepath.Abs(cfg.WorkDir)
	if err != nil {
		return nil, &relayerrors.ConfigError{Key: "work_dir", Reason: "cannot resolve path", Cause: err}
	}
	path := func(name string) string { return filepath.Join(workDir, name) }

	version := opts.Version
	if version == "" {
		version = "dev"
	}

	client := opts.HTTPClient
	if client == nil {
		hcfg := httpclient.DefaultConfig()
		hcfg.Timeout = cfg.HTTP.Timeout
		hcfg.RetryAttempts = cfg.HTTP.RetryAttempts
		hcfg.UserAgent = "relayd/" + version
		hcfg.Logger = logger
		client, err = httpclient.New(hcfg)
		if err != nil {
			return nil, fmt.Errorf("http client: %w", err)
		}
	}

	discoverer := opts.Discoverer
	if discoverer == nil {
		discoverer, err = newDiscoverer(cfg, version, logger)
		if err != nil {
			return nil, err
		}
	}

	binaryURL := cfg.Binary.URL
	if binaryURL == "" {
		binaryURL, err = provision.ReleaseURL(cfg.Binary.Version, runtime.GOARCH)
		if err != nil {
			return nil, &relayerrors.ConfigError{Key: "binary.url", Reason: "no default release for this host", Cause: err}
		}
	}

	launcher := opts.Launcher
	if launcher == nil {
		launcher = lifecycle.NewExecLauncher()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/tombee/relayd/internal/orchestrator")
	}

	return &Orchestrator{
		cfg:        cfg,
		logger:     logger,
		launcher:   launcher,
		clock:      clk,
		tracer:     tracer,
		collector:  opts.Collector,
		identities: identity.NewGenerator(cfg.MaskDomains, identity.WithPort(cfg.Port)),
		certs: provision.NewCertProvisioner(provision.CertConfig{
			CertPath:     path(config.CertFile),
			KeyPath:      path(config.KeyFile),
			Generator:    cfg.Certificate.Generator,
			ValidityDays: cfg.Certificate.ValidityDays,
			OpenSSLPath:  cfg.Certificate.OpenSSLPath,
			Runner:       opts.CertRunner,
			Logger:       logger,
		}),
		binary:     provision.NewBinaryProvisioner(path(config.BinaryFile), binaryURL, client, logger),
		discoverer: discoverer,
		command: lifecycle.Command{
			Path: path(config.BinaryFile),
			Args: []string{"-c", config.ServerConfigFile},
			Dir:  workDir,
		},
	}, nil
}

func newDiscoverer(cfg *config.Config, version string, logger *slog.Logger) (*discovery.Discoverer, error) {
	hcfg := httpclient.DefaultConfig()
	hcfg.Timeout = cfg.Discovery.Timeout
	hcfg.RetryAttempts = 0
	hcfg.UserAgent = "relayd/" + version
	hcfg.Logger = logger
	client, err := httpclient.New(hcfg)
	if err != nil {
		return nil, fmt.Errorf("discovery client: %w", err)
	}

	opts := []discovery.Option{
		discovery.WithTimeout(cfg.Discovery.Timeout),
		discovery.WithLogger(logger),
	}
	if len(cfg.Discovery.Providers) > 0 {
		providers := make([]discovery.Provider, 0, len(cfg.Discovery.Providers))
		for _, u := range cfg.Discovery.Providers {
			name := strings.TrimPrefix(strings.TrimPrefix(u, "https://"), "http://")
			providers = append(providers, discovery.Provider{Name: name, URL: u})
		}
		opts = append(opts, discovery.WithProviders(providers...))
	}
	return discovery.New(client, opts...), nil
}

// Run executes provisioning cycles until ctx is cancelled, a fatal error
// occurs, or, in exit mode, the daily restart fires (ErrDailyRestart).
// Failed provisioning is retried after the configured delay.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("relayd starting",
		"work_dir", o.command.Dir,
		"timezone", o.cfg.Schedule.Timezone,
		"restart_at", o.cfg.Schedule.At,
		"mode", o.cfg.Schedule.Mode)

	for n := 1; ; n++ {
		metrics.RecordCycle()
		logger := log.WithCycle(o.logger, n)

		cycle, err := o.Provision(ctx, logger, n)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if !relayerrors.IsRetryable(err) {
				return err
			}
			logger.Error("provisioning failed", log.Error(err), "retry_in", o.cfg.Provision.RetryDelay)
			if !o.sleep(ctx, o.cfg.Provision.RetryDelay) {
				return nil
			}
			continue
		}

		restart, err := o.serve(ctx, logger, cycle)
		if err != nil {
			return err
		}
		if !restart {
			logger.Info("relayd stopping")
			return nil
		}
		if o.cfg.Schedule.Mode == config.ModeExit {
			logger.Info("daily restart: exiting for external restart")
			return ErrDailyRestart
		}
		logger.Info("daily restart: reprovisioning")
	}
}

// Provision performs one provisioning pass: identity, certificate, binary,
// server config, address discovery and connection link, in that order.
// Nothing is launched.
func (o *Orchestrator) Provision(ctx context.Context, logger *slog.Logger, n int) (*Cycle, error) {
	ctx, span := o.tracer.Start(ctx, "provision.cycle", trace.WithAttributes(attribute.Int("cycle", n)))
	cycle, err := o.provision(ctx, logger, n)
	tracing.EndSpan(span, err)
	return cycle, err
}

func (o *Orchestrator) provision(ctx context.Context, logger *slog.Logger, n int) (*Cycle, error) {
	// Identity comes first: a bad UUID must fail before any file is touched.
	id, err := o.identities.New(o.cfg.UUID)
	if err != nil {
		return nil, err
	}
	logger.Info("identity generated",
		"port", id.Port,
		"mask_domain", id.MaskDomain,
		"mtu", id.MTU,
		"secret", log.SanitizeToken(id.Secret),
		"api_secret", log.SanitizeSecret(id.APISecret))

	if err := os.MkdirAll(o.command.Dir, 0o755); err != nil {
		return nil, &relayerrors.ProvisionError{Step: "workdir", Target: o.command.Dir, Cause: err}
	}

	cycle := &Cycle{Number: n, Identity: id}

	err = o.step(ctx, logger, "certificate", func(ctx context.Context) error {
		_, err := o.certs.Ensure(ctx, id.MaskDomain)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = o.step(ctx, logger, "binary", func(ctx context.Context) error {
		_, err := o.binary.Ensure(ctx)
		return err
	})
	if err != nil {
		return nil, err
	}

	err = o.step(ctx, logger, "config", func(context.Context) error {
		data, err := relayconf.RenderServerConfig(relayconf.Params{
			Identity: id,
			CertPath: filepath.Join(o.command.Dir, config.CertFile),
			KeyPath:  filepath.Join(o.command.Dir, config.KeyFile),
		})
		if err != nil {
			return err
		}
		target := filepath.Join(o.command.Dir, config.ServerConfigFile)
		if err := relayconf.WriteFile(target, data, configMode); err != nil {
			return &relayerrors.ProvisionError{Step: "config", Target: target, Cause: err}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.step(ctx, logger, "discovery", func(ctx context.Context) error {
		cycle.Address = o.discoverer.Discover(ctx)
		return nil
	})
	if err != nil {
		return nil, err
	}

	err = o.step(ctx, logger, "link", func(context.Context) error {
		link, err := relayconf.RenderLink(id, cycle.Address.String())
		if err != nil {
			return err
		}
		target := filepath.Join(o.command.Dir, config.LinkFile)
		if err := relayconf.WriteFile(target, []byte(link+"\n"), linkMode); err != nil {
			return &relayerrors.ProvisionError{Step: "link", Target: target, Cause: err}
		}
		cycle.Link = link
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("connection link written",
		"path", filepath.Join(o.command.Dir, config.LinkFile),
		"link", strings.Replace(cycle.Link, id.Secret, log.SanitizeToken(id.Secret), 1))
	return cycle, nil
}

// step runs fn inside a span, logging and recording its outcome.
func (o *Orchestrator) step(ctx context.Context, logger *slog.Logger, name string, fn func(context.Context) error) error {
	ctx, span := o.tracer.Start(ctx, "provision."+name, trace.WithAttributes(attribute.String("step", name)))
	start := time.Now()

	err := log.Step(logger, name, func() error { return fn(ctx) })

	o.collector.RecordStep(ctx, name, time.Since(start), err)
	if err != nil {
		metrics.RecordProvisionFailure(name)
	}
	tracing.EndSpan(span, err)
	return err
}

// serve supervises the relay until the daily restart fires (true) or ctx
// is cancelled (false). The relay is stopped in both cases before return.
func (o *Orchestrator) serve(ctx context.Context, logger *slog.Logger, cycle *Cycle) (bool, error) {
	sup, err := supervisor.New(supervisor.Config{
		Cooldown:    o.cfg.Supervisor.Cooldown,
		StopTimeout: o.cfg.Supervisor.StopTimeout,
		Clock:       o.clock,
		Logger:      logger,
	}, o.launcher)
	if err != nil {
		return false, err
	}

	fired := make(chan struct{}, 1)
	sched, err := scheduler.New(scheduler.Config{
		At:       o.cfg.RestartAt(),
		Location: o.cfg.Location(),
		MinDelay: o.cfg.Schedule.MinDelay,
		Clock:    o.clock,
		Logger:   logger,
	}, func(context.Context) error {
		// The relay is down before the next cycle rewrites its files.
		sup.Stop()
		select {
		case fired <- struct{}{}:
		default:
		}
		return nil
	})
	if err != nil {
		return false, err
	}

	if err := sup.Start(ctx, o.command); err != nil {
		return false, err
	}
	sched.Start(ctx)

	select {
	case <-fired:
		sched.Stop()
		return true, nil
	case <-ctx.Done():
		sched.Stop()
		sup.Stop()
		return false, nil
	}
}

// sleep waits d on the orchestrator clock. It reports false if ctx ended
// first.
func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) bool {
	timer := o.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
