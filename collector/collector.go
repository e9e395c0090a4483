// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// Package collector assembles a running collector from its
// configuration: the exporter and its exchange storage, the module
// registry and supervisor, the UDP receiver, and the optional metrics
// and control endpoints.
//
// New acquires every resource and binds every socket, so configuration
// and allocation problems surface before any module is started. Run
// starts the modules, serves until its context ends, and tears
// everything down in order: modules first, then the exchange storage.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/vigil-ids/vigil/control"
	"github.com/vigil-ids/vigil/exporter"
	"github.com/vigil-ids/vigil/lib/clock"
	"github.com/vigil-ids/vigil/lib/config"
	"github.com/vigil-ids/vigil/lib/exchange"
	"github.com/vigil-ids/vigil/lib/metering"
	"github.com/vigil-ids/vigil/lib/process"
	"github.com/vigil-ids/vigil/lib/version"
	"github.com/vigil-ids/vigil/receiver"
	"github.com/vigil-ids/vigil/supervisor"
)

// Options overrides process-level dependencies, for tests.
type Options struct {
	// Spawner starts modules. Defaults to an ExecSpawner sharing the
	// collector's stdout and stderr.
	Spawner supervisor.Spawner
	Clock   clock.Clock
}

// Collector is one assembled collector.
type Collector struct {
	config  *config.Config
	logger  *slog.Logger
	clock   clock.Clock
	metrics *metering.Metrics

	exporter   *exporter.Exporter
	registry   *supervisor.Registry
	supervisor *supervisor.Supervisor

	udp             *net.UDPConn
	metricsListener net.Listener
	controlListener net.Listener
	control         *control.Server
}

// New validates cfg, allocates the exchange, registers the modules, and
// binds the listeners. Errors carry a process exit code: ExitConfig for
// configuration problems, ExitRuntime for allocation and binding.
func New(cfg *config.Config, logger *slog.Logger, opts Options) (_ *Collector, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, process.Exit(process.ExitConfig, err)
	}
	style, err := exchange.ParseStyle(cfg.Exchange.Type)
	if err != nil {
		return nil, process.Exit(process.ExitConfig, err)
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Spawner == nil {
		opts.Spawner = &supervisor.ExecSpawner{Stdout: os.Stdout, Stderr: os.Stderr, Logger: logger}
	}

	c := &Collector{
		config:  cfg,
		logger:  logger,
		clock:   opts.Clock,
		metrics: metering.New(),
	}
	defer func() {
		if err != nil {
			c.release()
		}
	}()

	trigger := supervisor.NewTrigger()
	c.exporter, err = exporter.Open(exporter.Options{
		Style:     style,
		PacketDir: cfg.Exchange.PacketDir,
		RingSize:  cfg.Exchange.ShmSize,
		KeyBase:   cfg.Exchange.IPCKeyBase,
		Context:   cfg.InstanceID,
		Wake:      trigger.Fire,
		Clock:     c.clock,
		Metrics:   c.metrics,
		Logger:    logger,
	})
	if err != nil {
		return nil, process.Exit(process.ExitRuntime, fmt.Errorf("opening exporter: %w", err))
	}

	c.registry = supervisor.NewRegistry(supervisor.RegistryConfig{
		Spawner:    opts.Spawner,
		Semaphores: supervisor.SysvSemaphores{KeyBase: cfg.Exchange.IPCKeyBase},
		Bootstrap:  c.exporter.Bootstrap(),
		Clock:      c.clock,
		Metrics:    c.metrics,
		Logger:     logger,
	})
	for _, module := range cfg.Modules {
		if !module.Enabled() {
			logger.Info("module disabled in configuration", "module", module.Path)
			continue
		}
		_, err := c.registry.Create(module.Path, module.ConfigFile, module.Args)
		if errors.Is(err, supervisor.ErrModuleNotFound) {
			logger.Error("skipping module", "module", module.Path, "error", err)
			continue
		}
		if err != nil {
			return nil, process.Exit(process.ExitConfig, err)
		}
	}

	c.supervisor = supervisor.New(supervisor.Config{
		Registry:       c.registry,
		Publisher:      c.exporter,
		Trigger:        trigger,
		KillTime:       cfg.Supervision.KillTime,
		PollInterval:   cfg.Supervision.PollInterval,
		RestartOnCrash: cfg.Supervision.RestartOnCrash,
		ShutdownGrace:  cfg.Supervision.ShutdownGrace,
		Clock:          c.clock,
		Metrics:        c.metrics,
		Logger:         logger,
	})

	if err := c.bind(); err != nil {
		return nil, process.Exit(process.ExitRuntime, err)
	}
	return c, nil
}

func (c *Collector) bind() error {
	var err error
	if c.config.Listen.Address != "" {
		c.udp, err = receiver.Listen(c.config.Listen.Network, c.config.Listen.Address, c.logger)
		if err != nil {
			return err
		}
	}
	if c.config.Metrics.Address != "" {
		c.metricsListener, err = net.Listen("tcp", c.config.Metrics.Address)
		if err != nil {
			return fmt.Errorf("listening for metrics on %s: %w", c.config.Metrics.Address, err)
		}
	}
	if c.config.Control.SocketPath != "" {
		c.controlListener, err = control.Listen(c.config.Control.SocketPath)
		if err != nil {
			return fmt.Errorf("opening control socket: %w", err)
		}
		digest := ""
		if self, err := version.SelfDigest(); err == nil {
			digest = self.String()
		} else {
			c.logger.Warn("hashing collector executable", "error", err)
		}
		c.control = control.NewServer(control.Config{
			Exporter:   c.exporter,
			Workers:    c.registry,
			InstanceID: c.config.InstanceID,
			Version:    version.Info(),
			Digest:     digest,
			Logger:     c.logger,
		})
	}
	return nil
}

// ReceiverAddr is the bound UDP address, or nil without a receiver.
func (c *Collector) ReceiverAddr() net.Addr {
	if c.udp == nil {
		return nil
	}
	return c.udp.LocalAddr()
}

// MetricsAddr is the bound metrics address, or nil.
func (c *Collector) MetricsAddr() net.Addr {
	if c.metricsListener == nil {
		return nil
	}
	return c.metricsListener.Addr()
}

// Metrics exposes the collector's metrics.
func (c *Collector) Metrics() *metering.Metrics { return c.metrics }

// Workers lists the registered modules.
func (c *Collector) Workers() []supervisor.WorkerInfo { return c.registry.Snapshot() }

// Run starts the modules and serves until ctx is done or a server
// fails. It always tears the collector down before returning, and must
// be called once. A module that cannot be started yields an error with
// exit code ExitWorkerStart.
func (c *Collector) Run(ctx context.Context) error {
	defer c.teardown()

	c.logger.Info("collector starting",
		"instance_id", c.config.InstanceID,
		"version", version.Info(),
		"exchange", c.config.Exchange.Type,
		"modules", len(c.registry.Snapshot()),
	)
	if err := c.registry.StartAll(); err != nil {
		return process.Exit(process.ExitWorkerStart, err)
	}

	if delay := c.config.Supervision.StartupDelay; delay > 0 {
		select {
		case <-c.clock.After(delay):
		case <-ctx.Done():
			return nil
		}
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return c.supervisor.Run(groupCtx)
	})
	if c.udp != nil {
		udp := c.udp
		c.udp = nil
		group.Go(func() error {
			return receiver.New(c.exporter, c.logger).Serve(groupCtx, udp)
		})
	}
	if c.metricsListener != nil {
		listener := c.metricsListener
		c.metricsListener = nil
		group.Go(func() error {
			return c.metrics.Serve(groupCtx, listener, c.logger)
		})
	}
	if c.controlListener != nil {
		listener := c.controlListener
		c.controlListener = nil
		group.Go(func() error {
			return c.control.Serve(groupCtx, listener)
		})
	}

	err := group.Wait()
	if err != nil {
		c.logger.Error("collector stopping after failure", "error", err)
	} else {
		c.logger.Info("collector stopping")
	}
	return err
}

// teardown stops the modules, then frees the exchange storage.
func (c *Collector) teardown() {
	started := c.clock.Now()
	c.supervisor.Shutdown()
	c.release()
	c.logger.Info("collector stopped", "teardown", c.clock.Now().Sub(started).Round(time.Millisecond))
}

// release frees everything New acquired that is still held. Errors are
// logged; every step runs.
func (c *Collector) release() {
	if c.udp != nil {
		c.udp.Close()
		c.udp = nil
	}
	if c.metricsListener != nil {
		c.metricsListener.Close()
		c.metricsListener = nil
	}
	if c.controlListener != nil {
		c.controlListener.Close()
		c.controlListener = nil
	}
	if c.exporter != nil {
		if err := c.exporter.Close(); err != nil {
			c.logger.Error("releasing exchange storage", "error", err)
		}
	}
}
