// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// vigil-example-module is a minimal detection module: it counts the
// records it receives per source id and logs the totals periodically.
// It exists to show the module side of the collector protocol.
//
// The collector starts it as
//
//	vigil-example-module <config-file> [flags]
//
// with the handshake on stdin. The optional YAML config file may set
// report_interval and source_ids; flags override it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/vigil-ids/vigil/lib/logging"
	"github.com/vigil-ids/vigil/lib/module"
	"github.com/vigil-ids/vigil/lib/process"
	"github.com/vigil-ids/vigil/lib/seqnum"
)

// moduleConfig is the module's own configuration file.
type moduleConfig struct {
	ReportInterval time.Duration `yaml:"report_interval"`
	SourceIDs      []uint32      `yaml:"source_ids"`
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:])
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

func run(ctx context.Context, args []string) error {
	var (
		reportInterval time.Duration
		logLevel       string
	)
	flagSet := pflag.NewFlagSet("vigil-example-module", pflag.ContinueOnError)
	flagSet.DurationVar(&reportInterval, "report-interval", 0, "how often to log totals (default 10s)")
	flagSet.StringVar(&logLevel, "log-level", "info", "debug, info, warn, or error")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return process.Exit(process.ExitConfig, err)
	}

	cfg := moduleConfig{ReportInterval: 10 * time.Second}
	if flagSet.NArg() > 0 {
		loaded, err := loadConfig(flagSet.Arg(0))
		if err != nil {
			return process.Exit(process.ExitConfig, err)
		}
		cfg = loaded
	}
	if reportInterval > 0 {
		cfg.ReportInterval = reportInterval
	}

	logger, err := logging.Stderr(logLevel, "json")
	if err != nil {
		return process.Exit(process.ExitConfig, err)
	}
	logger = logger.With("module", "example", "pid", os.Getpid())

	session, err := module.Attach(os.Stdin)
	if err != nil {
		return fmt.Errorf("attaching to collector: %w", err)
	}
	defer session.Close()
	if len(cfg.SourceIDs) > 0 {
		session.SubscribeSourceID(cfg.SourceIDs...)
	}
	hello := session.Handshake()
	logger.Info("attached",
		"semaphore_key", hello.SemaphoreKey,
		"block_key", hello.BlockKey,
		"exchange", hello.Style.String(),
		"collector", hello.Context,
	)

	counter := newCounter(cfg.ReportInterval, time.Now())
	defer counter.report(logger)
	for {
		batch, err := session.Next(ctx)
		if errors.Is(err, module.ErrDetached) || errors.Is(err, context.Canceled) {
			logger.Info("detaching", "reason", err)
			return nil
		}
		if err != nil {
			return err
		}
		err = batch.Each(func(_ seqnum.Counter, sourceID uint32, data []byte) error {
			counter.add(sourceID, len(data))
			return nil
		})
		if err != nil {
			logger.Warn("reading batch", "from", batch.Range.From.Value(), "to", batch.Range.To.Value(), "error", err)
		}
		if err := batch.Done(); err != nil {
			if errors.Is(err, module.ErrDetached) {
				return nil
			}
			return err
		}
		if counter.due(time.Now()) {
			counter.report(logger)
		}
	}
}

func loadConfig(path string) (moduleConfig, error) {
	cfg := moduleConfig{ReportInterval: 10 * time.Second}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading module config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("%s: %w", path, err)
	}
	if cfg.ReportInterval <= 0 {
		return cfg, fmt.Errorf("%s: report_interval must be positive", path)
	}
	return cfg, nil
}

// counter tallies records per source id.
type counter struct {
	interval   time.Duration
	lastReport time.Time
	records    map[uint32]int
	bytes      map[uint32]int
}

func newCounter(interval time.Duration, now time.Time) *counter {
	return &counter{
		interval:   interval,
		lastReport: now,
		records:    make(map[uint32]int),
		bytes:      make(map[uint32]int),
	}
}

func (c *counter) add(sourceID uint32, length int) {
	c.records[sourceID]++
	c.bytes[sourceID] += length
}

func (c *counter) due(now time.Time) bool {
	if now.Sub(c.lastReport) < c.interval {
		return false
	}
	c.lastReport = now
	return true
}

func (c *counter) sources() []uint32 {
	ids := make([]uint32, 0, len(c.records))
	for id := range c.records {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (c *counter) report(logger *slog.Logger) {
	for _, id := range c.sources() {
		logger.Info("source totals", "source_id", id, "records", c.records[id], "bytes", c.bytes[id])
	}
}
