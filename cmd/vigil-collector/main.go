// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

// vigil-collector receives flow export records over UDP and fans them
// out to the detection modules it supervises.
//
// Usage:
//
//	vigil-collector --config /etc/vigil/collector.yaml
//	vigil-collector status  --socket /run/vigil/control.sock
//	vigil-collector workers --socket /run/vigil/control.sock
//	vigil-collector stop-worker --socket /run/vigil/control.sock PID
//
// Without --config the VIGIL_CONFIG environment variable names the
// configuration file. Exit codes: 0 success, 1 runtime error, 2
// configuration error, 3 a module could not be started.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/vigil-ids/vigil/collector"
	"github.com/vigil-ids/vigil/lib/config"
	"github.com/vigil-ids/vigil/lib/logging"
	"github.com/vigil-ids/vigil/lib/process"
	"github.com/vigil-ids/vigil/lib/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdout)
	stop()
	if err != nil {
		process.Fatal(err)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer) error {
	if len(args) > 0 {
		if command, ok := clientCommands[args[0]]; ok {
			return command(ctx, args[1:], stdout)
		}
	}
	return serve(ctx, args, stdout)
}

func serve(ctx context.Context, args []string, stdout io.Writer) error {
	var (
		configPath  string
		logLevel    string
		logFormat   string
		showVersion bool
	)
	flagSet := pflag.NewFlagSet("vigil-collector", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "collector configuration file (default: $"+config.EnvVar+")")
	flagSet.StringVar(&logLevel, "log-level", "", "override log.level: debug, info, warn, or error")
	flagSet.StringVar(&logFormat, "log-format", "", "override log.format: auto, text, or json")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return process.Exit(process.ExitConfig, err)
	}

	if showVersion {
		fmt.Fprintf(stdout, "vigil-collector %s\n", version.Full())
		return nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return process.Exit(process.ExitConfig, err)
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	logger, err := logging.Stderr(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return process.Exit(process.ExitConfig, err)
	}

	if cfg.WorkingDir != "" {
		if err := os.Chdir(cfg.WorkingDir); err != nil {
			return process.Exit(process.ExitConfig, fmt.Errorf("entering working directory: %w", err))
		}
		logger.Info("working directory", "path", cfg.WorkingDir)
	}

	c, err := collector.New(cfg, logger, collector.Options{})
	if err != nil {
		return err
	}
	return c.Run(ctx)
}
