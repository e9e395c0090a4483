// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/vigil-ids/vigil/control"
	"github.com/vigil-ids/vigil/lib/ipc"
	"github.com/vigil-ids/vigil/lib/process"
)

const defaultSocket = "/run/vigil/control.sock"

// clientCommands talk to a running collector's control socket.
var clientCommands = map[string]func(ctx context.Context, args []string, stdout io.Writer) error{
	"status":      statusCommand,
	"workers":     workersCommand,
	"stop-worker": stopWorkerCommand,
}

func clientFlags(name string) (*pflag.FlagSet, *string, *time.Duration) {
	flagSet := pflag.NewFlagSet(name, pflag.ContinueOnError)
	socket := flagSet.String("socket", defaultSocket, "collector control socket")
	timeout := flagSet.Duration("timeout", 5*time.Second, "request timeout")
	return flagSet, socket, timeout
}

func call(ctx context.Context, socket string, timeout time.Duration, request ipc.Request) (ipc.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return control.Call(ctx, socket, request)
}

func parseClientFlags(flagSet *pflag.FlagSet, args []string) error {
	if err := flagSet.Parse(args); err != nil && !errors.Is(err, pflag.ErrHelp) {
		return process.Exit(process.ExitConfig, err)
	}
	return nil
}

func statusCommand(ctx context.Context, args []string, stdout io.Writer) error {
	flagSet, socket, timeout := clientFlags("status")
	if err := parseClientFlags(flagSet, args); err != nil {
		return err
	}
	response, err := call(ctx, *socket, *timeout, ipc.Request{Action: ipc.ActionStatus})
	if err != nil {
		return err
	}
	writeStatus(stdout, response.Status)
	return nil
}

func writeStatus(w io.Writer, status *ipc.Status) {
	if status == nil {
		return
	}
	fmt.Fprintf(w, "instance:    %s\n", status.InstanceID)
	fmt.Fprintf(w, "version:     %s\n", status.Version)
	if status.Digest != "" {
		fmt.Fprintf(w, "digest:      %s\n", status.Digest)
	}
	fmt.Fprintf(w, "exchange:    %s\n", status.Exchange)
	fmt.Fprintf(w, "records:     %d outstanding [%d, %d)\n", status.Outstanding, status.Oldest, status.Newest)
	states := make([]string, 0, len(status.Workers))
	for state := range status.Workers {
		states = append(states, state)
	}
	slices.Sort(states)
	for _, state := range states {
		fmt.Fprintf(w, "workers:     %d %s\n", status.Workers[state], state)
	}
}

func workersCommand(ctx context.Context, args []string, stdout io.Writer) error {
	flagSet, socket, timeout := clientFlags("workers")
	if err := parseClientFlags(flagSet, args); err != nil {
		return err
	}
	response, err := call(ctx, *socket, *timeout, ipc.Request{Action: ipc.ActionListWorkers})
	if err != nil {
		return err
	}
	return writeWorkers(stdout, response.Workers)
}

func writeWorkers(w io.Writer, workers []ipc.Worker) error {
	table := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(table, "PID\tSTATE\tSEMAPHORE\tRESTARTS\tSTARTED\tPATH")
	for _, worker := range workers {
		fmt.Fprintf(table, "%d\t%s\t%d\t%d\t%s\t%s\n",
			worker.PID, worker.State, worker.SemaphoreKey, worker.Restarts, worker.StartedAt, worker.Path)
	}
	return table.Flush()
}

func stopWorkerCommand(ctx context.Context, args []string, stdout io.Writer) error {
	flagSet, socket, timeout := clientFlags("stop-worker")
	if err := parseClientFlags(flagSet, args); err != nil {
		return err
	}
	if flagSet.NArg() != 1 {
		return process.Exit(process.ExitConfig, fmt.Errorf("usage: vigil-collector stop-worker [--socket PATH] PID"))
	}
	pid, err := strconv.Atoi(flagSet.Arg(0))
	if err != nil || pid <= 0 {
		return process.Exit(process.ExitConfig, fmt.Errorf("invalid pid %q", flagSet.Arg(0)))
	}
	if _, err := call(ctx, *socket, *timeout, ipc.Request{Action: ipc.ActionStopWorker, PID: pid}); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "stopped %d\n", pid)
	return nil
}
