// Copyright 2026 The Vigil Authors
// SPDX-License-Identifier: Apache-2.0

package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/vigil-ids/vigil/exporter"
	"github.com/vigil-ids/vigil/lib/codec"
	"github.com/vigil-ids/vigil/lib/ipc"
	"github.com/vigil-ids/vigil/lib/netutil"
	"github.com/vigil-ids/vigil/supervisor"
)

// requestTimeout bounds one request/response exchange.
const requestTimeout = 10 * time.Second

// Exporter is the part of the exporter the server reads.
type Exporter interface {
	Status() exporter.Status
}

// Workers is the part of the registry the server reads and stops.
type Workers interface {
	Snapshot() []supervisor.WorkerInfo
	Counts() map[string]int
	Stop(pid int) error
}

// Config configures a Server.
type Config struct {
	Exporter   Exporter
	Workers    Workers
	InstanceID string
	Version    string
	// Digest identifies the collector binary. Optional.
	Digest string
	Logger *slog.Logger
}

// Server answers control requests.
type Server struct {
	config Config
	logger *slog.Logger
}

// NewServer returns a Server.
func NewServer(config Config) *Server {
	return &Server{config: config, logger: config.Logger}
}

// Listen creates a Unix listener at socketPath, replacing a stale
// socket left by an earlier run.
func Listen(socketPath string) (net.Listener, error) {
	socketDir := filepath.Dir(socketPath)
	if err := os.MkdirAll(socketDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating socket directory %s: %w", socketDir, err)
	}
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, err
	}
	if err := os.Chmod(socketPath, 0o660); err != nil {
		listener.Close()
		return nil, fmt.Errorf("setting socket permissions: %w", err)
	}
	return listener, nil
}

// Serve accepts connections until ctx is done, then closes listener and
// waits for in-flight requests.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	var connections sync.WaitGroup
	defer connections.Wait()

	stop := context.AfterFunc(ctx, func() { listener.Close() })
	defer stop()

	s.logger.Info("control socket listening", "address", listener.Addr().String())
	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.logger.Error("accepting control connection", "error", err)
			continue
		}
		connections.Add(1)
		go func() {
			defer connections.Done()
			s.handleConnection(conn)
		}()
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(requestTimeout))

	decoder := codec.NewDecoder(conn)
	encoder := codec.NewEncoder(conn)

	var request ipc.Request
	if err := decoder.Decode(&request); err != nil {
		if netutil.IsExpectedClose(err) {
			s.logger.Debug("control client hung up before sending a request", "error", err)
			return
		}
		s.logger.Warn("decoding control request", "error", err)
		if err := encoder.Encode(ipc.Response{Error: "invalid request"}); err != nil {
			s.logger.Debug("encoding control error response", "error", err)
		}
		return
	}

	s.logger.Debug("control request", "action", request.Action, "pid", request.PID)
	response := s.Handle(request)
	if err := encoder.Encode(response); err != nil {
		if netutil.IsExpectedClose(err) {
			s.logger.Debug("control client hung up before the response", "action", request.Action, "error", err)
			return
		}
		s.logger.Warn("encoding control response", "action", request.Action, "error", err)
	}
}

// Handle answers one request.
func (s *Server) Handle(request ipc.Request) ipc.Response {
	switch request.Action {
	case ipc.ActionStatus:
		return ipc.Response{OK: true, Status: s.status()}

	case ipc.ActionListWorkers:
		return ipc.Response{OK: true, Workers: s.workers()}

	case ipc.ActionStopWorker:
		if request.PID <= 0 {
			return ipc.Response{Error: "pid is required"}
		}
		if err := s.config.Workers.Stop(request.PID); err != nil {
			return ipc.Response{Error: err.Error()}
		}
		s.logger.Info("module stopped by operator", "pid", request.PID)
		return ipc.Response{OK: true}

	default:
		return ipc.Response{Error: fmt.Sprintf("unknown action: %q", request.Action)}
	}
}

func (s *Server) status() *ipc.Status {
	exported := s.config.Exporter.Status()
	return &ipc.Status{
		InstanceID:  s.config.InstanceID,
		Version:     s.config.Version,
		Digest:      s.config.Digest,
		Exchange:    exported.Style,
		Oldest:      exported.Oldest,
		Newest:      exported.Newest,
		Outstanding: exported.Outstanding,
		Workers:     s.config.Workers.Counts(),
	}
}

func (s *Server) workers() []ipc.Worker {
	snapshot := s.config.Workers.Snapshot()
	rows := make([]ipc.Worker, len(snapshot))
	for i, info := range snapshot {
		rows[i] = ipc.Worker{
			PID:          info.PID,
			Path:         info.Path,
			ConfigFile:   info.ConfigFile,
			State:        info.State,
			SemaphoreKey: info.SemaphoreKey,
			Restarts:     info.Restarts,
			Digest:       info.Digest,
			StartedAt:    info.StartedAt,
		}
	}
	return rows
}
