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

// Command engined is the workflow execution core's worker-node daemon: it
// wires the Broker Consumer, Process Pool Manager, Circuit Breaker, and
// Worker Registry together and serves the admin control surface over HTTP.
// It owns no workflow execution logic itself — every operation described in
// spec.md is delegated to internal/engine/*; this file is composition only.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/flowcore/engine/internal/config"
	"github.com/flowcore/engine/internal/engine/api"
	"github.com/flowcore/engine/internal/engine/breaker"
	"github.com/flowcore/engine/internal/engine/broker"
	brokermem "github.com/flowcore/engine/internal/engine/broker/memory"
	"github.com/flowcore/engine/internal/engine/consumer"
	"github.com/flowcore/engine/internal/engine/kv"
	kvmem "github.com/flowcore/engine/internal/engine/kv/memory"
	kvredis "github.com/flowcore/engine/internal/engine/kv/redis"
	"github.com/flowcore/engine/internal/engine/orchestrator"
	"github.com/flowcore/engine/internal/engine/registry"
	"github.com/flowcore/engine/internal/engine/store"
	storemem "github.com/flowcore/engine/internal/engine/store/memory"
	storepg "github.com/flowcore/engine/internal/engine/store/postgres"
	"github.com/flowcore/engine/internal/engine/telemetry"
	"github.com/flowcore/engine/internal/engine/types"
	"github.com/flowcore/engine/internal/engine/worker"
	"github.com/flowcore/engine/internal/log"
	"github.com/flowcore/engine/pkg/security"
)

// Version information (injected via ldflags at build time).
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	var (
		configPath  = flag.String("config", "", "path to engine config YAML")
		listenAddr  = flag.String("listen", "", "admin control surface listen address")
		workerID    = flag.String("worker-id", "", "stable worker id for this node")
		showVersion = flag.Bool("version", false, "show version information")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("engined %s (commit: %s, built: %s)\n", version, commit, buildDate)
		return
	}

	logger := log.New(log.FromEnv())
	slog.SetDefault(logger)

	if *configPath != "" {
		for _, w := range security.CheckConfigPermissions(*configPath) {
			logger.Warn("config permission warning", "warning", w)
		}
	}

	cfg, err := config.LoadEngineConfig(*configPath)
	if err != nil {
		logger.Error("failed to load engine config", "error", err)
		os.Exit(1)
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *workerID != "" {
		cfg.WorkerID = *workerID
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = uuid.NewString()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("engined exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.EngineConfig, logger *slog.Logger) error {
	kvStore, err := newKVStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("engined: kv store: %w", err)
	}
	defer kvStore.Close()

	persistStore, err := newPersistentStore(cfg)
	if err != nil {
		return fmt.Errorf("engined: persistent store: %w", err)
	}

	br := newBroker(cfg)
	telem := telemetry.New(kvStore)

	completedTotal := new(int64)

	brk := breaker.New(breaker.Config{
		Threshold:     cfg.StuckThreshold,
		WindowMinutes: cfg.StuckWindowMinutes,
	}, kvStore, persistStore, func(entry types.BlacklistEntry) {
		logger.Warn("workflow auto-blacklisted", "workflow_id", entry.WorkflowID, "reason", entry.Reason)
		_ = telem.Publish(ctx, cfg.WorkerID, types.EventExecutionStuck, map[string]any{
			"workflow_id": entry.WorkflowID,
			"reason":      entry.Reason,
		})
	})

	var orch *orchestrator.Orchestrator

	spawner := func() (worker.ProcessHandle, error) {
		return worker.Spawn(ctx, cfg.WorkerBinary,
			"-thread-pool-size", itoa(cfg.ThreadPoolSize),
			"-execution-timeout-seconds", itoa(cfg.ExecutionTimeoutSeconds),
			"-cancel-grace-seconds", itoa(cfg.CancelGraceSeconds),
			"-recycle-after-executions", i64toa(cfg.RecycleAfterExecutions),
		)
	}

	var cons *consumer.Consumer

	orch, err = orchestrator.New(orchestrator.Config{
		MinWorkers: cfg.MinWorkers,
		MaxWorkers: cfg.MaxWorkers,
	}, spawner, func(result types.ResultMessage) {
		if result.Kind != types.StatusStuck {
			atomic.AddInt64(completedTotal, 1)
		}
		cons.HandleResult(result)
	})
	if err != nil {
		return fmt.Errorf("engined: orchestrator: %w", err)
	}

	cons = consumer.New(consumer.Config{WorkerID: cfg.WorkerID}, br, persistStore, persistStore, brk, orch, nil, telem, logger)

	reg := registry.New(registry.Config{
		WorkerID:              cfg.WorkerID,
		Hostname:              cfg.Hostname,
		HeartbeatIntervalSecs: cfg.HeartbeatIntervalSeconds,
	}, kvStore, func() registry.Snapshot {
		return buildSnapshot(orch, br, completedTotal)
	}, logger)

	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("engined: registry start: %w", err)
	}

	cmdCh, cancelCmds, err := reg.Commands(ctx)
	if err != nil {
		return fmt.Errorf("engined: subscribe commands: %w", err)
	}
	go watchCommands(ctx, cmdCh, orch, logger)

	heartbeatCache := api.NewHeartbeatCache(kvStore, logger)
	go func() {
		if err := heartbeatCache.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("heartbeat cache stopped", "error", err)
		}
	}()

	router := api.NewRouter(api.RouterConfig{Version: version})
	api.NewWorkersHandler(heartbeatCache, kvStore).RegisterRoutes(router.Mux())
	api.NewQueueHandler(br).RegisterRoutes(router.Mux())
	api.NewBlacklistHandler(persistStore, brk).RegisterRoutes(router.Mux())
	api.NewStuckHistoryHandler(persistStore).RegisterRoutes(router.Mux())

	httpServer := &http.Server{Addr: cfg.ListenAddr, Handler: router}
	serveErrCh := make(chan error, 1)
	go func() {
		logger.Info("admin control surface listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErrCh <- err
		}
	}()

	consumerErrCh := make(chan error, 1)
	go func() { consumerErrCh <- cons.Run(ctx) }()

	select {
	case <-ctx.Done():
	case err := <-serveErrCh:
		logger.Error("admin server failed", "error", err)
	case err := <-consumerErrCh:
		if err != nil {
			logger.Error("consumer stopped", "error", err)
		}
	}

	logger.Info("shutting down")
	cancelCmds()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	_ = httpServer.Shutdown(shutdownCtx)
	cancel()

	deregisterCtx, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	if err := reg.Shutdown(deregisterCtx); err != nil {
		logger.Warn("registry shutdown failed", "error", err)
	}

	if err := orch.Stop(time.Duration(cfg.GracefulShutdownSeconds) * time.Second); err != nil {
		logger.Warn("orchestrator stop deadline exceeded", "error", err)
	}

	return nil
}

func newKVStore(ctx context.Context, cfg *config.EngineConfig) (kv.Store, error) {
	switch cfg.KVBackend {
	case "redis":
		return kvredis.New(ctx, kvredis.Options{Addr: cfg.RedisAddr})
	default:
		return kvmem.New(), nil
	}
}

func newPersistentStore(cfg *config.EngineConfig) (store.Store, error) {
	switch cfg.StoreBackend {
	case "postgres":
		return storepg.New(storepg.Config{ConnectionString: cfg.PostgresDSN})
	default:
		return storemem.New(), nil
	}
}

// newBroker selects the broker implementation. Only the in-memory broker is
// wired in this module; spec.md's Non-goals exclude reimplementing a
// production broker, so cfg.BrokerBackend exists for forward compatibility
// but has no other case yet.
func newBroker(cfg *config.EngineConfig) broker.Broker {
	_ = cfg.BrokerBackend
	return brokermem.New()
}

// watchCommands forwards recycle_process commands published on this
// worker's commands channel (spec.md §6) to the Orchestrator. A shutdown
// command is logged and otherwise ignored.
func watchCommands(ctx context.Context, ch <-chan []byte, orch *orchestrator.Orchestrator, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-ch:
			if !ok {
				return
			}
			var cmd struct {
				Action string `json:"action"`
				PID    int    `json:"pid"`
				Reason string `json:"reason"`
			}
			if err := json.Unmarshal(body, &cmd); err != nil {
				logger.Warn("failed to decode admin command", "error", err)
				continue
			}
			switch cmd.Action {
			case "recycle_process":
				if err := orch.RecycleProcess(cmd.PID, cmd.Reason); err != nil {
					logger.Error("recycle failed", "pid", cmd.PID, "error", err)
				}
			case "shutdown":
				logger.Info("shutdown command received")
			}
		}
	}
}

func buildSnapshot(orch *orchestrator.Orchestrator, br broker.Broker, completedTotal *int64) registry.Snapshot {
	snaps := orch.Workers()
	processes := make([]registry.ProcessSnapshot, 0, len(snaps))
	for _, s := range snaps {
		executions := make([]registry.ExecutionSnapshot, 0, len(s.CurrentExecutions))
		for _, e := range s.CurrentExecutions {
			executions = append(executions, registry.ExecutionSnapshot{
				ExecutionID: e.ExecutionID,
				WorkflowID:  e.WorkflowID,
				ElapsedMS:   e.ElapsedMS,
				Status:      handleStatusTitle(e.Status),
			})
		}
		processes = append(processes, registry.ProcessSnapshot{
			PID:               s.PID,
			State:             s.State.String(),
			CurrentExecutions: executions,
		})
	}

	queued := br.Peek(50)
	queue := make([]registry.QueueItemSnapshot, 0, len(queued))
	for _, m := range queued {
		queue = append(queue, registry.QueueItemSnapshot{ExecutionID: m.ExecutionID, WorkflowID: m.WorkflowID})
	}

	return registry.Snapshot{
		Processes:           processes,
		ExecutionsCompleted: atomic.LoadInt64(completedTotal),
		Queue:               queue,
	}
}

// handleStatusTitle renders an execution's status the way spec.md names
// them in the heartbeat payload: Running, Cancelling, Stuck.
func handleStatusTitle(s types.HandleStatus) string {
	switch s {
	case types.HandleCancelling:
		return "Cancelling"
	case types.HandleStuck:
		return "Stuck"
	default:
		return "Running"
	}
}

func itoa(n int) string     { return fmt.Sprintf("%d", n) }
func i64toa(n int64) string { return fmt.Sprintf("%d", n) }
