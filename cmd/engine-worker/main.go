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

// Command engine-worker is a Worker Process: it hosts a bounded pool of
// Runners and speaks the length-prefixed JSON-lines wire protocol over its
// own stdin/stdout. It is spawned by the Orchestrator, never run directly
// by an operator. Logs go to stderr; stdout is reserved for the wire
// protocol.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/flowcore/engine/internal/engine/runner"
	"github.com/flowcore/engine/internal/engine/sandbox/script"
	"github.com/flowcore/engine/internal/engine/types"
	"github.com/flowcore/engine/internal/engine/wire"
	"github.com/flowcore/engine/internal/engine/worker"
	"github.com/flowcore/engine/internal/log"
)

func main() {
	threadPoolSize := flag.Int("thread-pool-size", 4, "max concurrent executions")
	executionTimeout := flag.Int("execution-timeout-seconds", 300, "default execution timeout")
	cancelGrace := flag.Int("cancel-grace-seconds", 10, "grace period after cancel_signal before declaring Stuck")
	recycleAfter := flag.Int64("recycle-after-executions", 0, "exit after N completed executions (0 = never)")
	flag.Parse()

	logger := log.New(log.DefaultConfig())

	rnr := runner.New(script.New())
	proc := worker.NewProcess(os.Getpid(), rnr, worker.Config{
		ThreadPoolSize:   *threadPoolSize,
		ExecutionTimeout: time.Duration(*executionTimeout) * time.Second,
		CancelGraceSecs:  time.Duration(*cancelGrace) * time.Second,
		RecycleAfter:     *recycleAfter,
	})

	w := wire.NewWriter(os.Stdout)
	r := wire.NewReader(os.Stdin)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	go forwardOutbound(proc, w, logger)
	go readControl(ctx, proc, r, logger)

	select {
	case <-proc.Done():
	case <-ctx.Done():
		proc.Shutdown()
		<-proc.Done()
	}
}

func forwardOutbound(proc *worker.Process, w *wire.Writer, logger interface {
	Error(msg string, args ...any)
}) {
	for {
		select {
		case result, ok := <-proc.Results():
			if !ok {
				return
			}
			if err := w.Write(wire.TypeResult, resultToWire(result)); err != nil {
				logger.Error("failed to write result frame", "error", err)
				return
			}
		case sc, ok := <-proc.StateChanges():
			if !ok {
				return
			}
			if err := w.Write(wire.TypeStateChange, wire.StateChangePayload{
				NewState: sc.NewState.String(),
				Reason:   sc.Reason,
			}); err != nil {
				logger.Error("failed to write state change frame", "error", err)
				return
			}
			if sc.NewState == types.ProcessExiting {
				return
			}
		case es, ok := <-proc.ExecutionStatusChanges():
			if !ok {
				return
			}
			if err := w.Write(wire.TypeExecutionStatus, wire.ExecutionStatusPayload{
				ExecutionID: es.ExecutionID,
				Status:      es.Status.String(),
			}); err != nil {
				logger.Error("failed to write execution status frame", "error", err)
				return
			}
		case <-proc.Done():
			return
		}
	}
}

func readControl(ctx context.Context, proc *worker.Process, r *wire.Reader, logger interface {
	Warn(msg string, args ...any)
}) {
	for {
		env, err := r.Read()
		if err != nil {
			proc.Shutdown()
			return
		}

		switch env.Type {
		case wire.TypeDispatch:
			var dp wire.DispatchPayload
			if wire.Decode(env, &dp) != nil {
				continue
			}
			req := types.ExecutionRequest{
				ExecutionID:    dp.ExecutionID,
				WorkflowID:     dp.WorkflowID,
				CodeRef:        dp.CodeRef,
				Params:         dp.Params,
				TimeoutSeconds: dp.TimeoutSecs,
			}
			if err := proc.Dispatch(req, dp.WorkflowOrgID); err != nil {
				logger.Warn("dispatch rejected", "execution_id", dp.ExecutionID, "error", err)
			}
		case wire.TypeRecycle:
			var rp wire.RecyclePayload
			if wire.Decode(env, &rp) == nil {
				proc.Recycle(rp.Reason)
			}
		case wire.TypeShutdown:
			proc.Shutdown()
		}

		if ctx.Err() != nil {
			return
		}
	}
}

func resultToWire(r types.ResultMessage) wire.ResultPayload {
	kind := "failure"
	switch r.Kind {
	case types.StatusSuccess:
		kind = "success"
	case types.StatusStuck:
		kind = "stuck"
	}
	return wire.ResultPayload{
		Kind:         kind,
		ExecutionID:  r.ExecutionID,
		Payload:      r.Payload,
		ErrorKind:    string(r.ErrorKind),
		ErrorMessage: r.ErrorMessage,
		DurationMS:   r.DurationMS,
		ElapsedMS:    r.ElapsedMS,
	}
}
