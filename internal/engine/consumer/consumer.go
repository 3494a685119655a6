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

// Package consumer implements the Broker Consumer: it translates inbound
// broker messages into Orchestrator.Route calls, enforces blacklist
// admission, and finalizes results reported via the Orchestrator's
// OnResult callback into terminal records — spec.md §4.4.
package consumer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/flowcore/engine/internal/engine/broker"
	engineerrors "github.com/flowcore/engine/internal/engine/errors"
	"github.com/flowcore/engine/internal/engine/store"
	"github.com/flowcore/engine/internal/engine/telemetry"
	"github.com/flowcore/engine/internal/engine/types"
)

// WorkflowLoader resolves a workflow's stored definition.
type WorkflowLoader interface {
	LoadWorkflow(ctx context.Context, workflowID string) (*store.WorkflowDef, error)
}

// TerminalWriter persists execution outcomes.
type TerminalWriter interface {
	WriteExecutionTerminal(ctx context.Context, record types.ExecutionResultRecord) error
}

// BlacklistGate is the narrow breaker surface the Consumer needs: admission
// checks and stuck notification.
type BlacklistGate interface {
	IsBlacklisted(ctx context.Context, workflowID string) (bool, error)
	RecordStuck(ctx context.Context, workflowID string) error
}

// Router dispatches an admitted request to a Worker Process, matching
// orchestrator.Orchestrator's Route method.
type Router interface {
	Route(req types.ExecutionRequest, workflowOrgID string) error
}

// Prewarmer warms any caches a workflow is likely to need before dispatch.
// A failure here is logged and swallowed; it never blocks admission.
type Prewarmer interface {
	Prewarm(ctx context.Context, req types.ExecutionRequest) error
}

// Config configures retry behavior for terminal-record writes and
// per-workflow admission throttling.
type Config struct {
	WorkerID       string
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration

	// AdmissionRatePerWorkflow bounds how many executions of a single
	// workflow may be admitted per second, smoothing the burst a single
	// noisy or looping workflow can push into the pool. Excess admissions
	// wait rather than fail, so a burst is delayed, not dropped.
	AdmissionRatePerWorkflow  float64
	AdmissionBurstPerWorkflow int
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 5
	}
	if c.RetryBaseDelay <= 0 {
		c.RetryBaseDelay = 100 * time.Millisecond
	}
	if c.RetryMaxDelay <= 0 {
		c.RetryMaxDelay = 5 * time.Second
	}
	if c.AdmissionRatePerWorkflow <= 0 {
		c.AdmissionRatePerWorkflow = 50
	}
	if c.AdmissionBurstPerWorkflow <= 0 {
		c.AdmissionBurstPerWorkflow = 100
	}
	return c
}

// Consumer is the Broker Consumer.
type Consumer struct {
	cfg       Config
	br        broker.Broker
	workflows WorkflowLoader
	terminals TerminalWriter
	blacklist BlacklistGate
	router    Router
	prewarm   Prewarmer // nil-able
	telem     *telemetry.Publisher
	logger    *slog.Logger

	mu      sync.Mutex
	pending map[string]pendingExecution

	limiterMu sync.Mutex
	limiters  map[string]*rate.Limiter
}

type pendingExecution struct {
	msg          *broker.Message
	dispatchedAt time.Time
}

// New creates a Consumer. prewarm may be nil to skip prewarming entirely.
func New(cfg Config, br broker.Broker, workflows WorkflowLoader, terminals TerminalWriter, blacklist BlacklistGate, router Router, prewarm Prewarmer, telem *telemetry.Publisher, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:       cfg.withDefaults(),
		br:        br,
		workflows: workflows,
		terminals: terminals,
		blacklist: blacklist,
		router:    router,
		prewarm:   prewarm,
		telem:     telem,
		logger:    logger.With("component", "consumer"),
		pending:   make(map[string]pendingExecution),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// limiterFor returns the per-workflow rate limiter, creating it on first use.
func (c *Consumer) limiterFor(workflowID string) *rate.Limiter {
	c.limiterMu.Lock()
	defer c.limiterMu.Unlock()
	l, ok := c.limiters[workflowID]
	if !ok {
		l = rate.NewLimiter(rate.Limit(c.cfg.AdmissionRatePerWorkflow), c.cfg.AdmissionBurstPerWorkflow)
		c.limiters[workflowID] = l
	}
	return l
}

// Run blocks on the broker's Receive, dispatching each message to its own
// admission goroutine so the receive loop is never blocked by downstream
// work, per spec.md §5's "Consumer blocks only on the broker's message
// receive" rule. Run returns nil when ctx is cancelled, but only after every
// admission goroutine it started has returned, so shutdown never abandons
// an in-flight admit mid-write.
func (c *Consumer) Run(ctx context.Context) error {
	var g errgroup.Group
	for {
		msg, err := c.br.Receive(ctx)
		if err != nil {
			g.Wait()
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		msg := msg
		g.Go(func() error {
			c.admit(ctx, msg)
			return nil
		})
	}
}

func (c *Consumer) admit(ctx context.Context, msg *broker.Message) {
	req := types.ExecutionRequest{
		ExecutionID:    msg.ExecutionID,
		WorkflowID:     msg.WorkflowID,
		OrganizationID: msg.OrganizationID,
		CallerOrgID:    msg.CallerOrgID,
		CodeRef:        msg.CodeRef,
		Params:         msg.Params,
		TimeoutSeconds: msg.TimeoutSeconds,
		IsScript:       msg.IsScript,
		EnqueuedAt:     msg.EnqueuedAt,
	}
	logger := c.logger.With("execution_id", req.ExecutionID, "workflow_id", req.WorkflowID)

	if req.TimeoutSeconds <= 0 {
		c.writeValidationFailure(ctx, req, &engineerrors.ValidationError{
			Field:   "timeout_seconds",
			Message: "timeout_seconds must be greater than 0",
		})
		msg.Ack()
		return
	}

	workflowOrgID := req.OrganizationID

	if !req.IsScript {
		if err := c.limiterFor(req.WorkflowID).Wait(ctx); err != nil {
			logger.Warn("admission throttling wait aborted", "error", err)
			return
		}

		blocked, err := c.blacklist.IsBlacklisted(ctx, req.WorkflowID)
		if err != nil {
			logger.Warn("blacklist check failed, admitting execution", "error", err)
		} else if blocked {
			c.writeBlocked(ctx, req)
			msg.Ack()
			return
		}

		def, err := c.workflows.LoadWorkflow(ctx, req.WorkflowID)
		if err != nil {
			logger.Error("failed to load workflow definition", "error", err)
			c.writeValidationFailure(ctx, req, err)
			msg.Ack()
			return
		}
		workflowOrgID = def.OrganizationID
		if req.CodeRef == "" {
			req.CodeRef = def.CodeRef
		}
	}

	if c.prewarm != nil {
		if err := c.prewarm.Prewarm(ctx, req); err != nil {
			logger.Warn("prewarm failed, proceeding without it", "error", err)
		}
	}

	c.mu.Lock()
	c.pending[req.ExecutionID] = pendingExecution{msg: msg, dispatchedAt: time.Now()}
	c.mu.Unlock()

	if err := c.router.Route(req, workflowOrgID); err != nil {
		logger.Error("failed to route execution", "error", err)
		c.mu.Lock()
		delete(c.pending, req.ExecutionID)
		c.mu.Unlock()
		c.writeRuntimeFailure(ctx, req, err)
		msg.Ack()
	}
}

// HandleResult implements orchestrator.OnResult: it maps a ResultMessage to
// a terminal record per spec.md §4.4's finalization rules, writes it with
// bounded retry, publishes telemetry, and acks or nacks the original
// broker message.
func (c *Consumer) HandleResult(result types.ResultMessage) {
	ctx := context.Background()

	c.mu.Lock()
	pe, ok := c.pending[result.ExecutionID]
	delete(c.pending, result.ExecutionID)
	c.mu.Unlock()

	logger := c.logger.With("execution_id", result.ExecutionID)

	record := toTerminalRecord(pe, result)

	if result.Kind == types.StatusStuck {
		if err := c.blacklist.RecordStuck(ctx, record.WorkflowID); err != nil {
			logger.Error("failed to record stuck event", "error", err)
		}
	}

	if err := c.writeWithRetry(ctx, record); err != nil {
		logger.Error("surrendering terminal record write after retries", "error", err)
		if ok {
			pe.msg.Nack()
		}
		return
	}

	if c.telem != nil {
		_ = c.telem.Publish(ctx, c.cfg.WorkerID, types.EventProcessStateChange, map[string]any{
			"execution_id": result.ExecutionID,
			"status":       record.Status.String(),
		})
	}

	if ok {
		pe.msg.Ack()
	}
}

func toTerminalRecord(pe pendingExecution, result types.ResultMessage) types.ExecutionResultRecord {
	var workflowID string
	if pe.msg != nil {
		workflowID = pe.msg.WorkflowID
	}
	rec := types.ExecutionResultRecord{
		ExecutionID:   result.ExecutionID,
		WorkflowID:    workflowID,
		ResultPayload: result.Payload,
		ErrorType:     result.ErrorKind,
		ErrorMessage:  result.ErrorMessage,
		DurationMS:    result.DurationMS,
		StartedAt:     pe.dispatchedAt,
		FinishedAt:    time.Now(),
	}

	switch result.Kind {
	case types.StatusSuccess:
		rec.Status = types.StatusSuccess
	case types.StatusStuck:
		rec.Status = types.StatusStuck
	case types.StatusFailed:
		switch result.ErrorKind {
		case types.ErrorKindTimeout:
			rec.Status = types.StatusTimeout
		case types.ErrorKindCancelled:
			rec.Status = types.StatusCancelled
		default:
			rec.Status = types.StatusFailed
		}
	default:
		rec.Status = result.Kind
	}
	return rec
}

func (c *Consumer) writeWithRetry(ctx context.Context, record types.ExecutionResultRecord) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if err := c.terminals.WriteExecutionTerminal(ctx, record); err != nil {
			lastErr = err
			select {
			case <-time.After(c.backoff(attempt)):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (c *Consumer) backoff(attempt int) time.Duration {
	d := c.cfg.RetryBaseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if d > c.cfg.RetryMaxDelay {
		d = c.cfg.RetryMaxDelay
	}
	return d
}

func (c *Consumer) writeBlocked(ctx context.Context, req types.ExecutionRequest) {
	err := &engineerrors.BlacklistedError{WorkflowID: req.WorkflowID, Reason: "active blacklist entry"}
	rec := types.ExecutionResultRecord{
		ExecutionID:  req.ExecutionID,
		WorkflowID:   req.WorkflowID,
		Status:       types.StatusBlocked,
		ErrorType:    types.ErrorKindBlacklisted,
		ErrorMessage: err.Error(),
		StartedAt:    req.EnqueuedAt,
		FinishedAt:   time.Now(),
	}
	if writeErr := c.writeWithRetry(ctx, rec); writeErr != nil {
		c.logger.Error("failed to write blocked terminal record", "execution_id", req.ExecutionID, "error", writeErr)
	}
}

func (c *Consumer) writeValidationFailure(ctx context.Context, req types.ExecutionRequest, cause error) {
	rec := types.ExecutionResultRecord{
		ExecutionID:  req.ExecutionID,
		WorkflowID:   req.WorkflowID,
		Status:       types.StatusFailed,
		ErrorType:    types.ErrorKindValidation,
		ErrorMessage: cause.Error(),
		StartedAt:    req.EnqueuedAt,
		FinishedAt:   time.Now(),
	}
	if writeErr := c.writeWithRetry(ctx, rec); writeErr != nil {
		c.logger.Error("failed to write validation-failure terminal record", "execution_id", req.ExecutionID, "error", writeErr)
	}
}

func (c *Consumer) writeRuntimeFailure(ctx context.Context, req types.ExecutionRequest, cause error) {
	rec := types.ExecutionResultRecord{
		ExecutionID:  req.ExecutionID,
		WorkflowID:   req.WorkflowID,
		Status:       types.StatusFailed,
		ErrorType:    types.ErrorKindRuntime,
		ErrorMessage: cause.Error(),
		StartedAt:    req.EnqueuedAt,
		FinishedAt:   time.Now(),
	}
	if writeErr := c.writeWithRetry(ctx, rec); writeErr != nil {
		c.logger.Error("failed to write route-failure terminal record", "execution_id", req.ExecutionID, "error", writeErr)
	}
}
