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

package tracing

import (
	"context"
	"fmt"

	"github.com/flowcore/engine/pkg/observability"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ExecutionSpan wraps an OpenTelemetry span with execution-specific helpers.
type ExecutionSpan struct {
	span trace.Span
}

// StartExecution creates a root span for a workflow execution.
// This should be called when the broker consumer admits the request into the runner.
func StartExecution(ctx context.Context, tracer trace.Tracer, executionID, workflowID string) (context.Context, *ExecutionSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("execution.run: %s", workflowID),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("execution.workflow_id", workflowID),
			attribute.String("execution.id", executionID),
			attribute.String("span.type", "execution.run"),
		),
	)

	return ctx, &ExecutionSpan{span: span}
}

// StartWorkerStage creates a span for one stage of the worker process's handling
// of an execution: handshake, execute, or cleanup.
func StartWorkerStage(ctx context.Context, tracer trace.Tracer, workerID, stage string) (context.Context, *ExecutionSpan) {
	ctx, span := tracer.Start(ctx, fmt.Sprintf("worker.stage: %s", stage),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String("worker.id", workerID),
			attribute.String("worker.stage", stage),
			attribute.String("span.type", "worker.stage"),
		),
	)

	return ctx, &ExecutionSpan{span: span}
}

// SetAttributes adds key-value attributes to the span.
func (e *ExecutionSpan) SetAttributes(attrs map[string]any) {
	if e == nil || e.span == nil {
		return
	}

	var otelAttrs []attribute.KeyValue
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, toAttribute(k, v))
	}

	e.span.SetAttributes(otelAttrs...)
}

// AddEvent records a timestamped event within the span.
func (e *ExecutionSpan) AddEvent(name string, attrs map[string]any) {
	if e == nil || e.span == nil {
		return
	}

	var otelAttrs []attribute.KeyValue
	for k, v := range attrs {
		otelAttrs = append(otelAttrs, toAttribute(k, v))
	}

	e.span.AddEvent(name, trace.WithAttributes(otelAttrs...))
}

// RecordError records an error that occurred during execution.
func (e *ExecutionSpan) RecordError(err error) {
	if e == nil || e.span == nil || err == nil {
		return
	}

	e.span.RecordError(err)
	e.span.SetStatus(codes.Error, err.Error())
}

// SetStatus sets the span's final status.
func (e *ExecutionSpan) SetStatus(code observability.StatusCode, message string) {
	if e == nil || e.span == nil {
		return
	}

	var otelCode codes.Code
	switch code {
	case observability.StatusCodeOK:
		otelCode = codes.Ok
	case observability.StatusCodeError:
		otelCode = codes.Error
	default:
		otelCode = codes.Unset
	}

	e.span.SetStatus(otelCode, message)
}

// End marks the span as complete.
func (e *ExecutionSpan) End() {
	if e == nil || e.span == nil {
		return
	}

	e.span.End()
}

// SpanContext returns the span's trace context for propagation.
func (e *ExecutionSpan) SpanContext() trace.SpanContext {
	if e == nil || e.span == nil {
		return trace.SpanContext{}
	}

	return e.span.SpanContext()
}

// TraceID returns the trace ID as a string.
func (e *ExecutionSpan) TraceID() string {
	if e == nil || e.span == nil {
		return ""
	}

	return e.span.SpanContext().TraceID().String()
}

// SpanID returns the span ID as a string.
func (e *ExecutionSpan) SpanID() string {
	if e == nil || e.span == nil {
		return ""
	}

	return e.span.SpanContext().SpanID().String()
}
