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

/*
Package tracing provides distributed tracing and observability for the
execution engine.

This package implements OpenTelemetry-based tracing for execution admission,
worker process stages, and admin API HTTP requests. It also provides
Prometheus metrics collection and correlation ID propagation for distributed
debugging across the orchestrator, broker consumer, and worker processes.

# Overview

The tracing package supports:

  - Distributed tracing via OpenTelemetry
  - Prometheus metrics export
  - Correlation ID propagation across services
  - Execution and worker-stage span creation

# Quick Start

Create an OTel provider:

	cfg := tracing.Config{
	    Enabled:        true,
	    ServiceName:    "engine-orchestrator",
	    ServiceVersion: "1.0.0",
	    Sampling: tracing.SamplingConfig{
	        Enabled: true,
	        Rate: 0.1, // 10% sampling
	    },
	}

	provider, err := tracing.NewOTelProviderWithConfig(cfg)

Get a tracer and create spans:

	tracer := provider.Tracer("engine.orchestrator")

	ctx, span := tracer.Start(ctx, "admit-execution",
	    observability.WithAttributes(map[string]any{
	        "execution.id": executionID,
	    }),
	)
	defer span.End()

# Correlation IDs

Correlation IDs link requests across service boundaries:

	// In HTTP middleware
	correlationID := tracing.FromContext(ctx)

	// Add to outbound requests
	req.Header.Set("X-Correlation-ID", string(correlationID))

	// Middleware extracts and injects
	handler = tracing.CorrelationMiddleware(handler)

# Metrics Collection

Prometheus metrics are collected:

	// Get metrics collector
	collector := provider.MetricsCollector()

	// Record events
	collector.RecordExecutionStart(ctx, executionID)
	collector.RecordExecutionComplete(ctx, executionID, workflowID, "completed", duration)

Metrics served by provider.MetricsHandler() (not mounted on any router
in this module):

  - engine_executions_total{workflow,status}
  - engine_execution_duration_seconds{workflow,status}
  - engine_stuck_total{workflow}
  - engine_blacklist_total{workflow,org,reason}
  - engine_active_executions
  - engine_queue_depth
  - engine_pool_size / engine_workers_active / engine_workers_draining

# Configuration

Full configuration options:

	telemetry:
	  enabled: true
	  service_name: engine-orchestrator
	  sampling:
	    type: ratio
	    rate: 0.1
	    always_sample_errors: true
	  exporters:
	    - type: otlp
	      endpoint: localhost:4317

# Key Components

  - OTelProvider: OpenTelemetry SDK wrapper
  - MetricsCollector: Prometheus metrics recording
  - CorrelationID: Request correlation across services
  - Sampler: Configurable trace sampling
  - Exporter: Trace export to backends (OTLP, stdout)
*/
package tracing
