package tracing

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// PoolSizer reports the current size of the worker process pool.
type PoolSizer interface {
	PoolSize() int
	ActiveWorkerCount() int
	DrainingWorkerCount() int
}

// QueueDepther reports the current depth of the broker queue.
type QueueDepther interface {
	QueueDepth() int
}

// MetricsCollector collects Prometheus-compatible metrics for the execution engine.
type MetricsCollector struct {
	meter metric.Meter

	// Counters
	executionsTotal metric.Int64Counter
	stuckTotal      metric.Int64Counter
	blacklistTotal  metric.Int64Counter
	recyclesTotal   metric.Int64Counter

	// Histograms
	executionDuration metric.Float64Histogram
	admissionWait     metric.Float64Histogram

	// Gauges (using observable gauges)
	activeExecutions   map[string]bool
	activeExecutionsMu sync.RWMutex
	queueDepth         int64
	queueDepthMu       sync.RWMutex

	poolSizer    PoolSizer
	poolSizerMu  sync.RWMutex
	queueDepther QueueDepther
	queueMu      sync.RWMutex
}

// NewMetricsCollector creates a new metrics collector using the given meter provider.
func NewMetricsCollector(meterProvider metric.MeterProvider) (*MetricsCollector, error) {
	meter := meterProvider.Meter("engine")

	mc := &MetricsCollector{
		meter:            meter,
		activeExecutions: make(map[string]bool),
	}

	var err error

	mc.executionsTotal, err = meter.Int64Counter(
		"engine_executions_total",
		metric.WithDescription("Total number of workflow executions completed"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	mc.stuckTotal, err = meter.Int64Counter(
		"engine_stuck_total",
		metric.WithDescription("Total number of executions that transitioned to Stuck"),
		metric.WithUnit("{execution}"),
	)
	if err != nil {
		return nil, err
	}

	mc.blacklistTotal, err = meter.Int64Counter(
		"engine_blacklist_total",
		metric.WithDescription("Total number of workflows auto-quarantined by the circuit breaker"),
		metric.WithUnit("{workflow}"),
	)
	if err != nil {
		return nil, err
	}

	mc.recyclesTotal, err = meter.Int64Counter(
		"engine_worker_recycles_total",
		metric.WithDescription("Total number of worker processes recycled after their execution budget"),
		metric.WithUnit("{worker}"),
	)
	if err != nil {
		return nil, err
	}

	mc.executionDuration, err = meter.Float64Histogram(
		"engine_execution_duration_seconds",
		metric.WithDescription("Workflow execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	mc.admissionWait, err = meter.Float64Histogram(
		"engine_admission_wait_seconds",
		metric.WithDescription("Time an execution request spent queued before admission"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"engine_active_executions",
		metric.WithDescription("Number of currently active workflow executions"),
		metric.WithUnit("{execution}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.activeExecutionsMu.RLock()
			count := len(mc.activeExecutions)
			mc.activeExecutionsMu.RUnlock()
			observer.Observe(int64(count))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"engine_queue_depth",
		metric.WithDescription("Number of pending execution requests in the broker queue"),
		metric.WithUnit("{request}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.queueMu.RLock()
			depther := mc.queueDepther
			mc.queueMu.RUnlock()
			if depther != nil {
				observer.Observe(int64(depther.QueueDepth()))
				return nil
			}
			mc.queueDepthMu.RLock()
			depth := mc.queueDepth
			mc.queueDepthMu.RUnlock()
			observer.Observe(depth)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"engine_pool_size",
		metric.WithDescription("Total number of worker processes in the pool"),
		metric.WithUnit("{worker}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.poolSizerMu.RLock()
			sizer := mc.poolSizer
			mc.poolSizerMu.RUnlock()
			if sizer != nil {
				observer.Observe(int64(sizer.PoolSize()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"engine_workers_active",
		metric.WithDescription("Number of worker processes in the Active state"),
		metric.WithUnit("{worker}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.poolSizerMu.RLock()
			sizer := mc.poolSizer
			mc.poolSizerMu.RUnlock()
			if sizer != nil {
				observer.Observe(int64(sizer.ActiveWorkerCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"engine_workers_draining",
		metric.WithDescription("Number of worker processes in the Draining state"),
		metric.WithUnit("{worker}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			mc.poolSizerMu.RLock()
			sizer := mc.poolSizer
			mc.poolSizerMu.RUnlock()
			if sizer != nil {
				observer.Observe(int64(sizer.DrainingWorkerCount()))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"engine_goroutines",
		metric.WithDescription("Number of active goroutines"),
		metric.WithUnit("{goroutine}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			observer.Observe(int64(runtime.NumGoroutine()))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"engine_heap_bytes",
		metric.WithDescription("Current heap allocation in bytes"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			var m runtime.MemStats
			runtime.ReadMemStats(&m)
			observer.Observe(int64(m.HeapAlloc))
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return mc, nil
}

// RecordExecutionStart records the admission of an execution into a worker process.
func (mc *MetricsCollector) RecordExecutionStart(ctx context.Context, executionID string) {
	mc.activeExecutionsMu.Lock()
	mc.activeExecutions[executionID] = true
	mc.activeExecutionsMu.Unlock()
}

// RecordExecutionComplete records the terminal outcome of an execution.
// status is one of "completed", "failed", "cancelled", or "stuck".
func (mc *MetricsCollector) RecordExecutionComplete(ctx context.Context, executionID, workflowID, status string, duration time.Duration) {
	mc.activeExecutionsMu.Lock()
	delete(mc.activeExecutions, executionID)
	mc.activeExecutionsMu.Unlock()

	attrs := []attribute.KeyValue{
		attribute.String("workflow", workflowID),
		attribute.String("status", status),
	}

	mc.executionsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	mc.executionDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))

	if status == "stuck" {
		mc.stuckTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("workflow", workflowID)))
	}
}

// RecordAdmissionWait records how long an execution request waited in queue before admission.
func (mc *MetricsCollector) RecordAdmissionWait(ctx context.Context, wait time.Duration) {
	mc.admissionWait.Record(ctx, wait.Seconds())
}

// RecordBlacklist records a workflow entering the blacklist via the circuit breaker.
func (mc *MetricsCollector) RecordBlacklist(ctx context.Context, workflowID, orgID, reason string) {
	mc.blacklistTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("workflow", workflowID),
		attribute.String("org", orgID),
		attribute.String("reason", reason),
	))
}

// RecordWorkerRecycle records a worker process being recycled after exhausting its execution budget.
func (mc *MetricsCollector) RecordWorkerRecycle(ctx context.Context, workerID, reason string) {
	mc.recyclesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// IncrementQueueDepth increments the pending execution queue depth.
// Only used when no QueueDepther has been registered via SetQueueDepther.
func (mc *MetricsCollector) IncrementQueueDepth() {
	mc.queueDepthMu.Lock()
	mc.queueDepth++
	mc.queueDepthMu.Unlock()
}

// DecrementQueueDepth decrements the pending execution queue depth.
func (mc *MetricsCollector) DecrementQueueDepth() {
	mc.queueDepthMu.Lock()
	if mc.queueDepth > 0 {
		mc.queueDepth--
	}
	mc.queueDepthMu.Unlock()
}

// SetPoolSizer registers the orchestrator's pool as the source of worker-count gauges.
func (mc *MetricsCollector) SetPoolSizer(sizer PoolSizer) {
	mc.poolSizerMu.Lock()
	mc.poolSizer = sizer
	mc.poolSizerMu.Unlock()
}

// SetQueueDepther registers the broker as the source of the queue depth gauge.
func (mc *MetricsCollector) SetQueueDepther(depther QueueDepther) {
	mc.queueMu.Lock()
	mc.queueDepther = depther
	mc.queueMu.Unlock()
}
