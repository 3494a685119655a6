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

// Package telemetry wraps the key-value store's Publish call for the
// worker telemetry channel ("platform_workers"), JSON-encoding the five
// event types from spec.md §6. It is shared by the Worker Registry, the
// Circuit Breaker, and the Broker Consumer so every component emits the
// same envelope shape to the same channel.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/flowcore/engine/internal/engine/kv"
	"github.com/flowcore/engine/internal/engine/types"
)

// Channel is the worker telemetry pub/sub channel name.
const Channel = "platform_workers"

// Publisher publishes TelemetryEvents to Channel.
type Publisher struct {
	kv kv.Store
}

// New creates a Publisher over store.
func New(store kv.Store) *Publisher {
	return &Publisher{kv: store}
}

// Publish marshals and publishes a TelemetryEvent of the given type for workerID.
func (p *Publisher) Publish(ctx context.Context, workerID string, typ types.TelemetryEventType, payload map[string]any) error {
	event := types.TelemetryEvent{
		Type:      typ,
		WorkerID:  workerID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("telemetry: marshal event: %w", err)
	}
	return p.kv.Publish(ctx, Channel, body)
}

// RawPayload wraps an already-marshalled JSON body (e.g. a heartbeat
// snapshot) under "snapshot" so it can be embedded in a TelemetryEvent's
// Payload without double-encoding.
func RawPayload(body []byte) map[string]any {
	return map[string]any{"snapshot": json.RawMessage(body)}
}
