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

// Package broker defines the abstract message broker the Broker Consumer
// pulls execution requests from — spec.md §6's "opaque structured record"
// contract. Implementations live in broker/memory (tests, single-node dev).
package broker

import (
	"context"
	"time"
)

// Message is one execution request pulled off the broker, matching
// spec.md §6's minimum field set.
type Message struct {
	ExecutionID    string
	WorkflowID     string // empty if script
	OrganizationID string
	CallerOrgID    string
	CodeRef        string
	Params         map[string]any
	TimeoutSeconds int
	IsScript       bool
	EnqueuedAt     time.Time

	// AckFunc/NackFunc are set by the Broker implementation that produced
	// this Message; callers use the Ack/Nack methods rather than these
	// fields directly.
	AckFunc  func() `json:"-"`
	NackFunc func() `json:"-"`
}

// Ack acknowledges successful handling of the message.
func (m *Message) Ack() {
	if m.AckFunc != nil {
		m.AckFunc()
	}
}

// Nack returns the message to the broker for redelivery.
func (m *Message) Nack() {
	if m.NackFunc != nil {
		m.NackFunc()
	}
}

// Broker is the abstract message broker interface.
type Broker interface {
	// Receive blocks until a message is available or ctx is cancelled.
	Receive(ctx context.Context) (*Message, error)

	// Len reports the number of messages currently queued, for the admin
	// "inspect queue" operation.
	Len() int

	// Peek returns a bounded, non-destructive snapshot of pending messages.
	Peek(n int) []Message

	// Close releases any underlying connection resources.
	Close() error
}
