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

// Package memory is an in-memory broker.Broker for tests and single-node
// dev use, adapted from the teacher's priority job queue.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/flowcore/engine/internal/engine/broker"
)

// ErrClosed is returned by operations on a closed Broker.
var ErrClosed = errors.New("broker/memory: closed")

// Broker is an in-memory, priority-ordered broker.Broker.
type Broker struct {
	mu       sync.Mutex
	messages []queuedMessage
	signal   chan struct{}
	closed   bool
}

type queuedMessage struct {
	msg      broker.Message
	priority int
}

// New creates an empty Broker.
func New() *Broker {
	return &Broker{signal: make(chan struct{}, 1)}
}

// Enqueue adds msg to the queue; higher priority is delivered first.
func (b *Broker) Enqueue(msg broker.Message, priority int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}

	qm := queuedMessage{msg: msg, priority: priority}
	inserted := false
	for i, existing := range b.messages {
		if priority > existing.priority {
			b.messages = append(b.messages[:i], append([]queuedMessage{qm}, b.messages[i:]...)...)
			inserted = true
			break
		}
	}
	if !inserted {
		b.messages = append(b.messages, qm)
	}

	select {
	case b.signal <- struct{}{}:
	default:
	}
	return nil
}

// Receive implements broker.Broker.
func (b *Broker) Receive(ctx context.Context) (*broker.Message, error) {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return nil, ErrClosed
		}
		if len(b.messages) > 0 {
			qm := b.messages[0]
			b.messages = b.messages[1:]
			b.mu.Unlock()

			msg := qm.msg
			priority := qm.priority
			msg.AckFunc = func() {}
			msg.NackFunc = func() { _ = b.Enqueue(msg, priority) }
			return &msg, nil
		}
		b.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.signal:
		}
	}
}

// Len implements broker.Broker.
func (b *Broker) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.messages)
}

// Peek implements broker.Broker.
func (b *Broker) Peek(n int) []broker.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > len(b.messages) {
		n = len(b.messages)
	}
	out := make([]broker.Message, n)
	for i := 0; i < n; i++ {
		out[i] = b.messages[i].msg
	}
	return out
}

// Close implements broker.Broker.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	close(b.signal)
	return nil
}

var _ broker.Broker = (*Broker)(nil)
