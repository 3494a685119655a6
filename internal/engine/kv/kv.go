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

// Package kv defines the shared key-value store abstraction the engine uses
// for worker registrations, stuck-event counters, and telemetry pub/sub.
// Implementations live in kv/memory (for single-node/dev use) and kv/redis
// (for distributed deployments).
package kv

import (
	"context"
	"time"
)

// Store is the abstract key-value store interface consumed by the registry,
// circuit breaker, and broker consumer. Every key has a single logical
// writer, per the engine's shared-resource policy.
type Store interface {
	// Set stores value under key with the given TTL. A zero TTL means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Get retrieves the value stored under key. Returns ErrNotFound if absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)

	// Del removes key. Deleting an absent key is not an error.
	Del(ctx context.Context, key string) error

	// Keys returns all non-expired keys matching a glob-style pattern (e.g. "stuck:wf-1:*").
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Expire resets the TTL on an existing key. Returns ErrNotFound if the key is absent.
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// HSet stores a hash field under key.
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error

	// HGetAll retrieves all hash fields under key. Returns ErrNotFound if absent or expired.
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// Publish sends message on channel. Delivery is best-effort to current subscribers.
	Publish(ctx context.Context, channel string, message []byte) error

	// Subscribe returns a channel of messages published to channel. The returned
	// func cancels the subscription and closes the message channel.
	Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error)

	// Close releases any underlying connection resources.
	Close() error
}

// ErrNotFound is returned by Get/Expire/HGetAll when a key is absent or expired.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "kv: key not found" }
