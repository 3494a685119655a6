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

// Package breaker implements the Circuit Breaker & Blacklist: a
// sliding-window stuck-event counter backed by the key-value store, which
// auto-quarantines a workflow once it trips, plus the manual blacklist
// add/remove admin operations.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sony/gobreaker"

	"github.com/flowcore/engine/internal/engine/kv"
	"github.com/flowcore/engine/internal/engine/types"
)

// BlacklistStore is the narrow slice of the persistent Store this package
// needs. Any store.Store satisfies it structurally.
type BlacklistStore interface {
	GetBlacklistEntry(ctx context.Context, workflowID string) (*types.BlacklistEntry, error)
	UpsertBlacklistEntry(ctx context.Context, entry types.BlacklistEntry) error
	MarkBlacklistRemoved(ctx context.Context, workflowID, removedBy string) error
}

// Config configures the sliding-window threshold, per spec.md §6.
type Config struct {
	Threshold     int
	WindowMinutes int
}

func (c Config) withDefaults() Config {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.WindowMinutes <= 0 {
		c.WindowMinutes = 60
	}
	return c
}

// OnBlacklist is invoked whenever a workflow is newly quarantined
// (auto or manual), for the admin-notification side effect.
type OnBlacklist func(entry types.BlacklistEntry)

// Breaker is the Circuit Breaker & Blacklist component.
type Breaker struct {
	cfg    Config
	kv     kv.Store
	store  BlacklistStore
	notify OnBlacklist

	// infra wraps RecordStuck's kv Set/Keys calls so a flaky backend trips
	// open instead of causing false-positive blacklist storms. Persistent
	// store calls are not wrapped.
	infra *gobreaker.CircuitBreaker
}

// New creates a Breaker. notify may be nil.
func New(cfg Config, store kv.Store, bs BlacklistStore, notify OnBlacklist) *Breaker {
	infra := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "engine-breaker-infra",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Breaker{
		cfg:    cfg.withDefaults(),
		kv:     store,
		store:  bs,
		notify: notify,
		infra:  infra,
	}
}

func stuckKeyPrefix(workflowID string) string {
	return fmt.Sprintf("stuck:%s:", workflowID)
}

func stuckKey(workflowID string, at time.Time) string {
	return fmt.Sprintf("stuck:%s:%d", workflowID, at.UnixNano())
}

// RecordStuck implements spec.md §4.5's algorithm: record the event, count
// the live window, and trip the blacklist if the threshold is met. It is
// idempotent against concurrent stuck events for the same workflow — each
// event writes its own uniquely-timestamped key, and UpsertBlacklistEntry is
// a no-op once an active entry already exists.
func (b *Breaker) RecordStuck(ctx context.Context, workflowID string) error {
	now := time.Now()
	ttl := time.Duration(b.cfg.WindowMinutes) * time.Minute

	if _, err := b.infra.Execute(func() (any, error) {
		return nil, b.kv.Set(ctx, stuckKey(workflowID, now), []byte("1"), ttl)
	}); err != nil {
		return fmt.Errorf("breaker: record stuck event: %w", err)
	}

	raw, err := b.infra.Execute(func() (any, error) {
		return b.kv.Keys(ctx, stuckKeyPrefix(workflowID)+"*")
	})
	if err != nil {
		return fmt.Errorf("breaker: count stuck window: %w", err)
	}
	keys, _ := raw.([]string)

	if len(keys) < b.cfg.Threshold {
		return nil
	}

	existing, err := b.store.GetBlacklistEntry(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("breaker: check existing blacklist entry: %w", err)
	}
	if existing != nil && existing.Active() {
		return nil // already quarantined; idempotent no-op
	}

	entry := types.BlacklistEntry{
		WorkflowID:    workflowID,
		Reason:        fmt.Sprintf("auto:stuck:%d", len(keys)),
		BlacklistedAt: now,
		StuckCount:    len(keys),
	}
	if err := b.store.UpsertBlacklistEntry(ctx, entry); err != nil {
		return fmt.Errorf("breaker: upsert auto blacklist entry: %w", err)
	}

	if b.notify != nil {
		b.notify(entry)
	}
	return nil
}

// IsBlacklisted reports whether workflowID currently has an active
// blacklist entry. Scripts bypass this check entirely at the call site
// (spec.md §4.5's edge case), not inside Breaker.
func (b *Breaker) IsBlacklisted(ctx context.Context, workflowID string) (bool, error) {
	entry, err := b.store.GetBlacklistEntry(ctx, workflowID)
	if err != nil {
		return false, fmt.Errorf("breaker: get blacklist entry: %w", err)
	}
	return entry != nil && entry.Active(), nil
}

// AddManual quarantines workflowID by operator action.
func (b *Breaker) AddManual(ctx context.Context, workflowID, note, by string) error {
	existing, err := b.store.GetBlacklistEntry(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("breaker: check existing blacklist entry: %w", err)
	}
	if existing != nil && existing.Active() {
		return errors.New("breaker: workflow already blacklisted")
	}

	entry := types.BlacklistEntry{
		WorkflowID:    workflowID,
		Reason:        fmt.Sprintf("manual:%s", note),
		BlacklistedAt: time.Now(),
		BlacklistedBy: by,
	}
	if err := b.store.UpsertBlacklistEntry(ctx, entry); err != nil {
		return fmt.Errorf("breaker: upsert manual blacklist entry: %w", err)
	}
	if b.notify != nil {
		b.notify(entry)
	}
	return nil
}

// RemoveManual lifts the quarantine and clears the stuck counter, giving
// the workflow a fresh window per spec.md §4.5's "fresh start" rule.
func (b *Breaker) RemoveManual(ctx context.Context, workflowID, removedBy string) error {
	if err := b.store.MarkBlacklistRemoved(ctx, workflowID, removedBy); err != nil {
		return fmt.Errorf("breaker: mark blacklist removed: %w", err)
	}

	keys, err := b.kv.Keys(ctx, stuckKeyPrefix(workflowID)+"*")
	if err != nil {
		return fmt.Errorf("breaker: list stuck counters to clear: %w", err)
	}
	for _, k := range keys {
		if err := b.kv.Del(ctx, k); err != nil {
			return fmt.Errorf("breaker: clear stuck counter %s: %w", k, err)
		}
	}
	return nil
}
