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

package breaker

import (
	"context"
	"sync"
	"testing"

	"github.com/flowcore/engine/internal/engine/kv/memory"
	"github.com/flowcore/engine/internal/engine/types"
)

type fakeStore struct {
	mu      sync.Mutex
	entries map[string]*types.BlacklistEntry
}

func newFakeStore() *fakeStore {
	return &fakeStore{entries: make(map[string]*types.BlacklistEntry)}
}

func (f *fakeStore) GetBlacklistEntry(ctx context.Context, workflowID string) (*types.BlacklistEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[workflowID]
	if !ok {
		return nil, nil
	}
	cp := *e
	return &cp, nil
}

func (f *fakeStore) UpsertBlacklistEntry(ctx context.Context, entry types.BlacklistEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if existing, ok := f.entries[entry.WorkflowID]; ok && existing.Active() {
		return nil // idempotent: already quarantined
	}
	cp := entry
	f.entries[entry.WorkflowID] = &cp
	return nil
}

func (f *fakeStore) MarkBlacklistRemoved(ctx context.Context, workflowID, removedBy string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[workflowID]
	if !ok {
		return nil
	}
	now := e.BlacklistedAt
	e.RemovedAt = &now
	e.RemovedBy = removedBy
	return nil
}

func TestRecordStuck_TripsAtThreshold(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	bs := newFakeStore()

	var notified []types.BlacklistEntry
	b := New(Config{Threshold: 3, WindowMinutes: 60}, store, bs, func(e types.BlacklistEntry) {
		notified = append(notified, e)
	})

	for i := 0; i < 2; i++ {
		if err := b.RecordStuck(ctx, "wf-1"); err != nil {
			t.Fatalf("RecordStuck: %v", err)
		}
	}
	blacklisted, err := b.IsBlacklisted(ctx, "wf-1")
	if err != nil {
		t.Fatalf("IsBlacklisted: %v", err)
	}
	if blacklisted {
		t.Fatal("expected not yet blacklisted before threshold")
	}

	if err := b.RecordStuck(ctx, "wf-1"); err != nil {
		t.Fatalf("RecordStuck (3rd): %v", err)
	}

	blacklisted, err = b.IsBlacklisted(ctx, "wf-1")
	if err != nil {
		t.Fatalf("IsBlacklisted: %v", err)
	}
	if !blacklisted {
		t.Fatal("expected workflow blacklisted after reaching threshold")
	}
	if len(notified) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notified))
	}
	if notified[0].Reason != "auto:stuck:3" {
		t.Fatalf("expected reason auto:stuck:3, got %q", notified[0].Reason)
	}
}

func TestRecordStuck_IdempotentAfterBlacklisted(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	bs := newFakeStore()

	var notifyCount int
	b := New(Config{Threshold: 1, WindowMinutes: 60}, store, bs, func(types.BlacklistEntry) {
		notifyCount++
	})

	for i := 0; i < 3; i++ {
		if err := b.RecordStuck(ctx, "wf-2"); err != nil {
			t.Fatalf("RecordStuck: %v", err)
		}
	}
	if notifyCount != 1 {
		t.Fatalf("expected exactly one notification across repeated stuck events, got %d", notifyCount)
	}
}

func TestIsBlacklisted_FalseForUnknownWorkflow(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	b := New(Config{}, store, newFakeStore(), nil)

	blacklisted, err := b.IsBlacklisted(ctx, "wf-never-seen")
	if err != nil {
		t.Fatalf("IsBlacklisted: %v", err)
	}
	if blacklisted {
		t.Fatal("expected false for a workflow with no entry")
	}
}

func TestAddManual_RejectsDuplicateActiveEntry(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	b := New(Config{}, store, newFakeStore(), nil)

	if err := b.AddManual(ctx, "wf-3", "suspicious", "admin-1"); err != nil {
		t.Fatalf("AddManual: %v", err)
	}
	if err := b.AddManual(ctx, "wf-3", "again", "admin-1"); err == nil {
		t.Fatal("expected error adding a manual entry over an already-active one")
	}
}

func TestRemoveManual_ClearsStuckCounterForFreshStart(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	bs := newFakeStore()
	b := New(Config{Threshold: 2, WindowMinutes: 60}, store, bs, nil)

	if err := b.RecordStuck(ctx, "wf-4"); err != nil {
		t.Fatalf("RecordStuck: %v", err)
	}
	if err := b.RecordStuck(ctx, "wf-4"); err != nil {
		t.Fatalf("RecordStuck: %v", err)
	}

	blacklisted, _ := b.IsBlacklisted(ctx, "wf-4")
	if !blacklisted {
		t.Fatal("expected blacklisted after two stuck events at threshold 2")
	}

	if err := b.RemoveManual(ctx, "wf-4", "admin-2"); err != nil {
		t.Fatalf("RemoveManual: %v", err)
	}

	blacklisted, _ = b.IsBlacklisted(ctx, "wf-4")
	if blacklisted {
		t.Fatal("expected not blacklisted after removal")
	}

	keys, err := store.Keys(ctx, "stuck:wf-4:*")
	if err != nil {
		t.Fatalf("Keys: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected stuck counter cleared, got %d keys", len(keys))
	}
}

func TestAddManual_ThenRecordStuckDoesNotRenotify(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	defer store.Close()
	bs := newFakeStore()
	var notifyCount int
	b := New(Config{Threshold: 5, WindowMinutes: 60}, store, bs, func(types.BlacklistEntry) {
		notifyCount++
	})

	if err := b.AddManual(ctx, "wf-5", "preemptive", "admin-3"); err != nil {
		t.Fatalf("AddManual: %v", err)
	}
	blacklisted, _ := b.IsBlacklisted(ctx, "wf-5")
	if !blacklisted {
		t.Fatal("expected manual entry to blacklist immediately")
	}

	// A stuck event arriving after a manual blacklist should not error, and
	// should not double-notify since the entry is already active.
	if err := b.RecordStuck(ctx, "wf-5"); err != nil {
		t.Fatalf("RecordStuck after manual blacklist: %v", err)
	}
	if notifyCount != 1 {
		t.Fatalf("expected only the manual add to notify, got %d notifications", notifyCount)
	}
}
