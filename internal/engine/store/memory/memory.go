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

// Package memory is an in-memory store.Store implementation for tests and
// single-node dev use.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/flowcore/engine/internal/engine/store"
	"github.com/flowcore/engine/internal/engine/types"
)

// Store is an in-memory, mutex-guarded store.Store.
type Store struct {
	mu         sync.Mutex
	workflows  map[string]store.WorkflowDef
	terminals  map[string]types.ExecutionResultRecord
	logs       map[string]map[int64]store.LogEntry
	blacklists map[string]types.BlacklistEntry
}

// New creates an empty Store. SeedWorkflow populates workflow definitions
// for tests; a real dev profile wires this to whatever loads workflow
// source in-process.
func New() *Store {
	return &Store{
		workflows:  make(map[string]store.WorkflowDef),
		terminals:  make(map[string]types.ExecutionResultRecord),
		logs:       make(map[string]map[int64]store.LogEntry),
		blacklists: make(map[string]types.BlacklistEntry),
	}
}

// SeedWorkflow registers a workflow definition for LoadWorkflow to return.
func (s *Store) SeedWorkflow(def store.WorkflowDef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[def.WorkflowID] = def
}

// LoadWorkflow implements store.Store.
func (s *Store) LoadWorkflow(ctx context.Context, workflowID string) (*store.WorkflowDef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	def, ok := s.workflows[workflowID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := def
	return &cp, nil
}

// WriteExecutionTerminal implements store.Store.
func (s *Store) WriteExecutionTerminal(ctx context.Context, record types.ExecutionResultRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.terminals[record.ExecutionID] = record
	return nil
}

// Terminal returns the written terminal record for executionID, for tests.
func (s *Store) Terminal(executionID string) (types.ExecutionResultRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.terminals[executionID]
	return r, ok
}

// AppendExecutionLog implements store.Store.
func (s *Store) AppendExecutionLog(ctx context.Context, executionID string, entries []store.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySeq, ok := s.logs[executionID]
	if !ok {
		bySeq = make(map[int64]store.LogEntry)
		s.logs[executionID] = bySeq
	}
	for _, e := range entries {
		if _, seen := bySeq[e.SequenceNumber]; seen {
			continue
		}
		bySeq[e.SequenceNumber] = e
	}
	return nil
}

// ExecutionLog returns the ordered log for executionID, for tests.
func (s *Store) ExecutionLog(executionID string) []store.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	bySeq := s.logs[executionID]
	out := make([]store.LogEntry, 0, len(bySeq))
	for _, e := range bySeq {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceNumber < out[j].SequenceNumber })
	return out
}

// GetBlacklistEntry implements store.Store.
func (s *Store) GetBlacklistEntry(ctx context.Context, workflowID string) (*types.BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blacklists[workflowID]
	if !ok {
		return nil, nil
	}
	cp := e
	return &cp, nil
}

// UpsertBlacklistEntry implements store.Store.
func (s *Store) UpsertBlacklistEntry(ctx context.Context, entry types.BlacklistEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.blacklists[entry.WorkflowID]; ok && existing.Active() {
		return nil
	}
	s.blacklists[entry.WorkflowID] = entry
	return nil
}

// MarkBlacklistRemoved implements store.Store.
func (s *Store) MarkBlacklistRemoved(ctx context.Context, workflowID, removedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.blacklists[workflowID]
	if !ok || !e.Active() {
		return nil
	}
	now := time.Now()
	e.RemovedAt = &now
	e.RemovedBy = removedBy
	s.blacklists[workflowID] = e
	return nil
}

// ListBlacklist implements store.Store.
func (s *Store) ListBlacklist(ctx context.Context, activeOnly bool) ([]types.BlacklistEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]types.BlacklistEntry, 0, len(s.blacklists))
	for _, e := range s.blacklists {
		if activeOnly && !e.Active() {
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

// StuckHistoryAggregate implements store.Store.
func (s *Store) StuckHistoryAggregate(ctx context.Context, since time.Time) ([]store.StuckHistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	agg := make(map[string]*store.StuckHistoryEntry)
	for _, r := range s.terminals {
		if r.Status != types.StatusStuck || r.FinishedAt.Before(since) {
			continue
		}
		e, ok := agg[r.WorkflowID]
		if !ok {
			e = &store.StuckHistoryEntry{WorkflowID: r.WorkflowID, Name: r.WorkflowID}
			agg[r.WorkflowID] = e
		}
		e.Count++
		if r.FinishedAt.After(e.LastAt) {
			e.LastAt = r.FinishedAt
		}
	}

	out := make([]store.StuckHistoryEntry, 0, len(agg))
	for _, e := range agg {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkflowID < out[j].WorkflowID })
	return out, nil
}

// Close implements store.Store.
func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
