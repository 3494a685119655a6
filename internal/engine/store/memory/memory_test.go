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

package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowcore/engine/internal/engine/store"
	"github.com/flowcore/engine/internal/engine/types"
)

func TestLoadWorkflow_NotFound(t *testing.T) {
	s := New()
	_, err := s.LoadWorkflow(context.Background(), "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoadWorkflow_Seeded(t *testing.T) {
	s := New()
	s.SeedWorkflow(store.WorkflowDef{WorkflowID: "wf-1", CodeRef: "ref-1"})

	def, err := s.LoadWorkflow(context.Background(), "wf-1")
	if err != nil {
		t.Fatalf("LoadWorkflow: %v", err)
	}
	if def.CodeRef != "ref-1" {
		t.Fatalf("expected CodeRef ref-1, got %q", def.CodeRef)
	}
}

func TestWriteExecutionTerminal_RoundTrip(t *testing.T) {
	s := New()
	ctx := context.Background()
	record := types.ExecutionResultRecord{ExecutionID: "exec-1", Status: types.StatusSuccess}
	if err := s.WriteExecutionTerminal(ctx, record); err != nil {
		t.Fatalf("WriteExecutionTerminal: %v", err)
	}

	got, ok := s.Terminal("exec-1")
	if !ok || got.Status != types.StatusSuccess {
		t.Fatalf("expected stored terminal record, got %+v ok=%v", got, ok)
	}
}

func TestAppendExecutionLog_IdempotentBySequence(t *testing.T) {
	s := New()
	ctx := context.Background()

	entries := []store.LogEntry{{SequenceNumber: 1, Message: "first"}}
	if err := s.AppendExecutionLog(ctx, "exec-2", entries); err != nil {
		t.Fatalf("AppendExecutionLog: %v", err)
	}
	// Re-append the same sequence number with a different message: must not
	// overwrite, per the idempotency contract.
	if err := s.AppendExecutionLog(ctx, "exec-2", []store.LogEntry{{SequenceNumber: 1, Message: "duplicate"}}); err != nil {
		t.Fatalf("AppendExecutionLog (dup): %v", err)
	}
	if err := s.AppendExecutionLog(ctx, "exec-2", []store.LogEntry{{SequenceNumber: 2, Message: "second"}}); err != nil {
		t.Fatalf("AppendExecutionLog (seq 2): %v", err)
	}

	log := s.ExecutionLog("exec-2")
	if len(log) != 2 {
		t.Fatalf("expected 2 log entries, got %d", len(log))
	}
	if log[0].Message != "first" {
		t.Fatalf("expected first entry unchanged by duplicate append, got %q", log[0].Message)
	}
	if log[1].Message != "second" {
		t.Fatalf("expected second entry present, got %q", log[1].Message)
	}
}

func TestBlacklist_UpsertGetMarkRemoved(t *testing.T) {
	s := New()
	ctx := context.Background()

	entry, err := s.GetBlacklistEntry(ctx, "wf-3")
	if err != nil {
		t.Fatalf("GetBlacklistEntry: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected nil entry before any upsert, got %+v", entry)
	}

	if err := s.UpsertBlacklistEntry(ctx, types.BlacklistEntry{WorkflowID: "wf-3", Reason: "auto:stuck:5"}); err != nil {
		t.Fatalf("UpsertBlacklistEntry: %v", err)
	}

	entry, err = s.GetBlacklistEntry(ctx, "wf-3")
	if err != nil {
		t.Fatalf("GetBlacklistEntry: %v", err)
	}
	if entry == nil || !entry.Active() {
		t.Fatalf("expected active entry, got %+v", entry)
	}

	if err := s.MarkBlacklistRemoved(ctx, "wf-3", "admin-1"); err != nil {
		t.Fatalf("MarkBlacklistRemoved: %v", err)
	}

	entry, err = s.GetBlacklistEntry(ctx, "wf-3")
	if err != nil {
		t.Fatalf("GetBlacklistEntry: %v", err)
	}
	if entry == nil || entry.Active() {
		t.Fatalf("expected removed entry, got %+v", entry)
	}
	if entry.RemovedBy != "admin-1" {
		t.Fatalf("expected removed_by admin-1, got %q", entry.RemovedBy)
	}
}

func TestUpsertBlacklistEntry_NoOpWhenAlreadyActive(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := types.BlacklistEntry{WorkflowID: "wf-4", Reason: "auto:stuck:5"}
	if err := s.UpsertBlacklistEntry(ctx, first); err != nil {
		t.Fatalf("UpsertBlacklistEntry: %v", err)
	}
	second := types.BlacklistEntry{WorkflowID: "wf-4", Reason: "manual:override"}
	if err := s.UpsertBlacklistEntry(ctx, second); err != nil {
		t.Fatalf("UpsertBlacklistEntry (second): %v", err)
	}

	entry, _ := s.GetBlacklistEntry(ctx, "wf-4")
	if entry.Reason != "auto:stuck:5" {
		t.Fatalf("expected original reason preserved, got %q", entry.Reason)
	}
}

func TestStuckHistoryAggregate_GroupsByWorkflowSinceWindow(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now()

	records := []types.ExecutionResultRecord{
		{ExecutionID: "e1", WorkflowID: "wf-5", Status: types.StatusStuck, FinishedAt: now.Add(-10 * time.Minute)},
		{ExecutionID: "e2", WorkflowID: "wf-5", Status: types.StatusStuck, FinishedAt: now.Add(-5 * time.Minute)},
		{ExecutionID: "e3", WorkflowID: "wf-6", Status: types.StatusStuck, FinishedAt: now.Add(-2 * time.Hour)},
		{ExecutionID: "e4", WorkflowID: "wf-5", Status: types.StatusSuccess, FinishedAt: now},
	}
	for _, r := range records {
		if err := s.WriteExecutionTerminal(ctx, r); err != nil {
			t.Fatalf("WriteExecutionTerminal: %v", err)
		}
	}

	agg, err := s.StuckHistoryAggregate(ctx, now.Add(-1*time.Hour))
	if err != nil {
		t.Fatalf("StuckHistoryAggregate: %v", err)
	}
	if len(agg) != 1 {
		t.Fatalf("expected only wf-5 within the window, got %+v", agg)
	}
	if agg[0].WorkflowID != "wf-5" || agg[0].Count != 2 {
		t.Fatalf("expected wf-5 with count 2, got %+v", agg[0])
	}
}
