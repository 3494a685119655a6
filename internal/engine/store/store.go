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

// Package store defines the abstract persistent Store the engine consumes
// for workflow definitions, terminal execution records, execution logs,
// and the blacklist — spec.md §6. Implementations live in store/memory
// (tests, single-node dev) and store/postgres (distributed deployments).
package store

import (
	"context"
	"time"

	"github.com/flowcore/engine/internal/engine/types"
)

// WorkflowDef is the subset of a stored workflow definition the engine needs
// to resolve scope and build an execution.
type WorkflowDef struct {
	WorkflowID            string
	CodeRef               string
	OrganizationID        string // empty for global workflows
	DefaultTimeoutSeconds int
}

// LogEntry is one line of an execution's append-only log.
type LogEntry struct {
	SequenceNumber int64
	Message        string
	Timestamp      time.Time
}

// StuckHistoryEntry summarizes stuck events for one workflow over a window,
// for the admin "aggregate stuck history" operation.
type StuckHistoryEntry struct {
	WorkflowID string
	Name       string
	Count      int
	LastAt     time.Time
}

// Store is the abstract persistence interface, matching spec.md §6 verbatim.
type Store interface {
	// LoadWorkflow retrieves a workflow definition. Returns ErrNotFound if absent.
	LoadWorkflow(ctx context.Context, workflowID string) (*WorkflowDef, error)

	// WriteExecutionTerminal atomically writes the one terminal record for an
	// execution. Callers retry on failure; writing twice for the same
	// ExecutionID is the caller's bug, not this method's concern.
	WriteExecutionTerminal(ctx context.Context, record types.ExecutionResultRecord) error

	// AppendExecutionLog appends log entries, idempotent by
	// (execution_id, sequence_number): re-appending an already-seen sequence
	// number is a no-op.
	AppendExecutionLog(ctx context.Context, executionID string, entries []LogEntry) error

	// GetBlacklistEntry returns the current entry for workflowID (active or
	// not), or (nil, nil) if none exists — absence is not an error here,
	// unlike LoadWorkflow.
	GetBlacklistEntry(ctx context.Context, workflowID string) (*types.BlacklistEntry, error)

	// UpsertBlacklistEntry creates or replaces the entry for its WorkflowID.
	// A no-op if an active entry already exists for that workflow.
	UpsertBlacklistEntry(ctx context.Context, entry types.BlacklistEntry) error

	// MarkBlacklistRemoved sets removed_at/removed_by on the active entry
	// for workflowID, if any.
	MarkBlacklistRemoved(ctx context.Context, workflowID, removedBy string) error

	// ListBlacklist returns every blacklist entry, optionally restricted to
	// active ones, for the admin "list blacklist" operation.
	ListBlacklist(ctx context.Context, activeOnly bool) ([]types.BlacklistEntry, error)

	// StuckHistoryAggregate groups stuck terminal records by workflow since
	// the given time, for the admin surface.
	StuckHistoryAggregate(ctx context.Context, since time.Time) ([]StuckHistoryEntry, error)

	// Close releases any underlying connection resources.
	Close() error
}

// ErrNotFound is returned by LoadWorkflow when the requested record does
// not exist.
var ErrNotFound = notFoundError{}

type notFoundError struct{}

func (notFoundError) Error() string { return "store: record not found" }
