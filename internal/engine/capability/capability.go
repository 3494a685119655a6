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

// Package capability resolves the external collaborators a sandbox
// invocation is given: storage, config, knowledge, and file access. Each
// capability is tenant-scoped and checks cancellation before any blocking
// call, per the Runner's cooperative-cancellation contract.
package capability

import (
	"context"

	engineerrors "github.com/flowcore/engine/internal/engine/errors"
	"github.com/flowcore/engine/internal/engine/scope"
)

// Storage is the key/value capability a sandbox invocation can use for
// durable per-workflow state.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Config is the read-only configuration capability, scoped to the resolved
// tenant.
type Config interface {
	Get(ctx context.Context, key string) (string, bool, error)
}

// Knowledge is a read-only lookup capability over a tenant's indexed
// reference material.
type Knowledge interface {
	Query(ctx context.Context, query string, limit int) ([]string, error)
}

// Files is the capability for reading and writing workflow-scoped files.
type Files interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
}

// Capabilities is the bundle of external collaborators passed into a
// sandbox invocation. Any field may be nil if the workflow declares no
// dependency on it; a nil field is passed through as nil, with no
// substitute implementation.
type Capabilities struct {
	Scope     scope.Scope
	Storage   Storage
	Config    Config
	Knowledge Knowledge
	Files     Files

	// cancelled is polled by CheckCancelled; set by the owning Execution
	// Handle when its cancel_signal fires.
	cancelled func() bool
}

// New builds a Capabilities bundle for one execution. cancelled is the
// Execution Handle's cancel_signal poll function; it must never block.
func New(resolvedScope scope.Scope, storage Storage, cfg Config, knowledge Knowledge, files Files, cancelled func() bool) *Capabilities {
	if cancelled == nil {
		cancelled = func() bool { return false }
	}
	return &Capabilities{
		Scope:     resolvedScope,
		Storage:   storage,
		Config:    cfg,
		Knowledge: knowledge,
		Files:     files,
		cancelled: cancelled,
	}
}

// WithScopeOverride returns a copy of c with its scope replaced by the
// explicit override, per the Runner's scope= override rule. An empty
// override leaves the scope untouched.
func (c *Capabilities) WithScopeOverride(override string) *Capabilities {
	next := *c
	next.Scope = scope.WithOverride(c.Scope, override)
	return &next
}

// CheckCancelled must be called by every capability implementation before a
// blocking operation. It returns a CancelledError if the owning execution's
// cancel_signal has fired.
func (c *Capabilities) CheckCancelled(executionID string) error {
	if c.cancelled() {
		return &engineerrors.CancelledError{ExecutionID: executionID}
	}
	return nil
}
