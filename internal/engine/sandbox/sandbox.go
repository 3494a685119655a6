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

// Package sandbox defines the pure-function contract a Runner invokes to
// execute workflow code, and the classification of its errors into the
// Runner's ResultMessage error_type taxonomy. The real sandbox is an
// external collaborator (a separate language runtime reached over the wire
// protocol in internal/engine/wire); this package only defines the
// contract and the error classification every Runner-facing sandbox must
// honor. A real, safe executable stand-in lives in sandbox/script.
package sandbox

import (
	"context"

	"github.com/flowcore/engine/internal/engine/capability"
	"github.com/flowcore/engine/internal/engine/types"
)

// Invocation is everything the Runner hands to a sandbox for one execution.
type Invocation struct {
	ExecutionID  string
	CodeRef      string
	Params       map[string]any
	Capabilities *capability.Capabilities
}

// Sandbox executes workflow code to completion or returns a classified
// error. Implementations must poll ctx for cancellation at safe points —
// ctx is cancelled the moment the hosting Worker Process's cancel_signal
// fires, not only on process-wide shutdown — and must call
// Capabilities.CheckCancelled before any blocking capability access.
// The Runner never kills a sandbox call directly.
type Sandbox interface {
	Execute(ctx context.Context, inv Invocation) (payload map[string]any, err error)
}

// Classify maps a sandbox error into the Runner's error_type taxonomy. The
// context's own cancellation takes precedence: if ctx was cancelled, the
// outcome is always "Cancelled" regardless of what the sandbox returned.
func Classify(ctx context.Context, err error) types.ErrorKind {
	if err == nil {
		return ""
	}
	if ctx.Err() == context.Canceled {
		return types.ErrorKindCancelled
	}
	if ctx.Err() == context.DeadlineExceeded {
		return types.ErrorKindTimeout
	}

	switch err.(type) {
	case interface{ ValidationError() }:
		return types.ErrorKindValidation
	default:
		return types.ErrorKindRuntime
	}
}
