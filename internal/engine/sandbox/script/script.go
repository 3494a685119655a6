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

// Package script is a real, executable sandbox.Sandbox used by the dev
// profile and by tests in place of the out-of-process language runtime:
// workflow code is an expr-lang expression evaluated against params,
// rather than a mock. Compiled programs are cached, following the
// teacher's expression evaluator.
package script

import (
	"context"
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	engineerrors "github.com/flowcore/engine/internal/engine/errors"
	"github.com/flowcore/engine/internal/engine/sandbox"
)

// Sandbox evaluates an expr-lang expression (the CodeRef) against Params
// and returns the result under the "result" key.
type Sandbox struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// New creates an expr-lang backed sandbox.
func New() *Sandbox {
	return &Sandbox{cache: make(map[string]*vm.Program)}
}

// Execute implements sandbox.Sandbox.
func (s *Sandbox) Execute(ctx context.Context, inv sandbox.Invocation) (map[string]any, error) {
	select {
	case <-ctx.Done():
		return nil, &engineerrors.CancelledError{ExecutionID: inv.ExecutionID}
	default:
	}

	program, err := s.compile(inv.CodeRef)
	if err != nil {
		return nil, &engineerrors.ValidationError{
			Field:   "code_ref",
			Message: fmt.Sprintf("failed to compile expression: %s", err.Error()),
		}
	}

	env := make(map[string]any, len(inv.Params))
	for k, v := range inv.Params {
		env[k] = v
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return nil, &engineerrors.SandboxError{ExecutionID: inv.ExecutionID, Cause: err}
	}

	select {
	case <-ctx.Done():
		return nil, &engineerrors.CancelledError{ExecutionID: inv.ExecutionID}
	default:
	}

	return map[string]any{"result": result}, nil
}

func (s *Sandbox) compile(codeRef string) (*vm.Program, error) {
	s.mu.RLock()
	if prog, ok := s.cache[codeRef]; ok {
		s.mu.RUnlock()
		return prog, nil
	}
	s.mu.RUnlock()

	prog, err := expr.Compile(codeRef)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[codeRef] = prog
	s.mu.Unlock()

	return prog, nil
}

var _ sandbox.Sandbox = (*Sandbox)(nil)
