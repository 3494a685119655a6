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

// Package scope computes the effective tenant scope a capability call
// resolves data under, and holds the explicit-override rule capability
// objects must honor.
package scope

// Scope identifies the tenant context under which a capability call resolves data.
// Organization is empty for the global scope.
type Scope struct {
	Organization string
}

// Global is the scope used when neither the workflow nor the caller carries
// an organization.
var Global = Scope{}

// IsGlobal reports whether this scope carries no organization.
func (s Scope) IsGlobal() bool {
	return s.Organization == ""
}

// Resolve computes the effective tenant scope for an execution per the
// Runner's scope-resolution contract:
//
//  1. If the workflow is org-scoped, use the workflow's organization.
//  2. If the workflow is global, use the caller's organization.
//  3. If both are absent, use the global scope.
//
// workflowOrgID and callerOrgID are empty strings when absent. This function
// is pure and deterministic; it never consults caller-supplied overrides —
// those are applied afterward by capability calls via WithOverride.
func Resolve(workflowOrgID, callerOrgID string) Scope {
	if workflowOrgID != "" {
		return Scope{Organization: workflowOrgID}
	}
	if callerOrgID != "" {
		return Scope{Organization: callerOrgID}
	}
	return Global
}

// WithOverride applies an explicit scope= override supplied on a capability
// call. An empty override leaves the resolved scope untouched; the override
// always wins when non-empty, regardless of how the effective scope was
// derived by Resolve.
func WithOverride(resolved Scope, override string) Scope {
	if override == "" {
		return resolved
	}
	return Scope{Organization: override}
}
