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

// Package skill defines the pluggable unit of work invoked by workflow steps.
//
// Implementations are a tagged union: builtin Go functions, HTTP calls, and
// CLI invocations, each its own type dispatched once at registration/lookup
// time rather than by runtime type inspection.
package skill

import (
	"context"
	"time"

	"github.com/loomworks/loom/pkg/errors"
)

// Metadata identifies an artifact produced by a skill execution.
type Metadata struct {
	// ID is the artifact identifier persisted and cached by the orchestrator.
	ID string `json:"id"`

	// MediaType is the artifact's media category (image, video, ...).
	MediaType string `json:"media_type,omitempty"`

	// URI points at the artifact's content, when materialized.
	URI string `json:"uri,omitempty"`
}

// Artifact is one identifiable output of a successful execution.
type Artifact struct {
	Metadata Metadata `json:"metadata"`
}

// Result is the structured outcome of a skill execution.
type Result struct {
	// OK reports whether the execution succeeded.
	OK bool `json:"ok"`

	// Data holds arbitrary structured data returned by the skill.
	Data map[string]any `json:"data,omitempty"`

	// Artifacts are the identifiable outputs of a successful execution.
	Artifacts []Artifact `json:"artifacts,omitempty"`

	// Error is the failure message when OK is false.
	Error string `json:"error,omitempty"`

	// ErrorCode is a stable machine-readable failure code when OK is false.
	ErrorCode string `json:"error_code,omitempty"`
}

// ArtifactIDs extracts the artifact identifiers from the result.
func (r *Result) ArtifactIDs() []string {
	ids := make([]string, 0, len(r.Artifacts))
	for _, a := range r.Artifacts {
		if a.Metadata.ID != "" {
			ids = append(ids, a.Metadata.ID)
		}
	}
	return ids
}

// Skill is a pluggable unit of work. Execute returns a structured Result for
// expected failures (ok=false) and an error only for faults.
type Skill interface {
	// ID returns the skill identifier steps bind to.
	ID() string

	// Execute runs the skill with the resolved step input.
	Execute(ctx context.Context, input map[string]any) (*Result, error)
}

// ExecuteWithTimeout wraps a skill execution in a deadline. Expiry signals
// cancellation to the skill through the context and surfaces a TimeoutError
// whose code is distinct from provider-reported failures.
func ExecuteWithTimeout(ctx context.Context, sk Skill, input map[string]any, timeout time.Duration) (*Result, error) {
	if timeout <= 0 {
		return sk.Execute(ctx, input)
	}

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result, err := sk.Execute(execCtx, input)
	if err != nil && execCtx.Err() == context.DeadlineExceeded {
		return nil, &errors.TimeoutError{
			Operation: "skill execution",
			Duration:  timeout,
			Cause:     err,
		}
	}
	return result, err
}
