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

package jobs

import (
	"context"
	"fmt"

	"github.com/loomworks/loom/internal/skill"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/errors"
)

// Provider is an asynchronous generation backend: submit returns a provider
// job id immediately, CheckStatus reports progress until terminal.
type Provider interface {
	// ID returns the provider identifier.
	ID() string

	// Submit starts generation and returns the provider's job id.
	Submit(ctx context.Context, mediaType string, input map[string]any) (string, error)

	// CheckStatus reports the current status of a previously submitted job.
	CheckStatus(ctx context.Context, providerJobID string) (ProviderStatus, error)
}

// ProviderSkill adapts an asynchronous Provider into a synchronous skill: it
// submits, then blocks polling until the job reaches a terminal state. Step
// context (run id, step id) is read from reserved input keys set by the
// orchestration loop.
type ProviderSkill struct {
	SkillID        string
	MediaType      string
	Provider       Provider
	Tracker        *Tracker
	PollIntervalMs int64
	TimeoutMs      int64
}

// Reserved input keys carrying step context into provider-backed skills.
const (
	InputKeyTenantID  = "_tenant_id"
	InputKeyRunID     = "_run_id"
	InputKeyRunStepID = "_run_step_id"
)

// ID returns the skill identifier.
func (s *ProviderSkill) ID() string { return s.SkillID }

// Execute submits a generation job and polls it to completion.
func (s *ProviderSkill) Execute(ctx context.Context, input map[string]any) (*skill.Result, error) {
	tenantID, _ := input[InputKeyTenantID].(string)
	runID, _ := input[InputKeyRunID].(string)
	runStepID, _ := input[InputKeyRunStepID].(string)
	if tenantID == "" {
		return nil, &errors.ValidationError{Field: InputKeyTenantID, Message: "provider skill requires tenant context"}
	}

	params := make(map[string]any, len(input))
	for k, v := range input {
		if k == InputKeyTenantID || k == InputKeyRunID || k == InputKeyRunStepID {
			continue
		}
		params[k] = v
	}

	providerJobID, err := s.Provider.Submit(ctx, s.MediaType, params)
	if err != nil {
		return nil, errors.Wrapf(err, "submitting to provider %s", s.Provider.ID())
	}

	jobID, err := s.Tracker.Submit(ctx, SubmitParams{
		TenantID:       tenantID,
		RunID:          runID,
		RunStepID:      runStepID,
		ProviderID:     s.Provider.ID(),
		ProviderJobID:  providerJobID,
		MediaType:      s.MediaType,
		PollIntervalMs: s.PollIntervalMs,
		TimeoutMs:      s.TimeoutMs,
		InputParams:    params,
	})
	if err != nil {
		return nil, err
	}

	job, err := s.Tracker.PollUntilComplete(ctx, tenantID, jobID, s.Provider.CheckStatus)
	if err != nil {
		return nil, err
	}

	switch job.Status {
	case store.JobStatusCompleted:
		return &skill.Result{
			OK: true,
			Data: map[string]any{
				"job_id":     job.ID,
				"result_uri": job.ResultURI,
				"cost_usd":   job.CostUSD,
			},
			Artifacts: []skill.Artifact{{
				Metadata: skill.Metadata{
					ID:        fmt.Sprintf("job-%s", job.ID),
					MediaType: job.MediaType,
					URI:       job.ResultURI,
				},
			}},
		}, nil
	case store.JobStatusFailed:
		return &skill.Result{
			OK:        false,
			Error:     job.ErrorMessage,
			ErrorCode: errors.CodeStepFailed,
		}, nil
	default:
		return &skill.Result{
			OK:        false,
			Error:     job.ErrorMessage,
			ErrorCode: errors.CodePollTimeout,
		}, nil
	}
}
