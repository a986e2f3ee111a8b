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

package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/errors"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Path: filepath.Join(t.TempDir(), "loom.db"), WAL: true})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createRun(t *testing.T, s *Store, id string) *store.Run {
	t.Helper()
	run := &store.Run{
		ID:              id,
		TenantID:        "t1",
		WorkflowName:    "trailer",
		WorkflowVersion: 1,
		TriggerPayload:  map[string]any{"theme": "noir"},
		Status:          store.RunStatusQueued,
	}
	require.NoError(t, s.CreateRun(context.Background(), run))
	return run
}

func TestRunRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")

	got, err := s.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, "trailer", got.WorkflowName)
	assert.Equal(t, "noir", got.TriggerPayload["theme"])
	assert.Equal(t, store.RunStatusQueued, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	_, err = s.GetRun(ctx, "t2", "r1")
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestRunStatusTransitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")

	require.NoError(t, s.UpdateRunStatus(ctx, "t1", "r1", store.RunStatusRunning, nil))
	got, err := s.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	require.NotNil(t, got.StartedAt)

	runErr := &store.RunError{Code: "STEP_FAILED", Message: "render exploded", FailedStepID: "render", Timestamp: time.Now()}
	require.NoError(t, s.UpdateRunStatus(ctx, "t1", "r1", store.RunStatusFailed, runErr))

	got, err = s.GetRun(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "render", got.Error.FailedStepID)
	require.NotNil(t, got.CompletedAt)

	// Terminal runs are immutable, and the guard is distinguishable from a
	// missing row.
	err = s.UpdateRunStatus(ctx, "t1", "r1", store.RunStatusRunning, nil)
	require.Error(t, err)
	var nf *errors.NotFoundError
	assert.False(t, errors.As(err, &nf), "terminal guard misreported as not-found")
}

func TestUpdateMissingRunNotFound(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateRunStatus(context.Background(), "t1", "ghost", store.RunStatusRunning, nil)
	var nf *errors.NotFoundError
	require.ErrorAs(t, err, &nf)
}

func TestStepRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")

	steps := []*store.RunStep{
		{ID: "s1", RunID: "r1", TenantID: "t1", StepID: "script", SkillID: "gen.script", Status: store.StepStatusPending, InputHash: "h1"},
		{ID: "s2", RunID: "r1", TenantID: "t1", StepID: "render", SkillID: "gen.render", Status: store.StepStatusPending, InputHash: "h2"},
	}
	require.NoError(t, s.CreateSteps(ctx, steps))

	listed, err := s.ListSteps(ctx, "t1", "r1")
	require.NoError(t, err)
	assert.Len(t, listed, 2)

	require.NoError(t, s.UpdateStepStatus(ctx, "t1", "r1", "script", store.StepStatusCompleted,
		&store.StepResult{OutputArtifactIDs: []string{"art-1"}, CacheHit: true, DurationMs: 42}, nil))

	got, err := s.GetStep(ctx, "t1", "r1", "script")
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusCompleted, got.Status)
	assert.Equal(t, []string{"art-1"}, got.OutputArtifactIDs)
	assert.True(t, got.CacheHit)
	assert.Equal(t, int64(42), got.DurationMs)

	// Terminal steps never regress.
	err = s.UpdateStepStatus(ctx, "t1", "r1", "script", store.StepStatusRunning, nil, nil)
	require.Error(t, err)
}

func TestStepAttemptAndHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")
	require.NoError(t, s.CreateSteps(ctx, []*store.RunStep{
		{ID: "s1", RunID: "r1", TenantID: "t1", StepID: "a", SkillID: "sk", Status: store.StepStatusPending, InputHash: "provisional"},
	}))

	n, err := s.IncrementStepAttempt(ctx, "t1", "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, err = s.IncrementStepAttempt(ctx, "t1", "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	require.NoError(t, s.UpdateStepInputHash(ctx, "t1", "r1", "a", "final"))
	got, err := s.GetStep(ctx, "t1", "r1", "a")
	require.NoError(t, err)
	assert.Equal(t, "final", got.InputHash)

	var nf *errors.NotFoundError
	err = s.UpdateStepInputHash(ctx, "t1", "r1", "ghost", "x")
	require.ErrorAs(t, err, &nf)
}

func TestStepErrorPersisted(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createRun(t, s, "r1")
	require.NoError(t, s.CreateSteps(ctx, []*store.RunStep{
		{ID: "s1", RunID: "r1", TenantID: "t1", StepID: "a", SkillID: "sk", Status: store.StepStatusPending},
	}))

	stepErr := &store.StepError{Code: "STEP_TIMEOUT", Message: "gave up", Attempt: 3, Timestamp: time.Now()}
	require.NoError(t, s.UpdateStepStatus(ctx, "t1", "r1", "a", store.StepStatusFailed, nil, stepErr))

	got, err := s.GetStep(ctx, "t1", "r1", "a")
	require.NoError(t, err)
	require.NotNil(t, got.Error)
	assert.Equal(t, "STEP_TIMEOUT", got.Error.Code)
	assert.Equal(t, 3, got.Error.Attempt)
}

func TestCacheEntrySemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	entry := &store.CacheEntry{
		CacheKey:     "w:a:h",
		WorkflowName: "w",
		StepID:       "a",
		InputHash:    "h",
		ArtifactIDs:  []string{"art-1"},
		Scope:        "tenant",
		TenantID:     "t1",
	}
	require.NoError(t, s.PutEntry(ctx, entry))

	// Write-once: second put with different artifacts is ignored.
	dup := *entry
	dup.ArtifactIDs = []string{"art-other"}
	require.NoError(t, s.PutEntry(ctx, &dup))

	got, err := s.GetEntry(ctx, "t1", "w:a:h")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"art-1"}, got.ArtifactIDs)

	// Tenant scope is invisible to other tenants; miss is (nil, nil).
	got, err = s.GetEntry(ctx, "t2", "w:a:h")
	require.NoError(t, err)
	assert.Nil(t, got)

	global := &store.CacheEntry{
		CacheKey: "w:b:h2", WorkflowName: "w", StepID: "b", InputHash: "h2",
		ArtifactIDs: []string{"art-2"}, Scope: "global", TenantID: "t1",
	}
	require.NoError(t, s.PutEntry(ctx, global))
	got, err = s.GetEntry(ctx, "t2", "w:b:h2")
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestJobRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	job := &store.GenerationJob{
		ID:             "j1",
		TenantID:       "t1",
		RunID:          "r1",
		RunStepID:      "s1",
		ProviderID:     "replicate",
		MediaType:      "image",
		Status:         store.JobStatusPending,
		PollIntervalMs: 5000,
		TimeoutMs:      600000,
		InputParams:    map[string]any{"prompt": "dune"},
	}
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, "t1", "j1")
	require.NoError(t, err)
	assert.Equal(t, "replicate", got.ProviderID)
	assert.Equal(t, "dune", got.InputParams["prompt"])

	now := time.Now()
	got.Status = store.JobStatusCompleted
	got.ResultURI = "s3://out/x.png"
	got.CostUSD = 0.12
	got.CompletedAt = &now
	require.NoError(t, s.SaveJob(ctx, got))

	got, err = s.GetJob(ctx, "t1", "j1")
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, got.Status)
	assert.Equal(t, "s3://out/x.png", got.ResultURI)
	assert.Equal(t, 0.12, got.CostUSD)
	require.NotNil(t, got.CompletedAt)
}

func TestUpdateIncompleteTransactional(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mk := func(id string, status store.JobStatus, age time.Duration) {
		job := &store.GenerationJob{
			ID: id, TenantID: "t1", RunID: "r", RunStepID: "s", ProviderID: "p",
			MediaType: "image", Status: status, PollIntervalMs: 1000, TimeoutMs: 60000,
			CreatedAt: time.Now().Add(-age),
		}
		require.NoError(t, s.CreateJob(ctx, job))
	}
	mk("stale", store.JobStatusProcessing, 2*time.Hour)
	mk("fresh", store.JobStatusPending, time.Second)
	mk("done", store.JobStatusCompleted, 2*time.Hour)

	updated, err := s.UpdateIncomplete(ctx,
		[]store.JobStatus{store.JobStatusPending, store.JobStatusProcessing},
		func(job *store.GenerationJob) bool {
			if time.Since(job.CreatedAt) < time.Duration(job.TimeoutMs)*time.Millisecond {
				return false
			}
			job.Status = store.JobStatusTimedOut
			return true
		})
	require.NoError(t, err)
	require.Len(t, updated, 1)
	assert.Equal(t, "stale", updated[0].ID)

	got, err := s.GetJob(ctx, "t1", "stale")
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusTimedOut, got.Status)

	got, err = s.GetJob(ctx, "t1", "done")
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, got.Status)
}
