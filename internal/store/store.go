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

// Package store provides persistence contracts for runs, steps, cache
// entries, and generation jobs.
//
// # Interface Hierarchy
//
// The package uses interface segregation to allow minimal implementations:
//
//   - RunStore (core, required): CreateRun, GetRun, UpdateRunStatus
//   - StepStore (core, required): step materialization and state updates
//   - CacheStore (optional): content-addressed step cache
//   - JobStore (optional): generation job tracking and recovery sweeps
//   - io.Closer (optional): Close
//
// The Store interface composes all of these for full-featured backends.
// Every query takes an explicit tenant id predicate; correctness never
// depends on per-connection session state.
package store

import (
	"context"
	"io"
	"time"
)

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status permits no further transitions.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// StepStatus is the lifecycle state of a run step.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// Terminal reports whether a step may never regress from this status.
func (s StepStatus) Terminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// JobStatus is the lifecycle state of a generation job.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusTimedOut   JobStatus = "timed_out"
)

// Terminal reports whether the job status is final.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusTimedOut
}

// RunError is the structured error surfaced on a failed run.
type RunError struct {
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	FailedStepID string    `json:"failed_step_id,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// StepError is the structured error recorded on a failed step attempt.
type StepError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Attempt   int       `json:"attempt"`
	Timestamp time.Time `json:"timestamp"`
}

// Run is one execution instance of a workflow for a tenant. Once a run
// reaches a terminal status it is immutable except for read access.
type Run struct {
	ID              string         `json:"id"`
	TenantID        string         `json:"tenant_id"`
	WorkflowName    string         `json:"workflow_name"`
	WorkflowVersion int            `json:"workflow_version"`
	TriggerPayload  map[string]any `json:"trigger_payload,omitempty"`
	Status          RunStatus      `json:"status"`
	Error           *RunError      `json:"error,omitempty"`
	DurationMs      int64          `json:"duration_ms"`
	StartedAt       *time.Time     `json:"started_at,omitempty"`
	CompletedAt     *time.Time     `json:"completed_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RunStep is one step's execution record within a run. (RunID, StepID) is
// unique; records are created when the run's steps are materialized and
// mutated only by the orchestration loop.
type RunStep struct {
	ID                string     `json:"id"`
	RunID             string     `json:"run_id"`
	TenantID          string     `json:"tenant_id"`
	StepID            string     `json:"step_id"`
	SkillID           string     `json:"skill_id"`
	Status            StepStatus `json:"status"`
	InputHash         string     `json:"input_hash,omitempty"`
	Attempt           int        `json:"attempt"`
	OutputArtifactIDs []string   `json:"output_artifact_ids,omitempty"`
	Error             *StepError `json:"error,omitempty"`
	CacheHit          bool       `json:"cache_hit"`
	DurationMs        int64      `json:"duration_ms"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// StepResult is the success payload recorded on a completed step.
type StepResult struct {
	OutputArtifactIDs []string `json:"output_artifact_ids"`
	CacheHit          bool     `json:"cache_hit"`
	DurationMs        int64    `json:"duration_ms"`
}

// CacheEntry maps a content-addressed cache key to previously produced
// artifact identifiers. Entries are write-once per key: recomputation with
// identical input yields an identical key and is redundant.
type CacheEntry struct {
	CacheKey     string    `json:"cache_key"`
	WorkflowName string    `json:"workflow_name"`
	StepID       string    `json:"step_id"`
	InputHash    string    `json:"input_hash"`
	ArtifactIDs  []string  `json:"artifact_ids"`
	Scope        string    `json:"scope"`
	TenantID     string    `json:"tenant_id"`
	CreatedAt    time.Time `json:"created_at"`
}

// GenerationJob tracks one outstanding call to an asynchronous external
// provider.
type GenerationJob struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	RunID          string         `json:"run_id"`
	RunStepID      string         `json:"run_step_id"`
	ProviderID     string         `json:"provider_id"`
	ProviderJobID  string         `json:"provider_job_id"`
	MediaType      string         `json:"media_type"`
	Status         JobStatus      `json:"status"`
	PollIntervalMs int64          `json:"poll_interval_ms"`
	TimeoutMs      int64          `json:"timeout_ms"`
	Attempts       int            `json:"attempts"`
	InputParams    map[string]any `json:"input_params,omitempty"`
	ResultURI      string         `json:"result_uri,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CostUSD        float64        `json:"cost_usd"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// RunStore is the core interface for run storage operations.
type RunStore interface {
	// CreateRun creates a new run in storage.
	CreateRun(ctx context.Context, run *Run) error

	// GetRun retrieves a run by tenant and id.
	GetRun(ctx context.Context, tenantID, id string) (*Run, error)

	// UpdateRunStatus transitions a run's status, recording the structured
	// error for failed runs. Implementations set StartedAt on the transition
	// to running, and CompletedAt plus DurationMs on terminal transitions.
	UpdateRunStatus(ctx context.Context, tenantID, id string, status RunStatus, runErr *RunError) error
}

// StepStore persists per-step execution records.
type StepStore interface {
	// CreateSteps materializes the run's step records before execution begins.
	CreateSteps(ctx context.Context, steps []*RunStep) error

	// ListSteps returns all step records for a run.
	ListSteps(ctx context.Context, tenantID, runID string) ([]*RunStep, error)

	// GetStep returns the step record for (runID, stepID).
	GetStep(ctx context.Context, tenantID, runID, stepID string) (*RunStep, error)

	// UpdateStepStatus transitions a step's status with an optional success
	// result or error payload.
	UpdateStepStatus(ctx context.Context, tenantID, runID, stepID string, status StepStatus, result *StepResult, stepErr *StepError) error

	// IncrementStepAttempt bumps the step's attempt counter and returns the
	// new value.
	IncrementStepAttempt(ctx context.Context, tenantID, runID, stepID string) (int, error)

	// UpdateStepInputHash replaces the stored input hash. A provisional hash
	// differing from the hash computed after dependencies resolved is
	// expected, not an error.
	UpdateStepInputHash(ctx context.Context, tenantID, runID, stepID, inputHash string) error
}

// CacheStore is the content-addressed step cache.
type CacheStore interface {
	// GetEntry looks up a cache entry visible to the tenant: global-scoped
	// entries or entries the tenant itself produced. Returns (nil, nil) on
	// miss.
	GetEntry(ctx context.Context, tenantID, cacheKey string) (*CacheEntry, error)

	// PutEntry records a cache entry. Keys are write-once: a second put for
	// an existing key is a no-op.
	PutEntry(ctx context.Context, entry *CacheEntry) error
}

// JobStore persists generation jobs.
type JobStore interface {
	// CreateJob persists a new job.
	CreateJob(ctx context.Context, job *GenerationJob) error

	// GetJob retrieves a job by tenant and id.
	GetJob(ctx context.Context, tenantID, id string) (*GenerationJob, error)

	// SaveJob updates the full job record.
	SaveJob(ctx context.Context, job *GenerationJob) error

	// UpdateIncomplete runs fn over every job in the given statuses inside a
	// single transaction with the rows locked for its duration, saving jobs
	// for which fn returns true. Two concurrent sweeps cannot both claim the
	// same job.
	UpdateIncomplete(ctx context.Context, statuses []JobStatus, fn func(job *GenerationJob) bool) ([]*GenerationJob, error)
}

// Store composes the full persistence surface.
type Store interface {
	RunStore
	StepStore
	CacheStore
	JobStore
	io.Closer
}
