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

// Package memory provides an in-memory store for tests and single-process
// development. Data is lost on restart.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/errors"
)

// Compile-time interface assertions.
var (
	_ store.RunStore   = (*Store)(nil)
	_ store.StepStore  = (*Store)(nil)
	_ store.CacheStore = (*Store)(nil)
	_ store.JobStore   = (*Store)(nil)
	_ store.Store      = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu      sync.RWMutex
	runs    map[string]*store.Run           // run id -> run
	steps   map[string]*store.RunStep       // run id + "/" + step id -> step
	entries map[string]*store.CacheEntry    // cache key -> entry
	jobs    map[string]*store.GenerationJob // job id -> job
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		runs:    make(map[string]*store.Run),
		steps:   make(map[string]*store.RunStep),
		entries: make(map[string]*store.CacheEntry),
		jobs:    make(map[string]*store.GenerationJob),
	}
}

func stepKey(runID, stepID string) string {
	return runID + "/" + stepID
}

// CreateRun creates a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("run already exists: %s", run.ID)
	}
	now := time.Now()
	run.CreatedAt = now
	run.UpdatedAt = now
	s.runs[run.ID] = copyRun(run)
	return nil
}

// GetRun retrieves a run by tenant and id.
func (s *Store) GetRun(ctx context.Context, tenantID, id string) (*store.Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	run, ok := s.runs[id]
	if !ok || run.TenantID != tenantID {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return copyRun(run), nil
}

// UpdateRunStatus transitions a run's status. Terminal runs are immutable.
func (s *Store) UpdateRunStatus(ctx context.Context, tenantID, id string, status store.RunStatus, runErr *store.RunError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.TenantID != tenantID {
		return &errors.NotFoundError{Resource: "run", ID: id}
	}
	if run.Status.Terminal() {
		return fmt.Errorf("run %s is terminal (%s); refusing transition to %s", id, run.Status, status)
	}

	now := time.Now()
	run.Status = status
	run.Error = runErr
	run.UpdatedAt = now
	if status == store.RunStatusRunning && run.StartedAt == nil {
		started := now
		run.StartedAt = &started
	}
	if status.Terminal() {
		completed := now
		run.CompletedAt = &completed
		if run.StartedAt != nil {
			run.DurationMs = completed.Sub(*run.StartedAt).Milliseconds()
		}
	}
	return nil
}

// CreateSteps materializes the run's step records.
func (s *Store) CreateSteps(ctx context.Context, steps []*store.RunStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, step := range steps {
		k := stepKey(step.RunID, step.StepID)
		if _, exists := s.steps[k]; exists {
			return fmt.Errorf("step already exists: %s", k)
		}
	}
	now := time.Now()
	for _, step := range steps {
		step.CreatedAt = now
		step.UpdatedAt = now
		s.steps[stepKey(step.RunID, step.StepID)] = copyStep(step)
	}
	return nil
}

// ListSteps returns all step records for a run.
func (s *Store) ListSteps(ctx context.Context, tenantID, runID string) ([]*store.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*store.RunStep
	for _, step := range s.steps {
		if step.RunID == runID && step.TenantID == tenantID {
			out = append(out, copyStep(step))
		}
	}
	return out, nil
}

// GetStep returns the step record for (runID, stepID).
func (s *Store) GetStep(ctx context.Context, tenantID, runID, stepID string) (*store.RunStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	step, ok := s.steps[stepKey(runID, stepID)]
	if !ok || step.TenantID != tenantID {
		return nil, &errors.NotFoundError{Resource: "step", ID: stepKey(runID, stepID)}
	}
	return copyStep(step), nil
}

// UpdateStepStatus transitions a step's status. Terminal steps never regress.
func (s *Store) UpdateStepStatus(ctx context.Context, tenantID, runID, stepID string, status store.StepStatus, result *store.StepResult, stepErr *store.StepError) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepKey(runID, stepID)]
	if !ok || step.TenantID != tenantID {
		return &errors.NotFoundError{Resource: "step", ID: stepKey(runID, stepID)}
	}
	if step.Status.Terminal() {
		return fmt.Errorf("step %s/%s is terminal (%s); refusing transition to %s", runID, stepID, step.Status, status)
	}

	step.Status = status
	step.UpdatedAt = time.Now()
	if result != nil {
		step.OutputArtifactIDs = append([]string(nil), result.OutputArtifactIDs...)
		step.CacheHit = result.CacheHit
		step.DurationMs = result.DurationMs
	}
	if stepErr != nil {
		e := *stepErr
		step.Error = &e
	}
	return nil
}

// IncrementStepAttempt bumps the step's attempt counter.
func (s *Store) IncrementStepAttempt(ctx context.Context, tenantID, runID, stepID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepKey(runID, stepID)]
	if !ok || step.TenantID != tenantID {
		return 0, &errors.NotFoundError{Resource: "step", ID: stepKey(runID, stepID)}
	}
	step.Attempt++
	step.UpdatedAt = time.Now()
	return step.Attempt, nil
}

// UpdateStepInputHash replaces the stored input hash.
func (s *Store) UpdateStepInputHash(ctx context.Context, tenantID, runID, stepID, inputHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	step, ok := s.steps[stepKey(runID, stepID)]
	if !ok || step.TenantID != tenantID {
		return &errors.NotFoundError{Resource: "step", ID: stepKey(runID, stepID)}
	}
	step.InputHash = inputHash
	step.UpdatedAt = time.Now()
	return nil
}

// GetEntry looks up a cache entry visible to the tenant.
func (s *Store) GetEntry(ctx context.Context, tenantID, cacheKey string) (*store.CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[cacheKey]
	if !ok {
		return nil, nil
	}
	if entry.Scope != "global" && entry.TenantID != tenantID {
		return nil, nil
	}
	return copyEntry(entry), nil
}

// PutEntry records a cache entry; existing keys are left untouched.
func (s *Store) PutEntry(ctx context.Context, entry *store.CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[entry.CacheKey]; exists {
		return nil
	}
	entry.CreatedAt = time.Now()
	s.entries[entry.CacheKey] = copyEntry(entry)
	return nil
}

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, job *store.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return fmt.Errorf("job already exists: %s", job.ID)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// GetJob retrieves a job by tenant and id.
func (s *Store) GetJob(ctx context.Context, tenantID, id string) (*store.GenerationJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok || job.TenantID != tenantID {
		return nil, &errors.NotFoundError{Resource: "job", ID: id}
	}
	return copyJob(job), nil
}

// SaveJob updates the full job record.
func (s *Store) SaveJob(ctx context.Context, job *store.GenerationJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; !ok {
		return &errors.NotFoundError{Resource: "job", ID: job.ID}
	}
	s.jobs[job.ID] = copyJob(job)
	return nil
}

// UpdateIncomplete runs fn over jobs in the given statuses under the store
// lock, which serializes concurrent sweeps the way a transaction would.
func (s *Store) UpdateIncomplete(ctx context.Context, statuses []store.JobStatus, fn func(job *store.GenerationJob) bool) ([]*store.GenerationJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[store.JobStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}

	var updated []*store.GenerationJob
	for _, job := range s.jobs {
		if !want[job.Status] {
			continue
		}
		candidate := copyJob(job)
		if fn(candidate) {
			s.jobs[job.ID] = copyJob(candidate)
			updated = append(updated, candidate)
		}
	}
	return updated, nil
}

// Close implements io.Closer.
func (s *Store) Close() error { return nil }

func copyRun(run *store.Run) *store.Run {
	c := *run
	if run.TriggerPayload != nil {
		c.TriggerPayload = make(map[string]any, len(run.TriggerPayload))
		for k, v := range run.TriggerPayload {
			c.TriggerPayload[k] = v
		}
	}
	if run.Error != nil {
		e := *run.Error
		c.Error = &e
	}
	return &c
}

func copyStep(step *store.RunStep) *store.RunStep {
	c := *step
	c.OutputArtifactIDs = append([]string(nil), step.OutputArtifactIDs...)
	if step.Error != nil {
		e := *step.Error
		c.Error = &e
	}
	return &c
}

func copyEntry(entry *store.CacheEntry) *store.CacheEntry {
	c := *entry
	c.ArtifactIDs = append([]string(nil), entry.ArtifactIDs...)
	return &c
}

func copyJob(job *store.GenerationJob) *store.GenerationJob {
	c := *job
	if job.InputParams != nil {
		c.InputParams = make(map[string]any, len(job.InputParams))
		for k, v := range job.InputParams {
			c.InputParams[k] = v
		}
	}
	return &c
}
