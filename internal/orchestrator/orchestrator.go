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

// Package orchestrator drives workflow runs: it materializes step records,
// repeatedly computes the set of ready steps, dispatches them concurrently,
// and settles the run into a terminal status.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/cache"
	"github.com/loomworks/loom/internal/hash"
	"github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/redact"
	"github.com/loomworks/loom/internal/skill"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/workflow"
)

// DefaultSkillTimeout bounds a single skill execution attempt.
const DefaultSkillTimeout = 10 * time.Minute

// Options configures an Orchestrator.
type Options struct {
	// SkillTimeout bounds each skill execution attempt. Zero takes the default.
	SkillTimeout time.Duration

	// Sleep replaces the retry backoff sleep in tests. Nil uses a real
	// context-aware sleep.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Orchestrator executes workflow runs against a persistence backend and a
// skill registry.
type Orchestrator struct {
	runs         store.RunStore
	steps        store.StepStore
	cache        *cache.StepCache
	skills       *skill.Registry
	redactor     *redact.Redactor
	skillTimeout time.Duration
	sleep        func(ctx context.Context, d time.Duration) error
	logger       *slog.Logger
}

// New creates an Orchestrator. The cache may be nil, disabling caching for
// all steps regardless of policy.
func New(st store.Store, skills *skill.Registry, stepCache *cache.StepCache, opts Options, logger *slog.Logger) *Orchestrator {
	if opts.SkillTimeout <= 0 {
		opts.SkillTimeout = DefaultSkillTimeout
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runs:         st,
		steps:        st,
		cache:        stepCache,
		skills:       skills,
		redactor:     redact.New(),
		skillTimeout: opts.SkillTimeout,
		sleep:        opts.Sleep,
		logger:       logger,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// CreateRun persists a queued run and materializes one step record per
// definition step. Input hashes recorded here are provisional: mappings that
// reference dependency outputs cannot evaluate yet and hash their nil shape.
func (o *Orchestrator) CreateRun(ctx context.Context, tenantID string, def *workflow.Definition, trigger map[string]any) (*store.Run, error) {
	if err := def.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	run := &store.Run{
		ID:              uuid.NewString(),
		TenantID:        tenantID,
		WorkflowName:    def.Name,
		WorkflowVersion: def.Version,
		TriggerPayload:  trigger,
		Status:          store.RunStatusQueued,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := o.runs.CreateRun(ctx, run); err != nil {
		return nil, errors.Wrap(err, "creating run")
	}

	env := workflow.InputEnv{Trigger: trigger}
	records := make([]*store.RunStep, 0, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		provisional := workflow.ProvisionalInputs(step, env)
		inputHash, err := hash.Compute(provisional)
		if err != nil {
			return nil, err
		}
		records = append(records, &store.RunStep{
			ID:        uuid.NewString(),
			RunID:     run.ID,
			TenantID:  tenantID,
			StepID:    step.ID,
			SkillID:   step.SkillID,
			Status:    store.StepStatusPending,
			InputHash: inputHash,
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	if err := o.steps.CreateSteps(ctx, records); err != nil {
		return nil, errors.Wrap(err, "materializing run steps")
	}

	o.logger.Info("run created",
		slog.String(log.RunIDKey, run.ID),
		slog.String(log.TenantIDKey, tenantID),
		slog.String(log.WorkflowKey, def.Name),
		slog.Int("steps", len(records)))
	return run, nil
}

// runState is the in-memory view of a run's progress, shared by the dispatch
// goroutines of one batch under its mutex.
type runState struct {
	mu        sync.Mutex
	completed workflow.StringSet
	outputs   map[string]any
	failures  []*failedStep
}

type failedStep struct {
	stepID  string
	code    string
	message string
}

func (s *runState) markCompleted(stepID string, output any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed.Add(stepID)
	s.outputs[stepID] = output
}

func (s *runState) markFailed(f *failedStep) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, f)
}

// ExecuteRun drives a run to a terminal status.
//
// Each iteration computes the ready set against the union of completed and
// skipped steps, dispatches the whole batch concurrently against an identical
// environment snapshot, and waits for the batch to settle. A step failure
// fails the run, but steps already in flight in the same batch run to
// completion first. An iteration with pending steps, nothing in flight, and
// nothing ready is an unsatisfiable graph and fails the run with DEADLOCK.
func (o *Orchestrator) ExecuteRun(ctx context.Context, tenantID, runID string, def *workflow.Definition) (*store.Run, error) {
	run, err := o.runs.GetRun(ctx, tenantID, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}

	logger := log.WithRunContext(o.logger, runID, tenantID, def.Name)
	start := time.Now()

	if err := o.runs.UpdateRunStatus(ctx, tenantID, runID, store.RunStatusRunning, nil); err != nil {
		return nil, errors.Wrap(err, "marking run running")
	}
	logger.Info("run started")

	records, err := o.steps.ListSteps(ctx, tenantID, runID)
	if err != nil {
		return nil, errors.Wrap(err, "listing run steps")
	}

	state := &runState{
		completed: workflow.NewStringSet(),
		outputs:   make(map[string]any),
	}
	for _, rec := range records {
		switch rec.Status {
		case store.StepStatusCompleted, store.StepStatusSkipped:
			state.completed.Add(rec.StepID)
			state.outputs[rec.StepID] = map[string]any{"artifacts": rec.OutputArtifactIDs}
		case store.StepStatusFailed:
			state.failures = append(state.failures, &failedStep{
				stepID:  rec.StepID,
				code:    stepErrorCode(rec.Error),
				message: stepErrorMessage(rec.Error),
			})
		}
	}

	for len(state.failures) == 0 {
		ready := workflow.ReadySteps(def.Steps, state.completed, workflow.NewStringSet())
		if len(ready) == 0 {
			if len(state.completed) == len(def.Steps) {
				break
			}
			var stuck []string
			for _, step := range def.Steps {
				if !state.completed.Has(step.ID) {
					stuck = append(stuck, step.ID)
				}
			}
			dErr := &errors.DeadlockError{RunID: runID, PendingSteps: stuck}
			logger.Error("run deadlocked", log.Error(dErr))
			return o.finishRun(ctx, tenantID, runID, def.Name, store.RunStatusFailed, &store.RunError{
				Code:      errors.CodeDeadlock,
				Message:   o.redactor.Error(dErr),
				Timestamp: time.Now(),
			}, start)
		}

		// Every step in the batch evaluates against this snapshot; outputs
		// written by batch members are visible only to later batches.
		env := workflow.InputEnv{
			Trigger: run.TriggerPayload,
			Outputs: snapshotOutputs(state),
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := range ready {
			step := ready[i]
			g.Go(func() error {
				return o.executeStep(gctx, run, def, &step, env, state, logger)
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	if len(state.failures) > 0 {
		first := state.failures[0]
		logger.Warn("run failed",
			slog.String(log.StepIDKey, first.stepID),
			slog.String("code", first.code))
		return o.finishRun(ctx, tenantID, runID, def.Name, store.RunStatusFailed, &store.RunError{
			Code:         first.code,
			Message:      first.message,
			FailedStepID: first.stepID,
			Timestamp:    time.Now(),
		}, start)
	}

	logger.Info("run completed", log.Duration("duration", time.Since(start).Milliseconds()))
	return o.finishRun(ctx, tenantID, runID, def.Name, store.RunStatusCompleted, nil, start)
}

func snapshotOutputs(state *runState) map[string]any {
	state.mu.Lock()
	defer state.mu.Unlock()
	snap := make(map[string]any, len(state.outputs))
	for k, v := range state.outputs {
		snap[k] = v
	}
	return snap
}

func (o *Orchestrator) finishRun(ctx context.Context, tenantID, runID, workflowName string, status store.RunStatus, runErr *store.RunError, start time.Time) (*store.Run, error) {
	if err := o.runs.UpdateRunStatus(ctx, tenantID, runID, status, runErr); err != nil {
		return nil, errors.Wrap(err, "finishing run")
	}
	metrics.RecordRunComplete(workflowName, string(status))
	return o.runs.GetRun(ctx, tenantID, runID)
}

// executeStep runs one step to a terminal state: resolve inputs, consult the
// cache, invoke the skill with retry/backoff, and persist the outcome. It
// returns an error only for infrastructure faults; step failures are recorded
// in state and on the step record.
func (o *Orchestrator) executeStep(ctx context.Context, run *store.Run, def *workflow.Definition, step *workflow.StepSpec, env workflow.InputEnv, state *runState, logger *slog.Logger) error {
	stepLogger := log.WithStepContext(logger, run.ID, step.ID)

	if err := o.steps.UpdateStepStatus(ctx, run.TenantID, run.ID, step.ID, store.StepStatusRunning, nil, nil); err != nil {
		return errors.Wrap(err, "marking step running")
	}

	input, err := workflow.ResolveInputs(step, env)
	if err != nil {
		// Deterministic resolution failure; retrying cannot help.
		return o.recordStepFailure(ctx, run, step.ID, 0, errors.CodeOf(err), o.redactor.Error(err), state, stepLogger)
	}

	inputHash, err := hash.Compute(input)
	if err != nil {
		return o.recordStepFailure(ctx, run, step.ID, 0, errors.CodeOf(err), o.redactor.Error(err), state, stepLogger)
	}
	if err := o.steps.UpdateStepInputHash(ctx, run.TenantID, run.ID, step.ID, inputHash); err != nil {
		return errors.Wrap(err, "updating step input hash")
	}

	cacheKey := ""
	if step.Cache.Enabled && o.cache != nil {
		cacheKey, err = hash.CacheKey(def.Name, step.ID, input)
		if err != nil {
			return errors.Wrap(err, "computing cache key")
		}
		artifactIDs, hit, err := o.cache.Lookup(ctx, run.TenantID, cacheKey)
		if err != nil {
			return err
		}
		if hit {
			stepLogger.Info("step cache hit", slog.String("cache_key", cacheKey))
			result := &store.StepResult{OutputArtifactIDs: artifactIDs, CacheHit: true}
			if err := o.steps.UpdateStepStatus(ctx, run.TenantID, run.ID, step.ID, store.StepStatusCompleted, result, nil); err != nil {
				return errors.Wrap(err, "recording cache hit")
			}
			metrics.RecordStepComplete(def.Name, string(store.StepStatusCompleted), 0)
			state.markCompleted(step.ID, map[string]any{"artifacts": artifactIDs})
			return nil
		}
	}

	sk, err := o.skills.Lookup(step.SkillID)
	if err != nil {
		return o.recordStepFailure(ctx, run, step.ID, 0, errors.CodeOf(err), o.redactor.Error(err), state, stepLogger)
	}

	// Step context for provider-backed skills travels on reserved keys,
	// injected after hashing so it never perturbs the cache key.
	execInput := make(map[string]any, len(input)+3)
	for k, v := range input {
		execInput[k] = v
	}
	execInput[jobs.InputKeyTenantID] = run.TenantID
	execInput[jobs.InputKeyRunID] = run.ID
	execInput[jobs.InputKeyRunStepID] = step.ID

	for {
		attempt, err := o.steps.IncrementStepAttempt(ctx, run.TenantID, run.ID, step.ID)
		if err != nil {
			return errors.Wrap(err, "incrementing step attempt")
		}

		attemptStart := time.Now()
		result, execErr := skill.ExecuteWithTimeout(ctx, sk, execInput, o.skillTimeout)
		elapsed := time.Since(attemptStart)

		if execErr == nil && result != nil && result.OK {
			stepResult := &store.StepResult{
				OutputArtifactIDs: result.ArtifactIDs(),
				DurationMs:        elapsed.Milliseconds(),
			}
			if err := o.steps.UpdateStepStatus(ctx, run.TenantID, run.ID, step.ID, store.StepStatusCompleted, stepResult, nil); err != nil {
				return errors.Wrap(err, "recording step success")
			}
			metrics.RecordStepComplete(def.Name, string(store.StepStatusCompleted), elapsed)

			if cacheKey != "" && len(stepResult.OutputArtifactIDs) > 0 {
				entry := &store.CacheEntry{
					CacheKey:     cacheKey,
					WorkflowName: def.Name,
					StepID:       step.ID,
					InputHash:    inputHash,
					ArtifactIDs:  stepResult.OutputArtifactIDs,
					Scope:        string(step.Cache.Scope),
					TenantID:     run.TenantID,
					CreatedAt:    time.Now(),
				}
				if err := o.cache.Record(ctx, entry); err != nil {
					// A cache write failure must not fail a step that already
					// succeeded.
					stepLogger.Warn("cache record failed", log.Error(err))
				}
			}

			output := map[string]any{"artifacts": stepResult.OutputArtifactIDs}
			if result.Data != nil {
				output["data"] = result.Data
			}
			state.markCompleted(step.ID, output)
			stepLogger.Info("step completed",
				slog.Int("attempt", attempt),
				log.Duration("duration", elapsed.Milliseconds()))
			return nil
		}

		code, message := classifyFailure(result, execErr)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if attempt >= step.Retry.MaxAttempts || !retryable(code) {
			return o.recordStepFailureAttempt(ctx, run, step.ID, attempt, code, o.redactor.Message(message), state, stepLogger)
		}

		backoff := time.Duration(step.Retry.BackoffMs) * time.Millisecond << (attempt - 1)
		metrics.RecordStepRetry(def.Name)
		stepLogger.Warn("step attempt failed, retrying",
			slog.Int("attempt", attempt),
			slog.String("code", code),
			log.Duration("backoff", backoff.Milliseconds()))
		if err := o.sleep(ctx, backoff); err != nil {
			return err
		}
	}
}

func (o *Orchestrator) recordStepFailure(ctx context.Context, run *store.Run, stepID string, attempt int, code, message string, state *runState, logger *slog.Logger) error {
	return o.recordStepFailureAttempt(ctx, run, stepID, attempt, code, message, state, logger)
}

func (o *Orchestrator) recordStepFailureAttempt(ctx context.Context, run *store.Run, stepID string, attempt int, code, message string, state *runState, logger *slog.Logger) error {
	stepErr := &store.StepError{
		Code:      code,
		Message:   message,
		Attempt:   attempt,
		Timestamp: time.Now(),
	}
	if err := o.steps.UpdateStepStatus(ctx, run.TenantID, run.ID, stepID, store.StepStatusFailed, nil, stepErr); err != nil {
		return errors.Wrap(err, "recording step failure")
	}
	metrics.RecordStepComplete(run.WorkflowName, string(store.StepStatusFailed), 0)
	state.markFailed(&failedStep{stepID: stepID, code: code, message: message})
	logger.Warn("step failed",
		slog.Int("attempt", attempt),
		slog.String("code", code))
	return nil
}

// classifyFailure derives a stable code and message from a failed attempt.
func classifyFailure(result *skill.Result, execErr error) (code, message string) {
	if execErr != nil {
		return errors.CodeOf(execErr), execErr.Error()
	}
	if result == nil {
		return errors.CodeStepFailed, "skill returned no result"
	}
	code = result.ErrorCode
	if code == "" {
		code = errors.CodeStepFailed
	}
	return code, result.Error
}

// retryable reports whether a failure code is worth another attempt.
// Deterministic failures and backpressure signals are not.
func retryable(code string) bool {
	switch code {
	case errors.CodeValidation, errors.CodeCapacityExceeded, errors.CodeInvalidContent, errors.CodeNotFound:
		return false
	}
	return true
}

func stepErrorCode(e *store.StepError) string {
	if e == nil {
		return errors.CodeStepFailed
	}
	return e.Code
}

func stepErrorMessage(e *store.StepError) string {
	if e == nil {
		return "step failed"
	}
	return e.Message
}
