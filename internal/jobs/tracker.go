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

// Package jobs tracks long-running generation work submitted to asynchronous
// external providers: submission, persistent job records, polling to a
// terminal state, and crash recovery across process restarts.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomworks/loom/internal/limiter"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/errors"
)

// Bounds protecting the poll loop from misconfigured callers.
const (
	DefaultMinPollInterval = time.Second
	DefaultMaxTimeout      = 15 * time.Minute
	DefaultMaxAttempts     = 1000
	DefaultPollInterval    = 5 * time.Second
	DefaultTimeout         = 10 * time.Minute
)

// Bounds clamp caller-supplied poll configuration: intervals are raised to
// MinPollInterval so a misconfigured job cannot spin, and timeouts are
// lowered to MaxTimeout so one cannot wait forever. MaxAttempts is a hard
// ceiling independent of wall-clock time.
type Bounds struct {
	MinPollInterval time.Duration
	MaxTimeout      time.Duration
	MaxAttempts     int
}

// DefaultBounds returns the default poll bounds.
func DefaultBounds() Bounds {
	return Bounds{
		MinPollInterval: DefaultMinPollInterval,
		MaxTimeout:      DefaultMaxTimeout,
		MaxAttempts:     DefaultMaxAttempts,
	}
}

// ProviderStatus is one poll observation reported by a provider.
type ProviderStatus struct {
	// Status is the provider-reported state: "completed", "failed", or any
	// other value meaning still in progress.
	Status string `json:"status"`

	// ResultURI locates the produced content when Status is completed.
	ResultURI string `json:"result_uri,omitempty"`

	// CostUSD is the provider-reported cost, when known.
	CostUSD float64 `json:"cost_usd,omitempty"`

	// Error carries the provider failure message when Status is failed.
	Error string `json:"error,omitempty"`
}

// Provider terminal statuses.
const (
	ProviderStatusCompleted = "completed"
	ProviderStatusFailed    = "failed"
)

// CheckStatusFunc queries the provider for a job's current status.
type CheckStatusFunc func(ctx context.Context, providerJobID string) (ProviderStatus, error)

// SubmitParams describes a new generation job.
type SubmitParams struct {
	TenantID       string
	RunID          string
	RunStepID      string
	ProviderID     string
	ProviderJobID  string
	MediaType      string
	PollIntervalMs int64
	TimeoutMs      int64
	InputParams    map[string]any
}

// Tracker submits, polls, and recovers generation jobs.
type Tracker struct {
	jobs    store.JobStore
	limiter *limiter.Limiter
	bounds  Bounds
	logger  *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(js store.JobStore, lim *limiter.Limiter, bounds Bounds, logger *slog.Logger) *Tracker {
	if bounds.MinPollInterval <= 0 {
		bounds.MinPollInterval = DefaultMinPollInterval
	}
	if bounds.MaxTimeout <= 0 {
		bounds.MaxTimeout = DefaultMaxTimeout
	}
	if bounds.MaxAttempts <= 0 {
		bounds.MaxAttempts = DefaultMaxAttempts
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{jobs: js, limiter: lim, bounds: bounds, logger: logger}
}

// Submit persists a new pending job and returns its id.
func (t *Tracker) Submit(ctx context.Context, params SubmitParams) (string, error) {
	if params.TenantID == "" {
		return "", &errors.ValidationError{Field: "tenantId", Message: "tenant id is required"}
	}
	if params.MediaType == "" {
		return "", &errors.ValidationError{Field: "mediaType", Message: "media type is required"}
	}

	job := &store.GenerationJob{
		ID:             uuid.NewString(),
		TenantID:       params.TenantID,
		RunID:          params.RunID,
		RunStepID:      params.RunStepID,
		ProviderID:     params.ProviderID,
		ProviderJobID:  params.ProviderJobID,
		MediaType:      params.MediaType,
		Status:         store.JobStatusPending,
		PollIntervalMs: params.PollIntervalMs,
		TimeoutMs:      params.TimeoutMs,
		InputParams:    params.InputParams,
		CreatedAt:      time.Now(),
	}
	if job.PollIntervalMs <= 0 {
		job.PollIntervalMs = DefaultPollInterval.Milliseconds()
	}
	if job.TimeoutMs <= 0 {
		job.TimeoutMs = DefaultTimeout.Milliseconds()
	}

	if err := t.jobs.CreateJob(ctx, job); err != nil {
		return "", errors.Wrap(err, "submitting generation job")
	}

	t.logger.Info("generation job submitted",
		slog.String(log.JobIDKey, job.ID),
		slog.String(log.TenantIDKey, job.TenantID),
		slog.String("provider_id", job.ProviderID),
		slog.String("media_type", job.MediaType))
	return job.ID, nil
}

// PollUntilComplete drives a job to a terminal state. A concurrency-limiter
// slot scoped to (tenant, resource class) is held for the entire polling
// duration and released on every exit path.
//
// The loop ends when the provider reports completed or failed, when elapsed
// wall-clock time reaches the job's (clamped) timeout, or when the attempt
// count exceeds the hard ceiling, whichever triggers first.
func (t *Tracker) PollUntilComplete(ctx context.Context, tenantID, jobID string, checkStatus CheckStatusFunc) (*store.GenerationJob, error) {
	job, err := t.jobs.GetJob(ctx, tenantID, jobID)
	if err != nil {
		return nil, err
	}
	if job.Status.Terminal() {
		return job, nil
	}

	interval, timeout := t.clamp(job)

	release, err := t.limiter.Acquire(ctx, job.TenantID, ResourceClass(job.MediaType))
	if err != nil {
		return nil, err
	}
	defer release()

	now := time.Now()
	job.Status = store.JobStatusProcessing
	job.StartedAt = &now
	if err := t.jobs.SaveJob(ctx, job); err != nil {
		return nil, errors.Wrap(err, "marking job processing")
	}

	logger := log.WithJobContext(t.logger, job.ID, job.TenantID)
	start := now

	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-time.After(interval):
		}

		job.Attempts++
		metrics.RecordPollAttempt(job.MediaType)

		status, checkErr := checkStatus(ctx, job.ProviderJobID)
		if checkErr != nil {
			// Transient provider/transport failure: persist progress and let
			// the timeout and attempt ceilings bound the retries.
			logger.Warn("provider status check failed",
				slog.Int("attempt", job.Attempts), log.Error(checkErr))
		} else {
			switch status.Status {
			case ProviderStatusCompleted:
				return t.finish(ctx, job, store.JobStatusCompleted, func(j *store.GenerationJob) {
					j.ResultURI = status.ResultURI
					j.CostUSD = status.CostUSD
				})
			case ProviderStatusFailed:
				return t.finish(ctx, job, store.JobStatusFailed, func(j *store.GenerationJob) {
					j.ErrorMessage = status.Error
				})
			}
		}

		if elapsed := time.Since(start); elapsed >= timeout {
			logger.Warn("job polling timed out",
				slog.Int("attempt", job.Attempts), log.Duration("elapsed", elapsed.Milliseconds()))
			job, err := t.finish(ctx, job, store.JobStatusTimedOut, func(j *store.GenerationJob) {
				j.ErrorMessage = fmt.Sprintf("polling timed out after %v", elapsed.Round(time.Second))
			})
			if err != nil {
				return job, err
			}
			return job, &errors.TimeoutError{Operation: "job poll", Duration: elapsed}
		}

		if job.Attempts >= t.bounds.MaxAttempts {
			logger.Warn("job poll attempt ceiling reached", slog.Int("attempt", job.Attempts))
			job, err := t.finish(ctx, job, store.JobStatusTimedOut, func(j *store.GenerationJob) {
				j.ErrorMessage = fmt.Sprintf("attempt ceiling %d reached", t.bounds.MaxAttempts)
			})
			if err != nil {
				return job, err
			}
			return job, &errors.StepError{
				StepID:  job.RunStepID,
				ErrCode: errors.CodePollAttemptsCeiling,
				Message: fmt.Sprintf("job %s exceeded %d poll attempts", job.ID, t.bounds.MaxAttempts),
				Attempt: job.Attempts,
			}
		}

		if err := t.jobs.SaveJob(ctx, job); err != nil {
			return job, errors.Wrap(err, "persisting poll progress")
		}
	}
}

// clamp bounds a job's poll configuration, logging when the caller's values
// were adjusted.
func (t *Tracker) clamp(job *store.GenerationJob) (interval, timeout time.Duration) {
	interval = time.Duration(job.PollIntervalMs) * time.Millisecond
	timeout = time.Duration(job.TimeoutMs) * time.Millisecond

	if interval < t.bounds.MinPollInterval {
		t.logger.Warn("poll interval clamped",
			slog.String(log.JobIDKey, job.ID),
			log.Duration("requested", interval.Milliseconds()),
			log.Duration("clamped_to", t.bounds.MinPollInterval.Milliseconds()))
		interval = t.bounds.MinPollInterval
	}
	if timeout > t.bounds.MaxTimeout {
		t.logger.Warn("poll timeout clamped",
			slog.String(log.JobIDKey, job.ID),
			log.Duration("requested", timeout.Milliseconds()),
			log.Duration("clamped_to", t.bounds.MaxTimeout.Milliseconds()))
		timeout = t.bounds.MaxTimeout
	}
	return interval, timeout
}

func (t *Tracker) finish(ctx context.Context, job *store.GenerationJob, status store.JobStatus, mutate func(*store.GenerationJob)) (*store.GenerationJob, error) {
	now := time.Now()
	job.Status = status
	job.CompletedAt = &now
	if mutate != nil {
		mutate(job)
	}
	metrics.RecordJobComplete(job.MediaType, string(status))
	if err := t.jobs.SaveJob(ctx, job); err != nil {
		return job, errors.Wrap(err, "persisting terminal job state")
	}
	return job, nil
}

// RecoverIncompleteJobs sweeps pending/processing jobs at process start. Any
// job whose elapsed time since creation already exceeds its timeout is
// forcibly moved to timed_out; the rest are left for a live poller to resume.
// The sweep runs in a single transaction so two concurrently starting workers
// cannot both claim the same job.
func (t *Tracker) RecoverIncompleteJobs(ctx context.Context) (int, error) {
	now := time.Now()
	updated, err := t.jobs.UpdateIncomplete(ctx,
		[]store.JobStatus{store.JobStatusPending, store.JobStatusProcessing},
		func(job *store.GenerationJob) bool {
			timeout := time.Duration(job.TimeoutMs) * time.Millisecond
			if timeout > t.bounds.MaxTimeout {
				timeout = t.bounds.MaxTimeout
			}
			if now.Sub(job.CreatedAt) < timeout {
				return false
			}
			job.Status = store.JobStatusTimedOut
			completed := now
			job.CompletedAt = &completed
			job.ErrorMessage = "timed out before recovery sweep"
			return true
		})
	if err != nil {
		return 0, errors.Wrap(err, "recovering incomplete jobs")
	}

	for _, job := range updated {
		metrics.RecordJobComplete(job.MediaType, string(job.Status))
		t.logger.Info("stale job timed out during recovery",
			slog.String(log.JobIDKey, job.ID),
			slog.String(log.TenantIDKey, job.TenantID),
			slog.String("media_type", job.MediaType))
	}
	return len(updated), nil
}

// ResourceClass maps a media type to its concurrency-limited resource class.
// Classes are currently named after media types; unknown classes are rejected
// by the limiter's limit table.
func ResourceClass(mediaType string) string {
	return mediaType
}
