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
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/limiter"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/store/memory"
	"github.com/loomworks/loom/pkg/errors"
)

func newTestTracker(bounds Bounds) (*Tracker, *memory.Store, *limiter.Limiter) {
	st := memory.New()
	lim := limiter.New(map[string]int{"image": 2, "video": 1}, 10, nil)
	return NewTracker(st, lim, bounds, nil), st, lim
}

func fastBounds() Bounds {
	return Bounds{MinPollInterval: time.Millisecond, MaxTimeout: time.Minute, MaxAttempts: 100}
}

func TestSubmitCreatesPendingJob(t *testing.T) {
	tracker, st, _ := newTestTracker(fastBounds())
	ctx := context.Background()

	id, err := tracker.Submit(ctx, SubmitParams{
		TenantID:  "t1",
		RunID:     "r1",
		MediaType: "image",
	})
	require.NoError(t, err)

	job, err := st.GetJob(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusPending, job.Status)
	assert.Equal(t, DefaultPollInterval.Milliseconds(), job.PollIntervalMs)
	assert.Equal(t, DefaultTimeout.Milliseconds(), job.TimeoutMs)
}

func TestSubmitRequiresTenant(t *testing.T) {
	tracker, _, _ := newTestTracker(fastBounds())
	_, err := tracker.Submit(context.Background(), SubmitParams{MediaType: "image"})
	var vErr *errors.ValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestPollUntilCompleteSuccess(t *testing.T) {
	tracker, _, lim := newTestTracker(fastBounds())
	ctx := context.Background()

	id, err := tracker.Submit(ctx, SubmitParams{
		TenantID: "t1", MediaType: "image", PollIntervalMs: 1, TimeoutMs: 5000,
	})
	require.NoError(t, err)

	polls := 0
	job, err := tracker.PollUntilComplete(ctx, "t1", id, func(ctx context.Context, providerJobID string) (ProviderStatus, error) {
		polls++
		if polls < 3 {
			return ProviderStatus{Status: "processing"}, nil
		}
		return ProviderStatus{Status: ProviderStatusCompleted, ResultURI: "s3://out/img.png", CostUSD: 0.04}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	assert.Equal(t, "s3://out/img.png", job.ResultURI)
	assert.Equal(t, 0.04, job.CostUSD)
	assert.Equal(t, 3, job.Attempts)
	assert.NotNil(t, job.StartedAt)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, 0, lim.Active("t1", "image"), "limiter slot leaked")
}

func TestPollUntilCompleteProviderFailure(t *testing.T) {
	tracker, _, lim := newTestTracker(fastBounds())
	ctx := context.Background()

	id, err := tracker.Submit(ctx, SubmitParams{
		TenantID: "t1", MediaType: "video", PollIntervalMs: 1, TimeoutMs: 5000,
	})
	require.NoError(t, err)

	job, err := tracker.PollUntilComplete(ctx, "t1", id, func(ctx context.Context, providerJobID string) (ProviderStatus, error) {
		return ProviderStatus{Status: ProviderStatusFailed, Error: "nsfw filter triggered"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusFailed, job.Status)
	assert.Equal(t, "nsfw filter triggered", job.ErrorMessage)
	assert.Equal(t, 0, lim.Active("t1", "video"), "limiter slot leaked")
}

func TestPollUntilCompleteTimesOut(t *testing.T) {
	tracker, st, lim := newTestTracker(fastBounds())
	ctx := context.Background()

	id, err := tracker.Submit(ctx, SubmitParams{
		TenantID: "t1", MediaType: "image", PollIntervalMs: 1, TimeoutMs: 20,
	})
	require.NoError(t, err)

	_, err = tracker.PollUntilComplete(ctx, "t1", id, func(ctx context.Context, providerJobID string) (ProviderStatus, error) {
		return ProviderStatus{Status: "processing"}, nil
	})
	var tErr *errors.TimeoutError
	require.ErrorAs(t, err, &tErr)

	job, err := st.GetJob(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusTimedOut, job.Status)
	assert.Equal(t, 0, lim.Active("t1", "image"), "limiter slot leaked")
}

func TestPollUntilCompleteAttemptCeiling(t *testing.T) {
	bounds := fastBounds()
	bounds.MaxAttempts = 3
	tracker, st, _ := newTestTracker(bounds)
	ctx := context.Background()

	id, err := tracker.Submit(ctx, SubmitParams{
		TenantID: "t1", MediaType: "image", PollIntervalMs: 1, TimeoutMs: 60000,
	})
	require.NoError(t, err)

	polls := 0
	_, err = tracker.PollUntilComplete(ctx, "t1", id, func(ctx context.Context, providerJobID string) (ProviderStatus, error) {
		polls++
		return ProviderStatus{Status: "processing"}, nil
	})
	require.Error(t, err)
	assert.Equal(t, errors.CodePollAttemptsCeiling, errors.CodeOf(err))
	assert.Equal(t, 3, polls)

	job, err := st.GetJob(ctx, "t1", id)
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusTimedOut, job.Status)
}

func TestPollTransientCheckErrorsTolerated(t *testing.T) {
	tracker, _, _ := newTestTracker(fastBounds())
	ctx := context.Background()

	id, err := tracker.Submit(ctx, SubmitParams{
		TenantID: "t1", MediaType: "image", PollIntervalMs: 1, TimeoutMs: 5000,
	})
	require.NoError(t, err)

	polls := 0
	job, err := tracker.PollUntilComplete(ctx, "t1", id, func(ctx context.Context, providerJobID string) (ProviderStatus, error) {
		polls++
		if polls == 1 {
			return ProviderStatus{}, context.DeadlineExceeded
		}
		return ProviderStatus{Status: ProviderStatusCompleted, ResultURI: "u"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
	assert.Equal(t, 2, job.Attempts)
}

func TestPollTerminalJobReturnsImmediately(t *testing.T) {
	tracker, st, _ := newTestTracker(fastBounds())
	ctx := context.Background()

	done := &store.GenerationJob{
		ID: "j1", TenantID: "t1", MediaType: "image",
		Status: store.JobStatusCompleted, ResultURI: "u", CreatedAt: time.Now(),
	}
	require.NoError(t, st.CreateJob(ctx, done))

	job, err := tracker.PollUntilComplete(ctx, "t1", "j1", func(ctx context.Context, providerJobID string) (ProviderStatus, error) {
		t.Fatal("terminal job must not be polled")
		return ProviderStatus{}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, job.Status)
}

func TestRecoverIncompleteJobs(t *testing.T) {
	tracker, st, _ := newTestTracker(fastBounds())
	ctx := context.Background()

	stale := &store.GenerationJob{
		ID: "stale", TenantID: "t1", MediaType: "image",
		Status: store.JobStatusProcessing, TimeoutMs: 1000,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	fresh := &store.GenerationJob{
		ID: "fresh", TenantID: "t1", MediaType: "image",
		Status: store.JobStatusPending, TimeoutMs: int64(time.Hour / time.Millisecond),
		CreatedAt: time.Now(),
	}
	finished := &store.GenerationJob{
		ID: "finished", TenantID: "t1", MediaType: "image",
		Status: store.JobStatusCompleted, CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.CreateJob(ctx, stale))
	require.NoError(t, st.CreateJob(ctx, fresh))
	require.NoError(t, st.CreateJob(ctx, finished))

	n, err := tracker.RecoverIncompleteJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.GetJob(ctx, "t1", "stale")
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusTimedOut, got.Status)
	assert.NotNil(t, got.CompletedAt)

	got, err = st.GetJob(ctx, "t1", "fresh")
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusPending, got.Status)

	got, err = st.GetJob(ctx, "t1", "finished")
	require.NoError(t, err)
	assert.Equal(t, store.JobStatusCompleted, got.Status)
}

func TestClampBounds(t *testing.T) {
	tracker, _, _ := newTestTracker(Bounds{
		MinPollInterval: time.Second,
		MaxTimeout:      time.Minute,
		MaxAttempts:     10,
	})

	job := &store.GenerationJob{ID: "j", PollIntervalMs: 10, TimeoutMs: int64((2 * time.Hour) / time.Millisecond)}
	interval, timeout := tracker.clamp(job)
	assert.Equal(t, time.Second, interval)
	assert.Equal(t, time.Minute, timeout)

	job = &store.GenerationJob{ID: "j", PollIntervalMs: 5000, TimeoutMs: 30000}
	interval, timeout = tracker.clamp(job)
	assert.Equal(t, 5*time.Second, interval)
	assert.Equal(t, 30*time.Second, timeout)
}

func TestResourceClassIdentity(t *testing.T) {
	for _, mt := range []string{"image", "video", "audio_sfx", "audio_bgm", "model_3d"} {
		if got := ResourceClass(mt); got != mt {
			t.Errorf("ResourceClass(%q) = %q", mt, got)
		}
	}
}
