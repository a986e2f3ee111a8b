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

package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/cache"
	"github.com/loomworks/loom/internal/skill"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/store/memory"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/workflow"
)

type harness struct {
	store    *memory.Store
	registry *skill.Registry
	orch     *Orchestrator
	sleeps   []time.Duration
	mu       sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:    memory.New(),
		registry: skill.NewRegistry(),
	}
	h.orch = New(h.store, h.registry, cache.New(h.store, nil), Options{
		SkillTimeout: time.Minute,
		Sleep: func(ctx context.Context, d time.Duration) error {
			h.mu.Lock()
			h.sleeps = append(h.sleeps, d)
			h.mu.Unlock()
			return nil
		},
	}, nil)
	return h
}

func (h *harness) register(t *testing.T, id string, fn func(ctx context.Context, input map[string]any) (*skill.Result, error)) {
	t.Helper()
	require.NoError(t, h.registry.Register(&skill.FuncSkill{SkillID: id, Fn: fn}))
}

func okResult(artifactID string, data map[string]any) *skill.Result {
	return &skill.Result{
		OK:        true,
		Data:      data,
		Artifacts: []skill.Artifact{{Metadata: skill.Metadata{ID: artifactID}}},
	}
}

func (h *harness) execute(t *testing.T, def *workflow.Definition, trigger map[string]any) *store.Run {
	t.Helper()
	ctx := context.Background()
	run, err := h.orch.CreateRun(ctx, "t1", def, trigger)
	require.NoError(t, err)
	run, err = h.orch.ExecuteRun(ctx, "t1", run.ID, def)
	require.NoError(t, err)
	return run
}

func linearDef() *workflow.Definition {
	def := &workflow.Definition{
		Name: "trailer",
		Steps: []workflow.StepSpec{
			{ID: "script", SkillID: "gen.script"},
			{ID: "render", SkillID: "gen.render", DependsOn: []string{"script"},
				Inputs: map[string]string{"text": `steps.script.data.text`}},
			{ID: "mix", SkillID: "gen.mix", DependsOn: []string{"render"}},
		},
	}
	def.ApplyDefaults()
	return def
}

func TestLinearRunCompletes(t *testing.T) {
	h := newHarness(t)
	var order []string
	var mu sync.Mutex
	record := func(id string) {
		mu.Lock()
		order = append(order, id)
		mu.Unlock()
	}

	h.register(t, "gen.script", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		record("script")
		assert.Equal(t, "noir heist", input["theme"])
		return okResult("art-script", map[string]any{"text": "EXT. BANK - NIGHT"}), nil
	})
	h.register(t, "gen.render", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		record("render")
		assert.Equal(t, "EXT. BANK - NIGHT", input["text"])
		return okResult("art-render", nil), nil
	})
	h.register(t, "gen.mix", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		record("mix")
		return okResult("art-mix", nil), nil
	})

	run := h.execute(t, linearDef(), map[string]any{"theme": "noir heist"})
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Equal(t, []string{"script", "render", "mix"}, order)

	steps, err := h.store.ListSteps(context.Background(), "t1", run.ID)
	require.NoError(t, err)
	for _, s := range steps {
		assert.Equal(t, store.StepStatusCompleted, s.Status, s.StepID)
		assert.Equal(t, 1, s.Attempt, s.StepID)
	}
}

func TestParallelBatchThenJoin(t *testing.T) {
	h := newHarness(t)
	var inFlight, peak atomic.Int32

	slow := func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		n := inFlight.Add(1)
		if n > peak.Load() {
			peak.Store(n)
		}
		time.Sleep(20 * time.Millisecond)
		inFlight.Add(-1)
		return okResult("art", nil), nil
	}
	h.register(t, "gen.a", slow)
	h.register(t, "gen.b", slow)
	h.register(t, "gen.join", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		require.Zero(t, inFlight.Load(), "join dispatched before batch settled")
		return okResult("art-join", nil), nil
	})

	def := &workflow.Definition{
		Name: "fanout",
		Steps: []workflow.StepSpec{
			{ID: "a", SkillID: "gen.a"},
			{ID: "b", SkillID: "gen.b"},
			{ID: "join", SkillID: "gen.join", DependsOn: []string{"a", "b"}},
		},
	}
	def.ApplyDefaults()

	run := h.execute(t, def, nil)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Equal(t, int32(2), peak.Load(), "roots did not run concurrently")
}

func TestRetryWithExponentialBackoff(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, "gen.flaky", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		if calls.Add(1) < 3 {
			return &skill.Result{OK: false, Error: "provider 503"}, nil
		}
		return okResult("art", nil), nil
	})

	def := &workflow.Definition{
		Name: "retrier",
		Steps: []workflow.StepSpec{{
			ID: "a", SkillID: "gen.flaky",
			Retry: workflow.RetryPolicy{MaxAttempts: 3, BackoffMs: 1000},
		}},
	}
	def.ApplyDefaults()

	run := h.execute(t, def, nil)
	assert.Equal(t, store.RunStatusCompleted, run.Status)
	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second}, h.sleeps)

	step, err := h.store.GetStep(context.Background(), "t1", run.ID, "a")
	require.NoError(t, err)
	assert.Equal(t, 3, step.Attempt)
}

func TestRunFailsWithFailedStepID(t *testing.T) {
	h := newHarness(t)
	h.register(t, "gen.script", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		return okResult("art-a", nil), nil
	})
	h.register(t, "gen.render", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		return okResult("art-b", nil), nil
	})
	h.register(t, "gen.mix", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		return &skill.Result{OK: false, Error: "mix crashed", ErrorCode: "MIX_ERROR"}, nil
	})

	def := linearDef()
	def.Steps[1].Inputs = nil
	run := h.execute(t, def, nil)

	assert.Equal(t, store.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, "mix", run.Error.FailedStepID)
	assert.Equal(t, "MIX_ERROR", run.Error.Code)

	// Upstream steps keep their completed status.
	step, err := h.store.GetStep(context.Background(), "t1", run.ID, "script")
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusCompleted, step.Status)

	failed, err := h.store.GetStep(context.Background(), "t1", run.ID, "mix")
	require.NoError(t, err)
	assert.Equal(t, store.StepStatusFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, workflow.DefaultMaxAttempts, failed.Error.Attempt)
}

func TestNonRetryableCodeFailsImmediately(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, "gen.full", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		calls.Add(1)
		return &skill.Result{OK: false, Error: "queue full", ErrorCode: errors.CodeCapacityExceeded}, nil
	})

	def := &workflow.Definition{
		Name: "capped",
		Steps: []workflow.StepSpec{{
			ID: "a", SkillID: "gen.full",
			Retry: workflow.RetryPolicy{MaxAttempts: 5, BackoffMs: 1000},
		}},
	}
	def.ApplyDefaults()

	run := h.execute(t, def, nil)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Equal(t, int32(1), calls.Load(), "backpressure failure was retried")
	assert.Empty(t, h.sleeps)
	assert.Equal(t, errors.CodeCapacityExceeded, run.Error.Code)
}

func TestCacheHitSkipsExecution(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, "gen.render", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		calls.Add(1)
		return okResult("art-cached", nil), nil
	})

	def := &workflow.Definition{
		Name: "cached",
		Steps: []workflow.StepSpec{{
			ID: "render", SkillID: "gen.render",
			Cache: workflow.CachePolicy{Enabled: true, Scope: workflow.ScopeTenant},
		}},
	}
	def.ApplyDefaults()
	trigger := map[string]any{"prompt": "lighthouse storm"}

	first := h.execute(t, def, trigger)
	assert.Equal(t, store.RunStatusCompleted, first.Status)

	second := h.execute(t, def, trigger)
	assert.Equal(t, store.RunStatusCompleted, second.Status)
	assert.Equal(t, int32(1), calls.Load(), "cached step re-executed")

	step, err := h.store.GetStep(context.Background(), "t1", second.ID, "render")
	require.NoError(t, err)
	assert.True(t, step.CacheHit)
	assert.Equal(t, []string{"art-cached"}, step.OutputArtifactIDs)
	assert.Equal(t, 0, step.Attempt)
}

func TestCacheMissOnDifferentInput(t *testing.T) {
	h := newHarness(t)
	var calls atomic.Int32
	h.register(t, "gen.render", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		calls.Add(1)
		return okResult(fmt.Sprintf("art-%d", calls.Load()), nil), nil
	})

	def := &workflow.Definition{
		Name: "cached",
		Steps: []workflow.StepSpec{{
			ID: "render", SkillID: "gen.render",
			Cache: workflow.CachePolicy{Enabled: true, Scope: workflow.ScopeTenant},
		}},
	}
	def.ApplyDefaults()

	h.execute(t, def, map[string]any{"prompt": "a"})
	h.execute(t, def, map[string]any{"prompt": "b"})
	assert.Equal(t, int32(2), calls.Load())
}

func TestDeadlockedRunFails(t *testing.T) {
	h := newHarness(t)
	h.register(t, "gen.a", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		return okResult("art", nil), nil
	})

	// Constructed directly to sidestep definition validation; a graph like
	// this can only reach the executor through a bug upstream, and the run
	// loop must still refuse to spin on it.
	def := &workflow.Definition{
		Name: "stuck",
		Steps: []workflow.StepSpec{
			{ID: "a", SkillID: "gen.a", DependsOn: []string{"b"}},
			{ID: "b", SkillID: "gen.a", DependsOn: []string{"a"}},
		},
	}
	def.ApplyDefaults()

	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.store.CreateRun(ctx, &store.Run{
		ID: "r-stuck", TenantID: "t1", WorkflowName: "stuck",
		Status: store.RunStatusQueued, CreatedAt: now,
	}))
	require.NoError(t, h.store.CreateSteps(ctx, []*store.RunStep{
		{ID: "s1", RunID: "r-stuck", TenantID: "t1", StepID: "a", SkillID: "gen.a", Status: store.StepStatusPending},
		{ID: "s2", RunID: "r-stuck", TenantID: "t1", StepID: "b", SkillID: "gen.a", Status: store.StepStatusPending},
	}))

	run, err := h.orch.ExecuteRun(ctx, "t1", "r-stuck", def)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusFailed, run.Status)
	require.NotNil(t, run.Error)
	assert.Equal(t, errors.CodeDeadlock, run.Error.Code)
}

func TestInputResolutionFailureFailsStep(t *testing.T) {
	h := newHarness(t)
	h.register(t, "gen.a", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		t.Fatal("skill must not run when inputs cannot resolve")
		return nil, nil
	})

	def := &workflow.Definition{
		Name: "badinput",
		Steps: []workflow.StepSpec{{
			ID: "a", SkillID: "gen.a",
			Inputs: map[string]string{"x": `trigger.missing.deeply`},
		}},
	}
	def.ApplyDefaults()

	run := h.execute(t, def, map[string]any{})
	assert.Equal(t, store.RunStatusFailed, run.Status)
	assert.Equal(t, errors.CodeValidation, run.Error.Code)
	assert.Equal(t, "a", run.Error.FailedStepID)
}

func TestCreateRunMaterializesSteps(t *testing.T) {
	h := newHarness(t)
	def := linearDef()

	run, err := h.orch.CreateRun(context.Background(), "t1", def, map[string]any{"theme": "x"})
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusQueued, run.Status)

	steps, err := h.store.ListSteps(context.Background(), "t1", run.ID)
	require.NoError(t, err)
	require.Len(t, steps, 3)
	for _, s := range steps {
		assert.Equal(t, store.StepStatusPending, s.Status)
		assert.NotEmpty(t, s.InputHash, "provisional hash missing on %s", s.StepID)
	}
}

func TestTerminalRunNotReExecuted(t *testing.T) {
	h := newHarness(t)
	h.register(t, "gen.script", func(ctx context.Context, input map[string]any) (*skill.Result, error) {
		return okResult("art", nil), nil
	})

	def := &workflow.Definition{
		Name:  "once",
		Steps: []workflow.StepSpec{{ID: "script", SkillID: "gen.script"}},
	}
	def.ApplyDefaults()

	run := h.execute(t, def, nil)
	require.Equal(t, store.RunStatusCompleted, run.Status)

	again, err := h.orch.ExecuteRun(context.Background(), "t1", run.ID, def)
	require.NoError(t, err)
	assert.Equal(t, store.RunStatusCompleted, again.Status)
}
