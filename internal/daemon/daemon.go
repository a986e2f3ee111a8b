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

// Package daemon wires the orchestration core into a long-running process:
// persistence, the concurrency limiter, the job tracker, workflow loading,
// worker goroutines consuming the trigger queue, and the metrics endpoint.
package daemon

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/loomworks/loom/internal/cache"
	"github.com/loomworks/loom/internal/config"
	"github.com/loomworks/loom/internal/jobs"
	"github.com/loomworks/loom/internal/limiter"
	"github.com/loomworks/loom/internal/log"
	"github.com/loomworks/loom/internal/orchestrator"
	"github.com/loomworks/loom/internal/queue"
	"github.com/loomworks/loom/internal/skill"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/internal/store/memory"
	"github.com/loomworks/loom/internal/store/sqlite"
	"github.com/loomworks/loom/pkg/errors"
	"github.com/loomworks/loom/pkg/workflow"
)

// Daemon is the assembled orchestration process.
type Daemon struct {
	cfg          *config.Config
	store        store.Store
	limiter      *limiter.Limiter
	tracker      *jobs.Tracker
	orchestrator *orchestrator.Orchestrator
	registry     *skill.Registry
	queue        *queue.TriggerQueue
	workflows    map[string]*workflow.Definition
	logger       *slog.Logger
}

// New assembles a Daemon from configuration. Skills must be registered on the
// returned daemon's Registry before Run is called.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var st store.Store
	var err error
	switch cfg.Store.Driver {
	case "memory":
		st = memory.New()
	case "sqlite":
		st, err = sqlite.New(sqlite.Config{Path: cfg.Store.Path, WAL: true})
		if err != nil {
			return nil, errors.Wrap(err, "opening sqlite store")
		}
	default:
		return nil, &errors.ConfigError{Key: "store.driver", Reason: "unknown driver " + cfg.Store.Driver}
	}

	lim := limiter.New(cfg.Limits, cfg.MaxQueue, log.WithComponent(logger, "limiter"))
	tracker := jobs.NewTracker(st, lim, jobs.Bounds{
		MinPollInterval: cfg.Poll.MinInterval,
		MaxTimeout:      cfg.Poll.MaxTimeout,
		MaxAttempts:     cfg.Poll.MaxAttempts,
	}, log.WithComponent(logger, "jobs"))

	registry := skill.NewRegistry()
	stepCache := cache.New(st, log.WithComponent(logger, "cache"))
	orch := orchestrator.New(st, registry, stepCache, orchestrator.Options{
		SkillTimeout: cfg.SkillTimeout,
	}, log.WithComponent(logger, "orchestrator"))

	d := &Daemon{
		cfg:          cfg,
		store:        st,
		limiter:      lim,
		tracker:      tracker,
		orchestrator: orch,
		registry:     registry,
		queue:        queue.New(),
		workflows:    make(map[string]*workflow.Definition),
		logger:       logger,
	}

	if err := d.loadWorkflows(); err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

// Registry exposes the skill registry for wiring skills at startup.
func (d *Daemon) Registry() *skill.Registry { return d.registry }

// Tracker exposes the job tracker, for provider skill construction.
func (d *Daemon) Tracker() *jobs.Tracker { return d.tracker }

// Workflow returns a loaded workflow definition by name.
func (d *Daemon) Workflow(name string) (*workflow.Definition, error) {
	def, ok := d.workflows[name]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: name}
	}
	return def, nil
}

// loadWorkflows reads every *.yaml/*.yml under the workflows directory. A
// missing directory is not an error; the daemon can run with zero workflows
// and have definitions submitted later.
func (d *Daemon) loadWorkflows() error {
	entries, err := os.ReadDir(d.cfg.WorkflowsDir)
	if err != nil {
		if os.IsNotExist(err) {
			d.logger.Warn("workflows directory missing", slog.String("dir", d.cfg.WorkflowsDir))
			return nil
		}
		return errors.Wrap(err, "reading workflows directory")
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		def, err := workflow.Load(filepath.Join(d.cfg.WorkflowsDir, name))
		if err != nil {
			return errors.Wrapf(err, "loading workflow %s", name)
		}
		d.workflows[def.Name] = def
		d.logger.Info("workflow loaded",
			slog.String(log.WorkflowKey, def.Name),
			slog.Int("version", def.Version),
			slog.Int("steps", len(def.Steps)))
	}
	return nil
}

// SubmitRun creates a run for a loaded workflow and enqueues it.
func (d *Daemon) SubmitRun(ctx context.Context, tenantID, workflowName string, trigger map[string]any) (*store.Run, error) {
	def, err := d.Workflow(workflowName)
	if err != nil {
		return nil, err
	}
	run, err := d.orchestrator.CreateRun(ctx, tenantID, def, trigger)
	if err != nil {
		return nil, err
	}
	if err := d.queue.Enqueue(&queue.Trigger{
		RunID:        run.ID,
		TenantID:     tenantID,
		WorkflowName: workflowName,
	}); err != nil {
		return nil, err
	}
	return run, nil
}

// Run starts the daemon and blocks until ctx is cancelled, then shuts down
// gracefully: the trigger queue closes, workers drain, the store closes.
func (d *Daemon) Run(ctx context.Context) error {
	swept, err := d.tracker.RecoverIncompleteJobs(ctx)
	if err != nil {
		return err
	}
	d.logger.Info("recovery sweep finished", slog.Int("jobs_timed_out", swept))

	g, gctx := errgroup.WithContext(ctx)

	var metricsSrv *http.Server
	if d.cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: d.cfg.MetricsAddr, Handler: mux}
		g.Go(func() error {
			d.logger.Info("metrics endpoint listening", slog.String("addr", d.cfg.MetricsAddr))
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return err
			}
			return nil
		})
	}

	for i := 0; i < d.cfg.Workers; i++ {
		worker := i
		g.Go(func() error {
			return d.runWorker(gctx, worker)
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		d.queue.Close()
		if metricsSrv != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), d.cfg.ShutdownTimeout)
			defer cancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}
		return nil
	})

	err = g.Wait()
	if closeErr := d.store.Close(); closeErr != nil && err == nil {
		err = closeErr
	}
	if err == context.Canceled {
		return nil
	}
	return err
}

// runWorker consumes triggers until the queue closes or the context ends.
func (d *Daemon) runWorker(ctx context.Context, id int) error {
	logger := d.logger.With(slog.Int("worker", id))
	for {
		trigger, err := d.queue.Dequeue(ctx)
		if err != nil {
			if err == queue.ErrClosed || ctx.Err() != nil {
				return nil
			}
			return err
		}

		def, err := d.Workflow(trigger.WorkflowName)
		if err != nil {
			logger.Error("queued run references unknown workflow",
				slog.String(log.RunIDKey, trigger.RunID),
				slog.String(log.WorkflowKey, trigger.WorkflowName))
			continue
		}

		start := time.Now()
		run, err := d.orchestrator.ExecuteRun(ctx, trigger.TenantID, trigger.RunID, def)
		if err != nil {
			logger.Error("run execution fault",
				slog.String(log.RunIDKey, trigger.RunID),
				log.Error(err))
			continue
		}
		logger.Info("run settled",
			slog.String(log.RunIDKey, run.ID),
			slog.String("status", string(run.Status)),
			log.Duration("duration", time.Since(start).Milliseconds()))
	}
}
