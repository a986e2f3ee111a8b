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

// Package sqlite provides a SQLite store implementation for single-node
// deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

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

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}
	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			workflow_name TEXT NOT NULL,
			workflow_version INTEGER NOT NULL,
			trigger_payload TEXT,
			status TEXT NOT NULL,
			error TEXT,
			duration_ms INTEGER DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_tenant ON runs(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE TABLE IF NOT EXISTS run_steps (
			id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			skill_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input_hash TEXT,
			attempt INTEGER DEFAULT 1,
			output_artifact_ids TEXT,
			error TEXT,
			cache_hit INTEGER DEFAULT 0,
			duration_ms INTEGER DEFAULT 0,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id),
			FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS idx_run_steps_run_id ON run_steps(run_id)`,
		`CREATE TABLE IF NOT EXISTS cache_entries (
			cache_key TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			step_id TEXT NOT NULL,
			input_hash TEXT NOT NULL,
			artifact_ids TEXT NOT NULL,
			scope TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS generation_jobs (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			run_step_id TEXT NOT NULL,
			provider_id TEXT NOT NULL,
			provider_job_id TEXT,
			media_type TEXT NOT NULL,
			status TEXT NOT NULL,
			poll_interval_ms INTEGER NOT NULL,
			timeout_ms INTEGER NOT NULL,
			attempts INTEGER DEFAULT 0,
			input_params TEXT,
			result_uri TEXT,
			error_message TEXT,
			cost_usd REAL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generation_jobs_status ON generation_jobs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_generation_jobs_tenant ON generation_jobs(tenant_id)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// nonTerminalRunStatuses guards terminal-run immutability at the SQL level.
const nonTerminalRunStatuses = `('queued', 'running')`

// CreateRun creates a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	payloadJSON, err := json.Marshal(run.TriggerPayload)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger payload: %w", err)
	}

	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant_id, workflow_name, workflow_version, trigger_payload,
			status, error, duration_ms, started_at, completed_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, NULL, 0, NULL, NULL, ?, ?)
	`,
		run.ID, run.TenantID, run.WorkflowName, run.WorkflowVersion, string(payloadJSON),
		string(run.Status), formatTime(&now), formatTime(&now),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

// GetRun retrieves a run by tenant and id.
func (s *Store) GetRun(ctx context.Context, tenantID, id string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, tenant_id, workflow_name, workflow_version, trigger_payload,
			status, error, duration_ms, started_at, completed_at, created_at, updated_at
		FROM runs WHERE id = ? AND tenant_id = ?
	`, id, tenantID)

	var run store.Run
	var payloadJSON, errJSON sql.NullString
	var startedAt, completedAt, createdAt, updatedAt sql.NullString

	err := row.Scan(
		&run.ID, &run.TenantID, &run.WorkflowName, &run.WorkflowVersion, &payloadJSON,
		&run.Status, &errJSON, &run.DurationMs, &startedAt, &completedAt, &createdAt, &updatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &run.TriggerPayload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trigger payload: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		var runErr store.RunError
		if err := json.Unmarshal([]byte(errJSON.String), &runErr); err == nil {
			run.Error = &runErr
		}
	}
	run.StartedAt = parseTimePtr(startedAt)
	run.CompletedAt = parseTimePtr(completedAt)
	run.CreatedAt = parseTime(createdAt)
	run.UpdatedAt = parseTime(updatedAt)
	return &run, nil
}

// UpdateRunStatus transitions a run's status. Terminal runs are immutable;
// the status predicate in the UPDATE enforces that atomically.
func (s *Store) UpdateRunStatus(ctx context.Context, tenantID, id string, status store.RunStatus, runErr *store.RunError) error {
	var errJSON []byte
	if runErr != nil {
		var err error
		errJSON, err = json.Marshal(runErr)
		if err != nil {
			return fmt.Errorf("failed to marshal run error: %w", err)
		}
	}

	now := time.Now()
	var res sql.Result
	var err error
	switch {
	case status == store.RunStatusRunning:
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, updated_at = ?,
				started_at = COALESCE(started_at, ?)
			WHERE id = ? AND tenant_id = ? AND status IN `+nonTerminalRunStatuses,
			string(status), nullBytes(errJSON), formatTime(&now), formatTime(&now), id, tenantID)
	case status.Terminal():
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, updated_at = ?, completed_at = ?,
				duration_ms = CASE WHEN started_at IS NOT NULL
					THEN CAST((julianday(?) - julianday(started_at)) * 86400000 AS INTEGER)
					ELSE 0 END
			WHERE id = ? AND tenant_id = ? AND status IN `+nonTerminalRunStatuses,
			string(status), nullBytes(errJSON), formatTime(&now), formatTime(&now), formatTime(&now), id, tenantID)
	default:
		res, err = s.db.ExecContext(ctx, `
			UPDATE runs SET status = ?, error = ?, updated_at = ?
			WHERE id = ? AND tenant_id = ? AND status IN `+nonTerminalRunStatuses,
			string(status), nullBytes(errJSON), formatTime(&now), id, tenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}
	return s.checkAffected(ctx, res, "run", id,
		`SELECT COUNT(*) FROM runs WHERE id = ? AND tenant_id = ?`, id, tenantID)
}

// CreateSteps materializes the run's step records.
func (s *Store) CreateSteps(ctx context.Context, steps []*store.RunStep) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now()
	for _, step := range steps {
		artifactsJSON, err := json.Marshal(step.OutputArtifactIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact ids: %w", err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO run_steps (id, run_id, tenant_id, step_id, skill_id, status,
				input_hash, attempt, output_artifact_ids, error, cache_hit, duration_ms,
				created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, 0, 0, ?, ?)
		`,
			step.ID, step.RunID, step.TenantID, step.StepID, step.SkillID, string(step.Status),
			nullString(step.InputHash), step.Attempt, string(artifactsJSON),
			formatTime(&now), formatTime(&now),
		)
		if err != nil {
			return fmt.Errorf("failed to create step %s: %w", step.StepID, err)
		}
		step.CreatedAt = now
		step.UpdatedAt = now
	}
	return tx.Commit()
}

const stepColumns = `id, run_id, tenant_id, step_id, skill_id, status, input_hash,
	attempt, output_artifact_ids, error, cache_hit, duration_ms, created_at, updated_at`

// ListSteps returns all step records for a run.
func (s *Store) ListSteps(ctx context.Context, tenantID, runID string) ([]*store.RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = ? AND tenant_id = ? ORDER BY created_at, step_id`,
		runID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*store.RunStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// GetStep returns the step record for (runID, stepID).
func (s *Store) GetStep(ctx context.Context, tenantID, runID, stepID string) (*store.RunStep, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+stepColumns+` FROM run_steps WHERE run_id = ? AND step_id = ? AND tenant_id = ?`,
		runID, stepID, tenantID)
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "step", ID: runID + "/" + stepID}
	}
	return step, err
}

// nonTerminalStepStatuses guards terminal-step immutability at the SQL level.
const nonTerminalStepStatuses = `('pending', 'running')`

// UpdateStepStatus transitions a step's status with an optional result or
// error payload. Terminal steps never regress.
func (s *Store) UpdateStepStatus(ctx context.Context, tenantID, runID, stepID string, status store.StepStatus, result *store.StepResult, stepErr *store.StepError) error {
	now := time.Now()

	artifactsJSON := []byte("[]")
	cacheHit := 0
	var durationMs int64
	if result != nil {
		var err error
		artifactsJSON, err = json.Marshal(result.OutputArtifactIDs)
		if err != nil {
			return fmt.Errorf("failed to marshal artifact ids: %w", err)
		}
		if result.CacheHit {
			cacheHit = 1
		}
		durationMs = result.DurationMs
	}

	var errJSON []byte
	if stepErr != nil {
		var err error
		errJSON, err = json.Marshal(stepErr)
		if err != nil {
			return fmt.Errorf("failed to marshal step error: %w", err)
		}
	}

	var res sql.Result
	var err error
	if result != nil {
		res, err = s.db.ExecContext(ctx, `
			UPDATE run_steps SET status = ?, output_artifact_ids = ?, cache_hit = ?,
				duration_ms = ?, error = ?, updated_at = ?
			WHERE run_id = ? AND step_id = ? AND tenant_id = ? AND status IN `+nonTerminalStepStatuses,
			string(status), string(artifactsJSON), cacheHit, durationMs,
			nullBytes(errJSON), formatTime(&now), runID, stepID, tenantID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE run_steps SET status = ?, error = ?, updated_at = ?
			WHERE run_id = ? AND step_id = ? AND tenant_id = ? AND status IN `+nonTerminalStepStatuses,
			string(status), nullBytes(errJSON), formatTime(&now), runID, stepID, tenantID)
	}
	if err != nil {
		return fmt.Errorf("failed to update step status: %w", err)
	}
	return s.checkAffected(ctx, res, "step", runID+"/"+stepID,
		`SELECT COUNT(*) FROM run_steps WHERE run_id = ? AND step_id = ? AND tenant_id = ?`,
		runID, stepID, tenantID)
}

// IncrementStepAttempt bumps the step's attempt counter.
func (s *Store) IncrementStepAttempt(ctx context.Context, tenantID, runID, stepID string) (int, error) {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		UPDATE run_steps SET attempt = attempt + 1, updated_at = ?
		WHERE run_id = ? AND step_id = ? AND tenant_id = ?
	`, formatTime(&now), runID, stepID, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to increment attempt: %w", err)
	}

	var attempt int
	err = s.db.QueryRowContext(ctx,
		`SELECT attempt FROM run_steps WHERE run_id = ? AND step_id = ? AND tenant_id = ?`,
		runID, stepID, tenantID).Scan(&attempt)
	if err == sql.ErrNoRows {
		return 0, &errors.NotFoundError{Resource: "step", ID: runID + "/" + stepID}
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read attempt: %w", err)
	}
	return attempt, nil
}

// UpdateStepInputHash replaces the stored input hash.
func (s *Store) UpdateStepInputHash(ctx context.Context, tenantID, runID, stepID, inputHash string) error {
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE run_steps SET input_hash = ?, updated_at = ?
		WHERE run_id = ? AND step_id = ? AND tenant_id = ?
	`, inputHash, formatTime(&now), runID, stepID, tenantID)
	if err != nil {
		return fmt.Errorf("failed to update input hash: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "step", ID: runID + "/" + stepID}
	}
	return nil
}

// GetEntry looks up a cache entry visible to the tenant: global-scoped
// entries, or tenant-scoped entries the tenant itself produced.
func (s *Store) GetEntry(ctx context.Context, tenantID, cacheKey string) (*store.CacheEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT cache_key, workflow_name, step_id, input_hash, artifact_ids, scope, tenant_id, created_at
		FROM cache_entries
		WHERE cache_key = ? AND (scope = 'global' OR tenant_id = ?)
	`, cacheKey, tenantID)

	var entry store.CacheEntry
	var artifactsJSON string
	var createdAt sql.NullString
	err := row.Scan(&entry.CacheKey, &entry.WorkflowName, &entry.StepID, &entry.InputHash,
		&artifactsJSON, &entry.Scope, &entry.TenantID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cache entry: %w", err)
	}
	if err := json.Unmarshal([]byte(artifactsJSON), &entry.ArtifactIDs); err != nil {
		return nil, fmt.Errorf("failed to unmarshal artifact ids: %w", err)
	}
	entry.CreatedAt = parseTime(createdAt)
	return &entry, nil
}

// PutEntry records a cache entry. INSERT OR IGNORE keeps keys write-once.
func (s *Store) PutEntry(ctx context.Context, entry *store.CacheEntry) error {
	artifactsJSON, err := json.Marshal(entry.ArtifactIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal artifact ids: %w", err)
	}
	now := time.Now()
	_, err = s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO cache_entries
			(cache_key, workflow_name, step_id, input_hash, artifact_ids, scope, tenant_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.CacheKey, entry.WorkflowName, entry.StepID, entry.InputHash,
		string(artifactsJSON), entry.Scope, entry.TenantID, formatTime(&now))
	if err != nil {
		return fmt.Errorf("failed to put cache entry: %w", err)
	}
	return nil
}

const jobColumns = `id, tenant_id, run_id, run_step_id, provider_id, provider_job_id,
	media_type, status, poll_interval_ms, timeout_ms, attempts, input_params,
	result_uri, error_message, cost_usd, started_at, completed_at, created_at`

// CreateJob persists a new job.
func (s *Store) CreateJob(ctx context.Context, job *store.GenerationJob) error {
	paramsJSON, err := json.Marshal(job.InputParams)
	if err != nil {
		return fmt.Errorf("failed to marshal input params: %w", err)
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO generation_jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		job.ID, job.TenantID, job.RunID, job.RunStepID, job.ProviderID,
		nullString(job.ProviderJobID), job.MediaType, string(job.Status),
		job.PollIntervalMs, job.TimeoutMs, job.Attempts, string(paramsJSON),
		nullString(job.ResultURI), nullString(job.ErrorMessage), job.CostUSD,
		formatTime(job.StartedAt), formatTime(job.CompletedAt), formatTime(&job.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}
	return nil
}

// GetJob retrieves a job by tenant and id.
func (s *Store) GetJob(ctx context.Context, tenantID, id string) (*store.GenerationJob, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE id = ? AND tenant_id = ?`,
		id, tenantID)
	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "job", ID: id}
	}
	return job, err
}

// SaveJob updates the full job record.
func (s *Store) SaveJob(ctx context.Context, job *store.GenerationJob) error {
	return s.saveJob(ctx, s.db, job)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) saveJob(ctx context.Context, db execer, job *store.GenerationJob) error {
	paramsJSON, err := json.Marshal(job.InputParams)
	if err != nil {
		return fmt.Errorf("failed to marshal input params: %w", err)
	}
	res, err := db.ExecContext(ctx, `
		UPDATE generation_jobs SET
			provider_job_id = ?, media_type = ?, status = ?, poll_interval_ms = ?,
			timeout_ms = ?, attempts = ?, input_params = ?, result_uri = ?,
			error_message = ?, cost_usd = ?, started_at = ?, completed_at = ?
		WHERE id = ? AND tenant_id = ?
	`,
		nullString(job.ProviderJobID), job.MediaType, string(job.Status), job.PollIntervalMs,
		job.TimeoutMs, job.Attempts, string(paramsJSON), nullString(job.ResultURI),
		nullString(job.ErrorMessage), job.CostUSD, formatTime(job.StartedAt),
		formatTime(job.CompletedAt), job.ID, job.TenantID,
	)
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return &errors.NotFoundError{Resource: "job", ID: job.ID}
	}
	return nil
}

// UpdateIncomplete runs fn over every job in the given statuses inside one
// transaction. SQLite admits a single writer at a time, so the transaction
// gives the same guarantee as row-level locking: two concurrent recovery
// sweeps cannot both claim the same job.
func (s *Store) UpdateIncomplete(ctx context.Context, statuses []store.JobStatus, fn func(job *store.GenerationJob) bool) ([]*store.GenerationJob, error) {
	if len(statuses) == 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := ""
	args := make([]any, 0, len(statuses))
	for i, st := range statuses {
		if i > 0 {
			placeholders += ", "
		}
		placeholders += "?"
		args = append(args, string(st))
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM generation_jobs WHERE status IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query incomplete jobs: %w", err)
	}

	var candidates []*store.GenerationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, job)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	var updated []*store.GenerationJob
	for _, job := range candidates {
		if fn(job) {
			if err := s.saveJob(ctx, tx, job); err != nil {
				return nil, err
			}
			updated = append(updated, job)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit recovery sweep: %w", err)
	}
	return updated, nil
}

// checkAffected distinguishes a guarded no-op update (terminal record) from a
// missing record.
func (s *Store) checkAffected(ctx context.Context, res sql.Result, resource, id, countQuery string, args ...any) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if n > 0 {
		return nil
	}
	var count int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&count); err != nil {
		return fmt.Errorf("failed to check %s existence: %w", resource, err)
	}
	if count == 0 {
		return &errors.NotFoundError{Resource: resource, ID: id}
	}
	return fmt.Errorf("%s %s is terminal; refusing status transition", resource, id)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanStep(row scanner) (*store.RunStep, error) {
	var step store.RunStep
	var inputHash, artifactsJSON, errJSON sql.NullString
	var cacheHit int
	var createdAt, updatedAt sql.NullString

	err := row.Scan(
		&step.ID, &step.RunID, &step.TenantID, &step.StepID, &step.SkillID, &step.Status,
		&inputHash, &step.Attempt, &artifactsJSON, &errJSON, &cacheHit, &step.DurationMs,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	step.InputHash = inputHash.String
	step.CacheHit = cacheHit != 0
	if artifactsJSON.Valid && artifactsJSON.String != "" {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &step.OutputArtifactIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal artifact ids: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" {
		var stepErr store.StepError
		if err := json.Unmarshal([]byte(errJSON.String), &stepErr); err == nil {
			step.Error = &stepErr
		}
	}
	step.CreatedAt = parseTime(createdAt)
	step.UpdatedAt = parseTime(updatedAt)
	return &step, nil
}

func scanJob(row scanner) (*store.GenerationJob, error) {
	var job store.GenerationJob
	var providerJobID, paramsJSON, resultURI, errorMessage sql.NullString
	var startedAt, completedAt, createdAt sql.NullString

	err := row.Scan(
		&job.ID, &job.TenantID, &job.RunID, &job.RunStepID, &job.ProviderID, &providerJobID,
		&job.MediaType, &job.Status, &job.PollIntervalMs, &job.TimeoutMs, &job.Attempts,
		&paramsJSON, &resultURI, &errorMessage, &job.CostUSD,
		&startedAt, &completedAt, &createdAt,
	)
	if err != nil {
		return nil, err
	}

	job.ProviderJobID = providerJobID.String
	job.ResultURI = resultURI.String
	job.ErrorMessage = errorMessage.String
	if paramsJSON.Valid && paramsJSON.String != "" {
		if err := json.Unmarshal([]byte(paramsJSON.String), &job.InputParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input params: %w", err)
		}
	}
	job.StartedAt = parseTimePtr(startedAt)
	job.CompletedAt = parseTimePtr(completedAt)
	job.CreatedAt = parseTime(createdAt)
	return &job, nil
}

func formatTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func parseTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	t, _ := time.Parse(time.RFC3339Nano, s.String)
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
