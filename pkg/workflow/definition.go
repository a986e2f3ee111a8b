// Package workflow defines generative workflow definitions: named DAGs of
// steps, each bound to a skill, with per-step retry and cache policy.
package workflow

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/errors"
)

// Default retry policy applied when a step declares none.
const (
	DefaultMaxAttempts = 3
	DefaultBackoffMs   = 1000
)

// CacheScope partitions cache reuse across tenants.
type CacheScope string

const (
	// ScopeGlobal allows any tenant to reuse the cached artifacts.
	ScopeGlobal CacheScope = "global"
	// ScopeTenant restricts reuse to the tenant that produced the artifacts.
	ScopeTenant CacheScope = "tenant"
)

// RetryPolicy controls step retry behavior. Backoff grows exponentially:
// the wait before attempt n+1 is BackoffMs * 2^(n-1).
type RetryPolicy struct {
	MaxAttempts int   `yaml:"max_attempts" json:"maxAttempts"`
	BackoffMs   int64 `yaml:"backoff_ms" json:"backoffMs"`
}

// CachePolicy controls content-addressed caching of step outputs.
type CachePolicy struct {
	Enabled bool       `yaml:"enabled" json:"enabled"`
	Scope   CacheScope `yaml:"scope" json:"scope"`
}

// StepSpec is one node in a workflow's DAG.
//
// Dependencies are held as an explicit list of step ids rather than pointers
// into a node graph; readiness and cycle checks are pure set operations over
// these ids.
type StepSpec struct {
	// ID uniquely identifies the step within its workflow.
	ID string `yaml:"id" json:"id"`

	// SkillID names the skill invoked by this step.
	SkillID string `yaml:"skill" json:"skillId"`

	// DependsOn lists the step ids that must complete before this step runs.
	DependsOn []string `yaml:"depends_on" json:"dependsOn"`

	// Inputs maps input field names to expr expressions evaluated against
	// the run's trigger payload and completed-step outputs. When empty, the
	// step receives the trigger payload unchanged.
	Inputs map[string]string `yaml:"inputs" json:"inputs"`

	// Retry controls attempts and backoff. Zero values take defaults.
	Retry RetryPolicy `yaml:"retry" json:"retry"`

	// Cache controls content-addressed caching for this step.
	Cache CachePolicy `yaml:"cache" json:"cache"`
}

// Definition is an immutable workflow: an ordered list of steps identified by
// (name, version).
type Definition struct {
	Name    string     `yaml:"name" json:"name"`
	Version int        `yaml:"version" json:"version"`
	Steps   []StepSpec `yaml:"steps" json:"steps"`
}

// Load reads and validates a workflow definition from a YAML file.
func Load(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading workflow %s", path)
	}
	return Parse(data)
}

// Parse parses and validates a workflow definition from YAML bytes.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &errors.ValidationError{
			Field:   "workflow",
			Message: fmt.Sprintf("invalid YAML: %v", err),
		}
	}
	def.ApplyDefaults()
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// ApplyDefaults fills zero-valued retry and cache fields.
func (d *Definition) ApplyDefaults() {
	if d.Version == 0 {
		d.Version = 1
	}
	for i := range d.Steps {
		step := &d.Steps[i]
		if step.Retry.MaxAttempts <= 0 {
			step.Retry.MaxAttempts = DefaultMaxAttempts
		}
		if step.Retry.BackoffMs <= 0 {
			step.Retry.BackoffMs = DefaultBackoffMs
		}
		if step.Cache.Scope == "" {
			step.Cache.Scope = ScopeTenant
		}
	}
}

// Step returns the step with the given id, or nil.
func (d *Definition) Step(id string) *StepSpec {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// Validate checks structural invariants: non-empty name and steps, unique
// step ids, known skill ids, dependencies referencing steps in the same
// workflow, valid cache scopes, and an acyclic dependency graph. A workflow
// with a cycle is rejected here rather than deadlocking at run time.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return &errors.ValidationError{Field: "name", Message: "workflow name is required"}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{Field: "steps", Message: "workflow must have at least one step"}
	}

	ids := make(map[string]bool, len(d.Steps))
	for _, step := range d.Steps {
		if step.ID == "" {
			return &errors.ValidationError{Field: "steps.id", Message: "step id is required"}
		}
		if step.SkillID == "" {
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.skill", step.ID),
				Message: "step skill is required",
			}
		}
		if ids[step.ID] {
			return &errors.ValidationError{
				Field:   "steps.id",
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			}
		}
		ids[step.ID] = true

		switch step.Cache.Scope {
		case ScopeGlobal, ScopeTenant:
		default:
			return &errors.ValidationError{
				Field:   fmt.Sprintf("steps.%s.cache.scope", step.ID),
				Message: fmt.Sprintf("unknown cache scope %q", step.Cache.Scope),
			}
		}
	}

	for _, step := range d.Steps {
		for _, dep := range step.DependsOn {
			if !ids[dep] {
				return &errors.ValidationError{
					Field:      fmt.Sprintf("steps.%s.depends_on", step.ID),
					Message:    fmt.Sprintf("dependency %q does not exist in workflow %q", dep, d.Name),
					Suggestion: "dependencies must reference step ids in the same workflow",
				}
			}
		}
	}

	return d.checkCycles()
}

// DFS colors for cycle detection.
const (
	colorWhite = iota // unvisited
	colorGray         // on the current DFS path
	colorBlack        // fully explored
)

// checkCycles detects dependency cycles with depth-first search and color
// marking. A gray node reached again means a back edge, hence a cycle.
func (d *Definition) checkCycles() error {
	colors := make(map[string]int, len(d.Steps))

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = colorGray
		step := d.Step(id)
		for _, dep := range step.DependsOn {
			switch colors[dep] {
			case colorGray:
				return []string{dep, id}
			case colorWhite:
				if cycle := visit(dep); cycle != nil {
					return append(cycle, id)
				}
			}
		}
		colors[id] = colorBlack
		return nil
	}

	for _, step := range d.Steps {
		if colors[step.ID] == colorWhite {
			if cycle := visit(step.ID); cycle != nil {
				return &errors.ValidationError{
					Field:   "steps",
					Message: fmt.Sprintf("dependency cycle in workflow %q: %v", d.Name, cycle),
				}
			}
		}
	}
	return nil
}
