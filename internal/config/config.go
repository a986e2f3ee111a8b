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

// Package config loads daemon configuration: built-in defaults, overlaid by
// an optional YAML file, overlaid by environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/errors"
)

// Config is the complete daemon configuration.
type Config struct {
	// Store configures persistence.
	Store StoreConfig `yaml:"store"`

	// Limits is the per-resource-class concurrency limit table.
	Limits map[string]int `yaml:"limits,omitempty"`

	// MaxQueue bounds each limiter key's wait queue.
	// Environment: LOOM_MAX_QUEUE
	MaxQueue int `yaml:"max_queue,omitempty"`

	// Workers is the number of concurrent run-executing workers.
	// Environment: LOOM_WORKERS
	Workers int `yaml:"workers,omitempty"`

	// WorkflowsDir is the directory searched for workflow YAML files.
	// Environment: LOOM_WORKFLOWS_DIR
	WorkflowsDir string `yaml:"workflows_dir,omitempty"`

	// SkillTimeout bounds a single skill execution attempt.
	SkillTimeout time.Duration `yaml:"skill_timeout,omitempty"`

	// Poll bounds job polling behavior.
	Poll PollConfig `yaml:"poll"`

	// MetricsAddr is the listen address for the Prometheus endpoint.
	// Empty disables the endpoint. Environment: LOOM_METRICS_ADDR
	MetricsAddr string `yaml:"metrics_addr,omitempty"`

	// ShutdownTimeout is the maximum wait for graceful shutdown.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`
}

// StoreConfig configures the persistence backend.
type StoreConfig struct {
	// Driver selects the backend: "sqlite" or "memory".
	// Environment: LOOM_STORE_DRIVER
	Driver string `yaml:"driver,omitempty"`

	// Path is the SQLite database file path.
	// Environment: LOOM_STORE_PATH
	Path string `yaml:"path,omitempty"`
}

// PollConfig bounds generation-job polling.
type PollConfig struct {
	// MinInterval is the floor applied to caller poll intervals.
	MinInterval time.Duration `yaml:"min_interval,omitempty"`

	// MaxTimeout is the ceiling applied to caller poll timeouts.
	MaxTimeout time.Duration `yaml:"max_timeout,omitempty"`

	// MaxAttempts is the hard per-job poll attempt ceiling.
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "loom.db",
		},
		Limits: map[string]int{
			"image":     5,
			"video":     2,
			"audio_sfx": 2,
			"audio_bgm": 2,
			"model_3d":  2,
		},
		MaxQueue:     100,
		Workers:      4,
		WorkflowsDir: "workflows",
		SkillTimeout: 10 * time.Minute,
		Poll: PollConfig{
			MinInterval: time.Second,
			MaxTimeout:  15 * time.Minute,
			MaxAttempts: 1000,
		},
		MetricsAddr:     ":9090",
		ShutdownTimeout: 30 * time.Second,
	}
}

// Load builds the effective configuration: defaults, then the YAML file at
// path (if non-empty), then environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: fmt.Sprintf("reading %s", path), Cause: err}
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, &errors.ConfigError{Key: "file", Reason: fmt.Sprintf("parsing %s", path), Cause: err}
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("LOOM_STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv("LOOM_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("LOOM_WORKFLOWS_DIR"); v != "" {
		cfg.WorkflowsDir = v
	}
	if v := os.Getenv("LOOM_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}
	if v := os.Getenv("LOOM_MAX_QUEUE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxQueue = n
		}
	}
	if v := os.Getenv("LOOM_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Workers = n
		}
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return &errors.ConfigError{
			Key:    "store.driver",
			Reason: fmt.Sprintf("unknown driver %q (want sqlite or memory)", c.Store.Driver),
		}
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return &errors.ConfigError{Key: "store.path", Reason: "sqlite driver requires a path"}
	}
	for class, limit := range c.Limits {
		if limit <= 0 {
			return &errors.ConfigError{
				Key:    "limits." + class,
				Reason: fmt.Sprintf("limit must be positive, got %d", limit),
			}
		}
	}
	if c.MaxQueue <= 0 {
		return &errors.ConfigError{Key: "max_queue", Reason: "must be positive"}
	}
	if c.Workers <= 0 {
		return &errors.ConfigError{Key: "workers", Reason: "must be positive"}
	}
	if c.Poll.MinInterval <= 0 {
		return &errors.ConfigError{Key: "poll.min_interval", Reason: "must be positive"}
	}
	if c.Poll.MaxTimeout < c.Poll.MinInterval {
		return &errors.ConfigError{Key: "poll.max_timeout", Reason: "must be at least poll.min_interval"}
	}
	if c.Poll.MaxAttempts <= 0 {
		return &errors.ConfigError{Key: "poll.max_attempts", Reason: "must be positive"}
	}
	return nil
}
