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

// Package cache provides the content-addressed step cache.
//
// A hit short-circuits skill execution entirely: the orchestration loop
// records cacheHit=true with the artifact identifiers a prior run produced,
// with no re-invocation of the skill and no limiter slot consumed. Entries
// are only written after a successful execution that produced at least one
// artifact; failed executions are never cached.
package cache

import (
	"context"
	"log/slog"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/internal/store"
	"github.com/loomworks/loom/pkg/errors"
)

// StepCache wraps a CacheStore with lookup/record semantics.
type StepCache struct {
	store  store.CacheStore
	logger *slog.Logger
}

// New creates a StepCache over the given store.
func New(cs store.CacheStore, logger *slog.Logger) *StepCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &StepCache{store: cs, logger: logger}
}

// Lookup returns the artifact ids previously produced for cacheKey, if the
// entry is visible to the tenant. The second return value reports a hit.
func (c *StepCache) Lookup(ctx context.Context, tenantID, cacheKey string) ([]string, bool, error) {
	entry, err := c.store.GetEntry(ctx, tenantID, cacheKey)
	if err != nil {
		return nil, false, errors.Wrap(err, "cache lookup")
	}
	if entry == nil || len(entry.ArtifactIDs) == 0 {
		metrics.RecordCacheLookup(false)
		return nil, false, nil
	}
	metrics.RecordCacheLookup(true)
	return entry.ArtifactIDs, true, nil
}

// Record writes a cache entry for a successful execution. Entries with no
// artifacts are rejected; entries for existing keys are redundant no-ops.
func (c *StepCache) Record(ctx context.Context, entry *store.CacheEntry) error {
	if len(entry.ArtifactIDs) == 0 {
		return &errors.ValidationError{
			Field:   "artifactIds",
			Message: "cache entries require at least one artifact",
		}
	}
	if err := c.store.PutEntry(ctx, entry); err != nil {
		return errors.Wrap(err, "cache record")
	}
	c.logger.Debug("cache entry recorded",
		slog.String("cache_key", entry.CacheKey),
		slog.String("scope", entry.Scope),
		slog.Int("artifacts", len(entry.ArtifactIDs)))
	return nil
}
