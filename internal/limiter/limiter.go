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

// Package limiter bounds concurrent access to scarce external resources.
//
// Admission is controlled per {tenantId}:{resourceClass} key: an active count
// against a static per-class limit, plus a bounded FIFO wait queue. State is
// process-local; a single orchestrating process is assumed.
package limiter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/loomworks/loom/internal/metrics"
	"github.com/loomworks/loom/pkg/errors"
)

// DefaultMaxQueue is the default bound on each key's wait queue.
const DefaultMaxQueue = 100

// DefaultLimits is the static per-resource-class concurrency limit table.
func DefaultLimits() map[string]int {
	return map[string]int{
		"image":     5,
		"video":     2,
		"audio_sfx": 2,
		"audio_bgm": 2,
		"model_3d":  2,
	}
}

type waiter struct {
	ready   chan struct{}
	granted bool
}

type keyState struct {
	active  int
	waiters []*waiter
}

// Limiter is a per-tenant, per-resource-class admission controller.
// Counters and queues are mutated only by Acquire and the returned release
// functions; callers must never touch them directly.
type Limiter struct {
	mu       sync.Mutex
	limits   map[string]int
	maxQueue int
	states   map[string]*keyState
	logger   *slog.Logger
}

// New creates a Limiter with the given per-class limits and wait-queue bound.
func New(limits map[string]int, maxQueue int, logger *slog.Logger) *Limiter {
	if limits == nil {
		limits = DefaultLimits()
	}
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueue
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Limiter{
		limits:   limits,
		maxQueue: maxQueue,
		states:   make(map[string]*keyState),
		logger:   logger,
	}
}

func key(tenantID, resourceClass string) string {
	return fmt.Sprintf("%s:%s", tenantID, resourceClass)
}

// Acquire obtains a slot for (tenantID, resourceClass), suspending the caller
// in FIFO order when the class is saturated. It returns an idempotent release
// function: calling it more than once never double-decrements.
//
// When the wait queue for the key is already at its bound, Acquire fails fast
// with a CapacityError rather than queueing indefinitely. That is a
// backpressure signal, not a retryable condition on the same call.
func (l *Limiter) Acquire(ctx context.Context, tenantID, resourceClass string) (func(), error) {
	limit, ok := l.limits[resourceClass]
	if !ok {
		return nil, &errors.ValidationError{
			Field:   "resourceClass",
			Message: fmt.Sprintf("unknown resource class %q", resourceClass),
		}
	}

	k := key(tenantID, resourceClass)

	l.mu.Lock()
	st := l.states[k]
	if st == nil {
		st = &keyState{}
		l.states[k] = st
	}

	if st.active < limit {
		st.active++
		metrics.SetLimiterActive(resourceClass, st.active)
		l.mu.Unlock()
		return l.releaseFunc(k, resourceClass), nil
	}

	if len(st.waiters) >= l.maxQueue {
		l.mu.Unlock()
		metrics.RecordLimiterRejection(resourceClass)
		l.logger.Warn("limiter wait queue full",
			slog.String("tenant_id", tenantID),
			slog.String("resource_class", resourceClass),
			slog.Int("queue_limit", l.maxQueue))
		return nil, &errors.CapacityError{
			TenantID:      tenantID,
			ResourceClass: resourceClass,
			QueueLimit:    l.maxQueue,
		}
	}

	w := &waiter{ready: make(chan struct{})}
	st.waiters = append(st.waiters, w)
	metrics.SetLimiterQueued(resourceClass, len(st.waiters))
	l.mu.Unlock()

	select {
	case <-w.ready:
		return l.releaseFunc(k, resourceClass), nil
	case <-ctx.Done():
		l.mu.Lock()
		if w.granted {
			// The slot was handed over in the window between the grant and
			// this cancellation; give it straight back.
			l.releaseLocked(k, resourceClass)
			l.mu.Unlock()
			return nil, ctx.Err()
		}
		for i, queued := range st.waiters {
			if queued == w {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				break
			}
		}
		metrics.SetLimiterQueued(resourceClass, len(st.waiters))
		l.mu.Unlock()
		return nil, ctx.Err()
	}
}

// releaseFunc wraps releaseLocked in a sync.Once so release is idempotent.
func (l *Limiter) releaseFunc(k, resourceClass string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			defer l.mu.Unlock()
			l.releaseLocked(k, resourceClass)
		})
	}
}

// releaseLocked frees one slot. If waiters are queued the freed slot is
// handed directly to the head of the queue (active count unchanged),
// preserving arrival order. Caller holds l.mu.
func (l *Limiter) releaseLocked(k, resourceClass string) {
	st := l.states[k]
	if st == nil {
		return
	}

	if len(st.waiters) > 0 {
		head := st.waiters[0]
		st.waiters = st.waiters[1:]
		head.granted = true
		close(head.ready)
		metrics.SetLimiterQueued(resourceClass, len(st.waiters))
		return
	}

	st.active--
	metrics.SetLimiterActive(resourceClass, st.active)
	if st.active == 0 {
		delete(l.states, k)
	}
}

// Active returns the current active count for (tenantID, resourceClass).
func (l *Limiter) Active(tenantID, resourceClass string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.states[key(tenantID, resourceClass)]; st != nil {
		return st.active
	}
	return 0
}

// Queued returns the current wait-queue length for (tenantID, resourceClass).
func (l *Limiter) Queued(tenantID, resourceClass string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if st := l.states[key(tenantID, resourceClass)]; st != nil {
		return len(st.waiters)
	}
	return 0
}
