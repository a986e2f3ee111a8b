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

// Package queue hands queued runs to the orchestration workers.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned for operations on a closed queue.
var ErrClosed = errors.New("trigger queue is closed")

// Trigger identifies one queued run awaiting execution.
type Trigger struct {
	RunID        string
	TenantID     string
	WorkflowName string
	EnqueuedAt   time.Time
}

// TriggerQueue is an in-memory FIFO of queued runs. Enqueue never blocks;
// Dequeue blocks until a trigger is available, the context is cancelled, or
// the queue is closed.
type TriggerQueue struct {
	mu       sync.Mutex
	triggers []*Trigger
	signal   chan struct{}
	closed   bool
}

// New creates an empty trigger queue.
func New() *TriggerQueue {
	return &TriggerQueue{signal: make(chan struct{}, 1)}
}

// Enqueue appends a trigger.
func (q *TriggerQueue) Enqueue(t *Trigger) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	q.triggers = append(q.triggers, t)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the oldest trigger.
func (q *TriggerQueue) Dequeue(ctx context.Context) (*Trigger, error) {
	for {
		q.mu.Lock()
		if len(q.triggers) > 0 {
			t := q.triggers[0]
			q.triggers = q.triggers[1:]
			q.mu.Unlock()
			return t, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, ErrClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Len returns the number of queued triggers.
func (q *TriggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.triggers)
}

// Close marks the queue closed and wakes blocked consumers. Triggers already
// queued are still drained before Dequeue reports ErrClosed.
func (q *TriggerQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	close(q.signal)
	return nil
}
