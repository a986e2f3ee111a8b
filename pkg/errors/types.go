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

package errors

import (
	"fmt"
	"time"
)

// Stable error codes persisted on run/step/job records. These are part of the
// external contract: callers branch on codes, not message text.
const (
	CodeValidation          = "VALIDATION"
	CodeNotFound            = "NOT_FOUND"
	CodeDeadlock            = "DEADLOCK"
	CodeStepFailed          = "STEP_FAILED"
	CodeStepTimeout         = "STEP_TIMEOUT"
	CodeCapacityExceeded    = "CAPACITY_EXCEEDED"
	CodePollTimeout         = "POLL_TIMEOUT"
	CodePollAttemptsCeiling = "POLL_ATTEMPTS_EXCEEDED"
	CodeInvalidContent      = "INVALID_CONTENT"
	CodeOrchestration       = "ORCHESTRATION_ERROR"
)

// ValidationError represents user input validation failures.
// Use this for invalid workflow definitions, malformed data, or constraint violations.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// Code returns the stable error code for validation failures.
func (e *ValidationError) Code() string { return CodeValidation }

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "step", "job", "skill")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// Code returns the stable error code for missing resources.
func (e *NotFoundError) Code() string { return CodeNotFound }

// DeadlockError represents an unsatisfiable dependency graph detected at run
// time: steps remain pending, nothing is in flight, and nothing is ready.
// This is fatal for the run.
type DeadlockError struct {
	// RunID is the run whose graph deadlocked
	RunID string

	// PendingSteps are the step ids that can never become ready
	PendingSteps []string
}

// Error implements the error interface.
func (e *DeadlockError) Error() string {
	return fmt.Sprintf("run %s deadlocked: %d pending step(s) with unsatisfiable dependencies: %v",
		e.RunID, len(e.PendingSteps), e.PendingSteps)
}

// Code returns the stable error code for deadlocks.
func (e *DeadlockError) Code() string { return CodeDeadlock }

// StepError represents a step execution failure after retries are exhausted.
type StepError struct {
	// StepID is the step that failed
	StepID string

	// ErrCode is the skill-reported error code, or STEP_FAILED when absent
	ErrCode string

	// Message is the human-readable error message
	Message string

	// Attempt is the attempt number on which the step finally failed
	Attempt int

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *StepError) Error() string {
	return fmt.Sprintf("step %s failed (attempt %d): %s", e.StepID, e.Attempt, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *StepError) Unwrap() error { return e.Cause }

// Code returns the skill-reported code, falling back to STEP_FAILED.
func (e *StepError) Code() string {
	if e.ErrCode != "" {
		return e.ErrCode
	}
	return CodeStepFailed
}

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "skill execution", "job poll")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error { return e.Cause }

// Code returns the stable error code for timeouts.
func (e *TimeoutError) Code() string { return CodeStepTimeout }

// CapacityError represents a concurrency-limiter wait queue overflowing.
// It is a backpressure signal to the caller, distinct from a retryable
// transient failure: retrying the same call immediately will fail again.
type CapacityError struct {
	// TenantID is the tenant whose queue overflowed
	TenantID string

	// ResourceClass is the contended resource class
	ResourceClass string

	// QueueLimit is the configured maximum wait-queue length
	QueueLimit int
}

// Error implements the error interface.
func (e *CapacityError) Error() string {
	return fmt.Sprintf("capacity exceeded for tenant %s resource %s: wait queue at limit %d",
		e.TenantID, e.ResourceClass, e.QueueLimit)
}

// Code returns the stable error code for capacity rejections.
func (e *CapacityError) Code() string { return CodeCapacityExceeded }

// ConfigError represents configuration problems.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "limits.image")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error { return e.Cause }

// Coder is implemented by errors that carry a stable code.
type Coder interface {
	Code() string
}

// CodeOf extracts the stable code from an error tree, returning
// ORCHESTRATION_ERROR for errors that carry none.
func CodeOf(err error) string {
	var c Coder
	if As(err, &c) {
		return c.Code()
	}
	return CodeOrchestration
}
