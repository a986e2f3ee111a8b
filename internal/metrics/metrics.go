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

// Package metrics exposes prometheus collectors for run orchestration.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	runsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_runs_total",
			Help: "Total runs reaching a terminal status, by workflow and status",
		},
		[]string{"workflow", "status"},
	)

	stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loom_step_duration_seconds",
			Help:    "Step execution duration by workflow and terminal status",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
		[]string{"workflow", "status"},
	)

	stepRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_step_retries_total",
			Help: "Total step retry attempts by workflow",
		},
		[]string{"workflow"},
	)

	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_step_cache_lookups_total",
			Help: "Step cache lookups by result (hit, miss)",
		},
		[]string{"result"},
	)

	limiterActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_limiter_active_slots",
			Help: "Currently held concurrency slots by resource class",
		},
		[]string{"resource_class"},
	)

	limiterQueued = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loom_limiter_queued_waiters",
			Help: "Waiters queued for a concurrency slot by resource class",
		},
		[]string{"resource_class"},
	)

	limiterRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_limiter_rejections_total",
			Help: "Acquire calls rejected because the wait queue was full",
		},
		[]string{"resource_class"},
	)

	pollAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_job_poll_attempts_total",
			Help: "Provider status poll attempts by media type",
		},
		[]string{"media_type"},
	)

	jobsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loom_jobs_total",
			Help: "Generation jobs reaching a terminal status, by media type and status",
		},
		[]string{"media_type", "status"},
	)
)

// RecordRunComplete increments the terminal-run counter.
func RecordRunComplete(workflow, status string) {
	runsCompleted.WithLabelValues(workflow, status).Inc()
}

// RecordStepComplete observes a step's duration under its terminal status.
func RecordStepComplete(workflow, status string, d time.Duration) {
	stepDuration.WithLabelValues(workflow, status).Observe(d.Seconds())
}

// RecordStepRetry increments the retry counter.
func RecordStepRetry(workflow string) {
	stepRetries.WithLabelValues(workflow).Inc()
}

// RecordCacheLookup records a step cache hit or miss.
func RecordCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	cacheLookups.WithLabelValues(result).Inc()
}

// SetLimiterActive sets the held-slot gauge for a resource class.
func SetLimiterActive(resourceClass string, n int) {
	limiterActive.WithLabelValues(resourceClass).Set(float64(n))
}

// SetLimiterQueued sets the queued-waiter gauge for a resource class.
func SetLimiterQueued(resourceClass string, n int) {
	limiterQueued.WithLabelValues(resourceClass).Set(float64(n))
}

// RecordLimiterRejection increments the queue-full rejection counter.
func RecordLimiterRejection(resourceClass string) {
	limiterRejections.WithLabelValues(resourceClass).Inc()
}

// RecordPollAttempt increments the provider poll counter.
func RecordPollAttempt(mediaType string) {
	pollAttempts.WithLabelValues(mediaType).Inc()
}

// RecordJobComplete increments the terminal-job counter.
func RecordJobComplete(mediaType, status string) {
	jobsCompleted.WithLabelValues(mediaType, status).Inc()
}
