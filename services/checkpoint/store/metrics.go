// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package store

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for store metrics.
var meter = otel.Meter("checkpoint.store")

// Metric instruments for store operations.
var (
	createTotal    metric.Int64Counter
	createDuration metric.Float64Histogram
	filesCaptured  metric.Int64Histogram
	indexRetries   metric.Int64Counter
	blobsWritten   metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// metricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Uses atomic operations for safe concurrent access.
var metricsEnabled atomic.Bool

func init() {
	metricsEnabled.Store(true)
}

// SetMetricsEnabled controls whether metrics are recorded.
//
// Thread Safety: Safe for concurrent use.
func SetMetricsEnabled(enabled bool) {
	metricsEnabled.Store(enabled)
}

// initMetrics initializes all metric instruments.
// Safe to call multiple times; uses sync.Once internally.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		createTotal, err = meter.Int64Counter(
			"checkpoint_create_total",
			metric.WithDescription("Total number of checkpoint create operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		createDuration, err = meter.Float64Histogram(
			"checkpoint_create_duration_seconds",
			metric.WithDescription("Duration of checkpoint creation in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesCaptured, err = meter.Int64Histogram(
			"checkpoint_files_captured",
			metric.WithDescription("Number of files captured per checkpoint"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		indexRetries, err = meter.Int64Counter(
			"checkpoint_index_retry_total",
			metric.WithDescription("Total number of index commits that needed a retry"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		blobsWritten, err = meter.Int64Counter(
			"checkpoint_blobs_written_total",
			metric.WithDescription("Total number of new content blobs written"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// createOutcome labels a create for metrics.
type createOutcome string

const (
	outcomeCreated   createOutcome = "created"
	outcomeUnchanged createOutcome = "unchanged"
	outcomePartial   createOutcome = "partial"
	outcomeError     createOutcome = "error"
)

// recordCreate records one create operation.
//
// # Inputs
//
//   - ctx: Context for metric recording.
//   - outcome: How the create ended.
//   - duration: Wall time of the whole operation.
//   - files: Number of entries captured. Ignored on error.
func recordCreate(ctx context.Context, outcome createOutcome, duration time.Duration, files int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", string(outcome)))
	createTotal.Add(ctx, 1, attrs)
	createDuration.Record(ctx, duration.Seconds(), attrs)
	if outcome != outcomeError {
		filesCaptured.Record(ctx, int64(files))
	}
}

// recordIndexRetry records an index commit that failed its first attempt.
func recordIndexRetry(ctx context.Context, success bool) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	indexRetries.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

// recordBlobsWritten records how many blobs a create added to the store.
func recordBlobsWritten(ctx context.Context, n int) {
	if n == 0 || !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}
	blobsWritten.Add(ctx, int64(n))
}
