// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package restore

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("checkpoint.restore")

var (
	restoreTotal  metric.Int64Counter
	filesRestored metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

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

func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		restoreTotal, err = meter.Int64Counter(
			"checkpoint_restore_total",
			metric.WithDescription("Total number of restore operations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		filesRestored, err = meter.Int64Counter(
			"checkpoint_files_restored_total",
			metric.WithDescription("Total number of files written by restores"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

// recordRestore records one restore. status is "success", "partial" or
// "error".
func recordRestore(ctx context.Context, status string, written int) {
	if !metricsEnabled.Load() {
		return
	}
	if err := initMetrics(); err != nil {
		return
	}

	restoreTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if written > 0 {
		filesRestored.Add(ctx, int64(written))
	}
}
