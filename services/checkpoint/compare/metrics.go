// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package compare

import (
	"context"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("checkpoint.compare")

var (
	compareTotal    metric.Int64Counter
	compareDuration metric.Float64Histogram

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

		compareTotal, err = meter.Int64Counter(
			"checkpoint_compare_total",
			metric.WithDescription("Total number of snapshot comparisons"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		compareDuration, err = meter.Float64Histogram(
			"checkpoint_compare_duration_seconds",
			metric.WithDescription("Duration of snapshot comparisons in seconds"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordCompare(ctx context.Context, seconds float64, success bool) {
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
	attrs := metric.WithAttributes(attribute.String("status", status))
	compareTotal.Add(ctx, 1, attrs)
	compareDuration.Record(ctx, seconds, attrs)
}
