// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package engine

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Package-level meter for engine runs.
var meter = otel.Meter("coverloop.engine")

var (
	runsTotal         metric.Int64Counter
	iterationsTotal   metric.Int64Counter
	iterationDuration metric.Float64Histogram
	coverageObserved  metric.Float64Histogram

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		var err error

		runsTotal, err = meter.Int64Counter(
			"engine_runs_total",
			metric.WithDescription("Total engine runs by terminal status"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		iterationsTotal, err = meter.Int64Counter(
			"engine_iterations_total",
			metric.WithDescription("Total refinement iterations"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		iterationDuration, err = meter.Float64Histogram(
			"engine_iteration_duration_seconds",
			metric.WithDescription("Duration of one refinement iteration"),
			metric.WithUnit("s"),
		)
		if err != nil {
			metricsErr = err
			return
		}

		coverageObserved, err = meter.Float64Histogram(
			"engine_coverage_percent",
			metric.WithDescription("Coverage observed at the end of an iteration"),
			metric.WithUnit("%"),
		)
		if err != nil {
			metricsErr = err
			return
		}
	})
	return metricsErr
}

func recordRun(status string) {
	if initMetrics() != nil {
		return
	}
	runsTotal.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("status", status)))
}

func observeIteration(coverage float64, d time.Duration) {
	if initMetrics() != nil {
		return
	}
	ctx := context.Background()
	iterationsTotal.Add(ctx, 1)
	iterationDuration.Record(ctx, d.Seconds())
	coverageObserved.Record(ctx, coverage)
}
