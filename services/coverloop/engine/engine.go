// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package engine drives the coverage refinement loop.
//
// # Description
//
// One run is a bounded loop over the states
//
//	INIT → SELECTING → GENERATING → EXECUTING → ANALYZING → DECIDING
//
// ending in DONE or FAILED. DECIDING either terminates (target met,
// budget exhausted, stagnation) or loops back to GENERATING with the
// gap worklist. Per-unit failures are absorbed into the iteration
// record; only configuration and environment failures abort a run.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/coverloop/services/coverloop/analyze"
	"github.com/AleutianAI/coverloop/services/coverloop/cache"
	"github.com/AleutianAI/coverloop/services/coverloop/config"
	"github.com/AleutianAI/coverloop/services/coverloop/gap"
	"github.com/AleutianAI/coverloop/services/coverloop/generate"
	"github.com/AleutianAI/coverloop/services/coverloop/merge"
	"github.com/AleutianAI/coverloop/services/coverloop/model"
	"github.com/AleutianAI/coverloop/services/coverloop/pool"
	"github.com/AleutianAI/coverloop/services/coverloop/runner"
)

// State names one stage of the run.
type State string

const (
	StateInit       State = "INIT"
	StateSelecting  State = "SELECTING"
	StateGenerating State = "GENERATING"
	StateExecuting  State = "EXECUTING"
	StateAnalyzing  State = "ANALYZING"
	StateDeciding   State = "DECIDING"
	StateLooping    State = "LOOPING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// ConfigurationError marks a run that never got off the ground: bad
// bounds, missing collaborators, absent tooling. Always fatal.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var ce *ConfigurationError
	return errors.As(err, &ce)
}

// ChangeSelector computes incremental worklists between two revisions.
type ChangeSelector interface {
	Select(ctx context.Context, oldRef, newRef, sourceRoot string) (model.Worklist, error)
}

// Deps are the engine's collaborators. Everything is injected; the
// engine owns no global state and two engines never share anything but
// an explicitly shared cache.
type Deps struct {
	// Analyzer parses sources into units. Required.
	Analyzer analyze.Analyzer

	// Generator produces test artifacts. Required.
	Generator generate.Generator

	// Executor runs the test suite. Required.
	Executor runner.Executor

	// Gap ranks coverage shortfalls. Required.
	Gap *gap.Analyzer

	// Cache fronts parsing and generation. Required.
	Cache *cache.Store

	// Merger writes artifacts into test files. Required.
	Merger *merge.Merger

	// Pool fans generation out. Required.
	Pool *pool.Pool

	// Selector enables RunIncremental. Optional; Run works without it.
	Selector ChangeSelector

	// Logger receives run diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

func (d *Deps) validate() error {
	switch {
	case d.Analyzer == nil:
		return &ConfigurationError{Field: "analyzer", Err: errors.New("required")}
	case d.Generator == nil:
		return &ConfigurationError{Field: "generator", Err: errors.New("required")}
	case d.Executor == nil:
		return &ConfigurationError{Field: "executor", Err: errors.New("required")}
	case d.Gap == nil:
		return &ConfigurationError{Field: "gap analyzer", Err: errors.New("required")}
	case d.Cache == nil:
		return &ConfigurationError{Field: "cache", Err: errors.New("required")}
	case d.Merger == nil:
		return &ConfigurationError{Field: "merger", Err: errors.New("required")}
	case d.Pool == nil:
		return &ConfigurationError{Field: "pool", Err: errors.New("required")}
	}
	return nil
}

// Engine is the refinement loop driver.
//
// # Thread Safety
//
// One Engine drives one run at a time; concurrent Run calls on the
// same Engine are not supported. Separate Engines may share a cache.
type Engine struct {
	cfg    config.Config
	deps   Deps
	logger *slog.Logger
}

// New validates the configuration and collaborators and returns an
// Engine. Validation failures are *ConfigurationError.
func New(cfg config.Config, deps Deps) (*Engine, error) {
	if cfg.Engine.TargetCoverage < 0 || cfg.Engine.TargetCoverage > 100 {
		return nil, &ConfigurationError{
			Field: "target_coverage",
			Err:   fmt.Errorf("must be within [0, 100], got %.1f", cfg.Engine.TargetCoverage),
		}
	}
	if cfg.Engine.MaxIterations < 1 {
		return nil, &ConfigurationError{
			Field: "max_iterations",
			Err:   fmt.Errorf("must be at least 1, got %d", cfg.Engine.MaxIterations),
		}
	}
	if err := deps.validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger.With(slog.String("component", "engine")),
	}, nil
}

// Run executes a full refinement run: every unit in the tree is on the
// initial worklist.
func (e *Engine) Run(ctx context.Context) (model.RunReport, error) {
	return e.run(ctx, func(ctx context.Context, units []model.Unit) (model.Worklist, error) {
		items := make([]model.WorkItem, 0, len(units))
		for _, u := range units {
			items = append(items, model.WorkItem{Unit: u, Reason: model.ReasonNew})
		}
		return model.NewWorklist(items), nil
	})
}

// RunIncremental executes a run whose initial worklist is the change
// impact between two revisions. Selection failure aborts the run; the
// engine never silently degrades an incremental run to a full one.
func (e *Engine) RunIncremental(ctx context.Context, baseRef, headRef string) (model.RunReport, error) {
	if e.deps.Selector == nil {
		report := e.newReport()
		report.Status = model.StatusFailed
		return report, &ConfigurationError{Field: "selector", Err: errors.New("required for incremental runs")}
	}
	return e.run(ctx, func(ctx context.Context, units []model.Unit) (model.Worklist, error) {
		return e.deps.Selector.Select(ctx, baseRef, headRef, e.cfg.Project.Root)
	})
}

func (e *Engine) newReport() model.RunReport {
	return model.RunReport{
		RunID:          uuid.NewString(),
		TargetCoverage: e.cfg.Engine.TargetCoverage,
		StartedAt:      time.Now().UTC(),
	}
}
