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
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/AleutianAI/coverloop/services/coverloop/analyze"
	"github.com/AleutianAI/coverloop/services/coverloop/generate"
	"github.com/AleutianAI/coverloop/services/coverloop/model"
	"github.com/AleutianAI/coverloop/services/coverloop/runner"
)

// selectFunc builds the initial worklist from the scanned unit set.
type selectFunc func(ctx context.Context, units []model.Unit) (model.Worklist, error)

// iterationState carries the loop-variant data between states.
type iterationState struct {
	worklist  model.Worklist
	artifacts []model.GeneratedArtifact
	failures  []model.UnitFailure

	// requeue holds units whose merge broke the build; they come back
	// as modified next iteration.
	requeue []model.Unit

	// uncovered maps qualified names to uncovered lines from the
	// previous gap analysis, fed into regeneration prompts.
	uncovered map[string][]int

	prevCoverage *model.CoverageReport
	runID        string
}

// run drives the state machine to completion.
func (e *Engine) run(ctx context.Context, selectInitial selectFunc) (report model.RunReport, err error) {
	report = e.newReport()
	generatedFiles := map[string]bool{}
	defer func() {
		report.FinishedAt = time.Now().UTC()
		report.GeneratedFiles = sortedKeys(generatedFiles)
	}()

	state := StateInit
	e.logger.Info("run starting",
		"run_id", report.RunID,
		"target", e.cfg.Engine.TargetCoverage,
		"max_iterations", e.cfg.Engine.MaxIterations)

	// SELECTING.
	state = StateSelecting
	units, err := e.scanUnits(ctx)
	if err != nil {
		return e.fail(report, state, err)
	}
	worklist, err := selectInitial(ctx, units)
	if err != nil {
		return e.fail(report, state, err)
	}
	for _, u := range worklist.Deprecations {
		report.Deprecations = append(report.Deprecations, u.QualifiedName)
	}
	if worklist.IsEmpty() {
		report.Status = model.StatusSuccess
		report.Message = "nothing to do: no units selected"
		recordRun(string(report.Status))
		return report, nil
	}

	it := iterationState{worklist: worklist, uncovered: map[string][]int{}, runID: report.RunID}

	for iter := 1; iter <= e.cfg.Engine.MaxIterations; iter++ {
		started := time.Now()
		it.failures = nil
		it.requeue = nil

		if err := ctx.Err(); err != nil {
			return e.fail(report, state, err)
		}

		// GENERATING.
		state = StateGenerating
		it.artifacts = e.generateAll(ctx, &it)
		if err := ctx.Err(); err != nil {
			return e.fail(report, state, err)
		}

		// EXECUTING.
		state = StateExecuting
		result, execErr := e.mergeAndExecute(ctx, &it, generatedFiles)
		if execErr != nil {
			if ctx.Err() != nil || !runner.IsBuildFailure(execErr) {
				return e.fail(report, state, execErr)
			}
			// Build breakage is absorbed: the offending units return as
			// modified and the iteration records zero progress.
			e.logger.Warn("build failed after merge, re-queueing units", "error", execErr)
			it.failures = append(it.failures, model.UnitFailure{
				QualifiedName: "*",
				Stage:         "execute",
				Message:       execErr.Error(),
			})
			rec := e.record(&it, iter, model.ExecutionResult{Coverage: coverageOrEmpty(it.prevCoverage)}, string(StateLooping), false, time.Since(started))
			report.Iterations = append(report.Iterations, rec)
			if iter == e.cfg.Engine.MaxIterations {
				return e.finishPartial(report, "iteration budget exhausted during build recovery")
			}
			// The cached artifacts are the ones that broke the build;
			// drop them or the requeued units would re-merge identical
			// output forever.
			for _, u := range it.requeue {
				e.deps.Cache.Invalidate(generate.CacheKey(e.deps.Generator, u))
			}
			it.worklist = requeueWorklist(it.requeue)
			continue
		}

		// ANALYZING.
		state = StateAnalyzing
		if err := ctx.Err(); err != nil {
			return e.fail(report, state, err)
		}
		verdict := e.deps.Gap.Analyze(result.Coverage, e.cfg.Engine.TargetCoverage, it.prevCoverage, units)

		// DECIDING.
		state = StateDeciding
		decision := StateLooping
		switch {
		case verdict.Done:
			decision = StateDone
		case iter == e.cfg.Engine.MaxIterations:
			decision = StateDone
		case verdict.Stagnant:
			decision = StateDone
		}

		rec := e.record(&it, iter, result, string(decision), verdict.Stagnant, time.Since(started))
		rec.Coverage = verdict.Coverage
		rec.Delta = verdict.Delta
		report.Iterations = append(report.Iterations, rec)
		report.FinalCoverage = verdict.Coverage
		observeIteration(verdict.Coverage, time.Since(started))

		e.logger.Info("iteration finished",
			"iteration", iter,
			"coverage", verdict.Coverage,
			"delta", verdict.Delta,
			"decision", string(decision),
			"failures", len(it.failures))

		if verdict.Done {
			report.Status = model.StatusSuccess
			report.Message = fmt.Sprintf("coverage target reached at %.1f%%", verdict.Coverage)
			recordRun(string(report.Status))
			return report, nil
		}
		if verdict.Stagnant {
			return e.finishPartial(report, fmt.Sprintf("stagnated at %.1f%%", verdict.Coverage))
		}
		if iter == e.cfg.Engine.MaxIterations {
			return e.finishPartial(report, fmt.Sprintf("iteration budget exhausted at %.1f%%", verdict.Coverage))
		}

		// LOOPING.
		it.prevCoverage = result.Coverage
		it.uncovered = map[string][]int{}
		for _, g := range verdict.Gaps {
			it.uncovered[g.Unit.QualifiedName] = g.UncoveredLines
		}
		it.worklist = model.NewRankedWorklist(verdict.WorkItems())
	}

	// Unreachable: every budget exit above returns.
	return e.finishPartial(report, "iteration budget exhausted")
}

// scanUnits parses the whole tree, cache-fronted by content hash.
func (e *Engine) scanUnits(ctx context.Context) ([]model.Unit, error) {
	files, err := analyze.WalkSources(e.cfg.Project.Root, e.deps.Analyzer)
	if err != nil {
		return nil, fmt.Errorf("scan sources: %w", err)
	}
	var units []model.Unit
	for _, rel := range files {
		content, err := os.ReadFile(filepath.Join(e.cfg.Project.Root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		value, err := e.deps.Cache.GetOrCompute(ctx, model.SourceKey(content), func(ctx context.Context) (any, error) {
			return e.deps.Analyzer.Parse(ctx, rel, content)
		})
		if err != nil {
			return nil, err
		}
		result, ok := value.(*analyze.ParseResult)
		if !ok {
			return nil, fmt.Errorf("unexpected cache value %T for %s", value, rel)
		}
		units = append(units, result.Units...)
	}
	return units, nil
}

// generateAll fans generation out over the pool and reassembles the
// artifacts in worklist order. Transient failures get one retry;
// everything still failing is recorded and skipped.
func (e *Engine) generateAll(ctx context.Context, it *iterationState) []model.GeneratedArtifact {
	items := it.worklist.GenerationItems()
	slots := make([]*model.GeneratedArtifact, len(items))
	failures := make([]*model.UnitFailure, len(items))

	done := make(chan int, len(items))
	for i, item := range items {
		i, item := i, item
		err := e.deps.Pool.Submit(ctx, func(taskCtx context.Context) {
			defer func() { done <- i }()
			artifact, err := e.generateOne(ctx, item, it)
			if err != nil {
				failures[i] = &model.UnitFailure{
					QualifiedName: item.Unit.QualifiedName,
					Stage:         "generate",
					Message:       err.Error(),
					Transient:     generate.IsTransient(err),
				}
				return
			}
			slots[i] = &artifact
		})
		if err != nil {
			failures[i] = &model.UnitFailure{
				QualifiedName: item.Unit.QualifiedName,
				Stage:         "generate",
				Message:       err.Error(),
			}
			done <- i
		}
	}
	for range items {
		<-done
	}

	var artifacts []model.GeneratedArtifact
	for i := range items {
		if failures[i] != nil {
			it.failures = append(it.failures, *failures[i])
			continue
		}
		if slots[i] != nil {
			artifacts = append(artifacts, *slots[i])
		}
	}
	return artifacts
}

// generateOne runs one cache-fronted generation with a single retry on
// transient provider errors. Gap-driven regeneration invalidates the
// cached artifact first: the unit is unchanged so the key is too, but
// the cached tests are exactly the ones that left the gap.
func (e *Engine) generateOne(ctx context.Context, item model.WorkItem, it *iterationState) (model.GeneratedArtifact, error) {
	key := generate.CacheKey(e.deps.Generator, item.Unit)
	if item.Reason == model.ReasonGap {
		e.deps.Cache.Invalidate(key)
	}
	compute := func(ctx context.Context) (any, error) {
		genCtx, err := e.buildContext(item, it)
		if err != nil {
			return nil, err
		}
		artifact, err := e.deps.Generator.Generate(ctx, item.Unit, genCtx)
		if generate.IsTransient(err) {
			e.logger.Debug("retrying transient generation failure",
				"unit", item.Unit.QualifiedName, "error", err)
			artifact, err = e.deps.Generator.Generate(ctx, item.Unit, genCtx)
		}
		if err != nil {
			return nil, err
		}
		return artifact, nil
	}
	value, err := e.deps.Cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return model.GeneratedArtifact{}, err
	}
	artifact, ok := value.(model.GeneratedArtifact)
	if !ok {
		return model.GeneratedArtifact{}, fmt.Errorf("unexpected cache value %T for %s", value, key)
	}
	return artifact, nil
}

// buildContext assembles the prompt context for one unit.
func (e *Engine) buildContext(item model.WorkItem, it *iterationState) (generate.Context, error) {
	source, err := e.unitSource(item.Unit)
	if err != nil {
		return generate.Context{}, err
	}
	existing := ""
	if data, err := os.ReadFile(filepath.Join(e.cfg.Project.Root, filepath.FromSlash(generate.TestFilePath(item.Unit)))); err == nil {
		existing = string(data)
	}
	return generate.Context{
		Package:        packageOf(item.Unit),
		Source:         source,
		ExistingTests:  existing,
		UncoveredLines: it.uncovered[item.Unit.QualifiedName],
		RunID:          it.runID,
	}, nil
}

// unitSource slices the unit's lines out of its file.
func (e *Engine) unitSource(u model.Unit) (string, error) {
	data, err := os.ReadFile(filepath.Join(e.cfg.Project.Root, filepath.FromSlash(u.File)))
	if err != nil {
		return "", fmt.Errorf("read unit source: %w", err)
	}
	lines := strings.Split(string(data), "\n")
	if u.StartLine < 1 || u.EndLine > len(lines) {
		return string(data), nil
	}
	return strings.Join(lines[u.StartLine-1:u.EndLine], "\n"), nil
}

// mergeAndExecute merges each artifact under its file lock, then runs
// the suite once with a single retry on transient execution errors.
func (e *Engine) mergeAndExecute(ctx context.Context, it *iterationState, generated map[string]bool) (model.ExecutionResult, error) {
	mergedUnits := make(map[string]model.Unit)
	for _, item := range it.worklist.GenerationItems() {
		mergedUnits[item.Unit.Fingerprint] = item.Unit
	}

	for _, artifact := range it.artifacts {
		if err := ctx.Err(); err != nil {
			return model.ExecutionResult{}, err
		}
		u, ok := mergedUnits[artifact.UnitFingerprint]
		if !ok {
			continue
		}
		res, err := e.deps.Merger.Merge(ctx, e.cfg.Project.Root, packageOf(u), artifact)
		if err != nil {
			it.failures = append(it.failures, model.UnitFailure{
				QualifiedName: u.QualifiedName,
				Stage:         "merge",
				Message:       err.Error(),
			})
			continue
		}
		it.requeue = append(it.requeue, u)
		if !generated[res.Path] {
			generated[res.Path] = true
		}
	}

	result, err := e.deps.Executor.Run(ctx, e.cfg.Project.Root)
	if runner.IsTransient(err) {
		e.logger.Warn("retrying transient execution failure", "error", err)
		result, err = e.deps.Executor.Run(ctx, e.cfg.Project.Root)
	}
	return result, err
}

// record builds the iteration audit record.
func (e *Engine) record(it *iterationState, index int, result model.ExecutionResult, decision string, stagnant bool, dur time.Duration) model.IterationRecord {
	rec := model.IterationRecord{
		Index:        index,
		WorklistSize: it.worklist.Len(),
		Passed:       result.Passed,
		Failed:       result.Failed,
		Decision:     decision,
		Stagnant:     stagnant,
		Failures:     it.failures,
		Duration:     dur,
	}
	if result.Coverage != nil {
		rec.Coverage = result.Coverage.Overall
	}
	for _, f := range result.Failures {
		if f.Flaky {
			rec.FlakyTests = append(rec.FlakyTests, f.Package+"."+f.Name)
		}
	}
	sort.Strings(rec.FlakyTests)
	return rec
}

func (e *Engine) fail(report model.RunReport, state State, err error) (model.RunReport, error) {
	report.Status = model.StatusFailed
	report.Message = fmt.Sprintf("failed in %s: %v", state, err)
	recordRun(string(report.Status))
	e.logger.Error("run failed", "state", string(state), "error", err)
	return report, err
}

func (e *Engine) finishPartial(report model.RunReport, msg string) (model.RunReport, error) {
	report.Status = model.StatusPartial
	report.Message = msg
	recordRun(string(report.Status))
	e.logger.Info("run finished below target", "message", msg)
	return report, nil
}

func coverageOrEmpty(prev *model.CoverageReport) *model.CoverageReport {
	if prev != nil {
		return prev
	}
	return model.NewCoverageReport()
}

func requeueWorklist(units []model.Unit) model.Worklist {
	items := make([]model.WorkItem, 0, len(units))
	for _, u := range units {
		items = append(items, model.WorkItem{Unit: u, Reason: model.ReasonModified})
	}
	return model.NewWorklist(items)
}

func sortedKeys(m map[string]bool) []string {
	if len(m) == 0 {
		return nil
	}
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// packageOf extracts the package segment of a qualified name.
func packageOf(u model.Unit) string {
	if i := strings.IndexByte(u.QualifiedName, '.'); i > 0 {
		return u.QualifiedName[:i]
	}
	return "main"
}
