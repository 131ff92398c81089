// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package gap ranks coverage shortfalls against the target and decides
// whether another refinement iteration is worth running.
package gap

import (
	"log/slog"
	"sort"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// DefaultMinDelta is the minimum per-iteration coverage improvement, in
// percentage points, below which the loop is considered stagnant.
const DefaultMinDelta = 0.5

// GapKind distinguishes what kind of coverage is missing.
type GapKind string

const (
	// KindBranch marks a unit with at least one untaken branch.
	// Branch gaps outrank line gaps: a missed branch usually hides a
	// whole behavior, not just a statement.
	KindBranch GapKind = "branch"

	// KindLine marks a unit with uncovered lines and no branch misses.
	KindLine GapKind = "line"
)

// Gap is one unit's coverage shortfall.
type Gap struct {
	Unit model.Unit `json:"unit"`

	// Kind is branch when the unit has any missed branch, line otherwise.
	Kind GapKind `json:"kind"`

	// UncoveredLines are the unit's uncovered line numbers, ascending.
	UncoveredLines []int `json:"uncovered_lines,omitempty"`

	// MissedBranchLines are lines with at least one untaken branch.
	MissedBranchLines []int `json:"missed_branch_lines,omitempty"`

	// Score is the ranking score the gap list was ordered by. Derived,
	// kept for reporting.
	Score float64 `json:"score"`
}

// GapList is the analyzer's verdict for one iteration.
type GapList struct {
	// Gaps are the ranked shortfalls. Empty when Done or Stagnant.
	Gaps []Gap `json:"gaps,omitempty"`

	// Coverage is the overall coverage the verdict was computed from.
	Coverage float64 `json:"coverage"`

	// Delta is Coverage minus the previous iteration's coverage.
	// Zero when no previous report was supplied.
	Delta float64 `json:"delta"`

	// Done is true when the target is met.
	Done bool `json:"done"`

	// Stagnant is true when a previous report was supplied and the
	// improvement fell below the minimum delta.
	Stagnant bool `json:"stagnant"`
}

// WorkItems converts the ranked gaps into worklist items tagged gap.
func (g GapList) WorkItems() []model.WorkItem {
	items := make([]model.WorkItem, 0, len(g.Gaps))
	for _, gap := range g.Gaps {
		items = append(items, model.WorkItem{Unit: gap.Unit, Reason: model.ReasonGap})
	}
	return items
}

// Options configures the Analyzer.
type Options struct {
	// MinDelta is the stagnation threshold in percentage points.
	// Default: DefaultMinDelta
	MinDelta float64

	// Logger receives analysis diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Analyzer maps coverage reports to ranked gap lists.
//
// # Thread Safety
//
// Stateless after construction; safe for concurrent use.
type Analyzer struct {
	minDelta float64
	logger   *slog.Logger
}

// NewAnalyzer creates an Analyzer.
func NewAnalyzer(opts Options) *Analyzer {
	minDelta := opts.MinDelta
	if minDelta <= 0 {
		minDelta = DefaultMinDelta
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		minDelta: minDelta,
		logger:   logger.With(slog.String("component", "gap")),
	}
}

// Analyze ranks the coverage shortfall of units against targetPct.
//
// # Description
//
// When overall coverage meets the target the list is empty with Done
// set. When prev is non-nil and the improvement over it is below the
// minimum delta, the list is empty with Stagnant set: generating more
// tests for the same gaps is judged futile. Otherwise every unit with
// coverable lines and a shortfall inside its span becomes a Gap, ranked
// branch gaps first (weighted double), then by unit complexity
// descending, then by qualified name.
//
// # Inputs
//
//   - report: Current normalized coverage.
//   - targetPct: Coverage target in percent [0, 100].
//   - prev: Previous iteration's report, nil on the first iteration.
//   - units: The known unit set to attribute gaps to.
//
// # Outputs
//
//   - GapList: Verdict plus ranked gaps.
func (a *Analyzer) Analyze(report *model.CoverageReport, targetPct float64, prev *model.CoverageReport, units []model.Unit) GapList {
	out := GapList{Coverage: report.Overall}
	if prev != nil {
		out.Delta = report.Overall - prev.Overall
	}

	if report.Overall >= targetPct {
		out.Done = true
		a.logger.Info("coverage target met",
			"coverage", report.Overall, "target", targetPct)
		return out
	}

	if prev != nil && out.Delta < a.minDelta {
		out.Stagnant = true
		a.logger.Warn("coverage stagnant",
			"coverage", report.Overall, "delta", out.Delta, "min_delta", a.minDelta)
		return out
	}

	for _, u := range units {
		if u.CoverableLines == 0 {
			continue
		}
		uncovered := report.UncoveredLines(u.File, u.StartLine, u.EndLine)
		missed := report.MissedBranches(u.File, u.StartLine, u.EndLine)
		if len(uncovered) == 0 && len(missed) == 0 {
			continue
		}
		g := Gap{
			Unit:              u,
			Kind:              KindLine,
			UncoveredLines:    uncovered,
			MissedBranchLines: missed,
		}
		if len(missed) > 0 {
			g.Kind = KindBranch
		}
		g.Score = gapScore(g)
		out.Gaps = append(out.Gaps, g)
	}

	sort.SliceStable(out.Gaps, func(i, j int) bool {
		x, y := out.Gaps[i], out.Gaps[j]
		if (x.Kind == KindBranch) != (y.Kind == KindBranch) {
			return x.Kind == KindBranch
		}
		if x.Unit.Complexity != y.Unit.Complexity {
			return x.Unit.Complexity > y.Unit.Complexity
		}
		return x.Unit.QualifiedName < y.Unit.QualifiedName
	})

	a.logger.Info("coverage gaps ranked",
		"coverage", report.Overall, "target", targetPct, "gaps", len(out.Gaps))
	return out
}

// gapScore folds the ranking tuple into one reportable number. Branch
// gaps count double per missed branch line.
func gapScore(g Gap) float64 {
	score := float64(2*len(g.MissedBranchLines) + len(g.UncoveredLines))
	return score*100 + float64(g.Unit.Complexity)
}
