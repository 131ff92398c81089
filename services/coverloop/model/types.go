// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package model defines the shared data model for the coverloop engine:
// units, worklists, generated artifacts, execution results, and the
// per-iteration audit records.
//
// All types here are plain values. A Unit is never mutated in place; when
// its source changes it is replaced by a new Unit carrying the new
// fingerprint. The old value survives only in history and cache keys.
package model

import "time"

// UnitKind classifies a testable code element.
type UnitKind string

const (
	// KindFunction is a free function.
	KindFunction UnitKind = "function"

	// KindMethod is a function with a receiver.
	KindMethod UnitKind = "method"

	// KindComponent is a larger element (a type with behavior, a file-level
	// component) treated as a single testable surface.
	KindComponent UnitKind = "component"
)

// Unit is the smallest testable code element known to the engine.
//
// # Identity
//
// A Unit is identified by its QualifiedName within a snapshot and by its
// Fingerprint across snapshots. Two Units with the same name but different
// fingerprints are different values; the engine treats the newer one as a
// replacement, never as a mutation.
type Unit struct {
	// QualifiedName is the package-qualified name, e.g. "store.Cache.Get".
	QualifiedName string `json:"qualified_name"`

	// Fingerprint is the hex SHA-256 of the unit's signature and body.
	Fingerprint string `json:"fingerprint"`

	// Kind classifies the element.
	Kind UnitKind `json:"kind"`

	// File is the source file path, relative to the project root.
	File string `json:"file"`

	// StartLine and EndLine delimit the unit in File (1-based, inclusive).
	StartLine int `json:"start_line"`
	EndLine   int `json:"end_line"`

	// Complexity is a decision-point count used for prioritization.
	// Higher complexity units are targeted first.
	Complexity int `json:"complexity"`

	// CoverableLines is the number of executable lines in the unit.
	// Zero means the unit has nothing to cover (pure delegation,
	// declarations only) and it is excluded from gap analysis.
	CoverableLines int `json:"coverable_lines"`
}

// CallEdge is a directed caller→callee edge between units, produced by
// the analyzer alongside the units themselves.
type CallEdge struct {
	Caller string `json:"caller"`
	Callee string `json:"callee"`
}

// Reason tags why a unit was placed on a worklist.
type Reason string

const (
	// ReasonNew marks a unit whose qualified name did not exist before.
	ReasonNew Reason = "new"

	// ReasonModified marks a unit whose fingerprint changed.
	ReasonModified Reason = "modified"

	// ReasonVerify marks an unchanged unit whose callees changed; its
	// existing tests are re-run but not regenerated.
	ReasonVerify Reason = "verify"

	// ReasonGap marks a unit selected by gap analysis in a later
	// iteration of the refinement loop.
	ReasonGap Reason = "gap"
)

// reasonWeight orders reasons for worklist priority: new > modified = gap > verify.
func reasonWeight(r Reason) int {
	switch r {
	case ReasonNew:
		return 3
	case ReasonModified, ReasonGap:
		return 2
	case ReasonVerify:
		return 1
	default:
		return 0
	}
}

// SamplingParams are the generation parameters that participate in the
// generation cache key. Changing any of them produces a different key.
type SamplingParams struct {
	Temperature float32 `json:"temperature"`
	TopP        float32 `json:"top_p"`
	MaxTokens   int     `json:"max_tokens"`
}

// Provenance records how a GeneratedArtifact was produced.
type Provenance struct {
	// PromptFingerprint is the hex SHA-256 of the rendered prompt.
	PromptFingerprint string `json:"prompt_fingerprint"`

	// Model is the provider model identifier.
	Model string `json:"model"`

	// RunID is the run that produced the artifact.
	RunID string `json:"run_id"`

	// GeneratedAt is the wall-clock generation time.
	GeneratedAt time.Time `json:"generated_at"`
}

// GeneratedArtifact is the LLM output for one unit. Artifacts are owned
// by the cache store, keyed by (unit fingerprint, generation-config
// fingerprint).
type GeneratedArtifact struct {
	// UnitFingerprint is the fingerprint of the unit this artifact tests.
	UnitFingerprint string `json:"unit_fingerprint"`

	// TestSource is the generated test source text.
	TestSource string `json:"test_source"`

	// TestFilePath is the target test file, relative to the project root.
	TestFilePath string `json:"test_file_path"`

	// Provenance records prompt, model, and timing.
	Provenance Provenance `json:"provenance"`
}

// TestFailure is a single failed test from one execution.
type TestFailure struct {
	// Package is the import path of the failing test's package.
	Package string `json:"package,omitempty"`

	// Name is the test name as reported by the runner, including any
	// subtest path.
	Name    string `json:"name"`
	Message string `json:"message"`

	// Flaky is set when the test failed in the suite run but passed on
	// a focused re-run: the failure is unstable, not a coverage or
	// correctness signal.
	Flaky bool `json:"flaky,omitempty"`
}

// ExecutionResult is the outcome of running the test suite once. It is
// ephemeral: the gap analyzer consumes it, then only the derived summary
// survives in the iteration record.
type ExecutionResult struct {
	Passed   int             `json:"passed"`
	Failed   int             `json:"failed"`
	Failures []TestFailure   `json:"failures,omitempty"`
	Coverage *CoverageReport `json:"coverage"`
}

// Status is the terminal status of a run.
type Status string

const (
	// StatusSuccess means the coverage target was reached.
	StatusSuccess Status = "success"

	// StatusPartial means the run terminated below target (budget
	// exhausted or stagnation). Explicitly not an error.
	StatusPartial Status = "partial"

	// StatusFailed means a configuration or environment failure aborted
	// the run.
	StatusFailed Status = "failed"
)

// UnitFailure records a per-unit failure absorbed during an iteration.
type UnitFailure struct {
	QualifiedName string `json:"qualified_name"`
	Stage         string `json:"stage"`
	Message       string `json:"message"`
	Transient     bool   `json:"transient"`
}

// IterationRecord is the immutable snapshot of one loop iteration. The
// ordered sequence of records is the audit trail of a run: indices are
// strictly increasing and records are append-only.
type IterationRecord struct {
	// Index is the 1-based iteration number.
	Index int `json:"index"`

	// WorklistSize is the number of items selected for the iteration.
	WorklistSize int `json:"worklist_size"`

	// Passed and Failed summarize the execution result.
	Passed int `json:"passed"`
	Failed int `json:"failed"`

	// Coverage is the overall coverage after the iteration, in percent.
	Coverage float64 `json:"coverage"`

	// Delta is Coverage minus the previous iteration's coverage. The
	// first iteration's delta is measured against zero.
	Delta float64 `json:"delta"`

	// Decision is the engine's decision at the end of the iteration.
	Decision string `json:"decision"`

	// Stagnant is set when the gap analyzer flagged this iteration as
	// making no meaningful progress.
	Stagnant bool `json:"stagnant,omitempty"`

	// Failures lists per-unit failures absorbed during the iteration.
	Failures []UnitFailure `json:"failures,omitempty"`

	// FlakyTests names tests that failed in the suite run but passed
	// on the focused re-run. They remain in the Failed count; the tag
	// marks which failures are noise rather than regressions.
	FlakyTests []string `json:"flaky_tests,omitempty"`

	// Duration is the wall-clock time of the iteration.
	Duration time.Duration `json:"duration"`
}

// RunReport is the caller-facing result of a run.
type RunReport struct {
	RunID          string            `json:"run_id"`
	Status         Status            `json:"status"`
	TargetCoverage float64           `json:"target_coverage"`
	FinalCoverage  float64           `json:"final_coverage"`
	Iterations     []IterationRecord `json:"iterations"`
	GeneratedFiles []string          `json:"generated_files,omitempty"`
	Deprecations   []string          `json:"deprecations,omitempty"`
	Message        string            `json:"message,omitempty"`
	StartedAt      time.Time         `json:"started_at"`
	FinishedAt     time.Time         `json:"finished_at"`
}
