// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package model

// BranchHits tracks branch coverage for one line.
type BranchHits struct {
	Total int `json:"total"`
	Taken int `json:"taken"`
}

// FileCoverage holds normalized line and branch hit counts for one file.
type FileCoverage struct {
	// Path is relative to the project root.
	Path string `json:"path"`

	// LineHits maps line number to execution count. Lines absent from
	// the map are not coverable.
	LineHits map[int]int `json:"line_hits"`

	// Branches maps line number to branch hit counts.
	Branches map[int]BranchHits `json:"branches,omitempty"`
}

// CoveredLines returns the number of lines with at least one hit.
func (f *FileCoverage) CoveredLines() int {
	n := 0
	for _, hits := range f.LineHits {
		if hits > 0 {
			n++
		}
	}
	return n
}

// TotalLines returns the number of coverable lines.
func (f *FileCoverage) TotalLines() int { return len(f.LineHits) }

// CoverageReport is the normalized coverage structure consumed by the gap
// analyzer. Parsers for tool-specific formats produce this shape.
type CoverageReport struct {
	// Overall is the overall line coverage in percent [0, 100].
	Overall float64 `json:"overall"`

	// Files maps relative path to per-file coverage.
	Files map[string]*FileCoverage `json:"files"`
}

// NewCoverageReport returns an empty report.
func NewCoverageReport() *CoverageReport {
	return &CoverageReport{Files: make(map[string]*FileCoverage)}
}

// File returns the coverage entry for path, creating it if absent.
func (r *CoverageReport) File(path string) *FileCoverage {
	fc, ok := r.Files[path]
	if !ok {
		fc = &FileCoverage{
			Path:     path,
			LineHits: make(map[int]int),
			Branches: make(map[int]BranchHits),
		}
		r.Files[path] = fc
	}
	return fc
}

// Recompute recalculates Overall from per-file line hits and returns it.
// Reports with zero coverable lines have 0 overall coverage.
func (r *CoverageReport) Recompute() float64 {
	total, covered := 0, 0
	for _, fc := range r.Files {
		total += fc.TotalLines()
		covered += fc.CoveredLines()
	}
	if total == 0 {
		r.Overall = 0
		return 0
	}
	r.Overall = float64(covered) / float64(total) * 100
	return r.Overall
}

// TotalBranches returns (total, taken) branch counts across all files.
func (r *CoverageReport) TotalBranches() (int, int) {
	total, taken := 0, 0
	for _, fc := range r.Files {
		for _, b := range fc.Branches {
			total += b.Total
			taken += b.Taken
		}
	}
	return total, taken
}

// UncoveredLines returns the uncovered line numbers for path within the
// inclusive range [startLine, endLine], in ascending order.
func (r *CoverageReport) UncoveredLines(path string, startLine, endLine int) []int {
	fc, ok := r.Files[path]
	if !ok {
		return nil
	}
	var out []int
	for line := startLine; line <= endLine; line++ {
		if hits, coverable := fc.LineHits[line]; coverable && hits == 0 {
			out = append(out, line)
		}
	}
	return out
}

// MissedBranches returns line numbers in [startLine, endLine] of path
// that have at least one untaken branch, in ascending order.
func (r *CoverageReport) MissedBranches(path string, startLine, endLine int) []int {
	fc, ok := r.Files[path]
	if !ok {
		return nil
	}
	var out []int
	for line := startLine; line <= endLine; line++ {
		if b, ok := fc.Branches[line]; ok && b.Taken < b.Total {
			out = append(out, line)
		}
	}
	return out
}
