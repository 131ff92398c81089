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

import "sort"

// WorkItem is one unit selected for the current iteration.
type WorkItem struct {
	Unit Unit `json:"unit"`

	// Reason tags why the unit was selected.
	Reason Reason `json:"reason"`

	// Priority is the composite score the worklist was ordered by.
	// Derived, kept for reporting.
	Priority float64 `json:"priority"`
}

// Worklist is the ordered set of units targeted in one iteration.
//
// A worklist is built fresh each iteration and carries no identity across
// iterations except through unit fingerprints. Ordering is deterministic:
// reason weight (new > modified > verify) first, then descending
// complexity, then qualified name.
type Worklist struct {
	Items []WorkItem `json:"items"`

	// Deprecations lists units present in the old revision but absent in
	// the new one. Their tests are flagged for removal, never regenerated.
	Deprecations []Unit `json:"deprecations,omitempty"`
}

// NewWorklist builds a deterministically ordered worklist from the given
// items. The input slice is not modified.
func NewWorklist(items []WorkItem) Worklist {
	sorted := make([]WorkItem, len(items))
	copy(sorted, items)

	for i := range sorted {
		sorted[i].Priority = itemPriority(sorted[i])
	}

	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		wa, wb := reasonWeight(a.Reason), reasonWeight(b.Reason)
		if wa != wb {
			return wa > wb
		}
		if a.Unit.Complexity != b.Unit.Complexity {
			return a.Unit.Complexity > b.Unit.Complexity
		}
		return a.Unit.QualifiedName < b.Unit.QualifiedName
	})

	return Worklist{Items: sorted}
}

// NewRankedWorklist builds a worklist that keeps the caller's item
// order. Used when an upstream ranking already defines processing
// order, as with gap analysis: branch gaps come before line gaps there,
// which the reason/complexity sort would not preserve.
func NewRankedWorklist(items []WorkItem) Worklist {
	ordered := make([]WorkItem, len(items))
	copy(ordered, items)
	for i := range ordered {
		ordered[i].Priority = itemPriority(ordered[i])
	}
	return Worklist{Items: ordered}
}

// itemPriority folds the ordering tuple into a single reportable score.
func itemPriority(item WorkItem) float64 {
	return float64(reasonWeight(item.Reason))*1000 + float64(item.Unit.Complexity)
}

// Len returns the number of items.
func (w Worklist) Len() int { return len(w.Items) }

// IsEmpty reports whether the worklist has no items at all.
func (w Worklist) IsEmpty() bool { return len(w.Items) == 0 }

// GenerationItems returns the items that need artifact generation
// (everything except verify-only units).
func (w Worklist) GenerationItems() []WorkItem {
	out := make([]WorkItem, 0, len(w.Items))
	for _, item := range w.Items {
		if item.Reason != ReasonVerify {
			out = append(out, item)
		}
	}
	return out
}

// VerifyItems returns the verify-only items.
func (w Worklist) VerifyItems() []WorkItem {
	out := make([]WorkItem, 0)
	for _, item := range w.Items {
		if item.Reason == ReasonVerify {
			out = append(out, item)
		}
	}
	return out
}
