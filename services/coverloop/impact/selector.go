// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package impact computes the minimal worklist for incremental runs.
//
// # Description
//
// Given two revision markers, the selector diffs them, re-parses the
// changed files at both revisions, and compares unit fingerprints: a
// unit is new if its qualified name did not exist before, modified if
// its fingerprint changed. Unchanged units that directly call a
// modified or new unit (within a bounded hop distance) are marked
// verify: their existing tests are re-run but not regenerated. Deleted
// units are flagged for test deprecation.
package impact

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/coverloop/services/coverloop/analyze"
	"github.com/AleutianAI/coverloop/services/coverloop/cache"
	"github.com/AleutianAI/coverloop/services/coverloop/gitrev"
	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// SelectionError means the revision diff could not be computed. The
// caller decides whether to fall back to a full scan or abort; the
// selector never silently degrades to an empty worklist.
type SelectionError struct {
	OldRef string
	NewRef string
	Err    error
}

func (e *SelectionError) Error() string {
	return fmt.Sprintf("selection %s..%s: %v", e.OldRef, e.NewRef, e.Err)
}

func (e *SelectionError) Unwrap() error { return e.Err }

// IsSelectionError reports whether err is a SelectionError.
func IsSelectionError(err error) bool {
	var se *SelectionError
	return errors.As(err, &se)
}

// DefaultMaxHops is the default verify-only hop distance: direct
// callers only. Kept configurable; the value is pragmatic, not formally
// justified.
const DefaultMaxHops = 1

// Options configures the Selector.
type Options struct {
	// MaxHops is the caller-graph distance within which unchanged
	// callers of changed units are marked verify.
	// Default: DefaultMaxHops
	MaxHops int

	// Logger receives selection diagnostics. Nil uses slog.Default().
	Logger *slog.Logger
}

// Selector computes change-impact worklists.
//
// # Thread Safety
//
// Safe for concurrent use; all state is in the injected collaborators.
type Selector struct {
	git      *gitrev.Client
	analyzer analyze.Analyzer
	store    *cache.Store
	maxHops  int
	logger   *slog.Logger
}

// NewSelector creates a Selector. The cache store fronts source parsing
// so re-parsing an unchanged file across selections is free.
func NewSelector(git *gitrev.Client, analyzer analyze.Analyzer, store *cache.Store, opts Options) *Selector {
	maxHops := opts.MaxHops
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{
		git:      git,
		analyzer: analyzer,
		store:    store,
		maxHops:  maxHops,
		logger:   logger.With(slog.String("component", "impact")),
	}
}

// Select computes the worklist between two revisions over sourceRoot.
//
// # Inputs
//
//   - ctx: Context for cancellation.
//   - oldRef, newRef: Revision markers resolvable by git.
//   - sourceRoot: Project root, checked out at newRef. Used to build
//     the caller graph across unchanged files.
//
// # Outputs
//
//   - model.Worklist: Ordered new/modified/verify items plus deleted
//     units under Deprecations.
//   - error: *SelectionError when the diff cannot be computed.
func (s *Selector) Select(ctx context.Context, oldRef, newRef, sourceRoot string) (model.Worklist, error) {
	changed, err := s.git.ChangedFiles(ctx, oldRef, newRef)
	if err != nil {
		return model.Worklist{}, &SelectionError{OldRef: oldRef, NewRef: newRef, Err: err}
	}

	exts := make(map[string]bool)
	for _, e := range s.analyzer.Extensions() {
		exts[e] = true
	}

	var items []model.WorkItem
	var deprecated []model.Unit
	changedNames := make(map[string]bool)

	for _, cf := range changed {
		if !exts[filepath.Ext(cf.Path)] || strings.HasSuffix(cf.Path, "_test.go") {
			continue
		}

		oldUnits, newUnits, err := s.unitsAtBothRevisions(ctx, cf, oldRef, newRef)
		if err != nil {
			return model.Worklist{}, &SelectionError{OldRef: oldRef, NewRef: newRef, Err: err}
		}

		oldByName := make(map[string]model.Unit, len(oldUnits))
		for _, u := range oldUnits {
			oldByName[u.QualifiedName] = u
		}
		newByName := make(map[string]model.Unit, len(newUnits))
		for _, u := range newUnits {
			newByName[u.QualifiedName] = u
		}

		for _, u := range newUnits {
			old, existed := oldByName[u.QualifiedName]
			switch {
			case !existed:
				items = append(items, model.WorkItem{Unit: u, Reason: model.ReasonNew})
				changedNames[u.QualifiedName] = true
			case old.Fingerprint != u.Fingerprint:
				items = append(items, model.WorkItem{Unit: u, Reason: model.ReasonModified})
				changedNames[u.QualifiedName] = true
			}
		}
		for _, u := range oldUnits {
			if _, stillThere := newByName[u.QualifiedName]; !stillThere {
				deprecated = append(deprecated, u)
			}
		}
	}

	if len(changedNames) > 0 {
		verifyItems, err := s.verifyCallers(ctx, sourceRoot, changedNames)
		if err != nil {
			return model.Worklist{}, &SelectionError{OldRef: oldRef, NewRef: newRef, Err: err}
		}
		items = append(items, verifyItems...)
	}

	wl := model.NewWorklist(items)
	wl.Deprecations = deprecated

	s.logger.Info("change impact computed",
		"old", oldRef, "new", newRef,
		"items", wl.Len(), "deprecated", len(deprecated))
	return wl, nil
}

// unitsAtBothRevisions parses a changed file at the old and new
// revisions, via the cache.
func (s *Selector) unitsAtBothRevisions(ctx context.Context, cf gitrev.ChangedFile, oldRef, newRef string) (oldUnits, newUnits []model.Unit, err error) {
	g, gctx := errgroup.WithContext(ctx)
	if cf.Status != gitrev.StatusAdded {
		g.Go(func() error {
			result, err := s.parseAtRef(gctx, oldRef, cf.Path)
			if err != nil {
				return err
			}
			oldUnits = result.Units
			return nil
		})
	}
	if cf.Status != gitrev.StatusDeleted {
		g.Go(func() error {
			result, err := s.parseAtRef(gctx, newRef, cf.Path)
			if err != nil {
				return err
			}
			newUnits = result.Units
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return oldUnits, newUnits, nil
}

// parseAtRef parses one file at a revision, keyed in the cache by the
// content hash (never the path).
func (s *Selector) parseAtRef(ctx context.Context, ref, path string) (*analyze.ParseResult, error) {
	content, err := s.git.FileAtRef(ctx, ref, path)
	if err != nil {
		return nil, err
	}
	return s.parseCached(ctx, path, content)
}

// parseCached runs the analyzer through the cache store.
func (s *Selector) parseCached(ctx context.Context, path string, content []byte) (*analyze.ParseResult, error) {
	key := model.SourceKey(content)
	value, err := s.store.GetOrCompute(ctx, key, func(ctx context.Context) (any, error) {
		return s.analyzer.Parse(ctx, path, content)
	})
	if err != nil {
		return nil, err
	}
	result, ok := value.(*analyze.ParseResult)
	if !ok {
		return nil, fmt.Errorf("unexpected cache value %T for %s", value, path)
	}
	return result, nil
}

// verifyCallers scans the whole tree at the new revision, builds the
// caller graph, and returns verify items for unchanged callers within
// the hop bound.
func (s *Selector) verifyCallers(ctx context.Context, sourceRoot string, changedNames map[string]bool) ([]model.WorkItem, error) {
	files, err := analyze.WalkSources(sourceRoot, s.analyzer)
	if err != nil {
		return nil, err
	}

	var allUnits []model.Unit
	var allCalls []analyze.RawCall
	for _, rel := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		content, err := os.ReadFile(filepath.Join(sourceRoot, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		result, err := s.parseCached(ctx, rel, content)
		if err != nil {
			return nil, err
		}
		allUnits = append(allUnits, result.Units...)
		allCalls = append(allCalls, result.Calls...)
	}

	graph := BuildCallerGraph(allUnits, allCalls)

	seeds := make([]string, 0, len(changedNames))
	for name := range changedNames {
		seeds = append(seeds, name)
	}
	impacted := graph.TransitiveCallers(seeds, s.maxHops)

	byName := make(map[string]model.Unit, len(allUnits))
	for _, u := range allUnits {
		byName[u.QualifiedName] = u
	}

	var items []model.WorkItem
	for name := range impacted {
		if changedNames[name] {
			continue
		}
		if u, ok := byName[name]; ok {
			items = append(items, model.WorkItem{Unit: u, Reason: model.ReasonVerify})
		}
	}
	return items, nil
}
