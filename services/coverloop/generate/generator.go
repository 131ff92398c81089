// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package generate produces test artifacts for units via pluggable LLM
// providers. Providers register themselves by name; the engine picks one
// from configuration and never imports a provider directly.
package generate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// GenerationError wraps a provider failure for one unit.
//
// Transient errors (rate limits, upstream 5xx, timeouts) are worth one
// retry; permanent errors (bad request, auth) are recorded and the unit
// skipped for the iteration.
type GenerationError struct {
	Unit      string
	Provider  string
	Transient bool
	Err       error
}

func (e *GenerationError) Error() string {
	kind := "permanent"
	if e.Transient {
		kind = "transient"
	}
	return fmt.Sprintf("generation failed (%s, provider %s, unit %s): %v",
		kind, e.Provider, e.Unit, e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient GenerationError.
func IsTransient(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge) && ge.Transient
}

// Context carries the prompt-relevant surroundings of a unit.
type Context struct {
	// Module is the project's module path.
	Module string

	// Package is the unit's package name.
	Package string

	// Source is the unit's source text.
	Source string

	// ExistingTests is the current content of the target test file,
	// empty when none exists.
	ExistingTests string

	// UncoveredLines are line numbers inside the unit that prior
	// iterations left uncovered. Empty on first generation.
	UncoveredLines []int

	// RunID attributes the artifact's provenance.
	RunID string
}

// Generator produces a test artifact for one unit.
//
// # Thread Safety
//
// Implementations must be safe for concurrent Generate calls; the
// engine fans generation out over a worker pool.
type Generator interface {
	// Generate renders the prompt for unit, calls the provider, and
	// returns the artifact. Errors are *GenerationError.
	Generate(ctx context.Context, unit model.Unit, genCtx Context) (model.GeneratedArtifact, error)

	// Model returns the provider model identifier; part of the
	// generation cache key.
	Model() string

	// Params returns the sampling parameters; part of the generation
	// cache key.
	Params() model.SamplingParams

	// IsAvailable reports whether the provider can serve requests
	// (credentials present, endpoint reachable).
	IsAvailable(ctx context.Context) bool
}

// CacheKey computes the generation cache key for a unit under g's model
// and parameters. Same unit fingerprint, template version, model, and
// sampling parameters always produce the same key.
func CacheKey(g Generator, unit model.Unit) string {
	return model.GenerationKey(unit.Fingerprint, TemplateVersion, g.Model(), g.Params())
}

// TestFilePath derives the artifact's target test file from the unit's
// source file: "store/cache.go" becomes "store/cache_test.go".
func TestFilePath(unit model.Unit) string {
	file := unit.File
	if strings.HasSuffix(file, ".go") {
		return strings.TrimSuffix(file, ".go") + "_test.go"
	}
	return file + "_test" // non-Go analyzers supply their own convention
}

// extractCode strips a markdown code fence from a model response,
// returning the fenced body when present and the trimmed response
// otherwise.
func extractCode(response string) string {
	trimmed := strings.TrimSpace(response)
	start := strings.Index(trimmed, "```")
	if start < 0 {
		return trimmed
	}
	rest := trimmed[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line.
		rest = rest[nl+1:]
	}
	if end := strings.Index(rest, "```"); end >= 0 {
		rest = rest[:end]
	}
	return strings.TrimSpace(rest)
}
