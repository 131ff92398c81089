// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package analyze defines the source-analysis collaborator contract and
// ships a tree-sitter based Go implementation.
//
// The engine and the change-impact selector only depend on the Analyzer
// interface; any language can be supported by providing another
// implementation that produces units and call edges in the common shape.
package analyze

import (
	"context"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// RawCall is an unresolved call site: the caller is a fully qualified
// unit name, the target is whatever identifier appeared at the call site
// ("Helper", "svc.Process", "pkg.Func"). Resolution against the full
// unit set happens in the impact package, which sees every file.
type RawCall struct {
	Caller string `json:"caller"`
	Target string `json:"target"`
}

// ParseResult is the analyzer output for one source file.
type ParseResult struct {
	// FilePath is the path the content was parsed as, relative to the
	// project root.
	FilePath string `json:"file_path"`

	// Package is the declared package name.
	Package string `json:"package"`

	// Units are the testable elements found in the file.
	Units []model.Unit `json:"units"`

	// Calls are the unresolved call sites found in unit bodies.
	Calls []RawCall `json:"calls"`

	// Errors holds non-fatal parse problems (syntax errors tolerated
	// with partial results).
	Errors []string `json:"errors,omitempty"`
}

// Analyzer parses a source file into units and dependency edges.
//
// Implementations must be safe for concurrent use; Parse is called from
// multiple goroutines during full scans.
type Analyzer interface {
	// Parse extracts units and call sites from content. filePath is
	// used for unit locations only, never for cache keys.
	Parse(ctx context.Context, filePath string, content []byte) (*ParseResult, error)

	// Extensions returns the file extensions this analyzer handles,
	// e.g. []string{".go"}.
	Extensions() []string
}
