// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package runner executes the project test suite and returns normalized
// results with coverage. Failing tests are data, not errors: only
// environment and build problems surface as ExecutionError.
package runner

import (
	"context"
	"errors"
	"fmt"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// ExecutionError wraps a test-run failure that is not a failing test:
// build breakage, missing tooling, timeouts.
type ExecutionError struct {
	// Stage names what broke: "build", "run", "coverage".
	Stage string

	// Transient errors (timeouts, resource exhaustion) are worth one
	// retry; build breakage is not.
	Transient bool

	// Output carries the tool output for diagnostics.
	Output string

	Err error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed at %s: %v", e.Stage, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient ExecutionError.
func IsTransient(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Transient
}

// IsBuildFailure reports whether err is a build-stage ExecutionError.
// The engine re-queues the offending units instead of aborting.
func IsBuildFailure(err error) bool {
	var ee *ExecutionError
	return errors.As(err, &ee) && ee.Stage == "build"
}

// Executor runs the test suite once against a project tree.
type Executor interface {
	// Run executes all tests under projectRoot with coverage and
	// returns the normalized result. A result with Failed > 0 is a
	// successful execution; errors are *ExecutionError.
	Run(ctx context.Context, projectRoot string) (model.ExecutionResult, error)
}
