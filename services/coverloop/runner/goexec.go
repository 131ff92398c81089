// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package runner

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/mod/modfile"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
	"github.com/AleutianAI/coverloop/services/coverloop/runner/coverage"
)

// DefaultTimeout bounds one full test-suite run.
const DefaultTimeout = 10 * time.Minute

// GoExecutor runs `go test` with coverage over a module tree.
//
// # Thread Safety
//
// Safe for concurrent use, but callers are expected to serialize runs
// per project tree; concurrent runs over the same tree race on build
// artifacts.
type GoExecutor struct {
	goBin   string
	timeout time.Duration
	logger  *slog.Logger
}

// GoExecutorOption configures a GoExecutor.
type GoExecutorOption func(*GoExecutor)

// WithTimeout bounds one suite run.
// Default: DefaultTimeout
func WithTimeout(d time.Duration) GoExecutorOption {
	return func(e *GoExecutor) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithExecLogger sets the executor logger.
// Default: slog.Default()
func WithExecLogger(logger *slog.Logger) GoExecutorOption {
	return func(e *GoExecutor) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// NewGoExecutor creates a GoExecutor. A missing go binary is a
// configuration failure: the engine must fail the run immediately
// rather than loop on it.
func NewGoExecutor(opts ...GoExecutorOption) (*GoExecutor, error) {
	goBin, err := exec.LookPath("go")
	if err != nil {
		return nil, fmt.Errorf("go binary not found in PATH: %w", err)
	}
	e := &GoExecutor{
		goBin:   goBin,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With(slog.String("component", "runner"))
	return e, nil
}

// testEvent is one line of `go test -json` output.
type testEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
	Output  string `json:"Output"`
}

// Run executes `go test ./...` with an atomic cover profile.
//
// # Outputs
//
//   - model.ExecutionResult: Pass/fail counts, failure details, and the
//     normalized coverage report with module-relative paths.
//   - error: *ExecutionError with Stage "build" when compilation fails,
//     "run" on timeouts or tool errors, "coverage" when the profile
//     cannot be parsed.
func (e *GoExecutor) Run(ctx context.Context, projectRoot string) (model.ExecutionResult, error) {
	modulePath, err := e.modulePath(projectRoot)
	if err != nil {
		return model.ExecutionResult{}, &ExecutionError{Stage: "build", Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	profile := filepath.Join(os.TempDir(), fmt.Sprintf("coverloop-%d.out", time.Now().UnixNano()))
	defer os.Remove(profile)

	cmd := exec.CommandContext(ctx, e.goBin, "test", "./...",
		"-covermode=atomic", "-coverprofile="+profile, "-json")
	cmd.Dir = projectRoot
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	e.logger.Info("running test suite", "root", projectRoot, "module", modulePath)
	runErr := cmd.Run()

	if ctx.Err() != nil {
		return model.ExecutionResult{}, &ExecutionError{
			Stage: "run", Transient: true,
			Output: stderr.String(),
			Err:    fmt.Errorf("test run timed out or canceled: %w", ctx.Err()),
		}
	}

	result := parseTestEvents(&stdout)

	if runErr != nil {
		// Non-zero exit with recorded test failures is a normal failing
		// suite. Non-zero exit without any means the build broke.
		if result.Passed == 0 && result.Failed == 0 {
			return model.ExecutionResult{}, &ExecutionError{
				Stage:  "build",
				Output: stderr.String() + stdout.String(),
				Err:    fmt.Errorf("go test: %w", runErr),
			}
		}
	}

	report, err := coverage.ParseFile(profile, modulePath)
	if err != nil {
		if os.IsNotExist(err) {
			// Build failed after some packages already reported.
			return model.ExecutionResult{}, &ExecutionError{
				Stage:  "build",
				Output: stderr.String(),
				Err:    fmt.Errorf("no cover profile produced: %w", err),
			}
		}
		return model.ExecutionResult{}, &ExecutionError{Stage: "coverage", Err: err}
	}
	result.Coverage = report

	if result.Failed > 0 {
		e.flagFlaky(ctx, projectRoot, &result)
	}

	e.logger.Info("test suite finished",
		"passed", result.Passed, "failed", result.Failed,
		"coverage", report.Overall)
	return result, nil
}

// modulePath reads the module path from the project's go.mod.
func (e *GoExecutor) modulePath(projectRoot string) (string, error) {
	data, err := os.ReadFile(filepath.Join(projectRoot, "go.mod"))
	if err != nil {
		return "", fmt.Errorf("read go.mod: %w", err)
	}
	path := modfile.ModulePath(data)
	if path == "" {
		return "", fmt.Errorf("go.mod has no module directive")
	}
	return path, nil
}

// parseTestEvents folds a `go test -json` stream into pass/fail counts
// and per-test failure messages.
func parseTestEvents(r *bytes.Buffer) model.ExecutionResult {
	var result model.ExecutionResult
	output := make(map[string][]string)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev testEvent
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue // non-JSON lines appear when vet or the linker complains
		}
		if ev.Test == "" {
			continue // package-level events
		}
		key := ev.Package + "." + ev.Test
		switch ev.Action {
		case "output":
			output[key] = append(output[key], ev.Output)
		case "pass":
			result.Passed++
		case "fail":
			result.Failed++
			result.Failures = append(result.Failures, model.TestFailure{
				Package: ev.Package,
				Name:    ev.Test,
				Message: strings.TrimSpace(strings.Join(output[key], "")),
			})
		}
	}
	return result
}
