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
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// flagFlaky re-runs each failing test once and tags the ones that pass
// the second time.
//
// # Description
//
// A test that fails in the full suite run but passes on a focused
// re-run is unstable, not a signal about the generated tests or the
// coverage gap. The re-run is scoped to the failing packages and
// failing top-level tests only, so its cost is proportional to the
// failure count, not the suite. Re-run errors are advisory: detection
// is logged and skipped, never fatal.
func (e *GoExecutor) flagFlaky(ctx context.Context, projectRoot string, result *model.ExecutionResult) {
	if len(result.Failures) == 0 {
		return
	}

	passed := make(map[string]bool)
	for pkg, tests := range groupFailuresByPackage(result.Failures) {
		verdicts, err := e.rerunTests(ctx, projectRoot, pkg, tests)
		if err != nil {
			e.logger.Warn("flaky re-run failed, skipping detection",
				"package", pkg, "error", err)
			continue
		}
		for name, ok := range verdicts {
			if ok {
				passed[pkg+"."+name] = true
			}
		}
	}

	for i := range result.Failures {
		f := &result.Failures[i]
		if passed[f.Package+"."+rootTest(f.Name)] {
			f.Flaky = true
			e.logger.Warn("flaky test detected",
				"package", f.Package, "test", f.Name)
		}
	}
}

// rerunTests runs the named top-level tests of one package once, without
// coverage, and reports which of them passed.
func (e *GoExecutor) rerunTests(ctx context.Context, projectRoot, pkg string, tests []string) (map[string]bool, error) {
	cmd := exec.CommandContext(ctx, e.goBin, "test", pkg,
		"-run", runPattern(tests), "-count=1", "-json")
	cmd.Dir = projectRoot
	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	// A failing re-run exits non-zero; the JSON stream still carries
	// the per-test verdicts we need.
	_ = cmd.Run()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	rerun := parseTestEvents(&stdout)
	if rerun.Passed == 0 && rerun.Failed == 0 {
		// Nothing ran: bad pattern or the build regressed between runs.
		return nil, fmt.Errorf("re-run of %s reported no test results", pkg)
	}

	verdicts := make(map[string]bool, len(tests))
	for _, test := range tests {
		verdicts[test] = true
	}
	for _, f := range rerun.Failures {
		verdicts[rootTest(f.Name)] = false
	}
	return verdicts, nil
}

// groupFailuresByPackage maps package import paths to their failing
// top-level test names, deduplicated. Subtest failures collapse into
// their root test, which is what -run can address.
func groupFailuresByPackage(failures []model.TestFailure) map[string][]string {
	groups := make(map[string][]string)
	seen := make(map[string]bool)
	for _, f := range failures {
		if f.Package == "" || f.Name == "" {
			continue
		}
		root := rootTest(f.Name)
		key := f.Package + "." + root
		if seen[key] {
			continue
		}
		seen[key] = true
		groups[f.Package] = append(groups[f.Package], root)
	}
	return groups
}

// rootTest strips the subtest path: "TestAdd/negative" becomes
// "TestAdd".
func rootTest(name string) string {
	if idx := strings.Index(name, "/"); idx >= 0 {
		return name[:idx]
	}
	return name
}

// runPattern builds the anchored -run expression for a set of
// top-level tests.
func runPattern(tests []string) string {
	quoted := make([]string, len(tests))
	for i, t := range tests {
		quoted[i] = regexp.QuoteMeta(t)
	}
	return "^(" + strings.Join(quoted, "|") + ")$"
}
