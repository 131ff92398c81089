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
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

func TestGroupFailuresByPackage(t *testing.T) {
	failures := []model.TestFailure{
		{Package: "m/a", Name: "TestOne"},
		{Package: "m/a", Name: "TestTwo/sub_case"},
		{Package: "m/a", Name: "TestTwo/other"},
		{Package: "m/b", Name: "TestOne"},
		{Package: "", Name: "TestOrphan"},
	}

	groups := groupFailuresByPackage(failures)
	require.Len(t, groups, 2)
	assert.Equal(t, []string{"TestOne", "TestTwo"}, groups["m/a"],
		"subtests collapse into one root entry")
	assert.Equal(t, []string{"TestOne"}, groups["m/b"])
}

func TestRootTest(t *testing.T) {
	assert.Equal(t, "TestAdd", rootTest("TestAdd"))
	assert.Equal(t, "TestAdd", rootTest("TestAdd/negative"))
	assert.Equal(t, "TestAdd", rootTest("TestAdd/case.1/deep"))
}

func TestRunPattern(t *testing.T) {
	assert.Equal(t, "^(TestA)$", runPattern([]string{"TestA"}))
	assert.Equal(t, "^(TestA|TestB)$", runPattern([]string{"TestA", "TestB"}))
	// Metacharacters in a name must not widen the pattern.
	assert.Equal(t, "^(Test\\.Odd)$", runPattern([]string{"Test.Odd"}))
}

// writeFlakyModule lays out a module with one unstable test and one
// deterministically broken test. The unstable test fails only while
// its marker file is absent, so it fails the first run and passes the
// focused re-run.
func writeFlakyModule(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("go.mod", "module example.com/shaky\n\ngo 1.22\n")
	write("calc.go", `package shaky

func Add(a, b int) int { return a + b }
`)
	write("calc_test.go", `package shaky

import (
	"os"
	"testing"
)

func TestUnstable(t *testing.T) {
	if _, err := os.Stat("marker"); err != nil {
		if err := os.WriteFile("marker", nil, 0o644); err != nil {
			t.Fatal(err)
		}
		t.Fatal("first run fails")
	}
}

func TestBroken(t *testing.T) {
	t.Fatal("fails every run")
}

func TestAdd(t *testing.T) {
	if Add(1, 2) != 3 {
		t.Fatal("wrong sum")
	}
}
`)
	return dir
}

func TestFlakyDetection(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the go toolchain")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	e, err := NewGoExecutor()
	require.NoError(t, err)

	result, err := e.Run(context.Background(), writeFlakyModule(t))
	require.NoError(t, err)
	require.Len(t, result.Failures, 2)

	byName := make(map[string]model.TestFailure)
	for _, f := range result.Failures {
		byName[f.Name] = f
	}
	assert.True(t, byName["TestUnstable"].Flaky,
		"passed the focused re-run, so the failure is unstable")
	assert.False(t, byName["TestBroken"].Flaky,
		"failed both runs, a real failure")
}
