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
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTestEvents(t *testing.T) {
	stream := `{"Action":"run","Package":"m/p","Test":"TestA"}
{"Action":"output","Package":"m/p","Test":"TestA","Output":"=== RUN TestA\n"}
{"Action":"pass","Package":"m/p","Test":"TestA"}
{"Action":"run","Package":"m/p","Test":"TestB"}
{"Action":"output","Package":"m/p","Test":"TestB","Output":"boom: want 2 got 3\n"}
{"Action":"fail","Package":"m/p","Test":"TestB"}
{"Action":"fail","Package":"m/p"}
not json at all
`
	result := parseTestEvents(bytes.NewBufferString(stream))
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 1, result.Failed)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, "m/p", result.Failures[0].Package)
	assert.Equal(t, "TestB", result.Failures[0].Name)
	assert.Contains(t, result.Failures[0].Message, "want 2 got 3")
}

func TestModulePath(t *testing.T) {
	e := &GoExecutor{}
	dir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"),
		[]byte("module example.com/demo\n\ngo 1.22\n"), 0o644))
	path, err := e.modulePath(dir)
	require.NoError(t, err)
	assert.Equal(t, "example.com/demo", path)

	_, err = e.modulePath(t.TempDir())
	assert.Error(t, err)
}

func TestExecutionErrorClassification(t *testing.T) {
	build := &ExecutionError{Stage: "build", Err: errors.New("syntax error")}
	timeout := &ExecutionError{Stage: "run", Transient: true, Err: errors.New("deadline")}

	assert.True(t, IsBuildFailure(build))
	assert.False(t, IsBuildFailure(timeout))
	assert.True(t, IsTransient(timeout))
	assert.False(t, IsTransient(build))
	assert.False(t, IsTransient(errors.New("plain")))
}

// writeTestModule lays out a minimal module with one covered function,
// one uncovered function, and one passing test.
func writeTestModule(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	write := func(name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	write("go.mod", "module example.com/tiny\n\ngo 1.22\n")
	write("calc.go", `package tiny

func Add(a, b int) int { return a + b }

func Unused(a int) int { return a * 2 }
`)
	write("calc_test.go", `package tiny

import "testing"

func TestAdd(t *testing.T) {
	if Add(1, 2) != 3 {
		t.Fatal("wrong sum")
	}
}
`)
	return dir
}

func TestGoExecutorRun(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the go toolchain")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	e, err := NewGoExecutor()
	require.NoError(t, err)

	result, err := e.Run(context.Background(), writeTestModule(t))
	require.NoError(t, err)
	assert.Equal(t, 1, result.Passed)
	assert.Equal(t, 0, result.Failed)
	require.NotNil(t, result.Coverage)
	assert.Greater(t, result.Coverage.Overall, 0.0)
	assert.Less(t, result.Coverage.Overall, 100.0, "Unused stays uncovered")
}

func TestGoExecutorRunBuildFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("runs the go toolchain")
	}
	if _, err := exec.LookPath("go"); err != nil {
		t.Skip("go toolchain not available")
	}

	dir := writeTestModule(t)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.go"),
		[]byte("package tiny\n\nfunc Broken( {}\n"), 0o644))

	e, err := NewGoExecutor()
	require.NoError(t, err)

	_, err = e.Run(context.Background(), dir)
	require.Error(t, err)
	assert.True(t, IsBuildFailure(err))
}
