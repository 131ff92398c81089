// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package gitrev

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testRepo builds a two-commit repository:
// commit 1: a.go, b.go
// commit 2: a.go modified, b.go deleted, c.go added
func testRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}

	dir := t.TempDir()
	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}
	write := func(name, content string) {
		t.Helper()
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}

	git("init", "-q", "-b", "main")
	write("a.go", "package p\n\nfunc A() int { return 1 }\n")
	write("b.go", "package p\n\nfunc B() int { return 2 }\n")
	git("add", ".")
	git("commit", "-q", "-m", "first")

	write("a.go", "package p\n\nfunc A() int { return 42 }\n")
	require.NoError(t, os.Remove(filepath.Join(dir, "b.go")))
	write("c.go", "package p\n\nfunc C() int { return 3 }\n")
	git("add", "-A")
	git("commit", "-q", "-m", "second")

	return dir
}

func TestChangedFiles(t *testing.T) {
	repo := testRepo(t)
	c, err := NewClient(repo, nil)
	require.NoError(t, err)

	changed, err := c.ChangedFiles(context.Background(), "HEAD~1", "HEAD")
	require.NoError(t, err)
	require.Len(t, changed, 3)

	byPath := map[string]ChangedFile{}
	for _, cf := range changed {
		byPath[cf.Path] = cf
	}

	require.Contains(t, byPath, "a.go")
	assert.Equal(t, StatusModified, byPath["a.go"].Status)
	assert.NotEmpty(t, byPath["a.go"].Hunks)

	require.Contains(t, byPath, "b.go")
	assert.Equal(t, StatusDeleted, byPath["b.go"].Status)

	require.Contains(t, byPath, "c.go")
	assert.Equal(t, StatusAdded, byPath["c.go"].Status)
}

func TestChangedFilesIdenticalRevisions(t *testing.T) {
	repo := testRepo(t)
	c, err := NewClient(repo, nil)
	require.NoError(t, err)

	changed, err := c.ChangedFiles(context.Background(), "HEAD", "HEAD")
	require.NoError(t, err)
	assert.Empty(t, changed)
}

func TestChangedFilesUnknownRef(t *testing.T) {
	repo := testRepo(t)
	c, err := NewClient(repo, nil)
	require.NoError(t, err)

	_, err = c.ChangedFiles(context.Background(), "no-such-ref", "HEAD")
	assert.Error(t, err, "unresolvable diff must error, never return empty")
}

func TestFileAtRef(t *testing.T) {
	repo := testRepo(t)
	c, err := NewClient(repo, nil)
	require.NoError(t, err)

	old, err := c.FileAtRef(context.Background(), "HEAD~1", "a.go")
	require.NoError(t, err)
	assert.Contains(t, string(old), "return 1")

	current, err := c.FileAtRef(context.Background(), "HEAD", "a.go")
	require.NoError(t, err)
	assert.Contains(t, string(current), "return 42")

	_, err = c.FileAtRef(context.Background(), "HEAD", "missing.go")
	assert.Error(t, err)
}

func TestResolveRef(t *testing.T) {
	repo := testRepo(t)
	c, err := NewClient(repo, nil)
	require.NoError(t, err)

	hash, err := c.ResolveRef(context.Background(), "HEAD")
	require.NoError(t, err)
	assert.Len(t, hash, 40)

	_, err = c.ResolveRef(context.Background(), "bogus")
	assert.Error(t, err)
}
