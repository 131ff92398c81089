// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package impact

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/coverloop/services/coverloop/analyze"
	"github.com/AleutianAI/coverloop/services/coverloop/cache"
	"github.com/AleutianAI/coverloop/services/coverloop/gitrev"
	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// twoRevisionRepo builds a repository with:
// commit 1: foo.go (Foo), bar.go (Bar calls Foo), baz.go (Baz, unrelated)
// commit 2: Foo body modified, everything else untouched.
func twoRevisionRepo(t *testing.T) string {
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
	write("foo.go", "package p\n\nfunc Foo(x int) int {\n\treturn x + 1\n}\n")
	write("bar.go", "package p\n\nfunc Bar(x int) int {\n\treturn Foo(x) * 2\n}\n")
	write("baz.go", "package p\n\nfunc Baz() int {\n\treturn 7\n}\n")
	git("add", ".")
	git("commit", "-q", "-m", "first")

	write("foo.go", "package p\n\nfunc Foo(x int) int {\n\treturn x + 2\n}\n")
	git("add", "-A")
	git("commit", "-q", "-m", "second")

	return dir
}

func newTestSelector(t *testing.T, repo string) *Selector {
	t.Helper()
	git, err := gitrev.NewClient(repo, nil)
	require.NoError(t, err)
	store := cache.New()
	t.Cleanup(func() { store.Close() })
	return NewSelector(git, analyze.NewGoAnalyzer(), store, Options{})
}

func TestSelectModifiedAndVerify(t *testing.T) {
	repo := twoRevisionRepo(t)
	s := newTestSelector(t, repo)

	wl, err := s.Select(context.Background(), "HEAD~1", "HEAD", repo)
	require.NoError(t, err)
	require.Len(t, wl.Items, 2)

	assert.Equal(t, "p.Foo", wl.Items[0].Unit.QualifiedName)
	assert.Equal(t, model.ReasonModified, wl.Items[0].Reason)

	assert.Equal(t, "p.Bar", wl.Items[1].Unit.QualifiedName)
	assert.Equal(t, model.ReasonVerify, wl.Items[1].Reason)

	// Baz neither changed nor calls a changed unit.
	for _, item := range wl.Items {
		assert.NotEqual(t, "p.Baz", item.Unit.QualifiedName)
	}
	assert.Empty(t, wl.Deprecations)
}

func TestSelectAddedAndDeletedUnits(t *testing.T) {
	repo := twoRevisionRepo(t)

	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	// Delete Baz, add Qux.
	require.NoError(t, os.Remove(filepath.Join(repo, "baz.go")))
	require.NoError(t, os.WriteFile(filepath.Join(repo, "qux.go"),
		[]byte("package p\n\nfunc Qux() int {\n\treturn 9\n}\n"), 0o644))
	git("add", "-A")
	git("commit", "-q", "-m", "third")

	s := newTestSelector(t, repo)
	wl, err := s.Select(context.Background(), "HEAD~1", "HEAD", repo)
	require.NoError(t, err)

	require.Len(t, wl.Items, 1)
	assert.Equal(t, "p.Qux", wl.Items[0].Unit.QualifiedName)
	assert.Equal(t, model.ReasonNew, wl.Items[0].Reason)

	require.Len(t, wl.Deprecations, 1)
	assert.Equal(t, "p.Baz", wl.Deprecations[0].QualifiedName)
}

func TestSelectIdenticalRevisions(t *testing.T) {
	repo := twoRevisionRepo(t)
	s := newTestSelector(t, repo)

	wl, err := s.Select(context.Background(), "HEAD", "HEAD", repo)
	require.NoError(t, err)
	assert.True(t, wl.IsEmpty())
	assert.Empty(t, wl.Deprecations)
}

func TestSelectUnknownRef(t *testing.T) {
	repo := twoRevisionRepo(t)
	s := newTestSelector(t, repo)

	_, err := s.Select(context.Background(), "no-such-ref", "HEAD", repo)
	require.Error(t, err)
	assert.True(t, IsSelectionError(err), "unresolvable diff must surface a SelectionError")
}

func TestSelectIgnoresTestFiles(t *testing.T) {
	repo := twoRevisionRepo(t)

	git := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = repo
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=test", "GIT_AUTHOR_EMAIL=test@test",
			"GIT_COMMITTER_NAME=test", "GIT_COMMITTER_EMAIL=test@test",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, "git %v: %s", args, out)
	}

	require.NoError(t, os.WriteFile(filepath.Join(repo, "foo_test.go"),
		[]byte("package p\n\nimport \"testing\"\n\nfunc TestFoo(t *testing.T) {}\n"), 0o644))
	git("add", "-A")
	git("commit", "-q", "-m", "tests")

	s := newTestSelector(t, repo)
	wl, err := s.Select(context.Background(), "HEAD~1", "HEAD", repo)
	require.NoError(t, err)
	assert.True(t, wl.IsEmpty())
}

func TestCallerGraphTransitiveBound(t *testing.T) {
	units := []model.Unit{
		{QualifiedName: "p.A"},
		{QualifiedName: "p.B"},
		{QualifiedName: "p.C"},
	}
	calls := []analyze.RawCall{
		{Caller: "p.B", Target: "A"},
		{Caller: "p.C", Target: "B"},
	}
	g := BuildCallerGraph(units, calls)

	oneHop := g.TransitiveCallers([]string{"p.A"}, 1)
	assert.Contains(t, oneHop, "p.B")
	assert.NotContains(t, oneHop, "p.C", "hop bound must stop indirect callers")

	twoHops := g.TransitiveCallers([]string{"p.A"}, 2)
	assert.Contains(t, twoHops, "p.C")
}

func TestCallerGraphCycleSafe(t *testing.T) {
	units := []model.Unit{
		{QualifiedName: "p.A"},
		{QualifiedName: "p.B"},
	}
	calls := []analyze.RawCall{
		{Caller: "p.A", Target: "B"},
		{Caller: "p.B", Target: "A"},
	}
	g := BuildCallerGraph(units, calls)

	impacted := g.TransitiveCallers([]string{"p.A"}, 10)
	assert.Contains(t, impacted, "p.B")
	assert.NotContains(t, impacted, "p.A", "seeds are not their own callers")
	assert.Len(t, impacted, 1)
}
