// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package merge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

func artifact(unitFP, source string) model.GeneratedArtifact {
	return model.GeneratedArtifact{
		UnitFingerprint: unitFP,
		TestSource:      source,
		TestFilePath:    "calc_test.go",
		Provenance: model.Provenance{
			PromptFingerprint: "pfp",
			Model:             "test-model",
		},
	}
}

func readTarget(t *testing.T, root string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, "calc_test.go"))
	require.NoError(t, err)
	return string(data)
}

func TestMergeCreatesFile(t *testing.T) {
	root := t.TempDir()
	m := NewMerger(nil)

	res, err := m.Merge(context.Background(), root, "calc",
		artifact("fp1", "func TestAdd(t *testing.T) {\n\tif Add(1, 2) != 3 {\n\t\tt.Fatal()\n\t}\n}"))
	require.NoError(t, err)
	assert.Equal(t, []string{"TestAdd"}, res.Inserted)

	content := readTarget(t, root)
	assert.Contains(t, content, "package calc")
	assert.Contains(t, content, `import "testing"`)
	assert.Contains(t, content, "coverloop:generated unit=fp1")
	assert.Contains(t, content, "func TestAdd(t *testing.T) {")
}

func TestMergePreservesHandWrittenFunctions(t *testing.T) {
	root := t.TempDir()
	handWritten := "package calc\n\nimport \"testing\"\n\nfunc TestAdd(t *testing.T) {\n\t// my precious test\n}\n"
	require.NoError(t, os.WriteFile(filepath.Join(root, "calc_test.go"), []byte(handWritten), 0o644))

	m := NewMerger(nil)
	res, err := m.Merge(context.Background(), root, "calc",
		artifact("fp1", "func TestAdd(t *testing.T) {\n\tt.Fatal(\"machine version\")\n}"))
	require.NoError(t, err)

	assert.Equal(t, []string{"TestAdd"}, res.Skipped)
	assert.Empty(t, res.Inserted)
	assert.Empty(t, res.Replaced)

	content := readTarget(t, root)
	assert.Contains(t, content, "my precious test")
	assert.NotContains(t, content, "machine version")
}

func TestMergeReplacesGeneratedFunctions(t *testing.T) {
	root := t.TempDir()
	m := NewMerger(nil)

	_, err := m.Merge(context.Background(), root, "calc",
		artifact("fp1", "func TestAdd(t *testing.T) {\n\tt.Log(\"v1\")\n}"))
	require.NoError(t, err)

	res, err := m.Merge(context.Background(), root, "calc",
		artifact("fp2", "func TestAdd(t *testing.T) {\n\tt.Log(\"v2\")\n}"))
	require.NoError(t, err)

	assert.Equal(t, []string{"TestAdd"}, res.Replaced)
	content := readTarget(t, root)
	assert.Contains(t, content, "v2")
	assert.NotContains(t, content, "v1")
	assert.Contains(t, content, "unit=fp2")
	assert.NotContains(t, content, "unit=fp1")
}

func TestMergePreservesUnrecognizedContent(t *testing.T) {
	root := t.TempDir()
	existing := `package calc

import "testing"

var fixture = []int{1, 2, 3}

// helper builds a thing.
func helper(n int) int { return n * 2 }

func TestOld(t *testing.T) {
	_ = fixture
}
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "calc_test.go"), []byte(existing), 0o644))

	m := NewMerger(nil)
	res, err := m.Merge(context.Background(), root, "calc",
		artifact("fp1", "func TestNew(t *testing.T) {\n\t_ = helper(2)\n}"))
	require.NoError(t, err)
	assert.Equal(t, []string{"TestNew"}, res.Inserted)

	content := readTarget(t, root)
	assert.Contains(t, content, "var fixture = []int{1, 2, 3}")
	assert.Contains(t, content, "// helper builds a thing.")
	assert.Contains(t, content, "func TestOld(t *testing.T) {")
	assert.Contains(t, content, "func TestNew(t *testing.T) {")
}

func TestMergeMultipleFunctions(t *testing.T) {
	root := t.TempDir()
	m := NewMerger(nil)

	source := "func TestA(t *testing.T) {\n\tt.Log(\"a\")\n}\n\nfunc TestB(t *testing.T) {\n\tt.Log(\"b\")\n}"
	res, err := m.Merge(context.Background(), root, "calc", artifact("fp1", source))
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"TestA", "TestB"}, res.Inserted)
}

func TestMergeCanceledContext(t *testing.T) {
	root := t.TempDir()
	m := NewMerger(nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := m.Merge(ctx, root, "calc", artifact("fp1", "func TestA(t *testing.T) {\n}"))
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(root, "calc_test.go"))
	assert.True(t, os.IsNotExist(statErr), "no partial write after cancellation")
}

func TestLockBlocksSecondHolder(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "x_test.go")

	l1, err := acquireLock(context.Background(), target)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err = acquireLock(ctx, target)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	l1.release()
	l2, err := acquireLock(context.Background(), target)
	require.NoError(t, err)
	l2.release()
}

func TestSplitFunctions(t *testing.T) {
	src := `package p

// coverloop:generated unit=abc prompt=p model=m
func TestGen(t *testing.T) {
	t.Log("x")
}

func handRolled() int { return 1 }

// just a comment, not a marker
func TestPlain(t *testing.T) {
}
`
	blocks := splitFunctions(src)
	require.Len(t, blocks, 3)

	gen, ok := blocks.byName("TestGen")
	require.True(t, ok)
	assert.True(t, gen.Generated)

	one, ok := blocks.byName("handRolled")
	require.True(t, ok)
	assert.False(t, one.Generated)
	assert.Equal(t, "func handRolled() int { return 1 }", one.Text)

	plain, ok := blocks.byName("TestPlain")
	require.True(t, ok)
	assert.False(t, plain.Generated)
}
