// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/coverloop/pkg/logging"
	"github.com/AleutianAI/coverloop/services/coverloop/analyze"
	"github.com/AleutianAI/coverloop/services/coverloop/config"
	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

func TestRunCodecRoundtripParseResult(t *testing.T) {
	in := &analyze.ParseResult{
		FilePath: "math/add.go",
		Package:  "math",
		Units: []model.Unit{
			{QualifiedName: "math.Add", Fingerprint: "fp1"},
		},
	}

	raw, err := runCodec{}.Marshal(in)
	require.NoError(t, err)

	out, err := runCodec{}.Unmarshal(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestRunCodecRoundtripArtifact(t *testing.T) {
	in := model.GeneratedArtifact{
		UnitFingerprint: "fp1",
		TestSource:      "func TestAdd(t *testing.T) {}",
		TestFilePath:    "math/add_test.go",
	}

	raw, err := runCodec{}.Marshal(in)
	require.NoError(t, err)

	out, err := runCodec{}.Unmarshal(raw)
	require.NoError(t, err)
	// Artifacts are cached by value; the codec must return a value too.
	assert.Equal(t, in, out)
}

func TestRunCodecRejectsUnknownType(t *testing.T) {
	_, err := runCodec{}.Marshal(42)
	require.Error(t, err)

	_, err = runCodec{}.Unmarshal([]byte(`{"kind":"mystery"}`))
	require.Error(t, err)

	_, err = runCodec{}.Unmarshal([]byte(`not json`))
	require.Error(t, err)
}

func TestRelevantChange(t *testing.T) {
	cases := []struct {
		path string
		want bool
	}{
		{"pkg/math/add.go", true},
		{"pkg/math/add_test.go", false},
		{"pkg/math/README.md", false},
		{"pkg/math/.add.go.swp", false},
		{"main.go", true},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, relevantChange(tc.path), tc.path)
	}
}

func TestApplyRunFlags(t *testing.T) {
	origCfg, origTarget, origIter, origRoot := cfg, runTarget, runMaxIterations, runProjectRoot
	t.Cleanup(func() {
		cfg, runTarget, runMaxIterations, runProjectRoot = origCfg, origTarget, origIter, origRoot
	})

	cfg = config.Default()
	runTarget = 92.5
	runMaxIterations = 9
	runProjectRoot = "/tmp/project"

	applyRunFlags()

	assert.InDelta(t, 92.5, cfg.Engine.TargetCoverage, 1e-9)
	assert.Equal(t, 9, cfg.Engine.MaxIterations)
	assert.Equal(t, "/tmp/project", cfg.Project.Root)
}

func TestApplyRunFlagsZeroLeavesConfig(t *testing.T) {
	origCfg, origTarget, origIter, origRoot := cfg, runTarget, runMaxIterations, runProjectRoot
	t.Cleanup(func() {
		cfg, runTarget, runMaxIterations, runProjectRoot = origCfg, origTarget, origIter, origRoot
	})

	cfg = config.Default()
	runTarget, runMaxIterations, runProjectRoot = 0, 0, ""

	applyRunFlags()

	assert.InDelta(t, 80, cfg.Engine.TargetCoverage, 1e-9)
	assert.Equal(t, 5, cfg.Engine.MaxIterations)
	assert.Equal(t, ".", cfg.Project.Root)
}

func TestOpenTierRequiresCacheDir(t *testing.T) {
	origCfg, origLog := cfg, log
	t.Cleanup(func() { cfg, log = origCfg, origLog })

	cfg = config.Default()
	cfg.Cache.Dir = ""
	log = logging.Default()

	tier, code := openTier()
	assert.Nil(t, tier)
	assert.Equal(t, exitError, code)
}

func TestDirSize(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a"), make([]byte, 100), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b"), make([]byte, 50), 0o644))

	size, err := dirSize(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(150), size)
}
