// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	c := Default()
	assert.Equal(t, 80.0, c.Engine.TargetCoverage)
	assert.Equal(t, 5, c.Engine.MaxIterations)
	assert.Equal(t, 0.5, c.Engine.MinDelta)
	assert.Equal(t, 1, c.Engine.MaxHops)
	assert.Equal(t, "ollama", c.Generation.Provider)
	assert.Equal(t, 4096, c.Cache.MaxEntries)
	assert.Equal(t, 24*time.Hour, c.Cache.TTL)
	require.NoError(t, c.Validate())
}

func TestLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coverloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
project:
  root: /tmp/proj
engine:
  target_coverage: 92.5
  max_iterations: 3
generation:
  provider: openai
  model: gpt-4o-mini
  requests_per_minute: 30
pool:
  min_workers: 2
  max_workers: 6
`), 0o644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/proj", c.Project.Root)
	assert.Equal(t, 92.5, c.Engine.TargetCoverage)
	assert.Equal(t, 3, c.Engine.MaxIterations)
	assert.Equal(t, "openai", c.Generation.Provider)
	assert.Equal(t, 30, c.Generation.RequestsPerMinute)
	assert.Equal(t, 6, c.Pool.MaxWorkers)
	// Untouched sections still get defaults.
	assert.Equal(t, 1, c.Engine.MaxHops)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/no/such/file.yaml")
	assert.Error(t, err)

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 80.0, c.Engine.TargetCoverage)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"target over 100", func(c *Config) { c.Engine.TargetCoverage = 120 }},
		{"zero iterations", func(c *Config) { c.Engine.MaxIterations = 0 }},
		{"max below min workers", func(c *Config) { c.Pool.MinWorkers = 8; c.Pool.MaxWorkers = 2 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }},
		{"bad base url", func(c *Config) { c.Generation.BaseURL = "not a url" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := Default()
			tc.mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestAPIKeyResolution(t *testing.T) {
	c := Default()
	c.Generation.APIKeyEnv = "COVERLOOP_TEST_KEY"
	t.Setenv("COVERLOOP_TEST_KEY", "sk-test")
	assert.Equal(t, "sk-test", c.APIKey())
}
