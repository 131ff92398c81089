// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package generate

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

type stubGenerator struct {
	model  string
	params model.SamplingParams
}

func (s *stubGenerator) Generate(ctx context.Context, unit model.Unit, genCtx Context) (model.GeneratedArtifact, error) {
	return model.GeneratedArtifact{UnitFingerprint: unit.Fingerprint}, nil
}
func (s *stubGenerator) Model() string { return s.model }

func (s *stubGenerator) Params() model.SamplingParams { return s.params }

func (s *stubGenerator) IsAvailable(ctx context.Context) bool { return true }

func TestRegistryKnownProviders(t *testing.T) {
	names := Providers()
	assert.Contains(t, names, "openai")
	assert.Contains(t, names, "ollama")
}

func TestRegistryUnknownProvider(t *testing.T) {
	_, err := New("no-such-provider", ProviderConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown generation provider")
}

func TestRegistryShadowing(t *testing.T) {
	Register("stub-test", func(cfg ProviderConfig) (Generator, error) {
		return &stubGenerator{model: cfg.Model}, nil
	})
	g, err := New("stub-test", ProviderConfig{Model: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "m1", g.Model())
}

func TestOpenAIRequiresKeyOrBaseURL(t *testing.T) {
	_, err := New("openai", ProviderConfig{})
	assert.Error(t, err)

	g, err := New("openai", ProviderConfig{BaseURL: "http://localhost:8000/v1"})
	require.NoError(t, err)
	assert.Equal(t, defaultOpenAIModel, g.Model())
}

func TestCacheKeyStability(t *testing.T) {
	unit := model.Unit{Fingerprint: "abc123"}
	g1 := &stubGenerator{model: "m", params: model.SamplingParams{Temperature: 0.2, MaxTokens: 512}}
	g2 := &stubGenerator{model: "m", params: model.SamplingParams{Temperature: 0.2, MaxTokens: 512}}

	assert.Equal(t, CacheKey(g1, unit), CacheKey(g2, unit))

	g3 := &stubGenerator{model: "m", params: model.SamplingParams{Temperature: 0.9, MaxTokens: 512}}
	assert.NotEqual(t, CacheKey(g1, unit), CacheKey(g3, unit),
		"sampling parameters are part of the key")

	other := model.Unit{Fingerprint: "def456"}
	assert.NotEqual(t, CacheKey(g1, unit), CacheKey(g1, other))
}

func TestRenderPromptDeterministic(t *testing.T) {
	unit := model.Unit{QualifiedName: "p.Foo", Kind: model.KindFunction, Fingerprint: "fp"}
	genCtx := Context{Package: "p", Source: "func Foo() {}", UncoveredLines: []int{3, 5}}

	first := renderPrompt(unit, genCtx)
	second := renderPrompt(unit, genCtx)
	assert.Equal(t, first, second)
	assert.Contains(t, first, "p.Foo")
	assert.Contains(t, first, "[3 5]")
}

func TestTestFilePath(t *testing.T) {
	assert.Equal(t, "store/cache_test.go",
		TestFilePath(model.Unit{File: "store/cache.go"}))
	assert.Equal(t, "lib.rs_test",
		TestFilePath(model.Unit{File: "lib.rs"}))
}

func TestExtractCode(t *testing.T) {
	t.Run("fenced with language", func(t *testing.T) {
		got := extractCode("Here you go:\n```go\nfunc TestA(t *testing.T) {}\n```\nDone.")
		assert.Equal(t, "func TestA(t *testing.T) {}", got)
	})
	t.Run("no fence", func(t *testing.T) {
		got := extractCode("  func TestA(t *testing.T) {}  ")
		assert.Equal(t, "func TestA(t *testing.T) {}", got)
	})
	t.Run("unterminated fence", func(t *testing.T) {
		got := extractCode("```go\nfunc TestA(t *testing.T) {}")
		assert.Equal(t, "func TestA(t *testing.T) {}", got)
	})
}

func TestGenerationErrorClassification(t *testing.T) {
	transient := &GenerationError{Unit: "p.A", Provider: "x", Transient: true, Err: errors.New("boom")}
	permanent := &GenerationError{Unit: "p.A", Provider: "x", Err: errors.New("bad auth")}

	assert.True(t, IsTransient(transient))
	assert.False(t, IsTransient(permanent))
	assert.False(t, IsTransient(errors.New("plain")))
	assert.Contains(t, transient.Error(), "transient")
	assert.Contains(t, permanent.Error(), "permanent")
}
