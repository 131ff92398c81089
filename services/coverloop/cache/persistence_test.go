// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

func newTestTier(t *testing.T) *BadgerTier {
	t.Helper()
	tier, err := OpenBadger(InMemoryBadgerConfig(), JSONCodec[model.GeneratedArtifact]{})
	require.NoError(t, err)
	t.Cleanup(func() { tier.Close() })
	return tier
}

func TestBadgerTierRoundtrip(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()

	artifact := &model.GeneratedArtifact{
		UnitFingerprint: "fp",
		TestSource:      "func TestAdd(t *testing.T) {}",
		TestFilePath:    "math/add_test.go",
	}
	require.NoError(t, tier.Put(ctx, "gen:abc", artifact, 0))

	got, ok, err := tier.Get(ctx, "gen:abc")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, artifact, got)

	_, ok, err = tier.Get(ctx, "gen:missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerTierDeleteAndClear(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()

	a := &model.GeneratedArtifact{UnitFingerprint: "a"}
	b := &model.GeneratedArtifact{UnitFingerprint: "b"}
	require.NoError(t, tier.Put(ctx, "ka", a, 0))
	require.NoError(t, tier.Put(ctx, "kb", b, 0))

	require.NoError(t, tier.Delete(ctx, "ka"))
	_, ok, err := tier.Get(ctx, "ka")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, tier.Clear(ctx))
	_, ok, err = tier.Get(ctx, "kb")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBadgerTierEntryCount(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()

	n, err := tier.EntryCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, tier.Put(ctx, "ka", &model.GeneratedArtifact{UnitFingerprint: "a"}, 0))
	require.NoError(t, tier.Put(ctx, "kb", &model.GeneratedArtifact{UnitFingerprint: "b"}, 0))

	n, err = tier.EntryCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStoreFallsBackToTier(t *testing.T) {
	tier := newTestTier(t)
	ctx := context.Background()

	artifact := &model.GeneratedArtifact{UnitFingerprint: "persisted"}
	require.NoError(t, tier.Put(ctx, "gen:warm", artifact, 0))

	s := New(WithPersistence(tier))

	var calls int64
	got, err := s.GetOrCompute(ctx, "gen:warm", func(context.Context) (any, error) {
		atomic.AddInt64(&calls, 1)
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, artifact, got)
	assert.Equal(t, int64(0), atomic.LoadInt64(&calls), "disk hit must skip compute")
	assert.Equal(t, int64(1), s.Stats().DiskHits)
}

func TestStoreWritesThroughToTier(t *testing.T) {
	tier := newTestTier(t)
	s := New(WithPersistence(tier), WithTTL(time.Hour))
	ctx := context.Background()

	artifact := &model.GeneratedArtifact{UnitFingerprint: "fresh"}
	_, err := s.GetOrCompute(ctx, "gen:new", func(context.Context) (any, error) {
		return artifact, nil
	})
	require.NoError(t, err)

	got, ok, err := tier.Get(ctx, "gen:new")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, artifact, got)
}

func TestOpenBadgerValidation(t *testing.T) {
	_, err := OpenBadger(BadgerConfig{}, JSONCodec[model.GeneratedArtifact]{})
	assert.Error(t, err, "missing path must be rejected")

	_, err = OpenBadger(InMemoryBadgerConfig(), nil)
	assert.Error(t, err, "missing codec must be rejected")
}
