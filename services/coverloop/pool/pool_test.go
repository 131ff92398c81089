// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllTasks(t *testing.T) {
	p := New(Options{MinWorkers: 2, MaxWorkers: 4})

	var counter atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		err := p.Submit(context.Background(), func(ctx context.Context) {
			defer wg.Done()
			counter.Add(1)
		})
		require.NoError(t, err)
	}
	wg.Wait()
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int64(50), counter.Load())
	stats := p.Stats()
	assert.Equal(t, int64(50), stats.Submitted)
	assert.Equal(t, int64(50), stats.Completed)
	assert.Equal(t, int64(0), stats.Rejected)
}

func TestPoolGrowsUnderBacklogWithinMax(t *testing.T) {
	p := New(Options{MinWorkers: 1, MaxWorkers: 3, QueueSize: 16})
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	var peak atomic.Int64
	for i := 0; i < 12; i++ {
		err := p.Submit(context.Background(), func(ctx context.Context) {
			if w := p.Stats().Workers; w > peak.Load() {
				peak.Store(w)
			}
			<-block
		})
		require.NoError(t, err)
	}
	time.Sleep(50 * time.Millisecond)
	workers := p.Stats().Workers
	close(block)

	assert.Greater(t, workers, int64(1), "backlog must trigger growth")
	assert.LessOrEqual(t, workers, int64(3), "growth never exceeds MaxWorkers")
}

func TestPoolCeilingHoldsUnderConcurrentSubmit(t *testing.T) {
	// Concurrent Submits racing on growth must never push the worker
	// count past MaxWorkers, even transiently: the slot is reserved
	// before the worker starts.
	p := New(Options{MinWorkers: 1, MaxWorkers: 4, QueueSize: 64})
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	stop := make(chan struct{})
	var peak atomic.Int64
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				if w := p.Stats().Workers; w > peak.Load() {
					peak.Store(w)
				}
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 8; j++ {
				_ = p.Submit(context.Background(), func(ctx context.Context) {
					<-block
				})
			}
		}()
	}
	wg.Wait()
	time.Sleep(20 * time.Millisecond)
	close(stop)
	close(block)

	assert.LessOrEqual(t, peak.Load(), int64(4))
}

func TestPoolShrinksWhenIdle(t *testing.T) {
	p := New(Options{MinWorkers: 1, MaxWorkers: 4, QueueSize: 8, IdleTimeout: 30 * time.Millisecond})
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	for i := 0; i < 8; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) { <-block }))
	}
	time.Sleep(20 * time.Millisecond)
	grown := p.Stats().Workers
	close(block)

	require.Greater(t, grown, int64(1))
	assert.Eventually(t, func() bool {
		return p.Stats().Workers == 1
	}, 2*time.Second, 20*time.Millisecond, "surplus workers retire to the floor")
}

func TestPoolShutdownDrainsQueue(t *testing.T) {
	p := New(Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 32})

	var counter atomic.Int64
	for i := 0; i < 20; i++ {
		require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
			time.Sleep(time.Millisecond)
			counter.Add(1)
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(20), counter.Load(), "queued tasks finish before shutdown returns")
}

func TestPoolSubmitAfterShutdown(t *testing.T) {
	p := New(Options{})
	require.NoError(t, p.Shutdown(context.Background()))

	err := p.Submit(context.Background(), func(ctx context.Context) {})
	assert.ErrorIs(t, err, ErrShutdown)
	assert.Equal(t, int64(1), p.Stats().Rejected)
}

func TestPoolSubmitCanceledContext(t *testing.T) {
	p := New(Options{MinWorkers: 1, MaxWorkers: 1, QueueSize: 1})
	defer p.Shutdown(context.Background())

	block := make(chan struct{})
	defer close(block)
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) { <-block }))
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {}))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := p.Submit(ctx, func(ctx context.Context) {})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPoolSurvivesPanickingTask(t *testing.T) {
	p := New(Options{MinWorkers: 1, MaxWorkers: 1})

	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		panic("boom")
	}))

	done := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func(ctx context.Context) {
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker died with the panicking task")
	}
	require.NoError(t, p.Shutdown(context.Background()))
}
