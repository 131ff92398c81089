// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package pool provides a bounded worker pool that grows under backlog
// and shrinks when idle. Generation fan-out runs on it: LLM calls are
// slow and bursty, so a fixed size either wastes workers or starves the
// queue.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrShutdown is returned by Submit after Shutdown has begun.
var ErrShutdown = errors.New("pool is shut down")

// Task is one unit of work. The task owns its error handling; the pool
// only runs it.
type Task func(ctx context.Context)

// Options bounds the pool.
type Options struct {
	// MinWorkers is the floor kept alive even when idle.
	// Default: 1
	MinWorkers int

	// MaxWorkers is the growth ceiling.
	// Default: 8
	MaxWorkers int

	// QueueSize is the submit buffer; a full buffer blocks Submit.
	// Default: 2 * MaxWorkers
	QueueSize int

	// IdleTimeout is how long a surplus worker waits for work before
	// exiting.
	// Default: 30s
	IdleTimeout time.Duration

	// Logger receives scaling events. Nil uses slog.Default().
	Logger *slog.Logger
}

func (o *Options) applyDefaults() {
	if o.MinWorkers <= 0 {
		o.MinWorkers = 1
	}
	if o.MaxWorkers < o.MinWorkers {
		o.MaxWorkers = max(o.MinWorkers, 8)
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 2 * o.MaxWorkers
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 30 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Submitted int64
	Completed int64
	Rejected  int64
	Workers   int64
}

// Pool is the adaptive worker pool.
//
// # Thread Safety
//
// Safe for concurrent use.
type Pool struct {
	opts  Options
	queue chan Task

	submitted atomic.Int64
	completed atomic.Int64
	rejected  atomic.Int64
	workers   atomic.Int64

	// mu serializes Submit against Shutdown's close of the queue: a
	// sender always holds the read lock, so the channel is never closed
	// under an in-flight send.
	mu       sync.RWMutex
	shutdown bool

	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates and starts a Pool with MinWorkers workers.
func New(opts Options) *Pool {
	opts.applyDefaults()
	p := &Pool{
		opts:   opts,
		queue:  make(chan Task, opts.QueueSize),
		logger: opts.Logger.With(slog.String("component", "pool")),
	}
	for i := 0; i < opts.MinWorkers; i++ {
		p.workers.Add(1)
		p.spawn(false)
	}
	return p
}

// Submit enqueues a task, growing the pool when the queue is backed up.
// Blocks when the queue is full until space frees or the context is
// canceled.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.shutdown {
		p.rejected.Add(1)
		return ErrShutdown
	}

	// Backlog with headroom means the current workers are saturated.
	if len(p.queue) > 0 && p.reserveWorker() {
		p.spawn(true)
	}

	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Shutdown stops intake and waits for in-flight and queued tasks, or
// until the context expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.shutdown {
		p.mu.Unlock()
		return nil
	}
	p.shutdown = true
	close(p.queue)
	p.mu.Unlock()

	finished := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

// Stats returns a snapshot of the counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Rejected:  p.rejected.Load(),
		Workers:   p.workers.Load(),
	}
}

// reserveWorker claims a worker slot below MaxWorkers. The CAS loop
// keeps the ceiling strict under concurrent Submits: the count is
// raised before the worker exists, never after a stale check.
func (p *Pool) reserveWorker() bool {
	for {
		n := p.workers.Load()
		if n >= int64(p.opts.MaxWorkers) {
			return false
		}
		if p.workers.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// spawn starts one worker for an already-reserved slot. Surplus workers
// retire after IdleTimeout; floor workers wait indefinitely.
func (p *Pool) spawn(surplus bool) {
	if surplus {
		p.logger.Debug("pool grew", "workers", p.workers.Load())
	}
	p.wg.Add(1)
	go func() {
		defer func() {
			p.workers.Add(-1)
			p.wg.Done()
		}()

		idle := time.NewTimer(p.opts.IdleTimeout)
		defer idle.Stop()

		for {
			if !surplus {
				task, ok := <-p.queue
				if !ok {
					return
				}
				p.run(task)
				continue
			}

			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(p.opts.IdleTimeout)

			select {
			case task, ok := <-p.queue:
				if !ok {
					return
				}
				p.run(task)
			case <-idle.C:
				if p.workers.Load() > int64(p.opts.MinWorkers) {
					p.logger.Debug("pool shrank", "workers", p.workers.Load()-1)
					return
				}
			}
		}
	}()
}

// run executes one task, absorbing panics: a panicking generation must
// not take a worker down with it.
func (p *Pool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "panic", r)
		}
		p.completed.Add(1)
	}()
	task(context.Background())
}
