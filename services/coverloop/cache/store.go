// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache implements the content-addressed artifact store shared by
// the refinement engine and its collaborators.
//
// # Description
//
// The store maps deterministic fingerprints (see the model package) to
// previously computed artifacts: parsed source structures and LLM
// generations. It guarantees at-most-one concurrent computation per key
// via singleflight, bounds its size with LRU eviction, and expires
// entries after a configurable TTL. An optional BadgerDB tier persists
// entries across runs.
//
// # Thread Safety
//
// Safe for concurrent use from multiple goroutines and from multiple
// engine instances sharing one store.
package cache

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ComputeError wraps a failure from a compute function. The failure is
// propagated to every waiter of the in-flight computation and is never
// cached: a subsequent call retries.
type ComputeError struct {
	Key string
	Err error
}

func (e *ComputeError) Error() string {
	return fmt.Sprintf("cache compute for %q: %v", e.Key, e.Err)
}

func (e *ComputeError) Unwrap() error { return e.Err }

// entry is one cached artifact.
type entry struct {
	key        string
	value      any
	computedAt time.Time
	lruElement *list.Element
}

// Options configures a Store.
type Options struct {
	// MaxEntries is the maximum number of cached artifacts.
	// Default: 4096
	MaxEntries int

	// TTL is the time-to-live for cached artifacts. Zero disables
	// expiry.
	// Default: 24 hours
	TTL time.Duration

	// Persistence is an optional disk tier consulted on memory misses
	// and written on every compute. Nil disables persistence.
	Persistence Tier

	// Logger receives store lifecycle events. Nil uses slog.Default().
	Logger *slog.Logger
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		MaxEntries: 4096,
		TTL:        24 * time.Hour,
	}
}

// Option is a functional option for configuring a Store.
type Option func(*Options)

// WithMaxEntries sets the maximum number of cached artifacts.
func WithMaxEntries(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxEntries = n
		}
	}
}

// WithTTL sets the artifact time-to-live.
func WithTTL(d time.Duration) Option {
	return func(o *Options) {
		if d >= 0 {
			o.TTL = d
		}
	}
}

// WithPersistence attaches a disk tier.
func WithPersistence(t Tier) Option {
	return func(o *Options) { o.Persistence = t }
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) {
		if l != nil {
			o.Logger = l
		}
	}
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	Entries   int   `json:"entries"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Computes  int64 `json:"computes"`
	Evictions int64 `json:"evictions"`
	Errors    int64 `json:"errors"`
	DiskHits  int64 `json:"disk_hits"`
}

// Store is the fingerprint-keyed artifact cache.
type Store struct {
	mu      sync.RWMutex
	entries map[string]*entry
	lru     *list.List
	flight  singleflight.Group
	options Options
	logger  *slog.Logger

	hits      int64
	misses    int64
	computes  int64
	evictions int64
	errors    int64
	diskHits  int64
}

// ComputeFunc computes the artifact for a key on a cache miss.
type ComputeFunc func(ctx context.Context) (any, error)

// New creates a Store. Storage is in-memory only unless WithPersistence
// is supplied.
func New(opts ...Option) *Store {
	options := DefaultOptions()
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		entries: make(map[string]*entry),
		lru:     list.New(),
		options: options,
		logger:  logger.With(slog.String("component", "cache")),
	}
}

// Get retrieves a cached artifact without computing.
func (s *Store) Get(key string) (any, bool) {
	s.mu.RLock()
	e, ok := s.entries[key]
	if !ok {
		s.mu.RUnlock()
		atomic.AddInt64(&s.misses, 1)
		recordMiss(context.Background())
		return nil, false
	}
	if s.isExpired(e) {
		s.mu.RUnlock()
		s.remove(key)
		atomic.AddInt64(&s.misses, 1)
		recordMiss(context.Background())
		return nil, false
	}
	value := e.value
	s.mu.RUnlock()

	s.touch(key)
	atomic.AddInt64(&s.hits, 1)
	recordHit(context.Background())
	return value, true
}

// GetOrCompute retrieves the artifact for key, computing it at most once
// under concurrent callers.
//
// # Description
//
// Concurrent callers with the same key share one in-flight computation;
// all of them receive the same result or the same error. Errors are
// wrapped in *ComputeError and never cached, so the next call retries.
// The memory tier is consulted first, then the persistence tier (if
// configured), then compute runs.
//
// # Inputs
//
//   - ctx: Context for cancellation, passed through to compute.
//   - key: Deterministic content-derived fingerprint.
//   - compute: Invoked on a full miss. Must be safe to retry.
//
// # Outputs
//
//   - any: The cached or freshly computed artifact.
//   - error: *ComputeError wrapping the compute failure, if any.
func (s *Store) GetOrCompute(ctx context.Context, key string, compute ComputeFunc) (any, error) {
	if value, ok := s.Get(key); ok {
		return value, nil
	}

	start := time.Now()
	value, err, _ := s.flight.Do(key, func() (any, error) {
		// Double-check: another flight may have populated the cache
		// between our miss and acquiring the flight.
		if value, ok := s.Get(key); ok {
			return value, nil
		}

		if s.options.Persistence != nil {
			if raw, ok, derr := s.options.Persistence.Get(ctx, key); derr != nil {
				s.logger.Warn("persistence read failed", "key", key, "error", derr)
			} else if ok {
				atomic.AddInt64(&s.diskHits, 1)
				s.put(key, raw)
				return raw, nil
			}
		}

		value, cerr := compute(ctx)
		if cerr != nil {
			atomic.AddInt64(&s.errors, 1)
			return nil, cerr
		}

		s.put(key, value)
		atomic.AddInt64(&s.computes, 1)
		recordCompute(ctx, time.Since(start))

		if s.options.Persistence != nil {
			if derr := s.options.Persistence.Put(ctx, key, value, s.options.TTL); derr != nil {
				s.logger.Warn("persistence write failed", "key", key, "error", derr)
			}
		}
		return value, nil
	})
	if err != nil {
		return nil, &ComputeError{Key: key, Err: err}
	}
	return value, nil
}

// Invalidate removes key from the store, including the persistence tier.
func (s *Store) Invalidate(key string) {
	s.remove(key)
	if s.options.Persistence != nil {
		if err := s.options.Persistence.Delete(context.Background(), key); err != nil {
			s.logger.Warn("persistence delete failed", "key", key, "error", err)
		}
	}
}

// Clear drops every entry.
func (s *Store) Clear() {
	s.mu.Lock()
	s.entries = make(map[string]*entry)
	s.lru.Init()
	s.mu.Unlock()

	if s.options.Persistence != nil {
		if err := s.options.Persistence.Clear(context.Background()); err != nil {
			s.logger.Warn("persistence clear failed", "error", err)
		}
	}
}

// Stats returns a snapshot of the store counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	entries := len(s.entries)
	s.mu.RUnlock()

	return Stats{
		Entries:   entries,
		Hits:      atomic.LoadInt64(&s.hits),
		Misses:    atomic.LoadInt64(&s.misses),
		Computes:  atomic.LoadInt64(&s.computes),
		Evictions: atomic.LoadInt64(&s.evictions),
		Errors:    atomic.LoadInt64(&s.errors),
		DiskHits:  atomic.LoadInt64(&s.diskHits),
	}
}

// Close releases the persistence tier, if any.
func (s *Store) Close() error {
	if s.options.Persistence != nil {
		return s.options.Persistence.Close()
	}
	return nil
}

// put inserts a value, enforcing both bounds.
func (s *Store) put(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.entries[key]; ok {
		existing.value = value
		existing.computedAt = time.Now()
		s.lru.MoveToFront(existing.lruElement)
		return
	}

	s.evictIfNeededLocked()

	e := &entry{key: key, value: value, computedAt: time.Now()}
	e.lruElement = s.lru.PushFront(key)
	s.entries[key] = e
}

// evictIfNeededLocked evicts least-recently-used entries until the store
// is under capacity. Caller holds mu.
func (s *Store) evictIfNeededLocked() {
	for len(s.entries) >= s.options.MaxEntries {
		oldest := s.lru.Back()
		if oldest == nil {
			return
		}
		key := oldest.Value.(string)
		s.lru.Remove(oldest)
		delete(s.entries, key)
		atomic.AddInt64(&s.evictions, 1)
		recordEviction(context.Background())
	}
}

// isExpired checks the entry TTL.
func (s *Store) isExpired(e *entry) bool {
	if s.options.TTL == 0 {
		return false
	}
	return time.Since(e.computedAt) > s.options.TTL
}

// touch moves key to the front of the LRU list.
func (s *Store) touch(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok && e.lruElement != nil {
		s.lru.MoveToFront(e.lruElement)
	}
}

// remove deletes key from the memory tier.
func (s *Store) remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	if !ok {
		return
	}
	if e.lruElement != nil {
		s.lru.Remove(e.lruElement)
	}
	delete(s.entries, key)
}

// IsComputeError reports whether err originated in a compute function.
func IsComputeError(err error) bool {
	var ce *ComputeError
	return errors.As(err, &ce)
}
