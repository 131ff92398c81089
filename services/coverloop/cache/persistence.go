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
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Tier is a secondary storage layer behind the in-memory store.
//
// # Description
//
// Consulted on memory misses and written after every compute. A Tier is
// expected to honor the TTL it is given; expired entries must not be
// returned. BadgerDB is the shipped implementation; entries survive
// process restarts, which lets repeated runs over the same sources skip
// regeneration entirely.
type Tier interface {
	Get(ctx context.Context, key string) (any, bool, error)
	Put(ctx context.Context, key string, value any, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

// Codec serializes artifacts for the disk tier. The concrete artifact
// type is the caller's choice; one store instance holds one type.
type Codec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte) (any, error)
}

// JSONCodec is a Codec for a single concrete type T using encoding/json.
type JSONCodec[T any] struct{}

// Marshal encodes v as JSON.
func (JSONCodec[T]) Marshal(v any) ([]byte, error) {
	typed, ok := v.(*T)
	if !ok {
		return nil, fmt.Errorf("codec: unexpected type %T", v)
	}
	return json.Marshal(typed)
}

// Unmarshal decodes data into a *T.
func (JSONCodec[T]) Unmarshal(data []byte) (any, error) {
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// BadgerConfig holds configuration for the BadgerDB tier.
type BadgerConfig struct {
	// Path is the directory for BadgerDB files. Required unless
	// InMemory is set.
	Path string

	// InMemory enables in-memory mode (no disk persistence). Useful
	// for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger is the logger for tier operations. If nil, BadgerDB's
	// internal logging is disabled and slog.Default() is used for the
	// tier's own messages.
	Logger *slog.Logger
}

// DefaultBadgerConfig returns production defaults for the given path.
func DefaultBadgerConfig(path string) BadgerConfig {
	return BadgerConfig{Path: path, SyncWrites: true}
}

// InMemoryBadgerConfig returns configuration optimized for testing.
func InMemoryBadgerConfig() BadgerConfig {
	return BadgerConfig{InMemory: true}
}

// BadgerTier is the BadgerDB-backed persistence tier.
type BadgerTier struct {
	db     *badger.DB
	codec  Codec
	logger *slog.Logger
}

var _ Tier = (*BadgerTier)(nil)

// OpenBadger opens (or creates) a BadgerDB tier.
//
// # Inputs
//
//   - cfg: Tier configuration. Path is required unless InMemory.
//   - codec: Serializer for the artifact type this tier stores.
//
// # Outputs
//
//   - *BadgerTier: Ready-to-use tier. Caller must Close.
//   - error: Non-nil if the database cannot be opened.
func OpenBadger(cfg BadgerConfig, codec Codec) (*BadgerTier, error) {
	if codec == nil {
		return nil, errors.New("badger tier requires a codec")
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("badger tier requires a path unless in-memory")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Path).
		WithInMemory(cfg.InMemory).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %q: %w", cfg.Path, err)
	}

	return &BadgerTier{
		db:     db,
		codec:  codec,
		logger: logger.With(slog.String("component", "cache_tier")),
	}, nil
}

// Get reads and decodes the entry for key. Expired entries are absent by
// BadgerDB's native TTL handling.
func (t *BadgerTier) Get(ctx context.Context, key string) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	var raw []byte
	err := t.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("badger get: %w", err)
	}

	value, err := t.codec.Unmarshal(raw)
	if err != nil {
		// Corrupt entry: drop it rather than poisoning every lookup.
		t.logger.Warn("dropping undecodable cache entry", "key", key, "error", err)
		_ = t.Delete(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

// Put encodes and stores value under key with the given TTL.
func (t *BadgerTier) Put(ctx context.Context, key string, value any, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	raw, err := t.codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("badger put encode: %w", err)
	}

	return t.db.Update(func(txn *badger.Txn) error {
		e := badger.NewEntry([]byte(key), raw)
		if ttl > 0 {
			e = e.WithTTL(ttl)
		}
		return txn.SetEntry(e)
	})
}

// Delete removes key.
func (t *BadgerTier) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

// Clear drops every entry.
func (t *BadgerTier) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.db.DropAll()
}

// EntryCount counts live (unexpired) entries. Used by the cache CLI;
// iterates keys only, values are not fetched.
func (t *BadgerTier) EntryCount(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := t.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("badger count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (t *BadgerTier) Close() error {
	return t.db.Close()
}
