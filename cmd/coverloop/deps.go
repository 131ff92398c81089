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
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/coverloop/services/coverloop/analyze"
	"github.com/AleutianAI/coverloop/services/coverloop/cache"
	"github.com/AleutianAI/coverloop/services/coverloop/config"
	"github.com/AleutianAI/coverloop/services/coverloop/engine"
	"github.com/AleutianAI/coverloop/services/coverloop/gap"
	"github.com/AleutianAI/coverloop/services/coverloop/generate"
	"github.com/AleutianAI/coverloop/services/coverloop/gitrev"
	"github.com/AleutianAI/coverloop/services/coverloop/impact"
	"github.com/AleutianAI/coverloop/services/coverloop/merge"
	"github.com/AleutianAI/coverloop/services/coverloop/model"
	"github.com/AleutianAI/coverloop/services/coverloop/pool"
	"github.com/AleutianAI/coverloop/services/coverloop/runner"
	"github.com/AleutianAI/coverloop/services/coverloop/telemetry"
)

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// runtimeDeps bundles the engine with everything that needs explicit
// teardown after a run.
type runtimeDeps struct {
	Engine *engine.Engine
	Git    *gitrev.Client

	store *cache.Store
	tier  *cache.BadgerTier
	pool  *pool.Pool
}

// Close shuts collaborators down in dependency order. Safe to call
// once; the pool drain is bounded by ctx.
func (d *runtimeDeps) Close(ctx context.Context) {
	if d.pool != nil {
		if err := d.pool.Shutdown(ctx); err != nil {
			slog.Warn("worker pool shutdown incomplete", "error", err)
		}
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tier != nil {
		if err := d.tier.Close(); err != nil {
			slog.Warn("cache tier close failed", "error", err)
		}
	}
}

// buildDeps wires every collaborator from the loaded configuration.
//
// # Description
//
// Constructs the analyzer, generator, executor, cache (with a BadgerDB
// disk tier when cache.dir is set), worker pool, merger, and gap
// analyzer, and hands them to the engine. incremental additionally
// wires the git client and change selector for diff-driven runs.
func buildDeps(cfg config.Config, incremental bool) (*runtimeDeps, error) {
	logger := log.Logger

	analyzer := analyze.NewGoAnalyzer()

	store, tier, err := openCache(cfg, logger)
	if err != nil {
		return nil, err
	}

	deps := &runtimeDeps{store: store, tier: tier}
	fail := func(err error) (*runtimeDeps, error) {
		deps.Close(context.Background())
		return nil, err
	}

	gen, err := generate.New(cfg.Generation.Provider, generate.ProviderConfig{
		Model:   cfg.Generation.Model,
		BaseURL: cfg.Generation.BaseURL,
		APIKey:  cfg.APIKey(),
		Params: model.SamplingParams{
			Temperature: cfg.Generation.Temperature,
			TopP:        cfg.Generation.TopP,
			MaxTokens:   cfg.Generation.MaxTokens,
		},
		RequestsPerMinute: cfg.Generation.RequestsPerMinute,
	})
	if err != nil {
		return fail(fmt.Errorf("configure provider %q: %w", cfg.Generation.Provider, err))
	}

	executor, err := runner.NewGoExecutor(
		runner.WithTimeout(cfg.Engine.TestTimeout),
		runner.WithExecLogger(logger),
	)
	if err != nil {
		return fail(err)
	}

	deps.pool = pool.New(pool.Options{
		MinWorkers: cfg.Pool.MinWorkers,
		MaxWorkers: cfg.Pool.MaxWorkers,
		QueueSize:  cfg.Pool.QueueSize,
		Logger:     logger,
	})

	engineDeps := engine.Deps{
		Analyzer:  analyzer,
		Generator: gen,
		Executor:  executor,
		Gap:       gap.NewAnalyzer(gap.Options{MinDelta: cfg.Engine.MinDelta, Logger: logger}),
		Cache:     store,
		Merger:    merge.NewMerger(logger),
		Pool:      deps.pool,
		Logger:    logger,
	}

	if incremental {
		git, err := gitrev.NewClient(cfg.Project.Root, logger)
		if err != nil {
			return fail(fmt.Errorf("project root is not a git repository: %w", err))
		}
		deps.Git = git
		engineDeps.Selector = impact.NewSelector(git, analyzer, store, impact.Options{
			MaxHops: cfg.Engine.MaxHops,
			Logger:  logger,
		})
	}

	eng, err := engine.New(cfg, engineDeps)
	if err != nil {
		return fail(err)
	}
	deps.Engine = eng
	return deps, nil
}

// openCache builds the artifact cache, backed by BadgerDB when a cache
// directory is configured.
func openCache(cfg config.Config, logger *slog.Logger) (*cache.Store, *cache.BadgerTier, error) {
	opts := []cache.Option{
		cache.WithMaxEntries(cfg.Cache.MaxEntries),
		cache.WithTTL(cfg.Cache.TTL),
		cache.WithLogger(logger),
	}

	var tier *cache.BadgerTier
	if cfg.Cache.Dir != "" {
		bcfg := cache.DefaultBadgerConfig(cfg.Cache.Dir)
		bcfg.Logger = logger
		t, err := cache.OpenBadger(bcfg, runCodec{})
		if err != nil {
			return nil, nil, fmt.Errorf("open cache at %q: %w", cfg.Cache.Dir, err)
		}
		tier = t
		opts = append(opts, cache.WithPersistence(tier))
	}

	return cache.New(opts...), tier, nil
}

// startMetrics initializes the otel meter provider and serves /metrics
// when metrics are enabled. The returned shutdown must be called on
// exit; it is a no-op when metrics are disabled.
func startMetrics(ctx context.Context, cfg config.Config) (func(context.Context) error, error) {
	if !cfg.Metrics.Enabled {
		return func(context.Context) error { return nil }, nil
	}

	tcfg := telemetry.DefaultConfig()
	tcfg.ServiceVersion = version
	shutdown, err := telemetry.Init(ctx, tcfg)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := telemetry.Serve(ctx, cfg.Metrics.Listen); err != nil {
			slog.Warn("metrics listener failed", "addr", cfg.Metrics.Listen, "error", err)
		}
	}()
	log.Info("metrics listening", slog.String("addr", cfg.Metrics.Listen))
	return shutdown, nil
}

// runCodec serializes both value kinds the engine caches: parse
// results keyed by source hash and generated artifacts keyed by
// generation fingerprint. A kind tag keeps the disk tier honest when
// decoding.
type runCodec struct{}

type cacheEnvelope struct {
	Kind     string                   `json:"kind"`
	Parse    *analyze.ParseResult     `json:"parse,omitempty"`
	Artifact *model.GeneratedArtifact `json:"artifact,omitempty"`
}

func (runCodec) Marshal(v any) ([]byte, error) {
	switch value := v.(type) {
	case *analyze.ParseResult:
		return json.Marshal(cacheEnvelope{Kind: "parse", Parse: value})
	case model.GeneratedArtifact:
		return json.Marshal(cacheEnvelope{Kind: "artifact", Artifact: &value})
	default:
		return nil, fmt.Errorf("codec: unexpected type %T", v)
	}
}

func (runCodec) Unmarshal(data []byte) (any, error) {
	var env cacheEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch {
	case env.Kind == "parse" && env.Parse != nil:
		return env.Parse, nil
	case env.Kind == "artifact" && env.Artifact != nil:
		return *env.Artifact, nil
	default:
		return nil, fmt.Errorf("codec: malformed envelope kind %q", env.Kind)
	}
}
