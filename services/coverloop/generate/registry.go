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
	"fmt"
	"sort"
	"sync"

	"golang.org/x/time/rate"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

// ProviderConfig is the provider-agnostic generator configuration.
type ProviderConfig struct {
	// Model is the provider model identifier, e.g. "gpt-4o-mini" or
	// "qwen2.5-coder". Empty uses the provider default.
	Model string

	// BaseURL overrides the provider endpoint. Empty uses the provider
	// default (api.openai.com, localhost:11434).
	BaseURL string

	// APIKey authenticates hosted providers. Local providers ignore it.
	APIKey string

	// Params are the sampling parameters; they participate in the
	// generation cache key.
	Params model.SamplingParams

	// RequestsPerMinute caps the provider call rate. Zero disables
	// limiting.
	RequestsPerMinute int
}

// limiter builds the provider rate limiter from the config, or nil when
// limiting is disabled.
func (c ProviderConfig) limiter() *rate.Limiter {
	if c.RequestsPerMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(float64(c.RequestsPerMinute)/60.0), 1)
}

// Factory builds a Generator from a ProviderConfig.
type Factory func(cfg ProviderConfig) (Generator, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register adds a provider factory under name. Later registrations for
// the same name win, so tests can shadow real providers.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// New builds the named provider.
func New(name string, cfg ProviderConfig) (Generator, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown generation provider %q (have %v)", name, Providers())
	}
	return factory(cfg)
}

// Providers returns the registered provider names, sorted.
func Providers() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
