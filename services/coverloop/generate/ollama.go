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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

const (
	defaultOllamaModel = "qwen2.5-coder"
	defaultOllamaURL   = "http://localhost:11434"
)

func init() {
	Register("ollama", newOllamaGenerator)
}

// ollamaGenerator runs generation against a local Ollama server. No API
// key, no egress; the slowest but most private option.
type ollamaGenerator struct {
	llm     *ollama.LLM
	baseURL string
	model   string
	params  model.SamplingParams
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newOllamaGenerator(cfg ProviderConfig) (Generator, error) {
	m := cfg.Model
	if m == "" {
		m = defaultOllamaModel
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = defaultOllamaURL
	}
	llm, err := ollama.New(ollama.WithModel(m), ollama.WithServerURL(baseURL))
	if err != nil {
		return nil, fmt.Errorf("ollama client: %w", err)
	}
	return &ollamaGenerator{
		llm:     llm,
		baseURL: baseURL,
		model:   m,
		params:  cfg.Params,
		limiter: cfg.limiter(),
		logger:  slog.Default().With(slog.String("component", "generate.ollama")),
	}, nil
}

func (g *ollamaGenerator) Model() string { return g.model }

func (g *ollamaGenerator) Params() model.SamplingParams { return g.params }

// IsAvailable probes the server's tag listing endpoint.
func (g *ollamaGenerator) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (g *ollamaGenerator) Generate(ctx context.Context, unit model.Unit, genCtx Context) (model.GeneratedArtifact, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return model.GeneratedArtifact{}, &GenerationError{
				Unit: unit.QualifiedName, Provider: "ollama", Transient: true, Err: err,
			}
		}
	}

	prompt := renderPrompt(unit, genCtx)
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}

	opts := []llms.CallOption{
		llms.WithTemperature(float64(g.params.Temperature)),
		llms.WithTopP(float64(g.params.TopP)),
	}
	if g.params.MaxTokens > 0 {
		opts = append(opts, llms.WithMaxTokens(g.params.MaxTokens))
	}

	g.logger.Debug("generating tests", "unit", unit.QualifiedName, "model", g.model)
	resp, err := g.llm.GenerateContent(ctx, messages, opts...)
	if err != nil {
		// A local server error is usually recoverable (model loading,
		// queue full); treat everything except cancellation as transient.
		transient := ctx.Err() == nil
		return model.GeneratedArtifact{}, &GenerationError{
			Unit: unit.QualifiedName, Provider: "ollama", Transient: transient, Err: err,
		}
	}
	if len(resp.Choices) == 0 {
		return model.GeneratedArtifact{}, &GenerationError{
			Unit: unit.QualifiedName, Provider: "ollama", Transient: true,
			Err: fmt.Errorf("empty response"),
		}
	}

	return model.GeneratedArtifact{
		UnitFingerprint: unit.Fingerprint,
		TestSource:      extractCode(resp.Choices[0].Content),
		TestFilePath:    TestFilePath(unit),
		Provenance: model.Provenance{
			PromptFingerprint: model.PromptFingerprint(prompt),
			Model:             g.model,
			RunID:             genCtx.RunID,
			GeneratedAt:       time.Now().UTC(),
		},
	}, nil
}
