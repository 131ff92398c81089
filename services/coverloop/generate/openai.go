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
	"fmt"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/coverloop/services/coverloop/model"
)

const defaultOpenAIModel = "gpt-4o-mini"

func init() {
	Register("openai", newOpenAIGenerator)
}

// openAIGenerator speaks the OpenAI chat-completion API. With BaseURL
// set it serves any compatible endpoint (vLLM, llama.cpp, LM Studio).
type openAIGenerator struct {
	client  *openai.Client
	model   string
	params  model.SamplingParams
	limiter *rate.Limiter
	logger  *slog.Logger
}

func newOpenAIGenerator(cfg ProviderConfig) (Generator, error) {
	if cfg.APIKey == "" && cfg.BaseURL == "" {
		return nil, fmt.Errorf("openai provider requires an API key or a base URL")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	m := cfg.Model
	if m == "" {
		m = defaultOpenAIModel
	}
	return &openAIGenerator{
		client:  openai.NewClientWithConfig(clientCfg),
		model:   m,
		params:  cfg.Params,
		limiter: cfg.limiter(),
		logger:  slog.Default().With(slog.String("component", "generate.openai")),
	}, nil
}

func (g *openAIGenerator) Model() string { return g.model }

func (g *openAIGenerator) Params() model.SamplingParams { return g.params }

func (g *openAIGenerator) IsAvailable(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := g.client.ListModels(ctx)
	return err == nil
}

func (g *openAIGenerator) Generate(ctx context.Context, unit model.Unit, genCtx Context) (model.GeneratedArtifact, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return model.GeneratedArtifact{}, &GenerationError{
				Unit: unit.QualifiedName, Provider: "openai", Transient: true, Err: err,
			}
		}
	}

	prompt := renderPrompt(unit, genCtx)
	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		Temperature: g.params.Temperature,
		TopP:        g.params.TopP,
	}
	if g.params.MaxTokens > 0 {
		req.MaxCompletionTokens = g.params.MaxTokens
	}

	g.logger.Debug("generating tests", "unit", unit.QualifiedName, "model", g.model)
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return model.GeneratedArtifact{}, &GenerationError{
			Unit:      unit.QualifiedName,
			Provider:  "openai",
			Transient: isTransientOpenAI(err),
			Err:       err,
		}
	}
	if len(resp.Choices) == 0 {
		return model.GeneratedArtifact{}, &GenerationError{
			Unit: unit.QualifiedName, Provider: "openai", Transient: true,
			Err: fmt.Errorf("no choices returned"),
		}
	}

	return model.GeneratedArtifact{
		UnitFingerprint: unit.Fingerprint,
		TestSource:      extractCode(resp.Choices[0].Message.Content),
		TestFilePath:    TestFilePath(unit),
		Provenance: model.Provenance{
			PromptFingerprint: model.PromptFingerprint(prompt),
			Model:             g.model,
			RunID:             genCtx.RunID,
			GeneratedAt:       time.Now().UTC(),
		},
	}, nil
}

// isTransientOpenAI classifies API failures: rate limits and upstream
// 5xx are retryable, everything else (auth, bad request) is not.
func isTransientOpenAI(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests ||
			apiErr.HTTPStatusCode >= http.StatusInternalServerError
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	return false
}
