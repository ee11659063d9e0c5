// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// OllamaConfig configures an OllamaClient.
type OllamaConfig struct {
	BaseURL string
	Model   string
}

// OllamaClient generates completions from a local Ollama server through
// langchaingo. Unset sampling parameters get conservative defaults
// suited to short structured answers.
type OllamaClient struct {
	llm   llms.Model
	model string
}

func NewOllamaClient(cfg OllamaConfig) (*OllamaClient, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("ollama base URL not set")
	}
	model := cfg.Model
	if model == "" {
		slog.Warn("Ollama model not set, defaulting to gpt-oss")
		model = "gpt-oss"
	}
	llm, err := ollama.New(
		ollama.WithServerURL(strings.TrimSuffix(cfg.BaseURL, "/")),
		ollama.WithModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	slog.Info("Initializing Ollama client", "base_url", cfg.BaseURL, "model", model)
	return &OllamaClient{llm: llm, model: model}, nil
}

// Generate implements the LLMClient interface
func (o *OllamaClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	ctx, span := tracer.Start(ctx, "OllamaClient.Generate")
	defer span.End()
	span.SetAttributes(attribute.String("llm.model", o.model))

	out, err := llms.GenerateFromSinglePrompt(ctx, o.llm, prompt, callOptions(params)...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(out) == "" {
		return "", ErrEmptyCompletion
	}
	return out, nil
}

func callOptions(params GenerationParams) []llms.CallOption {
	temp := 0.2
	if params.Temperature != nil {
		temp = float64(*params.Temperature)
	}
	topK := 20
	if params.TopK != nil {
		topK = *params.TopK
	}
	topP := 0.9
	if params.TopP != nil {
		topP = float64(*params.TopP)
	}
	opts := []llms.CallOption{
		llms.WithTemperature(temp),
		llms.WithTopK(topK),
		llms.WithTopP(topP),
	}
	if params.MaxTokens != nil {
		opts = append(opts, llms.WithMaxTokens(*params.MaxTokens))
	}
	if len(params.Stop) > 0 {
		opts = append(opts, llms.WithStopWords(params.Stop))
	}
	return opts
}
