// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package embedding

import (
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
)

// OllamaConfig configures a langchaingo-backed Ollama embedder.
type OllamaConfig struct {
	ServerURL string
	Model     string
	// BatchSize caps texts per request. Zero uses langchaingo's default.
	BatchSize int
}

// NewOllamaEmbedder returns a langchaingo embedder over an Ollama server.
// The result satisfies Embedder directly.
func NewOllamaEmbedder(cfg OllamaConfig) (*embeddings.EmbedderImpl, error) {
	if cfg.Model == "" {
		return nil, errors.New("ollama embedder: model is required")
	}
	opts := []ollama.Option{ollama.WithModel(cfg.Model)}
	if cfg.ServerURL != "" {
		opts = append(opts, ollama.WithServerURL(cfg.ServerURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}

	var embOpts []embeddings.Option
	if cfg.BatchSize > 0 {
		embOpts = append(embOpts, embeddings.WithBatchSize(cfg.BatchSize))
	}
	emb, err := embeddings.NewEmbedder(llm, embOpts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}
	return emb, nil
}
