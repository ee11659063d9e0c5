// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads, validates and watches the grounding service
// configuration.
//
// # Description
//
// Configuration is a single YAML file. DefaultConfig supplies every value,
// so a file only needs the keys it changes. Secrets and the Weaviate URL may
// also come from the environment:
//
//   - OPENAI_API_KEY: embedding.api_key and llm.api_key when unset
//   - WEAVIATE_SERVICE_URL: weaviate.url when unset
//   - WEAVIATE_API_KEY: weaviate.api_key when unset
//
// Validation uses go-playground/validator struct tags.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGrounding/pkg/auth"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// Sections
// =============================================================================

// Config is the root configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Weaviate     WeaviateConfig     `yaml:"weaviate"`
	Retrieval    RetrievalConfig    `yaml:"retrieval"`
	Embedding    EmbeddingConfig    `yaml:"embedding"`
	LLM          LLMConfig          `yaml:"llm"`
	Guardrails   GuardrailsConfig   `yaml:"guardrails"`
	MetricsStore MetricsStoreConfig `yaml:"metrics_store"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port    int    `yaml:"port" validate:"min=1,max=65535"`
	GinMode string `yaml:"gin_mode" validate:"oneof=debug release test"`

	// VerifyRatePerSecond limits /v1/verify*; 0 disables the limit.
	VerifyRatePerSecond float64 `yaml:"verify_rate_per_second" validate:"gte=0"`
	VerifyBurst         int     `yaml:"verify_burst" validate:"gte=0"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`

	// APIKeys protect /v1. Empty leaves the API open.
	APIKeys []auth.APIKey `yaml:"api_keys" validate:"dive"`
}

// WeaviateConfig configures the vector backend. An empty URL disables
// search endpoints.
type WeaviateConfig struct {
	URL                string   `yaml:"url" validate:"omitempty,url"`
	APIKey             string   `yaml:"api_key"`
	ClassName          string   `yaml:"class_name" validate:"required"`
	Properties         []string `yaml:"properties"`
	AllowStartDegraded bool     `yaml:"allow_start_degraded"`
}

// RetrievalConfig configures hybrid search and capability negotiation.
type RetrievalConfig struct {
	DefaultTopK         int                `yaml:"default_top_k" validate:"gt=0"`
	QueryTimeout        time.Duration      `yaml:"query_timeout" validate:"gt=0"`
	RenegotiateAfter    int                `yaml:"renegotiate_after"`
	DimensionCandidates []int              `yaml:"dimension_candidates" validate:"min=1,dive,gt=0"`
	DefaultDimension    int                `yaml:"default_dimension" validate:"gt=0"`
	RRFK                int                `yaml:"rrf_k" validate:"gt=0"`
	IntentBoosts        map[string]float64 `yaml:"intent_boosts" validate:"dive,gt=0"`
}

// EmbeddingConfig selects the embedding provider and its cache.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider" validate:"oneof=openai ollama http none"`
	Model      string        `yaml:"model"`
	BaseURL    string        `yaml:"base_url" validate:"required_if=Provider http"`
	APIKey     string        `yaml:"api_key"`
	Dimensions int           `yaml:"dimensions" validate:"gte=0"`
	Timeout    time.Duration `yaml:"timeout" validate:"gt=0"`

	// RequestsPerSecond paces the http provider; 0 means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second" validate:"gte=0"`

	Cache EmbeddingCacheConfig `yaml:"cache"`
}

// EmbeddingCacheConfig selects where embeddings are cached.
type EmbeddingCacheConfig struct {
	Store      string        `yaml:"store" validate:"oneof=memory badger"`
	MaxBytes   int64         `yaml:"max_bytes" validate:"gte=0"`
	BadgerPath string        `yaml:"badger_path" validate:"required_if=Store badger"`
	TTL        time.Duration `yaml:"ttl" validate:"gte=0"`
}

// LLMConfig selects the completion provider used for relevance judgments.
// "none" uses the lexical judgment.
type LLMConfig struct {
	Provider string `yaml:"provider" validate:"oneof=openai ollama none"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url" validate:"omitempty,url"`
	APIKey   string `yaml:"api_key"`
}

// GuardrailsConfig configures verification.
type GuardrailsConfig struct {
	Level         string        `yaml:"level" validate:"oneof=minimal standard strict critical"`
	CheckTimeout  time.Duration `yaml:"check_timeout" validate:"gt=0"`
	CacheEnabled  bool          `yaml:"cache_enabled"`
	CacheCapacity int           `yaml:"cache_capacity" validate:"gte=0"`
}

// MetricsStoreConfig configures the optional relational metrics source.
type MetricsStoreConfig struct {
	Driver string `yaml:"driver" validate:"omitempty,oneof=postgres sqlite"`
	DSN    string `yaml:"dsn" validate:"required_with=Driver"`
	Name   string `yaml:"name"`

	// Query takes two arguments: a LIKE pattern built from the search text
	// and the row limit.
	Query string `yaml:"query" validate:"required_with=Driver"`
}

// TelemetryConfig configures tracing and OTel metric export.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" validate:"required"`
	TraceExporter  string `yaml:"trace_exporter" validate:"oneof=otlp stdout none"`
	MetricExporter string `yaml:"metric_exporter" validate:"oneof=prometheus stdout none"`
	OTLPEndpoint   string `yaml:"otlp_endpoint" validate:"required_if=TraceExporter otlp"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
}

// LoggingConfig configures pkg/logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=auto json text"`
	Dir    string `yaml:"dir"`
}

// =============================================================================
// Defaults and Loading
// =============================================================================

// DefaultConfig returns a configuration that runs locally with Weaviate on
// its default port and no external LLM.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:                12240,
			GinMode:             "release",
			VerifyRatePerSecond: 50,
			VerifyBurst:         100,
			ShutdownTimeout:     10 * time.Second,
		},
		Weaviate: WeaviateConfig{
			URL:        "http://localhost:8080",
			ClassName:  "Document",
			Properties: []string{"content", "title", "category", "source"},
		},
		Retrieval: RetrievalConfig{
			DefaultTopK:         5,
			QueryTimeout:        10 * time.Second,
			RenegotiateAfter:    5,
			DimensionCandidates: []int{1536, 3072, 384},
			DefaultDimension:    1536,
			RRFK:                60,
		},
		Embedding: EmbeddingConfig{
			Provider: "none",
			Timeout:  30 * time.Second,
			Cache: EmbeddingCacheConfig{
				Store:    "memory",
				MaxBytes: 256 << 20,
				TTL:      30 * 24 * time.Hour,
			},
		},
		LLM: LLMConfig{Provider: "none"},
		Guardrails: GuardrailsConfig{
			Level:         "standard",
			CheckTimeout:  15 * time.Second,
			CacheEnabled:  true,
			CacheCapacity: 1000,
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "aleutian-grounding",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
			OTLPEndpoint:   "localhost:4317",
			OTLPInsecure:   true,
		},
		Logging: LoggingConfig{Level: "info", Format: "auto"},
	}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Load reads path over DefaultConfig, applies environment overrides and
// validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = key
		}
		if c.LLM.APIKey == "" {
			c.LLM.APIKey = key
		}
	}
	if u := os.Getenv("WEAVIATE_SERVICE_URL"); u != "" && c.Weaviate.URL == "" {
		c.Weaviate.URL = u
	}
	if key := os.Getenv("WEAVIATE_API_KEY"); key != "" && c.Weaviate.APIKey == "" {
		c.Weaviate.APIKey = key
	}
}

// Validate checks every section. The error lists all failing fields.
func (c *Config) Validate() error {
	err := validate.Struct(c)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
	}
	return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(msgs, "; "))
}
