// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package grounding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/AleutianAI/AleutianGrounding/pkg/auth"
	"github.com/AleutianAI/AleutianGrounding/services/embedding"
	"github.com/AleutianAI/AleutianGrounding/services/grounding/config"
	"github.com/AleutianAI/AleutianGrounding/services/guardrails"
	"github.com/AleutianAI/AleutianGrounding/services/llm"
	"github.com/AleutianAI/AleutianGrounding/services/metricsource"
	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	wv "github.com/AleutianAI/AleutianGrounding/services/retrieval/weaviate"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"
)

// =============================================================================
// Service
// =============================================================================

// Service is the assembled grounding server.
//
// # Description
//
// New builds every component from a Config: the Weaviate client and
// capability negotiator, the hybrid search executor, the embedding cache,
// the optional LLM relevance judge, the guardrails orchestrator and the
// optional SQL metrics source. Components that are switched off in the
// config are simply absent; the HTTP layer reports them as unavailable.
//
// # Thread Safety
//
// ApplyConfig may run concurrently with request handling. Run and Close
// are called once each.
type Service struct {
	logger *slog.Logger

	mu  sync.Mutex
	cfg *config.Config

	router       *gin.Engine
	orchestrator *guardrails.Orchestrator
	executor     *retrieval.Executor
	weaviate     *wv.ResilientClient
	embedCache   *embedding.Cache
	limiter      *rate.Limiter
	telemetry    *Telemetry

	// closers run in reverse order on Close.
	closers []func() error
}

// New assembles a Service. On error every component built so far is
// released.
//
// # Inputs
//
//   - ctx: Used for startup connections (telemetry exporter, metrics DB).
//   - cfg: A validated configuration.
//   - logger: Base logger; nil means slog.Default().
//
// # Outputs
//
//   - *Service: Ready to Run.
//   - error: A component could not be built.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (svc *Service, err error) {
	if cfg == nil {
		return nil, errors.New("grounding: nil config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		logger: logger.With(slog.String("component", "grounding")),
		cfg:    cfg,
	}
	defer func() {
		if err != nil {
			s.Close()
		}
	}()

	s.telemetry, err = InitTelemetry(ctx, cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}
	metrics := NewMetrics(prometheus.DefaultRegisterer)

	if err = s.buildRetrieval(ctx, cfg, logger); err != nil {
		return nil, err
	}
	if err = s.buildEmbedding(cfg, logger); err != nil {
		return nil, err
	}
	if err = s.buildGuardrails(cfg, logger); err != nil {
		return nil, err
	}
	sources, err := s.buildSources(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	var provider auth.Provider = auth.NopProvider{}
	if len(cfg.Server.APIKeys) > 0 {
		if provider, err = auth.NewAPIKeyProvider(cfg.Server.APIKeys); err != nil {
			return nil, fmt.Errorf("api keys: %w", err)
		}
	}

	s.limiter = rate.NewLimiter(verifyLimit(cfg.Server.VerifyRatePerSecond), cfg.Server.VerifyBurst)

	deps := Deps{
		Executor:       s.executor,
		Sources:        sources,
		Verifier:       s.orchestrator,
		RRFK:           cfg.Retrieval.RRFK,
		VerifyLimiter:  s.limiter,
		Metrics:        metrics,
		MetricsHandler: s.telemetry.MetricsHandler,
		Auth:           provider,
		Health:         s.health,
		ServiceName:    cfg.Telemetry.ServiceName,
		Logger:         logger,
	}
	// Assigning a nil *embedding.Cache would produce a non-nil interface.
	if s.embedCache != nil {
		deps.Embedder = s.embedCache
	}

	gin.SetMode(cfg.Server.GinMode)
	s.router = NewRouter(deps)
	return s, nil
}

func (s *Service) buildRetrieval(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if cfg.Weaviate.URL == "" {
		s.logger.Warn("weaviate url not set, search routes are disabled")
		return nil
	}
	cc := wv.DefaultClientConfig()
	cc.URL = cfg.Weaviate.URL
	cc.APIKey = cfg.Weaviate.APIKey
	cc.AllowStartDegraded = cfg.Weaviate.AllowStartDegraded
	cc.Logger = logger
	client, err := wv.NewResilientClient(cc)
	if err != nil {
		return fmt.Errorf("weaviate client: %w", err)
	}
	s.weaviate = client
	s.closers = append(s.closers, client.Close)

	backend := wv.NewBackend(client, wv.BackendConfig{
		ClassName:  cfg.Weaviate.ClassName,
		Properties: cfg.Weaviate.Properties,
	})
	negotiator := retrieval.NewNegotiator(backend, retrieval.NegotiatorConfig{
		Candidates:       cfg.Retrieval.DimensionCandidates,
		DefaultDimension: cfg.Retrieval.DefaultDimension,
		ProbeTimeout:     cfg.Retrieval.QueryTimeout,
		Logger:           logger,
	})
	client.RegisterHandler(wv.NewCapabilityRefresher(negotiator, 0, logger))

	s.executor = retrieval.NewExecutor(backend, negotiator, retrieval.ExecutorConfig{
		DefaultTopK:      cfg.Retrieval.DefaultTopK,
		QueryTimeout:     cfg.Retrieval.QueryTimeout,
		RenegotiateAfter: cfg.Retrieval.RenegotiateAfter,
		IntentBoosts:     intentBoosts(cfg.Retrieval.IntentBoosts),
		Logger:           logger,
	})
	negotiator.Start(ctx)
	return nil
}

// intentBoosts merges configured boosts over the defaults. Unknown tags
// are ignored.
func intentBoosts(configured map[string]float64) map[retrieval.Intent]float64 {
	boosts := retrieval.DefaultIntentBoosts()
	for tag, v := range configured {
		if intent := retrieval.ParseIntent(tag); intent != retrieval.IntentUnknown {
			boosts[intent] = v
		}
	}
	return boosts
}

func (s *Service) buildEmbedding(cfg *config.Config, logger *slog.Logger) error {
	ec := cfg.Embedding
	var (
		embedder embedding.Embedder
		err      error
	)
	switch ec.Provider {
	case "none":
		return nil
	case "openai":
		embedder, err = embedding.NewOpenAIEmbedder(embedding.OpenAIConfig{
			APIKey:     ec.APIKey,
			BaseURL:    ec.BaseURL,
			Model:      ec.Model,
			Dimensions: ec.Dimensions,
		})
	case "ollama":
		embedder, err = embedding.NewOllamaEmbedder(embedding.OllamaConfig{
			ServerURL: ec.BaseURL,
			Model:     ec.Model,
		})
	case "http":
		embedder, err = embedding.NewHTTPEmbedder(embedding.HTTPConfig{
			BaseURL:           ec.BaseURL,
			RequestsPerSecond: ec.RequestsPerSecond,
			Timeout:           ec.Timeout,
		})
	default:
		return fmt.Errorf("unknown embedding provider %q", ec.Provider)
	}
	if err != nil {
		return fmt.Errorf("embedder: %w", err)
	}

	var store embedding.Store
	switch ec.Cache.Store {
	case "badger":
		bc := embedding.DefaultBadgerConfig(ec.Cache.BadgerPath)
		if ec.Cache.TTL > 0 {
			bc.TTL = ec.Cache.TTL
		}
		bc.Logger = logger
		store, err = embedding.OpenBadgerStore(bc)
	default:
		store, err = embedding.NewRistrettoStore(ec.Cache.MaxBytes)
	}
	if err != nil {
		return fmt.Errorf("embedding store: %w", err)
	}

	s.embedCache = embedding.NewCache(embedder, store, embedding.CacheConfig{
		Namespace: ec.Provider + "/" + ec.Model,
		Timeout:   ec.Timeout,
		Logger:    logger,
	})
	s.closers = append(s.closers, s.embedCache.Close)
	return nil
}

func (s *Service) buildGuardrails(cfg *config.Config, logger *slog.Logger) error {
	o, err := NewVerifier(cfg, logger)
	if err != nil {
		return err
	}
	s.orchestrator = o
	return nil
}

// NewVerifier builds the guardrails orchestrator described by cfg.LLM and
// cfg.Guardrails. It needs no other component, so the CLI uses it to
// verify offline.
func NewVerifier(cfg *config.Config, logger *slog.Logger) (*guardrails.Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := newLLMClient(cfg.LLM)
	if err != nil {
		return nil, fmt.Errorf("llm: %w", err)
	}
	level, err := guardrails.ParseVerificationLevel(cfg.Guardrails.Level)
	if err != nil {
		return nil, err
	}
	var cache *guardrails.Cache
	if cfg.Guardrails.CacheEnabled {
		cache = guardrails.NewCache(guardrails.CacheConfig{Capacity: cfg.Guardrails.CacheCapacity})
	}
	return guardrails.NewOrchestrator(
		guardrails.NewEvidenceChecker(),
		guardrails.NewHallucinationDetector(),
		guardrails.NewRelevanceChecker(client, logger),
		cache,
		guardrails.OrchestratorConfig{
			DefaultLevel: level,
			CheckTimeout: cfg.Guardrails.CheckTimeout,
			Logger:       logger,
		},
	), nil
}

// newLLMClient returns nil for provider "none"; the relevance checker then
// falls back to lexical overlap.
func newLLMClient(lc config.LLMConfig) (llm.LLMClient, error) {
	switch lc.Provider {
	case "openai":
		c, err := llm.NewOpenAIClient(llm.OpenAIConfig{
			APIKey:  lc.APIKey,
			BaseURL: lc.BaseURL,
			Model:   lc.Model,
		})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "ollama":
		c, err := llm.NewOllamaClient(llm.OllamaConfig{BaseURL: lc.BaseURL, Model: lc.Model})
		if err != nil {
			return nil, err
		}
		return c, nil
	case "none", "":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", lc.Provider)
	}
}

func (s *Service) buildSources(ctx context.Context, cfg *config.Config, logger *slog.Logger) ([]retrieval.DocumentSource, error) {
	mc := cfg.MetricsStore
	if mc.Driver == "" {
		return nil, nil
	}
	db, err := metricsource.Open(ctx, mc.Driver, mc.DSN)
	if err != nil {
		return nil, fmt.Errorf("metrics store: %w", err)
	}
	s.closers = append(s.closers, db.Close)
	src, err := metricsource.New(db, metricsource.Config{
		Name:   mc.Name,
		Query:  mc.Query,
		Args:   likeArgs,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("metrics store: %w", err)
	}
	return []retrieval.DocumentSource{src}, nil
}

// likeArgs binds the search text as a substring pattern plus the row limit.
func likeArgs(query string, limit int) []any {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.TrimSpace(query))
	return []any{"%" + escaped + "%", limit}
}

func verifyLimit(perSecond float64) rate.Limit {
	if perSecond <= 0 {
		return rate.Inf
	}
	return rate.Limit(perSecond)
}

// Handler returns the HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Verifier returns the guardrails orchestrator.
func (s *Service) Verifier() *guardrails.Orchestrator {
	return s.orchestrator
}

// Executor returns the search executor, or nil when search is disabled.
func (s *Service) Executor() *retrieval.Executor {
	return s.executor
}

func (s *Service) health() map[string]any {
	out := map[string]any{
		"verification_level": string(s.orchestrator.DefaultLevel()),
	}
	if s.weaviate != nil {
		out["weaviate"] = s.weaviate.GetState().String()
	}
	if s.embedCache != nil {
		out["embedding_cache"] = s.embedCache.Stats()
	}
	return out
}

// =============================================================================
// Lifecycle
// =============================================================================

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	port := s.cfg.Server.Port
	shutdownTimeout := s.cfg.Server.ShutdownTimeout
	s.mu.Unlock()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("grounding server listening", slog.Int("port", port))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down grounding server")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// ApplyConfig applies the settings that can change without a restart:
// the default verification level and the verification rate limit. Other
// changes are logged and take effect on the next start.
func (s *Service) ApplyConfig(cfg *config.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.cfg

	level, err := guardrails.ParseVerificationLevel(cfg.Guardrails.Level)
	if err == nil {
		err = s.orchestrator.SetDefaultLevel(level)
	}
	if err != nil {
		s.logger.Warn("ignoring verification level from reloaded config", slog.String("error", err.Error()))
	} else if level != guardrails.VerificationLevel(prev.Guardrails.Level) {
		s.logger.Info("verification level changed", slog.String("level", string(level)))
	}

	if s.limiter != nil {
		s.limiter.SetLimit(verifyLimit(cfg.Server.VerifyRatePerSecond))
		s.limiter.SetBurst(cfg.Server.VerifyBurst)
	}

	if restartRequired(prev, cfg) {
		s.logger.Warn("config changes outside guardrails.level and server rate limits need a restart")
	}
	s.cfg = cfg
}

// restartRequired reports whether anything other than the hot-reloadable
// fields differs.
func restartRequired(a, b *config.Config) bool {
	x, y := *a, *b
	x.Guardrails.Level, y.Guardrails.Level = "", ""
	x.Server.VerifyRatePerSecond, y.Server.VerifyRatePerSecond = 0, 0
	x.Server.VerifyBurst, y.Server.VerifyBurst = 0, 0
	return !reflect.DeepEqual(x, y)
}

// Close releases every component in reverse construction order and flushes
// telemetry.
func (s *Service) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	if s.telemetry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.telemetry.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		s.telemetry = nil
	}
	return errors.Join(errs...)
}
