// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package retrieval

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
)

// DocumentSource is an alternate retrieval source whose results are fused
// with the vector backend's, such as the relational metrics store.
type DocumentSource interface {
	// Name identifies the source in stage outcomes and logs.
	Name() string

	// Retrieve returns up to limit documents, best first.
	Retrieve(ctx context.Context, query string, limit int) ([]RetrievedDocument, error)
}

// MultiPassSearch runs a vector-weighted pass, a lexical-weighted pass and
// every extra source, then fuses the lists with Fuse.
//
// # Description
//
// The passes are independent and run concurrently; each pass still walks
// its own sequential degradation chain. A failing source contributes an
// empty list and a StageOutcome. The result is truncated to the request
// limit.
//
// # Inputs
//
//   - ctx: Cancellation.
//   - req: As for HybridSearch. Weight is ignored; each pass sets its own.
//   - k: RRF constant; <= 0 uses DefaultRRFK.
//   - sources: Extra sources, fused after the two backend passes.
//
// # Outputs
//
//   - *SearchResult: Mode is ModeFused, or ModeEmpty when every pass and
//     source failed.
func (e *Executor) MultiPassSearch(ctx context.Context, req SearchRequest, k int, sources ...DocumentSource) *SearchResult {
	ctx, span := tracer.Start(ctx, "Executor.MultiPassSearch")
	defer span.End()
	start := time.Now()

	topK := req.TopK
	if topK <= 0 {
		topK = e.config.DefaultTopK
	}

	vectorReq := req
	vectorWeight := MaxFusionWeight
	vectorReq.Weight = &vectorWeight

	lexicalReq := req
	lexicalWeight := MinFusionWeight
	lexicalReq.Weight = &lexicalWeight

	passes := make([]*SearchResult, 2)
	sourceLists := make([][]RetrievedDocument, len(sources))
	sourceStages := make([]StageOutcome, len(sources))

	// Goroutines never return errors; the group is only a join barrier.
	var g errgroup.Group
	g.Go(func() error {
		passes[0] = e.HybridSearch(ctx, vectorReq)
		return nil
	})
	g.Go(func() error {
		passes[1] = e.HybridSearch(ctx, lexicalReq)
		return nil
	})
	for i, src := range sources {
		g.Go(func() error {
			sourceLists[i], sourceStages[i] = e.retrieveFrom(ctx, src, req.Text, topK)
			return nil
		})
	}
	_ = g.Wait()

	result := &SearchResult{
		Mode:         ModeFused,
		FusionWeight: ComputeFusionWeight(req.Text, req.Intent, e.config.IntentBoosts),
		Dimension:    passes[0].Dimension,
	}

	lists := make([][]RetrievedDocument, 0, 2+len(sources))
	anyOK := false
	for i, p := range passes {
		prefix := "vector_pass/"
		if i == 1 {
			prefix = "lexical_pass/"
		}
		for _, st := range p.Stages {
			st.Stage = prefix + st.Stage
			result.Stages = append(result.Stages, st)
		}
		if p.Degraded {
			result.Degraded = true
		}
		if p.Mode != ModeEmpty {
			anyOK = true
		}
		lists = append(lists, p.Documents)
	}
	for i := range sources {
		result.Stages = append(result.Stages, sourceStages[i])
		if sourceStages[i].Error != "" {
			result.Degraded = true
		} else {
			anyOK = true
		}
		lists = append(lists, sourceLists[i])
	}

	fused := Fuse(lists, k)
	if len(fused) > topK {
		fused = fused[:topK]
	}
	result.Documents = fused
	if !anyOK {
		result.Mode = ModeEmpty
	}

	recordSearch(ctx, result.Mode, time.Since(start), result.FusionWeight)
	e.logger.Debug("multi-pass search complete",
		slog.Int("lists", len(lists)),
		slog.Int("documents", len(fused)),
		slog.Bool("degraded", result.Degraded),
		slog.Duration("took", time.Since(start)))
	return result
}

func (e *Executor) retrieveFrom(ctx context.Context, src DocumentSource, text string, limit int) ([]RetrievedDocument, StageOutcome) {
	ctx, cancel := context.WithTimeout(ctx, e.config.QueryTimeout)
	defer cancel()

	start := time.Now()
	docs, err := src.Retrieve(ctx, text, limit)
	outcome := StageOutcome{Stage: "source/" + src.Name(), Duration: time.Since(start)}
	if err != nil {
		outcome.Error = err.Error()
		outcome.Category = ClassifyBackendError(err).Category.String()
		e.logger.Warn("document source failed",
			slog.String("source", src.Name()),
			slog.String("error", err.Error()))
		return []RetrievedDocument{}, outcome
	}
	if docs == nil {
		docs = []RetrievedDocument{}
	}
	return docs, outcome
}
