// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaviate

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"github.com/weaviate/weaviate/entities/models"
)

// BackendConfig selects the class and properties to query.
type BackendConfig struct {
	// ClassName of the document collection. Default: "Document".
	ClassName string

	// Properties returned with every hit. "content" is always included.
	// Default: content, title, category, source.
	Properties []string
}

// DefaultBackendConfig returns the default class layout.
func DefaultBackendConfig() BackendConfig {
	return BackendConfig{
		ClassName:  "Document",
		Properties: []string{"content", "title", "category", "source"},
	}
}

// Backend implements retrieval.VectorBackend with Weaviate GraphQL queries.
//
// # Description
//
// Each HybridQuery or NearVectorQuery maps to one Get query. GraphQL-level
// errors (a rejected argument, an unknown _additional field) are returned
// as errors with the server's message so the retrieval classifier can
// attribute them to a feature. A filter that cannot be expressed as a
// Weaviate where clause is reported as a filter capability error.
//
// # Thread Safety
//
// Safe for concurrent use.
type Backend struct {
	client *ResilientClient
	config BackendConfig
	fields []graphql.Field
}

// NewBackend creates a backend on top of client.
func NewBackend(client *ResilientClient, config BackendConfig) *Backend {
	d := DefaultBackendConfig()
	if config.ClassName == "" {
		config.ClassName = d.ClassName
	}
	if len(config.Properties) == 0 {
		config.Properties = d.Properties
	}
	fields := []graphql.Field{{Name: "content"}}
	for _, p := range config.Properties {
		if p != "content" {
			fields = append(fields, graphql.Field{Name: p})
		}
	}
	return &Backend{client: client, config: config, fields: fields}
}

// Hybrid issues a hybrid Get query.
func (b *Backend) Hybrid(ctx context.Context, q retrieval.HybridQuery) (*retrieval.BackendResponse, error) {
	var where *filters.WhereBuilder
	if q.Filter != nil {
		w, err := buildWhere(*q.Filter)
		if err != nil {
			return nil, err
		}
		where = w
	}

	additional := []graphql.Field{{Name: "id"}, {Name: "score"}}
	if q.ExplainScore {
		additional = append(additional, graphql.Field{Name: "explainScore"})
	}

	return b.run(ctx, "hybrid", func(ctx context.Context) (*models.GraphQLResponse, error) {
		gql := b.client.Client().GraphQL()
		hybrid := gql.HybridArgumentBuilder().WithQuery(q.Text)
		if q.Vector != nil {
			hybrid.WithVector(q.Vector)
		}
		if q.Alpha != nil {
			hybrid.WithAlpha(float32(*q.Alpha))
		}
		get := gql.Get().
			WithClassName(b.config.ClassName).
			WithFields(b.withAdditional(additional)...).
			WithHybrid(hybrid).
			WithLimit(q.Limit)
		if where != nil {
			get = get.WithWhere(where)
		}
		return get.Do(ctx)
	})
}

// NearVector issues a nearVector Get query.
func (b *Backend) NearVector(ctx context.Context, q retrieval.NearVectorQuery) (*retrieval.BackendResponse, error) {
	var where *filters.WhereBuilder
	if q.Filter != nil {
		w, err := buildWhere(*q.Filter)
		if err != nil {
			return nil, err
		}
		where = w
	}

	// distance is defined for every metric; certainty only for cosine.
	additional := []graphql.Field{{Name: "id"}, {Name: "distance"}}

	return b.run(ctx, "near_vector", func(ctx context.Context) (*models.GraphQLResponse, error) {
		gql := b.client.Client().GraphQL()
		get := gql.Get().
			WithClassName(b.config.ClassName).
			WithFields(b.withAdditional(additional)...).
			WithNearVector(gql.NearVectorArgBuilder().WithVector(q.Vector)).
			WithLimit(q.Limit)
		if where != nil {
			get = get.WithWhere(where)
		}
		return get.Do(ctx)
	})
}

func (b *Backend) withAdditional(additional []graphql.Field) []graphql.Field {
	fields := make([]graphql.Field, 0, len(b.fields)+1)
	fields = append(fields, b.fields...)
	return append(fields, graphql.Field{Name: "_additional", Fields: additional})
}

// run executes do through the resilient client and converts the response.
// A response without a Get section for the class is "no usable response"
// and yields (nil, nil).
func (b *Backend) run(ctx context.Context, op string, do func(context.Context) (*models.GraphQLResponse, error)) (*retrieval.BackendResponse, error) {
	var resp *models.GraphQLResponse
	err := b.client.Execute(ctx, op, func(ctx context.Context) error {
		r, err := do(ctx)
		if err != nil {
			return err
		}
		if r != nil && len(r.Errors) > 0 {
			return graphQLError(r.Errors)
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return parseHits(resp, b.config.ClassName)
}

func graphQLError(errs []*models.GraphQLError) error {
	msgs := make([]string, 0, len(errs))
	for _, e := range errs {
		if e != nil {
			msgs = append(msgs, e.Message)
		}
	}
	return fmt.Errorf("graphql: %s", strings.Join(msgs, "; "))
}

// -----------------------------------------------------------------------------
// Response Parsing
// -----------------------------------------------------------------------------

type getResponse struct {
	Get map[string][]map[string]any `json:"Get"`
}

// parseHits converts the dynamic GraphQL payload into backend hits.
func parseHits(resp *models.GraphQLResponse, className string) (*retrieval.BackendResponse, error) {
	if resp == nil || resp.Data == nil {
		return nil, nil
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql data: %w", err)
	}
	var parsed getResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("unmarshal graphql data: %w", err)
	}
	objects, ok := parsed.Get[className]
	if !ok {
		return nil, nil
	}

	out := &retrieval.BackendResponse{Hits: make([]retrieval.BackendHit, 0, len(objects))}
	for _, obj := range objects {
		hit := retrieval.BackendHit{Properties: make(map[string]any, len(obj))}
		for k, v := range obj {
			if k != "_additional" {
				hit.Properties[k] = v
			}
		}
		if add, ok := obj["_additional"].(map[string]any); ok {
			if id, ok := add["id"].(string); ok && id != "" {
				if _, exists := hit.Properties["id"]; !exists {
					hit.Properties["id"] = id
				}
			}
			hit.Score = number(add["score"])
			hit.Distance = number(add["distance"])
			hit.Certainty = number(add["certainty"])
			if ex, ok := add["explainScore"].(string); ok {
				hit.ExplainScore = ex
			}
		}
		out.Hits = append(out.Hits, hit)
	}
	return out, nil
}

// number reads a float that Weaviate may encode as a JSON number or string.
func number(v any) *float64 {
	switch x := v.(type) {
	case float64:
		return &x
	case string:
		f, err := strconv.ParseFloat(x, 64)
		if err != nil {
			return nil
		}
		return &f
	default:
		return nil
	}
}

// -----------------------------------------------------------------------------
// Filters
// -----------------------------------------------------------------------------

var operators = map[retrieval.FilterOperator]filters.WhereOperator{
	retrieval.OpEqual:       filters.Equal,
	retrieval.OpNotEqual:    filters.NotEqual,
	retrieval.OpGreaterThan: filters.GreaterThan,
	retrieval.OpLessThan:    filters.LessThan,
	retrieval.OpLike:        filters.Like,
	retrieval.OpAnd:         filters.And,
	retrieval.OpOr:          filters.Or,
}

// buildWhere converts a backend-neutral filter into a where clause.
// Failures wrap retrieval.ErrInvalidFilter.
func buildWhere(f retrieval.Filter) (*filters.WhereBuilder, error) {
	op, ok := operators[f.Operator]
	if !ok {
		return nil, fmt.Errorf("%w: operator %q", retrieval.ErrInvalidFilter, f.Operator)
	}

	if f.Operator == retrieval.OpAnd || f.Operator == retrieval.OpOr {
		if len(f.Operands) == 0 {
			return nil, fmt.Errorf("%w: %s without operands", retrieval.ErrInvalidFilter, f.Operator)
		}
		operands := make([]*filters.WhereBuilder, 0, len(f.Operands))
		for _, child := range f.Operands {
			w, err := buildWhere(child)
			if err != nil {
				return nil, err
			}
			operands = append(operands, w)
		}
		return filters.Where().WithOperator(op).WithOperands(operands), nil
	}

	if f.Path == "" {
		return nil, fmt.Errorf("%w: empty path", retrieval.ErrInvalidFilter)
	}
	w := filters.Where().WithPath(strings.Split(f.Path, ".")).WithOperator(op)
	switch v := f.Value.(type) {
	case string:
		return w.WithValueString(v), nil
	case bool:
		return w.WithValueBoolean(v), nil
	case int:
		return w.WithValueInt(int64(v)), nil
	case int64:
		return w.WithValueInt(v), nil
	case float64:
		return w.WithValueNumber(v), nil
	default:
		return nil, fmt.Errorf("%w: value of type %T", retrieval.ErrInvalidFilter, f.Value)
	}
}
