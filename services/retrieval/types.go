// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package retrieval implements the hybrid retrieval engine.
//
// # Description
//
// The engine negotiates the embedding dimensionality and optional query
// features of a remote vector backend at runtime, computes a query-dependent
// fusion weight between lexical and vector search, issues a hybrid query
// with a sequential degradation chain, and fuses multiple ranked lists with
// Reciprocal Rank Fusion.
//
// # Components
//
//   - Negotiator: one-time capability detection, explicit downgrade and
//     re-negotiation. Owns the process-wide CapabilityProfile.
//   - Executor: HybridSearch with strip-and-retry, lexical-only and
//     nearest-vector fallbacks. Never returns an error to the caller.
//   - Fuse: deterministic Reciprocal Rank Fusion.
//   - MultiPassSearch: vector pass + lexical pass + extra sources, fused.
//
// # Thread Safety
//
// All exported types are safe for concurrent use.
package retrieval

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// =============================================================================
// Retrieved Documents
// =============================================================================

// MetadataField is one key/value pair of a document's metadata.
type MetadataField struct {
	Key   string
	Value any
}

// Metadata is an insertion-ordered string-keyed map.
//
// # Description
//
// Backends return provenance fields (title, category, source tags) whose
// order is meaningful when rendered into prompts. Metadata keeps that order
// and serializes to a JSON object with keys in insertion order.
type Metadata []MetadataField

// Get returns the value for key and whether it was present.
func (m Metadata) Get(key string) (any, bool) {
	for _, f := range m {
		if f.Key == key {
			return f.Value, true
		}
	}
	return nil, false
}

// GetString returns the value for key if it is a string.
func (m Metadata) GetString(key string) (string, bool) {
	v, ok := m.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// With returns a copy of m with key set to value. An existing key keeps its
// position; a new key is appended. m itself is never modified.
func (m Metadata) With(key string, value any) Metadata {
	out := make(Metadata, len(m), len(m)+1)
	copy(out, m)
	for i := range out {
		if out[i].Key == key {
			out[i].Value = value
			return out
		}
	}
	return append(out, MetadataField{Key: key, Value: value})
}

// Keys returns the keys in insertion order.
func (m Metadata) Keys() []string {
	keys := make([]string, len(m))
	for i, f := range m {
		keys[i] = f.Key
	}
	return keys
}

// MarshalJSON writes m as a JSON object preserving key order.
func (m Metadata) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Key)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(f.Value)
		if err != nil {
			return nil, fmt.Errorf("metadata %q: %w", f.Key, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON reads a JSON object preserving key order.
func (m *Metadata) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*m = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("metadata: expected object, got %v", tok)
	}
	var out Metadata
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := keyTok.(string)
		if !ok {
			return fmt.Errorf("metadata: expected string key, got %v", keyTok)
		}
		var value any
		if err := dec.Decode(&value); err != nil {
			return fmt.Errorf("metadata %q: %w", key, err)
		}
		out = append(out, MetadataField{Key: key, Value: value})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*m = out
	return nil
}

// RetrievedDocument is one ranked piece of evidence.
//
// # Description
//
// Produced by a single retrieval call and treated as immutable afterwards.
// Score is always in [0, 1]. OriginDistance carries the backend's raw vector
// distance when the document came from a nearest-vector query.
type RetrievedDocument struct {
	Content        string   `json:"content"`
	Metadata       Metadata `json:"metadata"`
	Score          float64  `json:"score"`
	OriginDistance *float64 `json:"origin_distance,omitempty"`
}

// ID returns the document identity used for de-duplication and fusion:
// the "id" metadata field when present, otherwise the content itself.
func (d RetrievedDocument) ID() string {
	if id, ok := d.Metadata.GetString("id"); ok && id != "" {
		return id
	}
	return d.Content
}

// =============================================================================
// Intent
// =============================================================================

// Intent is the query category produced by the upstream intent classifier.
type Intent int

const (
	// IntentUnknown is used when no classifier output is available.
	IntentUnknown Intent = iota
	// IntentMetricLookup asks for a specific value (weight, FCR, mortality).
	IntentMetricLookup
	// IntentDiagnosis asks about symptoms or disease.
	IntentDiagnosis
	// IntentProtocol asks for a procedure (vaccination, lighting program).
	IntentProtocol
	// IntentEconomics asks about cost or margin.
	IntentEconomics
	// IntentGeneral is an open explanatory question.
	IntentGeneral
)

var intentNames = map[Intent]string{
	IntentUnknown:      "unknown",
	IntentMetricLookup: "metric_lookup",
	IntentDiagnosis:    "diagnosis",
	IntentProtocol:     "protocol",
	IntentEconomics:    "economics",
	IntentGeneral:      "general",
}

// String returns the snake_case intent name.
func (i Intent) String() string {
	if name, ok := intentNames[i]; ok {
		return name
	}
	return "unknown"
}

// ParseIntent maps an upstream tag to an Intent. Matching is
// case-insensitive and accepts a few common aliases; anything else is
// IntentUnknown.
func ParseIntent(tag string) Intent {
	switch strings.ToLower(strings.TrimSpace(tag)) {
	case "metric_lookup", "metric", "metrics", "performance", "metric_query":
		return IntentMetricLookup
	case "diagnosis", "diagnostic", "health", "disease":
		return IntentDiagnosis
	case "protocol", "procedure", "management":
		return IntentProtocol
	case "economics", "economic", "cost":
		return IntentEconomics
	case "general", "general_knowledge", "explanation":
		return IntentGeneral
	default:
		return IntentUnknown
	}
}

// MarshalText implements encoding.TextMarshaler.
func (i Intent) MarshalText() ([]byte, error) {
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Intent) UnmarshalText(text []byte) error {
	*i = ParseIntent(string(text))
	return nil
}

// =============================================================================
// Filters
// =============================================================================

// FilterOperator is a backend-neutral comparison operator.
type FilterOperator string

const (
	OpEqual       FilterOperator = "Equal"
	OpNotEqual    FilterOperator = "NotEqual"
	OpGreaterThan FilterOperator = "GreaterThan"
	OpLessThan    FilterOperator = "LessThan"
	OpLike        FilterOperator = "Like"
	OpAnd         FilterOperator = "And"
	OpOr          FilterOperator = "Or"
)

// Filter restricts a query to documents whose property matches Value.
// And/Or filters use Operands instead of Path/Value.
type Filter struct {
	Path     string         `json:"path,omitempty"`
	Operator FilterOperator `json:"operator"`
	Value    any            `json:"value,omitempty"`
	Operands []Filter       `json:"operands,omitempty"`
}

// ErrInvalidFilter is wrapped by errors describing a filter that cannot be
// expressed as a backend query. It is a property of the request, not of the
// backend, and never changes the capability profile.
var ErrInvalidFilter = errors.New("invalid filter")

// Validate reports whether f can be translated into a backend query.
//
// # Description
//
// And/Or filters need at least one operand and every operand must be valid.
// Comparison filters need a non-empty Path, a known operator and a scalar
// Value (string, bool, int, int64 or float64).
//
// # Outputs
//
//   - error: Wraps ErrInvalidFilter, or nil.
func (f Filter) Validate() error {
	switch f.Operator {
	case OpAnd, OpOr:
		if len(f.Operands) == 0 {
			return fmt.Errorf("%w: %s without operands", ErrInvalidFilter, f.Operator)
		}
		for i, child := range f.Operands {
			if err := child.Validate(); err != nil {
				return fmt.Errorf("operand %d: %w", i, err)
			}
		}
		return nil
	case OpEqual, OpNotEqual, OpGreaterThan, OpLessThan, OpLike:
	default:
		return fmt.Errorf("%w: operator %q", ErrInvalidFilter, f.Operator)
	}

	if strings.TrimSpace(f.Path) == "" {
		return fmt.Errorf("%w: empty path", ErrInvalidFilter)
	}
	switch f.Value.(type) {
	case string, bool, int, int64, float64:
		return nil
	default:
		return fmt.Errorf("%w: value of type %T", ErrInvalidFilter, f.Value)
	}
}

// =============================================================================
// Search Request / Result
// =============================================================================

// SearchRequest is the input to Executor.HybridSearch.
type SearchRequest struct {
	// Vector is the query embedding. Resized to the negotiated dimension.
	Vector []float32 `json:"vector"`
	// Text is the lexical query.
	Text string `json:"text"`
	// TopK is the result limit. Zero or negative uses the executor default.
	TopK int `json:"top_k"`
	// Filter is optional.
	Filter *Filter `json:"filter,omitempty"`
	// Weight overrides the computed fusion weight when non-nil.
	Weight *float64 `json:"weight,omitempty"`
	// Intent boosts the fusion weight.
	Intent Intent `json:"intent"`
}

// SearchMode records which stage of the degradation chain produced results.
type SearchMode string

const (
	ModeHybrid         SearchMode = "hybrid"
	ModeHybridReduced  SearchMode = "hybrid_reduced"
	ModeLexicalOnly    SearchMode = "lexical_only"
	ModeVectorFallback SearchMode = "vector_fallback"
	ModeFused          SearchMode = "fused"
	ModeEmpty          SearchMode = "empty"
)

// StageOutcome describes one attempted backend call.
type StageOutcome struct {
	Stage    string        `json:"stage"`
	Error    string        `json:"error,omitempty"`
	Category string        `json:"category,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// SearchResult is the output of HybridSearch.
//
// Documents is always non-nil. A failed search is reported through Mode,
// Degraded and Stages, never through an error.
type SearchResult struct {
	Documents    []RetrievedDocument `json:"documents"`
	Mode         SearchMode          `json:"mode"`
	FusionWeight float64             `json:"fusion_weight"`
	Dimension    int                 `json:"dimension"`
	Degraded     bool                `json:"degraded"`
	Stages       []StageOutcome      `json:"stages"`
}
