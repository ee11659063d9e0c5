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
	"errors"
	"fmt"
	"net"
	"strings"
)

// -----------------------------------------------------------------------------
// Errors
// -----------------------------------------------------------------------------

var (
	// ErrBackendUnavailable is wrapped by backends when the remote service is
	// unreachable or its circuit breaker is open.
	ErrBackendUnavailable = errors.New("vector backend unavailable")

	// ErrNoUsableResponse is recorded when a backend call returned without
	// error but produced nothing that can be converted to documents.
	ErrNoUsableResponse = errors.New("vector backend returned no usable response")
)

// ErrorCategory is the typed classification of a backend failure.
type ErrorCategory int

const (
	// CategoryUnknown is any failure not matching another category.
	CategoryUnknown ErrorCategory = iota
	// CategoryCapability means a request field was rejected as unsupported.
	CategoryCapability
	// CategoryDimension means the vector length does not match the index.
	CategoryDimension
	// CategoryConnectivity covers timeouts, refused connections and open
	// circuit breakers.
	CategoryConnectivity
	// CategoryInvalidRequest means the request itself could not be
	// expressed, such as a malformed filter. The backend was not at fault.
	CategoryInvalidRequest
)

// String returns the category name.
func (c ErrorCategory) String() string {
	switch c {
	case CategoryCapability:
		return "capability"
	case CategoryDimension:
		return "dimension"
	case CategoryConnectivity:
		return "connectivity"
	case CategoryInvalidRequest:
		return "invalid_request"
	default:
		return "unknown"
	}
}

// CapabilityError reports that the backend rejected one optional request
// feature. Backends that can identify the feature precisely should return
// this type directly; everything else is classified from the error text.
type CapabilityError struct {
	Feature Feature
	Err     error
}

func (e *CapabilityError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("unsupported feature %s", e.Feature)
	}
	return fmt.Sprintf("unsupported feature %s: %v", e.Feature, e.Err)
}

func (e *CapabilityError) Unwrap() error { return e.Err }

// Classification is the result of ClassifyBackendError.
type Classification struct {
	Category ErrorCategory
	// Feature is set for CategoryCapability. FeatureUnknown means the backend
	// rejected something that could not be attributed to a single field.
	Feature Feature
}

// capabilityMarkers are substrings of backend messages indicating an
// argument or field the server does not understand.
var capabilityMarkers = []string{
	"unknown argument",
	"unexpected argument",
	"unexpected keyword argument",
	"cannot query field",
	"unknown field",
	"not supported",
	"unsupported",
	"is not defined",
	"no such argument",
}

var dimensionMarkers = []string{
	"vector lengths don't match",
	"vector length mismatch",
	"dimension mismatch",
	"dimensions mismatch",
	"wrong dimension",
	"inconsistent dimension",
	"vector dimension",
}

var connectivityMarkers = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"timeout",
	"timed out",
	"eof",
	"circuit breaker",
	"unavailable",
	"bad gateway",
	"service unavailable",
}

// featureMarkers maps request field names, as they appear in backend error
// text, to the feature they belong to. Order matters: "explainscore" must be
// tested before "score" style fallbacks and "where" before "vector".
var featureMarkers = []struct {
	marker  string
	feature Feature
}{
	{"explainscore", FeatureExplainScore},
	{"explain_score", FeatureExplainScore},
	{"where", FeatureFilter},
	{"filter", FeatureFilter},
	{"operands", FeatureFilter},
	{"vector", FeatureHybridVector},
}

// ClassifyBackendError maps a backend error to a typed category.
//
// # Description
//
// This is the only place that inspects backend error text. Callers branch
// on the returned Classification, never on the message.
//
// # Inputs
//
//   - err: Error returned by a VectorBackend. Nil yields CategoryUnknown.
//
// # Outputs
//
//   - Classification: Category plus the rejected Feature for capability errors.
func ClassifyBackendError(err error) Classification {
	if err == nil {
		return Classification{Category: CategoryUnknown}
	}

	if errors.Is(err, ErrInvalidFilter) {
		return Classification{Category: CategoryInvalidRequest}
	}

	var capErr *CapabilityError
	if errors.As(err, &capErr) {
		return Classification{Category: CategoryCapability, Feature: capErr.Feature}
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrBackendUnavailable) {
		return Classification{Category: CategoryConnectivity}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Classification{Category: CategoryConnectivity}
	}

	msg := strings.ToLower(err.Error())

	// Dimension first: "vector dimension not supported" is a dimension
	// problem, not a missing feature.
	if containsAny(msg, dimensionMarkers) {
		return Classification{Category: CategoryDimension}
	}
	if containsAny(msg, capabilityMarkers) {
		return Classification{Category: CategoryCapability, Feature: featureFromMessage(msg)}
	}
	if containsAny(msg, connectivityMarkers) {
		return Classification{Category: CategoryConnectivity}
	}
	return Classification{Category: CategoryUnknown}
}

// IsDimensionError reports whether err is a vector length mismatch.
func IsDimensionError(err error) bool {
	return ClassifyBackendError(err).Category == CategoryDimension
}

func featureFromMessage(msg string) Feature {
	for _, fm := range featureMarkers {
		if strings.Contains(msg, fm.marker) {
			return fm.feature
		}
	}
	return FeatureUnknown
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}
