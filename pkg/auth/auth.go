// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


// Package auth authenticates callers of the grounding HTTP API.
//
// A Provider turns a bearer token into a Principal. NopProvider admits
// everyone as a local admin and is used when no API keys are configured;
// APIKeyProvider checks static keys from the service config.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrUnauthorized is returned for a missing or unknown token. Providers
// wrap it with detail.
var ErrUnauthorized = errors.New("unauthorized")

// RoleAdmin may renegotiate capabilities and read cache internals.
const RoleAdmin = "admin"

// Principal is an authenticated caller.
type Principal struct {
	// Name identifies the caller in logs. Never empty.
	Name  string
	Roles []string
}

// HasRole reports whether p carries role.
func (p *Principal) HasRole(role string) bool {
	return p != nil && slices.Contains(p.Roles, role)
}

// Provider validates tokens.
//
// Implementations must be safe for concurrent use.
type Provider interface {
	// Validate returns the caller behind token, or an error wrapping
	// ErrUnauthorized.
	Validate(ctx context.Context, token string) (*Principal, error)
}

// NopProvider admits every request as a local admin.
type NopProvider struct{}

// Validate ignores token.
func (NopProvider) Validate(context.Context, string) (*Principal, error) {
	return &Principal{Name: "local", Roles: []string{RoleAdmin}}, nil
}

// APIKey is one configured key.
type APIKey struct {
	Name  string   `yaml:"name" validate:"required"`
	Key   string   `yaml:"key" validate:"required,min=16"`
	Roles []string `yaml:"roles"`
}

// APIKeyProvider checks tokens against a fixed key list.
//
// # Thread Safety
//
// Immutable after construction.
type APIKeyProvider struct {
	keys []APIKey
}

// NewAPIKeyProvider copies keys. Names must be unique and keys non-empty.
func NewAPIKeyProvider(keys []APIKey) (*APIKeyProvider, error) {
	if len(keys) == 0 {
		return nil, errors.New("api key provider needs at least one key")
	}
	seen := make(map[string]bool, len(keys))
	out := make([]APIKey, 0, len(keys))
	for _, k := range keys {
		if k.Name == "" || k.Key == "" {
			return nil, errors.New("api key needs a name and a key")
		}
		if seen[k.Name] {
			return nil, fmt.Errorf("duplicate api key name %q", k.Name)
		}
		seen[k.Name] = true
		k.Roles = slices.Clone(k.Roles)
		out = append(out, k)
	}
	return &APIKeyProvider{keys: out}, nil
}

// Validate compares token with every key in constant time.
func (p *APIKeyProvider) Validate(_ context.Context, token string) (*Principal, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("missing api key: %w", ErrUnauthorized)
	}
	var match *APIKey
	for i := range p.keys {
		if subtle.ConstantTimeCompare([]byte(token), []byte(p.keys[i].Key)) == 1 {
			match = &p.keys[i]
		}
	}
	if match == nil {
		return nil, fmt.Errorf("unknown api key: %w", ErrUnauthorized)
	}
	return &Principal{Name: match.Name, Roles: slices.Clone(match.Roles)}, nil
}

var (
	_ Provider = NopProvider{}
	_ Provider = (*APIKeyProvider)(nil)
)
