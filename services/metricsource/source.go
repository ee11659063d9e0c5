// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package metricsource exposes a relational metrics store as a retrieval
// source, so structured rows can be fused with vector search results.
//
// The SQL itself is supplied by the caller. SQLSource only executes it and
// renders each row as a retrieval.RetrievedDocument.
package metricsource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianGrounding/services/retrieval"
	_ "github.com/lib/pq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	_ "modernc.org/sqlite"
)

var tracer = otel.Tracer("aleutian.metricsource")

// Driver names accepted by Open.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Provenance is the metadata value tagging documents from this source.
const Provenance = "metrics_store"

var (
	// ErrUnsupportedDriver is returned by Open for unknown drivers.
	ErrUnsupportedDriver = errors.New("unsupported metrics store driver")

	// ErrNoQuery is returned by New when Config.Query is empty.
	ErrNoQuery = errors.New("metrics source query is required")
)

// Open connects to a metrics store and verifies the connection.
func Open(ctx context.Context, driver, dsn string) (*sql.DB, error) {
	switch driver {
	case DriverPostgres, DriverSQLite:
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s metrics store: %w", driver, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s metrics store: %w", driver, err)
	}
	return db, nil
}

// ArgsFunc builds the positional query arguments for one retrieval.
type ArgsFunc func(query string, limit int) []any

// Config configures an SQLSource.
type Config struct {
	// Name identifies the source in stage outcomes. Default "metrics_store".
	Name string

	// Query is a parameterized SELECT. Its column names become metadata keys.
	Query string

	// Args supplies Query's arguments; nil means none.
	Args ArgsFunc

	Logger *slog.Logger
}

// SQLSource implements retrieval.DocumentSource over database/sql.
//
// # Description
//
// Each returned row becomes one document:
//
//   - Content: "column: value" pairs joined by ", ", NULL columns skipped.
//   - Metadata: the non-NULL columns in select order, plus provenance.
//   - Score: 1 - rank/n, so the first row scores 1.
//
// # Thread Safety
//
// Safe for concurrent use; *sql.DB pools connections.
type SQLSource struct {
	db     *sql.DB
	name   string
	query  string
	args   ArgsFunc
	logger *slog.Logger
}

// New creates an SQLSource. The caller owns db.
func New(db *sql.DB, cfg Config) (*SQLSource, error) {
	if db == nil {
		return nil, errors.New("metrics source requires a database")
	}
	if strings.TrimSpace(cfg.Query) == "" {
		return nil, ErrNoQuery
	}
	if cfg.Name == "" {
		cfg.Name = Provenance
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &SQLSource{
		db:     db,
		name:   cfg.Name,
		query:  cfg.Query,
		args:   cfg.Args,
		logger: cfg.Logger.With(slog.String("component", "metricsource"), slog.String("source", cfg.Name)),
	}, nil
}

// Name implements retrieval.DocumentSource.
func (s *SQLSource) Name() string { return s.name }

// Retrieve runs the query and renders up to limit rows. limit <= 0 means
// all rows.
func (s *SQLSource) Retrieve(ctx context.Context, query string, limit int) ([]retrieval.RetrievedDocument, error) {
	ctx, span := tracer.Start(ctx, "metricsource.SQLSource.Retrieve")
	defer span.End()
	span.SetAttributes(attribute.String("metricsource.name", s.name), attribute.Int("metricsource.limit", limit))

	var args []any
	if s.args != nil {
		args = s.args(query, limit)
	}

	start := time.Now()
	rows, err := s.db.QueryContext(ctx, s.query, args...)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		return nil, fmt.Errorf("query metrics store: %w", err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("read metrics columns: %w", err)
	}

	var records []retrieval.Metadata
	for rows.Next() {
		if limit > 0 && len(records) >= limit {
			break
		}
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan metrics row: %w", err)
		}
		var rec retrieval.Metadata
		for i, col := range cols {
			if v := normalize(values[i]); v != nil {
				rec = append(rec, retrieval.MetadataField{Key: col, Value: v})
			}
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "row iteration failed")
		return nil, fmt.Errorf("iterate metrics rows: %w", err)
	}

	docs := make([]retrieval.RetrievedDocument, len(records))
	n := float64(len(records))
	for i, rec := range records {
		docs[i] = retrieval.RetrievedDocument{
			Content:  render(rec),
			Metadata: rec.With("provenance", Provenance),
			Score:    1 - float64(i)/n,
		}
	}

	span.SetAttributes(attribute.Int("metricsource.rows", len(docs)))
	s.logger.Debug("metrics store query complete",
		slog.Int("rows", len(docs)),
		slog.Duration("took", time.Since(start)))
	return docs, nil
}

// normalize converts driver values into JSON-friendly metadata values.
func normalize(v any) any {
	switch x := v.(type) {
	case []byte:
		return string(x)
	case time.Time:
		return x.UTC().Format(time.RFC3339)
	default:
		return x
	}
}

func render(rec retrieval.Metadata) string {
	parts := make([]string, len(rec))
	for i, f := range rec {
		parts[i] = fmt.Sprintf("%s: %v", f.Key, f.Value)
	}
	return strings.Join(parts, ", ")
}
