// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package metricsource

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(context.Background(), DriverSQLite, filepath.Join(t.TempDir(), "metrics.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.Exec(`CREATE TABLE breed_metrics (
		id TEXT PRIMARY KEY,
		breed TEXT NOT NULL,
		age_days INTEGER NOT NULL,
		weight_kg REAL NOT NULL,
		notes TEXT
	)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO breed_metrics VALUES
		('r35', 'Ross 308', 35, 2.1, NULL),
		('r42', 'Ross 308', 42, 2.4, 'target'),
		('r49', 'Ross 308', 49, 3.1, NULL),
		('c42', 'Cobb 500', 42, 2.5, NULL)`)
	require.NoError(t, err)
	return db
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func breedSource(t *testing.T, db *sql.DB) *SQLSource {
	t.Helper()
	src, err := New(db, Config{
		Query: `SELECT id, breed, age_days, weight_kg, notes FROM breed_metrics
			WHERE breed LIKE ? ORDER BY age_days LIMIT ?`,
		Args: func(query string, limit int) []any {
			return []any{"%" + query + "%", limit}
		},
		Logger: quietLogger(),
	})
	require.NoError(t, err)
	return src
}

func TestSQLSource_Retrieve(t *testing.T) {
	src := breedSource(t, openTestStore(t))
	assert.Equal(t, Provenance, src.Name())

	docs, err := src.Retrieve(context.Background(), "Ross", 10)
	require.NoError(t, err)
	require.Len(t, docs, 3)

	assert.Equal(t, "id: r35, breed: Ross 308, age_days: 35, weight_kg: 2.1", docs[0].Content)
	assert.Equal(t, []string{"id", "breed", "age_days", "weight_kg", "provenance"}, docs[0].Metadata.Keys())
	prov, ok := docs[0].Metadata.GetString("provenance")
	require.True(t, ok)
	assert.Equal(t, Provenance, prov)
	assert.Equal(t, "r35", docs[0].ID())

	notes, ok := docs[1].Metadata.GetString("notes")
	require.True(t, ok)
	assert.Equal(t, "target", notes)

	assert.InDelta(t, 1.0, docs[0].Score, 1e-9)
	assert.InDelta(t, 2.0/3, docs[1].Score, 1e-9)
	assert.InDelta(t, 1.0/3, docs[2].Score, 1e-9)
}

func TestSQLSource_LimitWithoutSQLLimit(t *testing.T) {
	src, err := New(openTestStore(t), Config{
		Name:   "all_breeds",
		Query:  `SELECT id, breed FROM breed_metrics ORDER BY id`,
		Logger: quietLogger(),
	})
	require.NoError(t, err)

	docs, err := src.Retrieve(context.Background(), "ignored", 2)
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "c42", docs[0].ID())
	assert.InDelta(t, 0.5, docs[1].Score, 1e-9)
	assert.Equal(t, "all_breeds", src.Name())
}

func TestSQLSource_NoRows(t *testing.T) {
	docs, err := breedSource(t, openTestStore(t)).Retrieve(context.Background(), "Hubbard", 5)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func TestSQLSource_QueryError(t *testing.T) {
	src, err := New(openTestStore(t), Config{Query: "SELECT * FROM missing_table", Logger: quietLogger()})
	require.NoError(t, err)
	_, err = src.Retrieve(context.Background(), "q", 5)
	assert.Error(t, err)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{Query: "SELECT 1"})
	assert.Error(t, err)

	_, err = New(openTestStore(t), Config{Query: "  "})
	assert.ErrorIs(t, err, ErrNoQuery)
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	_, err := Open(context.Background(), "oracle", "dsn")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}
