// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(42), "UNKNOWN"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.level.String())
	}
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, LevelWarn, ParseLevel("warning"))
	assert.Equal(t, LevelError, ParseLevel(" error "))
	assert.Equal(t, LevelInfo, ParseLevel("verbose"))
}

func TestNew_JSONOutputCarriesService(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Service: "grounding", Format: FormatJSON, Output: &buf})

	logger.Info("search complete", "mode", "hybrid")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "grounding", entry["service"])
	assert.Equal(t, "hybrid", entry["mode"])
	assert.Equal(t, "search complete", entry["msg"])
}

func TestNew_AutoFormatUsesJSONForNonTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})
	logger.Info("hello")
	assert.True(t, strings.HasPrefix(buf.String(), "{"), "non-terminal writer should get JSON")
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelWarn, Format: FormatText, Output: &buf})

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")

	out := buf.String()
	assert.NotContains(t, out, "msg=debug")
	assert.NotContains(t, out, "msg=info")
	assert.Contains(t, out, "msg=warn")
}

func TestLogger_QuietWithLogDir(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{Level: LevelInfo, LogDir: dir, Service: "svc", Quiet: true})
	logger.Info("to file")
	require.NoError(t, logger.Close())

	name := "svc_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, name))
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestLogger_WithSharesExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, Exporter: exporter})

	child := logger.With("component", "guardrails")
	child.Warn("fail open", "check", "relevance")

	require.Eventually(t, func() bool { return len(exporter.Entries()) == 1 }, time.Second, 5*time.Millisecond)
	entry := exporter.Entries()[0]
	assert.Equal(t, LevelWarn, entry.Level)
	assert.Equal(t, "relevance", entry.Attrs["check"])
}

func TestLogger_CloseClosesExporter(t *testing.T) {
	exporter := NewBufferedExporter()
	logger := New(Config{Level: LevelInfo, Quiet: true, Exporter: exporter})
	require.NoError(t, logger.Close())
	assert.Error(t, exporter.Export(t.Context(), LogEntry{}))
}

func TestArgsToMap(t *testing.T) {
	m := argsToMap([]any{"a", 1, 2, "b", "dangling"})
	assert.Equal(t, 1, m["a"])
	assert.Equal(t, "b", m["2"])
	assert.Len(t, m, 2)
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "logs"), expandPath("~/logs"))
	assert.Equal(t, "/var/log", expandPath("/var/log"))
}
