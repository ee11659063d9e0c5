// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.


package main

import (
	"errors"

	"github.com/AleutianAI/AleutianGrounding/services/grounding"
	"github.com/spf13/cobra"
)

func runCapabilities(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	cfg.MetricsStore.Driver = ""
	logger := newLogger(cfg.Logging, true)
	defer logger.Close()

	svc, err := grounding.New(commandContext(cmd), cfg, logger.Slog())
	if err != nil {
		return err
	}
	defer svc.Close()

	executor := svc.Executor()
	if executor == nil {
		return errors.New("weaviate.url is not configured")
	}
	n := executor.Negotiator()
	profile := n.Renegotiate(commandContext(cmd))
	return writeJSON(cmd.OutOrStdout(), map[string]any{
		"profile":      profile,
		"negotiations": n.Runs(),
	})
}
