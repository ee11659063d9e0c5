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
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/AleutianAI/AleutianGrounding/services/grounding"
	"github.com/AleutianAI/AleutianGrounding/services/grounding/config"
	"github.com/spf13/cobra"
)

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Logging, false)
	defer logger.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := grounding.New(ctx, cfg, logger.Slog())
	if err != nil {
		return fmt.Errorf("start grounding service: %w", err)
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	if watchCfg && configPath != "" {
		w, err := config.Watch(ctx, configPath, svc.ApplyConfig, logger.Slog())
		if err != nil {
			// serving without reload is still useful
			logger.Warn("config watch disabled", slog.String("error", err.Error()))
		} else {
			defer w.Stop()
		}
	}

	return svc.Run(ctx)
}

// commandContext returns cmd's context, or Background when cobra was
// executed without one.
func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
