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
	"github.com/AleutianAI/AleutianGrounding/pkg/logging"
	"github.com/AleutianAI/AleutianGrounding/services/grounding/config"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	watchCfg   bool
	inputPath  string
	levelFlag  string
	noCache    bool

	rootCmd = &cobra.Command{
		Use:   "grounding",
		Short: "Hybrid retrieval and response verification for the Aleutian stack",
		Long: `grounding retrieves documents from Weaviate with a capability-aware
hybrid search and checks generated answers against them for evidence,
hallucination and relevance.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE:  runServe,
	}

	verifyCmd = &cobra.Command{
		Use:   "verify",
		Short: "Verify a response against documents and print the result as JSON",
		Long: `verify reads a JSON request with query, response, documents and an
optional verification_level, runs the guardrails pipeline locally and
prints the result. Use --file - to read from stdin.`,
		RunE: runVerify,
	}

	capabilitiesCmd = &cobra.Command{
		Use:   "capabilities",
		Short: "Negotiate and print the vector backend capability profile",
		RunE:  runCapabilities,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML config (defaults apply when empty)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	serveCmd.Flags().BoolVar(&watchCfg, "watch", true, "reload hot settings when the config file changes")

	verifyCmd.Flags().StringVarP(&inputPath, "file", "f", "-", "request JSON file, or - for stdin")
	verifyCmd.Flags().StringVarP(&levelFlag, "level", "l", "", "verification level (minimal, standard, strict, critical)")
	verifyCmd.Flags().BoolVar(&noCache, "no-cache", false, "skip the verification cache")

	rootCmd.AddCommand(serveCmd, verifyCmd, capabilitiesCmd)
}

// loadConfig reads --config, or the defaults when it is empty.
func loadConfig() (*config.Config, error) {
	if configPath == "" {
		cfg := config.DefaultConfig()
		return cfg, cfg.Validate()
	}
	return config.Load(configPath)
}

func newLogger(cfg config.LoggingConfig, quiet bool) *logging.Logger {
	level := cfg.Level
	if logLevel != "" {
		level = logLevel
	}
	return logging.New(logging.Config{
		Level:   logging.ParseLevel(level),
		LogDir:  cfg.Dir,
		Service: "grounding",
		Format:  logging.Format(cfg.Format),
		Quiet:   quiet,
	})
}
