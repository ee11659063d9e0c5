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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/AleutianGrounding/services/grounding"
	"github.com/AleutianAI/AleutianGrounding/services/guardrails"
	"github.com/spf13/cobra"
)

func runVerify(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	// stdout carries the result
	logger := newLogger(cfg.Logging, true)
	defer logger.Close()

	req, err := readVerifyRequest(cmd.InOrStdin(), inputPath)
	if err != nil {
		return err
	}
	level := string(req.Level)
	if levelFlag != "" {
		level = levelFlag
	}
	if level != "" {
		if req.Level, err = guardrails.ParseVerificationLevel(level); err != nil {
			return err
		}
	}
	if noCache {
		req.BypassCache = true
	}

	verifier, err := grounding.NewVerifier(cfg, logger.Slog())
	if err != nil {
		return err
	}
	result := verifier.VerifyResponse(commandContext(cmd), req)
	return writeJSON(cmd.OutOrStdout(), result)
}

func readVerifyRequest(stdin io.Reader, path string) (guardrails.VerifyRequest, error) {
	var req guardrails.VerifyRequest
	r := stdin
	if path != "-" && path != "" {
		f, err := os.Open(path)
		if err != nil {
			return req, fmt.Errorf("open request: %w", err)
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return req, fmt.Errorf("decode request: %w", err)
	}
	if req.Response == "" {
		return req, errors.New("request has no response to verify")
	}
	return req, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
