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
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFolio/pkg/config"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/query"
	"github.com/AleutianAI/AleutianFolio/pkg/logging"
	"github.com/AleutianAI/AleutianFolio/pkg/telemetry"
	"github.com/AleutianAI/AleutianFolio/pkg/ux"
)

// runtimeState is what PersistentPreRunE prepares for every command.
type runtimeState struct {
	cfg      config.Config
	cfgPath  string
	logger   *logging.Logger
	shutdown func(context.Context) error
	app      *app
}

var rt *runtimeState

// =============================================================================
// Lifecycle
// =============================================================================

// setupRuntime loads configuration and starts logging and telemetry.
//
// # Description
//
// Flag values win over environment variables, which win over the config
// file. Output falls back to machine mode when --json is set or stdout is
// not a terminal.
func setupRuntime(cmd *cobra.Command, _ []string) error {
	switch {
	case jsonOutput:
		ux.SetPersonalityLevel(ux.PersonalityMachine)
	case personalityLevel != "":
		ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
	default:
		ux.InitPersonality()
	}

	path := configPath
	if path == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return err
		}
		path = p
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if baseURLOverride != "" {
		cfg.Server.BaseURL = baseURLOverride
	}
	if logLevelOverride != "" {
		cfg.Logging.Level = logLevelOverride
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return err
	}
	logger := logging.New(logging.Config{
		Level:   level,
		LogDir:  cfg.Logging.Dir,
		Service: "folio",
		JSON:    cfg.Logging.JSON,
		Output:  cmd.ErrOrStderr(),
	})

	shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		TraceExporter:  cfg.Telemetry.TraceExporter,
		MetricExporter: cfg.Telemetry.MetricExporter,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
		OTLPInsecure:   true,
	})
	if err != nil {
		_ = logger.Close()
		return fmt.Errorf("failed to start telemetry: %w", err)
	}

	rt = &runtimeState{cfg: cfg, cfgPath: path, logger: logger, shutdown: shutdown}
	logger.Debug("configuration loaded", "path", path, "base_url", cfg.Server.BaseURL)
	return nil
}

func teardownRuntime() error {
	if rt == nil {
		return nil
	}
	var errs []error
	if rt.app != nil {
		errs = append(errs, rt.app.close())
	}
	if rt.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		errs = append(errs, rt.shutdown(ctx))
		cancel()
	}
	errs = append(errs, rt.logger.Close())
	rt = nil
	return errors.Join(errs...)
}

// openApp builds the API client on first use.
func openApp() (*app, error) {
	if rt == nil {
		return nil, errors.New("runtime not initialised")
	}
	if rt.app != nil {
		return rt.app, nil
	}
	a, err := newApp(rt.cfg, sessionPathFor(rt.cfgPath), rt.logger.Slog())
	if err != nil {
		return nil, err
	}
	rt.app = a
	return a, nil
}

// =============================================================================
// Output
// =============================================================================

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(ux.Stdout(), string(data))
	return err
}

// fresh unwraps a FetchFresh result. A fallback to saved data is
// announced as a warning and the saved data printed.
func fresh[T any](st query.State[T], err error) (T, error) {
	if err != nil {
		var zero T
		return zero, err
	}
	if st.Err != nil {
		ux.Warning(fmt.Sprintf("backend unreachable, showing data from %s",
			st.UpdatedAt.Local().Format("2006-01-02 15:04")))
	}
	return st.Data, nil
}

// reportError prints err, listing validation violations one per line.
func reportError(err error) {
	qe, ok := query.AsError(err)
	if !ok {
		ux.Error(err.Error())
		return
	}
	switch {
	case len(qe.Violations) > 0:
		details := make([]string, len(qe.Violations))
		for i, v := range qe.Violations {
			details[i] = v.String()
		}
		ux.ErrorBox(fmt.Sprintf("%s %s: %s", qe.Op, qe.Endpoint, qe.Kind), details)
	case qe.Unauthorized():
		ux.Error("the session has expired, run `folio login` again")
	default:
		ux.Error(qe.Message)
	}
}
