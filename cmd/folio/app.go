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
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/AleutianFolio/pkg/config"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/api"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/persist"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/query"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/transport"
	"github.com/AleutianAI/AleutianFolio/pkg/ux"
)

// app is one wired client: transport, cache, optional snapshot store and
// the typed API on top.
type app struct {
	cfg         config.Config
	logger      *slog.Logger
	session     *transport.Session
	client      *query.Client
	api         *api.API
	store       *persist.Store
	sessionPath string
	unlisten    func()
}

// newApp wires a client from cfg and restores a saved session.
//
// # Description
//
// A session saved for a different backend is ignored. When the backend
// later rejects the restored token the saved file is removed so the next
// run starts logged out.
//
// # Inputs
//
//   - cfg: Effective configuration.
//   - sessionPath: Where login stores the session.
//   - logger: Shared by every layer.
//
// # Outputs
//
//   - *app: Ready to use. Call close when done.
//   - error: Transport or snapshot store setup failed.
func newApp(cfg config.Config, sessionPath string, logger *slog.Logger) (*app, error) {
	session := transport.NewSession()
	tc, err := transport.New(transport.Config{
		BaseURL:         cfg.Server.BaseURL,
		Timeout:         cfg.Server.Timeout.Std(),
		RateLimit:       cfg.Server.RateLimit,
		RateBurst:       cfg.Server.RateBurst,
		UserAgent:       cfg.Server.UserAgent,
		MaxIdleConns:    cfg.Server.MaxIdleConns,
		IdleConnTimeout: cfg.Server.IdleConnTimeout.Std(),
		Logger:          logger,
	}, session)
	if err != nil {
		return nil, err
	}

	c := cache.New(
		cache.WithPolicy(cache.Policy{
			StaleTime:     cfg.Cache.StaleTime.Std(),
			RetentionTime: cfg.Cache.RetentionTime.Std(),
		}),
		cache.WithSweepInterval(cfg.Cache.SweepInterval.Std()),
		cache.WithLogger(logger),
	)

	opts := []query.Option{
		query.WithLogger(logger),
		query.WithPollDefaults(pollConfig(cfg, false)),
	}

	a := &app{cfg: cfg, logger: logger, session: session, sessionPath: sessionPath}
	if cfg.Persist.Enabled() {
		pc := persist.DefaultConfig(cfg.Persist.Dir)
		if cfg.Persist.InMemory {
			pc = persist.InMemoryConfig()
		}
		pc.TTL = cfg.Persist.TTL.Std()
		pc.Logger = logger
		a.store, err = persist.Open(pc)
		if err != nil {
			c.Close()
			return nil, err
		}
		opts = append(opts, query.WithPersister(a.store))
	}

	a.client = query.New(tc, c, opts...)
	a.api = api.New(a.client)

	saved, ok, err := loadSession(sessionPath)
	if err != nil {
		logger.Warn("ignoring unreadable session file", "path", sessionPath, "error", err)
	}
	if ok && saved.BaseURL == cfg.Server.BaseURL {
		session.Set(saved.Username, saved.Token)
		if saved.Precision > 0 {
			p := ux.GetPersonality()
			p.Precision = saved.Precision
			ux.SetPersonality(p)
		}
	}
	a.unlisten = session.OnUnauthorized(func(ev transport.UnauthorizedEvent) {
		logger.Warn("session expired", "user", ev.Username, "endpoint", ev.Endpoint)
		if err := removeSession(sessionPath); err != nil {
			logger.Warn("failed to remove session file", "error", err)
		}
		if err := a.forgetSnapshots(); err != nil {
			logger.Warn("failed to clear snapshots", "error", err)
		}
	})
	return a, nil
}

// forgetSnapshots drops every persisted payload. Snapshots belong to the
// user that was logged in when they were saved.
func (a *app) forgetSnapshots() error {
	if a.store == nil {
		return nil
	}
	return a.store.Clear()
}

// close releases the cache and the snapshot store.
func (a *app) close() error {
	a.unlisten()
	a.client.Cache().Close()
	if a.store != nil {
		return a.store.Close()
	}
	return nil
}

// pollConfig derives adaptive polling from cfg.
func pollConfig(cfg config.Config, startInactive bool) query.PollConfig {
	return query.PollConfig{
		Interval:           cfg.Polling.ActiveInterval.Std(),
		InactiveMultiplier: cfg.Polling.InactiveMultiplier,
		StartInactive:      startInactive,
	}
}

// =============================================================================
// Saved session
// =============================================================================

// savedSession is the content of session.yaml.
type savedSession struct {
	BaseURL   string    `yaml:"base_url"`
	Username  string    `yaml:"username"`
	Token     string    `yaml:"token,omitempty"`
	Precision int       `yaml:"precision,omitempty"`
	SavedAt   time.Time `yaml:"saved_at"`
}

// sessionPathFor keeps the session next to the config file.
func sessionPathFor(cfgPath string) string {
	return filepath.Join(filepath.Dir(cfgPath), "session.yaml")
}

func loadSession(path string) (savedSession, bool, error) {
	var s savedSession
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, false, nil
	}
	if err != nil {
		return s, false, err
	}
	if err := yaml.Unmarshal(data, &s); err != nil {
		return s, false, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	return s, s.Username != "", nil
}

// saveSession writes s readable by the owner only.
func saveSession(path string, s savedSession) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("failed to create the session directory: %w", err)
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

func removeSession(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
