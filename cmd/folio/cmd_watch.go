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
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFolio/pkg/config"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/api"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/push"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/query"
	"github.com/AleutianAI/AleutianFolio/pkg/telemetry"
	"github.com/AleutianAI/AleutianFolio/pkg/ux"
)

func runBalances(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	if !watchBalances {
		b, err := fresh(a.api.Balances.FetchFresh(cmd.Context(), api.None{}))
		if err != nil {
			return err
		}
		return printBalances(b)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if watchFor > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, watchFor)
		defer cancel()
	}
	return watchBalanceSheet(ctx, a, rt.cfgPath)
}

// watchBalanceSheet keeps the balances on screen until ctx ends.
//
// # Description
//
// The balance query is polled on the configured interval. When push is
// enabled, backend events invalidate the cache so the watcher redraws
// without waiting for the next poll. Edits to the config file that change
// the polling interval take effect immediately. When metrics_addr is set
// the process serves /metrics while watching.
//
// # Inputs
//
//   - ctx: Ends the watch.
//   - a: Wired client.
//   - cfgPath: Config file to watch for polling changes.
//
// # Outputs
//
//   - error: Nil when ctx ended; otherwise the first failing component.
func watchBalanceSheet(ctx context.Context, a *app, cfgPath string) error {
	w := &balanceWatcher{a: a, logger: a.logger}
	if err := w.start(pollConfig(a.cfg, watchIdle)); err != nil {
		return err
	}
	defer w.stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})

	if a.cfg.Push.Enabled {
		listener, err := newPushListener(a)
		if err != nil {
			return err
		}
		g.Go(func() error { return quietCancel(listener.Run(gctx)) })
	}

	if addr := a.cfg.Telemetry.MetricsAddr; addr != "" {
		g.Go(func() error { return serveMetrics(gctx, addr) })
	}

	cw, err := config.NewWatcher(cfgPath, w.reload, a.logger)
	if err != nil {
		return err
	}
	defer cw.Stop()
	if err := cw.Start(gctx); err != nil {
		// The config directory may not exist when running on defaults.
		a.logger.Debug("config file not watched", "path", cfgPath, "error", err)
	}

	return g.Wait()
}

// newPushListener builds a listener that invalidates a's cache and
// persisted snapshots.
func newPushListener(a *app) (*push.Listener, error) {
	url := a.cfg.Push.URL
	if url == "" {
		var err error
		url, err = push.URLFromBase(a.cfg.Server.BaseURL)
		if err != nil {
			return nil, err
		}
	}
	return push.NewListener(push.Config{
		URL:          url,
		Channels:     []string{push.ChannelPortfolio, push.ChannelPrices},
		ReconnectMin: a.cfg.Push.ReconnectMin.Std(),
		ReconnectMax: a.cfg.Push.ReconnectMax.Std(),
		Session:      a.session,
		Logger:       a.logger,
	}, a.client)
}

func serveMetrics(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.MetricsHandler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func quietCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

// =============================================================================
// balanceWatcher
// =============================================================================

// balanceWatcher owns the balance poller and redraws on every new payload.
type balanceWatcher struct {
	a      *app
	logger *slog.Logger

	pollMu sync.Mutex
	poller *query.Poller
	cfg    query.PollConfig
	closed bool

	drawMu   sync.Mutex
	lastDraw time.Time
}

func (w *balanceWatcher) start(cfg query.PollConfig) error {
	poller, err := w.a.api.Balances.Poll(api.None{}, cfg, w.render)
	if err != nil {
		return err
	}
	w.pollMu.Lock()
	defer w.pollMu.Unlock()
	if w.closed {
		poller.Stop()
		return nil
	}
	w.poller, w.cfg = poller, cfg
	return nil
}

func (w *balanceWatcher) stop() {
	w.pollMu.Lock()
	defer w.pollMu.Unlock()
	w.closed = true
	if w.poller != nil {
		w.poller.Stop()
		w.poller = nil
	}
}

// reload swaps the poller when the polling settings changed. The
// current activity state carries over.
func (w *balanceWatcher) reload(c config.Config) {
	w.pollMu.Lock()
	if w.poller == nil {
		w.pollMu.Unlock()
		return
	}
	next := pollConfig(c, !w.poller.Active())
	if next.Interval == w.cfg.Interval && next.InactiveMultiplier == w.cfg.InactiveMultiplier {
		w.pollMu.Unlock()
		return
	}
	w.poller.Stop()
	w.poller = nil
	w.pollMu.Unlock()

	if err := w.start(next); err != nil {
		w.logger.Warn("failed to restart polling", "error", err)
		return
	}
	w.logger.Info("polling interval changed", "interval", next.Interval, "inactive_multiplier", next.InactiveMultiplier)
}

func (w *balanceWatcher) render(s query.State[api.Balances]) {
	w.drawMu.Lock()
	defer w.drawMu.Unlock()

	if s.Err != nil {
		ux.Warning(fmt.Sprintf("refresh failed: %v", s.Err))
		return
	}
	if !s.HasData || s.UpdatedAt.Equal(w.lastDraw) {
		return
	}
	w.lastDraw = s.UpdatedAt

	if ux.IsInteractive() {
		fmt.Fprint(ux.Stdout(), "\033[H\033[2J")
	}
	ux.Title("Balances")
	if err := printBalances(s.Data); err != nil {
		w.logger.Warn("failed to print balances", "error", err)
	}
	ux.Muted("updated " + s.UpdatedAt.Local().Format(time.TimeOnly))
}
