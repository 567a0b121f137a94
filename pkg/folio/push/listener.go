// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package push keeps cached data fresh from the backend's websocket feed.
//
// A Listener subscribes to push channels and turns every event into a tag
// invalidation, so watchers of affected queries refetch without polling:
//
//	backend ──ws──► Listener ──Invalidate(tags)──► query.Client ──► refetch
//
// The connection is re-established with capped exponential backoff until
// the context passed to Run ends. Events sent while the connection was down
// are lost, so every routed tag is invalidated once after each reconnect.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/api"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
)

// Channels served by the backend.
const (
	ChannelPortfolio = "portfolio_updates"
	ChannelPrices    = "price_updates"
)

// Frame types.
const (
	frameSubscribe          = "subscribe"
	EventSubscriptionStatus = "subscription_status"
	EventPortfolioUpdate    = "portfolio_update"
	EventPriceUpdate        = "price_update"
	EventError              = "error"
)

// Invalidator drops cached entries by tag. *query.Client satisfies it.
type Invalidator interface {
	Invalidate(tags ...cache.Tag) int
}

// TokenSource supplies the bearer token for the handshake.
// *transport.Session satisfies it.
type TokenSource interface {
	Token() string
}

// Event is one push frame after it has been routed.
type Event struct {
	Type    string
	Channel string
	Data    json.RawMessage

	// Invalidated counts cache entries dropped for this event.
	Invalidated int
}

// Config configures a Listener.
type Config struct {
	// URL of the websocket endpoint, e.g. ws://127.0.0.1:4242/ws.
	URL string

	// Channels to subscribe to. Default: portfolio and price updates.
	Channels []string

	// ReconnectMin and ReconnectMax bound the backoff between attempts.
	// Defaults 500ms and 30s.
	ReconnectMin time.Duration
	ReconnectMax time.Duration

	Session TokenSource
	Dialer  *websocket.Dialer
	Logger  *slog.Logger

	// Routes maps event types to the tags they invalidate.
	// Default: DefaultRoutes().
	Routes map[string][]cache.Tag

	// OnEvent is called after each routed event. Optional.
	OnEvent func(Event)
}

// DefaultRoutes maps portfolio updates to balances and statistics, and
// price updates to prices.
func DefaultRoutes() map[string][]cache.Tag {
	return map[string][]cache.Tag{
		EventPortfolioUpdate: {cache.T(api.TagBalance), cache.T(api.TagStatistics)},
		EventPriceUpdate:     {cache.T(api.TagPrice)},
	}
}

// URLFromBase derives the websocket URL from the REST base URL: the
// scheme becomes ws or wss and the path becomes /ws.
//
// # Examples
//
//	URLFromBase("http://127.0.0.1:4242/api/1/")  // ws://127.0.0.1:4242/ws
//	URLFromBase("https://folio.example.com/api") // wss://folio.example.com/ws
func URLFromBase(base string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q in %s", u.Scheme, base)
	}
	u.Path = "/ws"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

var pushEventsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "folio",
		Subsystem: "push",
		Name:      "events_total",
		Help:      "Push events received by type",
	},
	[]string{"type"},
)

// Listener maintains the websocket subscription.
//
// # Thread Safety
//
// Run must be called once. Counters are safe to read concurrently.
type Listener struct {
	cfg    Config
	target Invalidator
	logger *slog.Logger

	events     atomic.Int64
	reconnects atomic.Int64
	resyncs    atomic.Int64
	connected  atomic.Bool
}

// NewListener validates cfg and applies defaults.
func NewListener(cfg Config, target Invalidator) (*Listener, error) {
	if cfg.URL == "" {
		return nil, errors.New("push: URL is required")
	}
	if target == nil {
		return nil, errors.New("push: invalidator is required")
	}
	if len(cfg.Channels) == 0 {
		cfg.Channels = []string{ChannelPortfolio, ChannelPrices}
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = 500 * time.Millisecond
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = 30 * time.Second
		if cfg.ReconnectMax < cfg.ReconnectMin {
			cfg.ReconnectMax = cfg.ReconnectMin
		}
	}
	if cfg.Dialer == nil {
		cfg.Dialer = &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	}
	if cfg.Routes == nil {
		cfg.Routes = DefaultRoutes()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Listener{cfg: cfg, target: target, logger: logger}, nil
}

// Events returns how many push events have been routed.
func (l *Listener) Events() int64 { return l.events.Load() }

// Reconnects returns how many times the connection was re-established.
func (l *Listener) Reconnects() int64 { return l.reconnects.Load() }

// Resyncs returns how many reconnects invalidated the routed tags.
func (l *Listener) Resyncs() int64 { return l.resyncs.Load() }

// Connected reports whether a subscription is currently live.
func (l *Listener) Connected() bool { return l.connected.Load() }

// Run connects and serves until ctx ends. It returns ctx.Err().
func (l *Listener) Run(ctx context.Context) error {
	backoff := l.cfg.ReconnectMin
	attempt := 0
	connectedBefore := false
	for {
		if attempt > 0 {
			l.reconnects.Add(1)
		}
		attempt++

		established, err := l.serve(ctx, connectedBefore)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if established {
			backoff = l.cfg.ReconnectMin
			connectedBefore = true
		}
		l.logger.Warn("push connection lost", "url", l.cfg.URL, "error", err, "retry_in", backoff)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < l.cfg.ReconnectMax {
			backoff *= 2
			if backoff > l.cfg.ReconnectMax {
				backoff = l.cfg.ReconnectMax
			}
		}
	}
}

// serve runs one connection. established reports whether the handshake
// and subscriptions succeeded. resync invalidates every routed tag once the
// subscriptions are sent.
func (l *Listener) serve(ctx context.Context, resync bool) (established bool, err error) {
	header := http.Header{}
	if l.cfg.Session != nil {
		if tok := l.cfg.Session.Token(); tok != "" {
			header.Set("Authorization", "Bearer "+tok)
		}
	}
	conn, resp, err := l.cfg.Dialer.DialContext(ctx, l.cfg.URL, header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", l.cfg.URL, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	for _, ch := range l.cfg.Channels {
		if err := conn.WriteJSON(map[string]string{"type": frameSubscribe, "channel": ch}); err != nil {
			return false, fmt.Errorf("subscribe %s: %w", ch, err)
		}
	}

	l.connected.Store(true)
	defer l.connected.Store(false)
	l.logger.Info("push connected", "url", l.cfg.URL, "channels", strings.Join(l.cfg.Channels, ","))
	if resync {
		tags := l.routedTags()
		n := l.target.Invalidate(tags...)
		l.resyncs.Add(1)
		l.logger.Info("push resync", "tags", len(tags), "invalidated", n)
	}

	for {
		var f struct {
			Type    string          `json:"type"`
			Channel string          `json:"channel"`
			Status  string          `json:"status"`
			Data    json.RawMessage `json:"data"`
			Message string          `json:"message"`
		}
		if err := conn.ReadJSON(&f); err != nil {
			return true, fmt.Errorf("read: %w", err)
		}
		l.dispatch(f.Type, f.Channel, f.Status, f.Message, f.Data)
	}
}

// routedTags is the union of all route targets, in event type order.
func (l *Listener) routedTags() []cache.Tag {
	types := make([]string, 0, len(l.cfg.Routes))
	for typ := range l.cfg.Routes {
		types = append(types, typ)
	}
	sort.Strings(types)
	seen := make(map[cache.Tag]bool)
	var tags []cache.Tag
	for _, typ := range types {
		for _, tag := range l.cfg.Routes[typ] {
			if !seen[tag] {
				seen[tag] = true
				tags = append(tags, tag)
			}
		}
	}
	return tags
}

func (l *Listener) dispatch(typ, channel, status, message string, data json.RawMessage) {
	switch typ {
	case EventSubscriptionStatus:
		l.logger.Debug("push subscription", "channel", channel, "status", status)
		return
	case EventError:
		l.logger.Warn("push error frame", "message", message)
		return
	}

	tags, routed := l.cfg.Routes[typ]
	if !routed {
		l.logger.Debug("unrouted push event", "type", typ)
		return
	}
	n := l.target.Invalidate(tags...)
	l.events.Add(1)
	pushEventsTotal.WithLabelValues(typ).Inc()
	l.logger.Debug("push event", "type", typ, "channel", channel, "invalidated", n)

	if l.cfg.OnEvent != nil {
		l.cfg.OnEvent(Event{Type: typ, Channel: channel, Data: data, Invalidated: n})
	}
}
