// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/api"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
)

type recorder struct {
	mu   sync.Mutex
	tags []cache.Tag
}

func (r *recorder) Invalidate(tags ...cache.Tag) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tags = append(r.tags, tags...)
	return len(tags)
}

func (r *recorder) snapshot() []cache.Tag {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]cache.Tag(nil), r.tags...)
}

type staticToken string

func (s staticToken) Token() string { return string(s) }

// feed is a websocket server that acknowledges subscriptions and then
// runs script for each connection.
type feed struct {
	srv      *httptest.Server
	conns    atomic.Int32
	subs     chan string
	authSeen chan string
}

func newFeed(t *testing.T, script func(n int32, conn *websocket.Conn)) *feed {
	t.Helper()
	f := &feed{subs: make(chan string, 16), authSeen: make(chan string, 4)}
	up := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case f.authSeen <- r.Header.Get("Authorization"):
		default:
		}
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := f.conns.Add(1)
		script(n, conn)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feed) url(t *testing.T) string {
	t.Helper()
	u, err := URLFromBase(f.srv.URL + "/api/1/")
	require.NoError(t, err)
	return u
}

func readSubscribe(conn *websocket.Conn, subs chan<- string) error {
	var in map[string]string
	if err := conn.ReadJSON(&in); err != nil {
		return err
	}
	if subs != nil {
		subs <- in["channel"]
	}
	return conn.WriteJSON(map[string]string{
		"type": EventSubscriptionStatus, "channel": in["channel"], "status": "subscribed",
	})
}

func TestURLFromBase(t *testing.T) {
	tests := []struct {
		base    string
		want    string
		wantErr bool
	}{
		{base: "http://127.0.0.1:4242/api/1/", want: "ws://127.0.0.1:4242/ws"},
		{base: "https://folio.example.com/api?x=1", want: "wss://folio.example.com/ws"},
		{base: "ftp://nope", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			got, err := URLFromBase(tt.base)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNewListenerValidation(t *testing.T) {
	_, err := NewListener(Config{}, &recorder{})
	assert.Error(t, err)
	_, err = NewListener(Config{URL: "ws://x/ws"}, nil)
	assert.Error(t, err)

	l, err := NewListener(Config{URL: "ws://x/ws", ReconnectMin: time.Minute}, &recorder{})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, l.cfg.ReconnectMax)
	assert.Equal(t, []string{ChannelPortfolio, ChannelPrices}, l.cfg.Channels)
}

func TestListenerRoutesEvents(t *testing.T) {
	f := newFeed(t, func(_ int32, conn *websocket.Conn) {
		for i := 0; i < 2; i++ {
			if readSubscribe(conn, nil) != nil {
				return
			}
		}
		_ = conn.WriteJSON(map[string]any{"type": EventPortfolioUpdate, "channel": ChannelPortfolio, "data": map[string]string{"total_value_usd": "1"}})
		_ = conn.WriteJSON(map[string]any{"type": "unknown_event"})
		_ = conn.WriteJSON(map[string]any{"type": EventPriceUpdate, "channel": ChannelPrices})
		var sink map[string]any
		_ = conn.ReadJSON(&sink)
	})

	rec := &recorder{}
	events := make(chan Event, 4)
	l, err := NewListener(Config{
		URL:     f.url(t),
		Session: staticToken("tok-1"),
		OnEvent: func(e Event) { events <- e },
	}, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	assert.Equal(t, "Bearer tok-1", <-f.authSeen)

	first := <-events
	assert.Equal(t, EventPortfolioUpdate, first.Type)
	assert.Equal(t, 2, first.Invalidated)
	assert.JSONEq(t, `{"total_value_usd":"1"}`, string(first.Data))
	second := <-events
	assert.Equal(t, EventPriceUpdate, second.Type)

	assert.Equal(t, []cache.Tag{
		cache.T(api.TagBalance), cache.T(api.TagStatistics), cache.T(api.TagPrice),
	}, rec.snapshot())
	assert.Equal(t, int64(2), l.Events())
	assert.True(t, l.Connected())

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.False(t, l.Connected())
}

func TestListenerReconnects(t *testing.T) {
	var f *feed
	f = newFeed(t, func(n int32, conn *websocket.Conn) {
		if readSubscribe(conn, f.subs) != nil {
			return
		}
		if n == 1 {
			// Drop the first connection right after subscribing.
			return
		}
		_ = conn.WriteJSON(map[string]any{"type": EventPortfolioUpdate})
		var sink map[string]any
		_ = conn.ReadJSON(&sink)
	})

	rec := &recorder{}
	events := make(chan Event, 1)
	l, err := NewListener(Config{
		URL:          f.url(t),
		Channels:     []string{ChannelPortfolio},
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
		OnEvent:      func(e Event) { events <- e },
	}, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	select {
	case e := <-events:
		assert.Equal(t, EventPortfolioUpdate, e.Type)
	case <-time.After(5 * time.Second):
		t.Fatal("no event after reconnect")
	}
	assert.Equal(t, int32(2), f.conns.Load())
	assert.Equal(t, int64(1), l.Reconnects())
	assert.Equal(t, ChannelPortfolio, <-f.subs)
	assert.Equal(t, ChannelPortfolio, <-f.subs)
}

func TestListenerResyncsAfterReconnect(t *testing.T) {
	var f *feed
	f = newFeed(t, func(n int32, conn *websocket.Conn) {
		if readSubscribe(conn, f.subs) != nil {
			return
		}
		if n == 1 {
			return
		}
		var sink map[string]any
		_ = conn.ReadJSON(&sink)
	})

	rec := &recorder{}
	l, err := NewListener(Config{
		URL:          f.url(t),
		Channels:     []string{ChannelPortfolio},
		ReconnectMin: 10 * time.Millisecond,
		ReconnectMax: 20 * time.Millisecond,
	}, rec)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.Resyncs() == 1 }, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, []cache.Tag{
		cache.T(api.TagBalance), cache.T(api.TagStatistics), cache.T(api.TagPrice),
	}, rec.snapshot(), "one invalidation of every routed tag, none on first connect")
	assert.Equal(t, int32(2), f.conns.Load())
	assert.Zero(t, l.Events())
}

func TestListenerBacksOffWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	u, err := URLFromBase(srv.URL)
	require.NoError(t, err)
	srv.Close()

	l, err := NewListener(Config{URL: u, ReconnectMin: 5 * time.Millisecond, ReconnectMax: 10 * time.Millisecond}, &recorder{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = l.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Greater(t, l.Reconnects(), int64(2))
	assert.Zero(t, l.Events())
}
