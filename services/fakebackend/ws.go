// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fakebackend

import (
	"log/slog"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Push channels and frame types.
const (
	ChannelPortfolio = "portfolio_updates"
	ChannelPrices    = "price_updates"

	FrameSubscribe          = "subscribe"
	FrameUnsubscribe        = "unsubscribe"
	EventSubscriptionStatus = "subscription_status"
	EventPortfolioUpdate    = "portfolio_update"
	EventPriceUpdate        = "price_update"
	EventError              = "error"
)

// Frame is one websocket message in either direction.
type Frame struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
	Status  string `json:"status,omitempty"`
	Data    any    `json:"data,omitempty"`
	Message string `json:"message,omitempty"`
}

// wsConn serializes writes to one websocket connection. gorilla allows
// only one concurrent writer.
type wsConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsConn) send(f Frame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(f)
}

// hub tracks websocket subscribers per channel.
type hub struct {
	logger *slog.Logger
	mu     sync.Mutex
	subs   map[string]map[*wsConn]struct{}
	conns  map[*wsConn]struct{}
}

func newHub(logger *slog.Logger) *hub {
	return &hub{
		logger: logger,
		subs:   map[string]map[*wsConn]struct{}{},
		conns:  map[*wsConn]struct{}{},
	}
}

func (h *hub) add(c *wsConn) {
	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()
}

func (h *hub) subscribe(c *wsConn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[channel] == nil {
		h.subs[channel] = map[*wsConn]struct{}{}
	}
	h.subs[channel][c] = struct{}{}
}

func (h *hub) unsubscribe(c *wsConn, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs[channel], c)
}

func (h *hub) remove(c *wsConn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, c)
	for _, set := range h.subs {
		delete(set, c)
	}
}

func (h *hub) count(channel string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[channel])
}

// broadcast sends f to every subscriber of channel. Failed connections are
// closed and dropped.
func (h *hub) broadcast(channel string, f Frame) {
	f.Channel = channel
	h.mu.Lock()
	targets := make([]*wsConn, 0, len(h.subs[channel]))
	for c := range h.subs[channel] {
		targets = append(targets, c)
	}
	h.mu.Unlock()

	for _, c := range targets {
		if err := c.send(f); err != nil {
			h.logger.Debug("dropping websocket subscriber", "channel", channel, "error", err)
			h.remove(c)
			_ = c.conn.Close()
		}
	}
}

func (h *hub) closeAll() {
	h.mu.Lock()
	conns := make([]*wsConn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[*wsConn]struct{}{}
	h.subs = map[string]map[*wsConn]struct{}{}
	h.mu.Unlock()
	for _, c := range conns {
		_ = c.conn.Close()
	}
}

// handleWS upgrades the request and serves subscribe / unsubscribe frames
// until the client disconnects.
func (s *Server) handleWS(c *gin.Context) {
	raw, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn := &wsConn{conn: raw}
	s.hub.add(conn)
	defer func() {
		s.hub.remove(conn)
		_ = raw.Close()
	}()

	for {
		var in Frame
		if err := raw.ReadJSON(&in); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}

		switch in.Type {
		case FrameSubscribe:
			if in.Channel != ChannelPortfolio && in.Channel != ChannelPrices {
				_ = conn.send(Frame{Type: EventError, Message: "unknown channel " + in.Channel})
				continue
			}
			s.hub.subscribe(conn, in.Channel)
			if err := conn.send(Frame{Type: EventSubscriptionStatus, Channel: in.Channel, Status: "subscribed"}); err != nil {
				return
			}
		case FrameUnsubscribe:
			s.hub.unsubscribe(conn, in.Channel)
			if err := conn.send(Frame{Type: EventSubscriptionStatus, Channel: in.Channel, Status: "unsubscribed"}); err != nil {
				return
			}
		default:
			_ = conn.send(Frame{Type: EventError, Message: "unknown frame type " + in.Type})
		}
	}
}

// pushPortfolio notifies portfolio subscribers that balances changed.
func (s *Server) pushPortfolio() {
	s.mu.Lock()
	total := s.st.totalUSD()
	s.mu.Unlock()
	s.hub.broadcast(ChannelPortfolio, Frame{
		Type: EventPortfolioUpdate,
		Data: map[string]any{"total_value_usd": formatAmount(total)},
	})
}
