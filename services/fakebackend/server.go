// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fakebackend is an in-memory portfolio backend speaking the same
// REST contract as the real one: every reply is an envelope
// {"result": ..., "message": ...} under /api/1/.
//
// It exists for integration tests and local development (folio
// fake-backend). State lives in memory and is lost on exit.
//
// # Authentication Flow
//
//	PATCH /api/1/users/{name} {"action":"login",...}
//	   │
//	   ├─► wrong password: 200 {"result": null, "message": "invalid credentials"}
//	   │
//	   └─► ok: 200 {"result": {"username", "token", ...}}
//	           │
//	           ▼
//	       protected routes require "Authorization: Bearer <token>",
//	       otherwise 401
package fakebackend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// APIPrefix is where the REST routes live.
const APIPrefix = "/api/1"

// Options configures a Server.
type Options struct {
	// Users seeds accounts: name -> password. Default {"alice": "secret"}.
	Users map[string]string

	// RejectPatchLogin answers PATCH logins with 405 so clients must fall
	// back to POST.
	RejectPatchLogin bool

	// Open disables authentication on every route.
	Open bool

	Logger *slog.Logger

	// Now overrides the clock used for seeded data.
	Now func() time.Time
}

// Server is the fake backend.
//
// # Thread Safety
//
// Safe for concurrent use.
type Server struct {
	opts   Options
	logger *slog.Logger
	engine *gin.Engine

	mu    sync.Mutex
	st    *state
	hits  map[string]int
	fails map[string]int

	hub *hub
}

// New creates a Server with seeded data.
func New(opts Options) *Server {
	if opts.Users == nil {
		opts.Users = map[string]string{"alice": "secret"}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		opts:   opts,
		logger: logger,
		st:     newState(opts.Now()),
		hits:   map[string]int{},
		fails:  map[string]int{},
	}
	for name, pw := range opts.Users {
		s.st.users[name] = &user{password: pw}
	}
	s.hub = newHub(logger)

	gin.SetMode(gin.ReleaseMode)
	s.engine = gin.New()
	s.engine.Use(gin.Recovery(), otelgin.Middleware("folio-fakebackend"), s.count())
	s.setupRoutes()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.engine }

// =============================================================================
// Test hooks
// =============================================================================

// Hits returns how many requests matched "METHOD /api/1/path".
func (s *Server) Hits(method, path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[method+" "+APIPrefix+"/"+strings.TrimPrefix(path, "/")]
}

// FailNext makes the next n requests to "METHOD path" answer 500.
func (s *Server) FailNext(method, path string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fails[method+" "+APIPrefix+"/"+strings.TrimPrefix(path, "/")] = n
}

// SetPrice changes an asset price and pushes a price update.
func (s *Server) SetPrice(asset string, usd float64) {
	s.mu.Lock()
	s.st.prices[asset] = usd
	s.mu.Unlock()
	s.hub.broadcast(ChannelPrices, Frame{
		Type: EventPriceUpdate,
		Data: map[string]any{"prices": map[string]any{asset: map[string]any{"usd": usd}}},
	})
}

// ExpireSessions forgets every issued token, as after a backend restart.
func (s *Server) ExpireSessions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.tokens = map[string]string{}
	for _, u := range s.st.users {
		u.loggedIn = false
	}
}

// Subscribers returns how many websocket clients listen on channel.
func (s *Server) Subscribers(channel string) int { return s.hub.count(channel) }

// count tallies requests and injects configured failures.
func (s *Server) count() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.Request.Method + " " + c.Request.URL.Path
		s.mu.Lock()
		s.hits[key]++
		fail := s.fails[key] > 0
		if fail {
			s.fails[key]--
		}
		s.mu.Unlock()
		if fail {
			c.AbortWithStatusJSON(http.StatusInternalServerError, envelope{Message: "injected failure"})
			return
		}
		c.Next()
	}
}

// =============================================================================
// Envelope helpers
// =============================================================================

type envelope struct {
	Result  any    `json:"result"`
	Message string `json:"message"`
}

func ok(c *gin.Context, result any) {
	c.JSON(http.StatusOK, envelope{Result: result})
}

func fail(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, envelope{Message: msg})
}

// appFail answers 200 with a message and no result.
func appFail(c *gin.Context, msg string) {
	c.JSON(http.StatusOK, envelope{Message: msg})
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

// =============================================================================
// Auth
// =============================================================================

const userKey = "fakebackend_user"

// requireAuth rejects requests without a valid bearer token.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.opts.Open {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		s.mu.Lock()
		name, found := s.st.tokens[token]
		s.mu.Unlock()
		if token == "" || !found {
			fail(c, http.StatusUnauthorized, "No user is currently logged in")
			return
		}
		c.Set(userKey, name)
		c.Next()
	}
}

func (s *Server) issueToken(name string) string {
	tok := uuid.NewString()
	s.st.tokens[tok] = name
	s.st.users[name].loggedIn = true
	return tok
}

// =============================================================================
// Lifecycle
// =============================================================================

// ListenAndServe serves on addr until ctx ends.
//
// # Inputs
//
//   - ctx: Cancelling it shuts the server down gracefully.
//   - addr: Listen address, e.g. "127.0.0.1:4242".
//   - ready: Optional, receives the bound address once listening.
func (s *Server) ListenAndServe(ctx context.Context, addr string, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", addr, err)
	}
	srv := &http.Server{Handler: s.engine, ReadHeaderTimeout: 10 * time.Second}
	if ready != nil {
		ready(ln.Addr())
	}
	s.logger.Info("fake backend listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	s.hub.closeAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Close disconnects websocket clients.
func (s *Server) Close() { s.hub.closeAll() }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}
