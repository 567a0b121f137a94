// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package query is the public face of the client: declarative queries
// and mutations over the transport, the schema validator and the cache.
//
// # Description
//
// A Query reads through the cache. Fresh data is returned without
// touching the network, stale data is returned immediately and
// revalidated in the background, and missing data is fetched once no
// matter how many callers ask for it concurrently. Everything handed to
// a caller has passed its schema.
//
// A Mutation writes through the transport and, only after the backend
// confirms, invalidates the resource tags it declares so that watched
// queries refetch.
//
// # Thread Safety
//
// All types are safe for concurrent use.
package query

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/transport"
)

// Persister stores validated raw payloads across process restarts.
type Persister interface {
	Load(key string) (raw json.RawMessage, savedAt time.Time, ok bool, err error)
	Save(key string, raw json.RawMessage, tags []cache.Tag) error
	DeleteTags(tags ...cache.Tag) (int, error)
}

// Options configures a Client.
type Options struct {
	Logger *slog.Logger

	// Persister enables warm starts for queries defined with Persist.
	Persister Persister

	// Poll supplies defaults for Poll calls with zero fields.
	Poll PollConfig

	// ResetOnUnauthorized drops every cached payload when the session
	// expires. Default true.
	ResetOnUnauthorized bool
}

// Option customizes Options.
type Option func(*Options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// WithPersister enables warm starts.
func WithPersister(p Persister) Option {
	return func(o *Options) { o.Persister = p }
}

// WithPollDefaults sets the default polling configuration.
func WithPollDefaults(cfg PollConfig) Option {
	return func(o *Options) { o.Poll = cfg }
}

// WithResetOnUnauthorized controls cache reset on session expiry.
func WithResetOnUnauthorized(reset bool) Option {
	return func(o *Options) { o.ResetOnUnauthorized = reset }
}

// Client binds a transport and a cache.
type Client struct {
	transport *transport.Client
	cache     *cache.Cache
	persister Persister
	logger    *slog.Logger
	poll      PollConfig
}

// New creates a Client.
//
// # Inputs
//
//   - t: Transport used for every request.
//   - c: Cache shared by every query defined on the client.
//   - opts: Optional settings.
//
// # Outputs
//
//   - *Client: Ready for DefineQuery and DefineMutation.
func New(t *transport.Client, c *cache.Cache, opts ...Option) *Client {
	o := Options{ResetOnUnauthorized: true}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	cl := &Client{
		transport: t,
		cache:     c,
		persister: o.Persister,
		logger:    o.Logger,
		poll:      o.Poll.withDefaults(DefaultPollConfig),
	}
	if o.ResetOnUnauthorized {
		t.Session().OnUnauthorized(func(ev transport.UnauthorizedEvent) {
			cl.logger.Info("session expired, dropping cached data", "endpoint", ev.Endpoint)
			cl.cache.Reset()
		})
	}
	return cl
}

// Transport returns the underlying transport.
func (c *Client) Transport() *transport.Client { return c.transport }

// Cache returns the underlying cache.
func (c *Client) Cache() *cache.Cache { return c.cache }

// Session returns the transport's session.
func (c *Client) Session() *transport.Session { return c.transport.Session() }

// Invalidate applies tag invalidation to the cache and the persister.
func (c *Client) Invalidate(tags ...cache.Tag) int {
	if len(tags) == 0 {
		return 0
	}
	n := c.cache.InvalidateTags(tags...)
	if c.persister != nil {
		if _, err := c.persister.DeleteTags(tags...); err != nil {
			c.logger.Warn("dropping persisted payloads failed", "tags", tagStrings(tags), "error", err)
		}
	}
	c.logger.Debug("invalidated", "tags", tagStrings(tags), "entries", n)
	return n
}

// Prefetch runs fns in parallel and returns the first error. Each fn is
// typically a Query.Fetch bound to its parameters.
func (c *Client) Prefetch(ctx context.Context, fns ...func(context.Context) error) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, fn := range fns {
		fn := fn
		g.Go(func() error { return fn(gctx) })
	}
	return g.Wait()
}

func tagStrings(tags []cache.Tag) []string {
	out := make([]string, len(tags))
	for i, t := range tags {
		out[i] = t.String()
	}
	return out
}
