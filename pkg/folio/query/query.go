// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package query

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/schema"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/transport"
)

// QueryDef declares a read.
type QueryDef[P, T any] struct {
	Endpoint transport.Endpoint
	Schema   *schema.Schema[T]

	// Params fills path placeholders. Nil means none.
	Params func(P) map[string]string

	// Query builds the query string. Nil means none.
	Query func(P) url.Values

	// Body is sent with non-GET queries and becomes part of the key.
	Body func(P) any

	// Tags are attached to every entry of this query.
	Tags []cache.Tag

	// TagsFor adds tags derived from the parameters and result.
	TagsFor func(P, T) []cache.Tag

	// Policy overrides the cache defaults.
	Policy cache.Policy

	// Persist saves validated payloads for warm starts.
	Persist bool
}

// Query is a defined read.
type Query[P, T any] struct {
	client *Client
	def    QueryDef[P, T]
}

// State is what a watcher observes.
type State[T any] struct {
	Data    T
	HasData bool

	// Loading is true while the first payload is being fetched.
	Loading bool

	// Fetching is true while any fetch for the key is pending.
	Fetching bool

	Stale     bool
	Err       error
	UpdatedAt time.Time
}

// DefineQuery registers a query on c. It panics when the definition has
// no schema or is not a query endpoint, both programming errors.
func DefineQuery[P, T any](c *Client, def QueryDef[P, T]) *Query[P, T] {
	if def.Schema == nil {
		panic(fmt.Sprintf("query %s: nil schema", def.Endpoint.Name()))
	}
	if def.Endpoint.Kind() != transport.KindQuery {
		panic(fmt.Sprintf("query %s: endpoint is a %s", def.Endpoint.Name(), def.Endpoint.Kind()))
	}
	return &Query[P, T]{client: c, def: def}
}

// Name returns the endpoint name.
func (q *Query[P, T]) Name() string { return q.def.Endpoint.Name() }

func (q *Query[P, T]) request(p P) transport.Request {
	req := transport.Request{Endpoint: q.def.Endpoint}
	if q.def.Params != nil {
		req.Params = q.def.Params(p)
	}
	if q.def.Query != nil {
		req.Query = q.def.Query(p)
	}
	if q.def.Body != nil && q.def.Endpoint.Method() != http.MethodGet {
		req.Body = q.def.Body(p)
	}
	return req
}

// Key returns the cache key for p.
func (q *Query[P, T]) Key(p P) (string, error) {
	req := q.request(p)
	path, err := q.def.Endpoint.Resolve(req.Params)
	if err != nil {
		return "", wrap(OpQuery, q.Name(), err)
	}
	var body []byte
	if req.Body != nil {
		if body, err = json.Marshal(req.Body); err != nil {
			return "", &Error{Op: OpQuery, Kind: KindConfiguration, Endpoint: q.Name(),
				Message: "encode query body: " + err.Error(), Err: err}
		}
	}
	return cache.Key(q.def.Endpoint.Method()+" "+path, req.Query, body), nil
}

// fetcher loads p, validates it and stores it under key.
func (q *Query[P, T]) fetcher(key string, p P) cache.Fetcher {
	return func(ctx context.Context) (any, error) {
		raw, err := q.client.transport.Send(ctx, q.request(p))
		if err != nil {
			return nil, wrap(OpQuery, q.Name(), err)
		}
		v, err := q.def.Schema.Validate(raw)
		if err != nil {
			q.client.logger.Warn("response failed validation",
				"endpoint", q.Name(), "error", err)
			return nil, wrap(OpQuery, q.Name(), err)
		}
		tags := q.tags(p, v)
		if q.def.Persist && q.client.persister != nil {
			if err := q.client.persister.Save(key, raw, tags); err != nil {
				q.client.logger.Warn("persisting payload failed", "key", key, "error", err)
			}
		}
		q.client.cache.Set(key, v, tags...)
		return v, nil
	}
}

func (q *Query[P, T]) tags(p P, v T) []cache.Tag {
	tags := append([]cache.Tag(nil), q.def.Tags...)
	if q.def.TagsFor != nil {
		tags = append(tags, q.def.TagsFor(p, v)...)
	}
	return tags
}

// bind registers tags, policy and refetcher for key.
func (q *Query[P, T]) bind(key string, p P) {
	tags := q.def.Tags
	if tags == nil {
		tags = []cache.Tag{}
	}
	q.client.cache.Bind(key, tags, q.def.Policy, q.fetcher(key, p))
}

// Fetch returns data for p.
//
// # Description
//
// Fresh cached data is returned without network I/O. Stale cached data
// is returned at once and revalidated in the background. Without cached
// data, a persisted payload (if enabled) is served as stale; otherwise
// the data is fetched, sharing any fetch already running for the key.
//
// # Outputs
//
//   - T: Validated data.
//   - error: *Error for transport and validation failures, or the
//     context error when ctx ends first.
func (q *Query[P, T]) Fetch(ctx context.Context, p P) (T, error) {
	var zero T
	key, err := q.Key(p)
	if err != nil {
		return zero, err
	}
	q.bind(key, p)

	if snap, ok := q.client.cache.Get(key); ok && snap.HasData {
		if v, ok := snap.Data.(T); ok {
			if snap.Stale {
				q.client.cache.Refetch(key)
			}
			return v, nil
		}
	}
	if v, ok := q.warm(key, p); ok {
		q.client.cache.Refetch(key)
		return v, nil
	}
	return q.load(ctx, key, p)
}

// Refetch fetches p from the network regardless of cache state. A fetch
// already running for the key is shared.
func (q *Query[P, T]) Refetch(ctx context.Context, p P) (T, error) {
	var zero T
	key, err := q.Key(p)
	if err != nil {
		return zero, err
	}
	q.bind(key, p)
	return q.load(ctx, key, p)
}

func (q *Query[P, T]) load(ctx context.Context, key string, p P) (T, error) {
	var zero T
	v, err := q.client.cache.DedupeFetch(ctx, key, q.fetcher(key, p))
	if err != nil {
		return zero, err
	}
	t, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("query %s: cached value has type %T", q.Name(), v)
	}
	return t, nil
}

// FetchFresh fetches p from the network even when cached or persisted
// data exists. It serves callers that exit before a background
// revalidation could finish, such as one-shot commands.
//
// # Description
//
// On success the payload is cached and persisted as by Fetch. When the
// backend is unreachable (KindNetwork), the cached payload, or else the
// persisted one, is returned as a stale State with Err set and a nil
// error. Every other failure is returned as the error.
//
// # Outputs
//
//   - State[T]: Data and UpdatedAt; Stale and Err mark a fallback.
//   - error: *Error, or the context error when ctx ends first.
func (q *Query[P, T]) FetchFresh(ctx context.Context, p P) (State[T], error) {
	key, err := q.Key(p)
	if err != nil {
		return State[T]{}, err
	}
	q.bind(key, p)

	v, err := q.load(ctx, key, p)
	if err == nil {
		st := State[T]{Data: v, HasData: true}
		if snap, ok := q.client.cache.Get(key); ok {
			st.UpdatedAt = snap.UpdatedAt
		}
		return st, nil
	}
	if qe, ok := AsError(err); !ok || qe.Kind != KindNetwork {
		return State[T]{}, err
	}

	if snap, ok := q.client.cache.Get(key); ok && snap.HasData {
		if d, ok := snap.Data.(T); ok {
			return State[T]{Data: d, HasData: true, Stale: true, Err: err, UpdatedAt: snap.UpdatedAt}, nil
		}
	}
	if d, savedAt, ok := q.persisted(key); ok {
		q.client.logger.Info("backend unreachable, serving persisted payload", "key", key, "saved_at", savedAt)
		return State[T]{Data: d, HasData: true, Stale: true, Err: err, UpdatedAt: savedAt}, nil
	}
	return State[T]{}, err
}

// warm restores a persisted payload into the cache.
func (q *Query[P, T]) warm(key string, p P) (T, bool) {
	v, savedAt, ok := q.persisted(key)
	if !ok {
		return v, false
	}
	q.client.cache.Restore(key, v, savedAt, q.tags(p, v)...)
	q.client.logger.Debug("warm start", "key", key, "saved_at", savedAt)
	return v, true
}

// persisted loads and validates the persisted payload for key.
func (q *Query[P, T]) persisted(key string) (T, time.Time, bool) {
	var zero T
	if !q.def.Persist || q.client.persister == nil {
		return zero, time.Time{}, false
	}
	raw, savedAt, ok, err := q.client.persister.Load(key)
	if err != nil {
		q.client.logger.Warn("loading persisted payload failed", "key", key, "error", err)
		return zero, time.Time{}, false
	}
	if !ok {
		return zero, time.Time{}, false
	}
	v, err := q.def.Schema.Validate(raw)
	if err != nil {
		q.client.logger.Info("persisted payload no longer valid", "key", key, "error", err)
		return zero, time.Time{}, false
	}
	return v, savedAt, true
}

// Peek returns the cached state for p without network I/O.
func (q *Query[P, T]) Peek(p P) (State[T], bool) {
	key, err := q.Key(p)
	if err != nil {
		return State[T]{Err: err}, false
	}
	snap, ok := q.client.cache.Get(key)
	if !ok || !snap.HasData {
		return stateOf[T](snap), false
	}
	return stateOf[T](snap), true
}

// Watch subscribes fn to the state of p and starts a fetch when there is
// no fresh data. fn runs on a dedicated goroutine and receives every
// change, including background refetches after invalidation. The
// returned stop function unsubscribes; the fetch in flight, if any, is
// not cancelled.
func (q *Query[P, T]) Watch(p P, fn func(State[T])) (stop func(), err error) {
	key, err := q.Key(p)
	if err != nil {
		return nil, err
	}
	q.bind(key, p)
	unsub := q.client.cache.Subscribe(key, func(s cache.Snapshot) {
		fn(stateOf[T](s))
	})

	snap, ok := q.client.cache.Get(key)
	if !ok || !snap.HasData {
		q.warm(key, p)
		q.client.cache.Refetch(key)
	} else if snap.Stale {
		q.client.cache.Refetch(key)
	}
	return unsub, nil
}

func stateOf[T any](s cache.Snapshot) State[T] {
	st := State[T]{
		HasData:   s.HasData,
		Loading:   !s.HasData && s.Fetching,
		Fetching:  s.Fetching,
		Stale:     s.Stale,
		Err:       s.Err,
		UpdatedAt: s.UpdatedAt,
	}
	if s.HasData {
		if v, ok := s.Data.(T); ok {
			st.Data = v
		}
	}
	return st
}
