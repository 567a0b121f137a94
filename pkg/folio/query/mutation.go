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
	"errors"
	"fmt"
	"net/url"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/schema"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/transport"
)

// MutationDef declares a write.
type MutationDef[B, R any] struct {
	Endpoint transport.Endpoint
	Schema   *schema.Schema[R]

	Params func(B) map[string]string
	Query  func(B) url.Values

	// Body builds the request body. Nil sends B itself.
	Body func(B) any

	// ValidateBody runs the body's validate tags before sending.
	ValidateBody bool

	// Invalidates lists tags invalidated after the backend confirms.
	Invalidates []cache.Tag

	// InvalidatesFor adds tags derived from the input and result.
	InvalidatesFor func(B, R) []cache.Tag

	// OnSuccess runs after a confirmed write and before invalidation.
	OnSuccess func(B, R)

	// RefetchOnRollback refetches the keys touched by optimistic
	// patches after a failed DoOptimistic.
	RefetchOnRollback bool
}

// Mutation is a defined write.
type Mutation[B, R any] struct {
	client *Client
	def    MutationDef[B, R]
}

// DefineMutation registers a mutation on c. It panics on a nil schema.
func DefineMutation[B, R any](c *Client, def MutationDef[B, R]) *Mutation[B, R] {
	if def.Schema == nil {
		panic(fmt.Sprintf("mutation %s: nil schema", def.Endpoint.Name()))
	}
	return &Mutation[B, R]{client: c, def: def}
}

// Name returns the endpoint name.
func (m *Mutation[B, R]) Name() string { return m.def.Endpoint.Name() }

func (m *Mutation[B, R]) request(b B) transport.Request {
	req := transport.Request{Endpoint: m.def.Endpoint}
	if m.def.Params != nil {
		req.Params = m.def.Params(b)
	}
	if m.def.Query != nil {
		req.Query = m.def.Query(b)
	}
	if m.def.Body != nil {
		req.Body = m.def.Body(b)
	} else {
		req.Body = b
	}
	return req
}

// Do sends the mutation.
//
// # Description
//
// The request goes through the transport, including any method
// fallback the endpoint declares. Only after the backend confirms are
// OnSuccess and the declared invalidations applied. A reply that fails
// validation is still a confirmed write: invalidation runs and the
// validation error is returned. Nothing is retried.
//
// # Outputs
//
//   - R: The validated result.
//   - error: *Error on failure.
func (m *Mutation[B, R]) Do(ctx context.Context, b B) (R, error) {
	r, _, err := m.do(ctx, b)
	return r, err
}

// do reports confirmed as true once the backend accepted the write.
func (m *Mutation[B, R]) do(ctx context.Context, b B) (r R, confirmed bool, err error) {
	var zero R
	req := m.request(b)

	if m.def.ValidateBody && req.Body != nil {
		if err := schema.Struct(req.Body); err != nil {
			var ve *schema.ValidationError
			errors.As(err, &ve)
			qe := &Error{Op: OpMutation, Kind: KindValidation, Endpoint: m.Name(),
				Message: "The request is invalid", Err: err}
			if ve != nil {
				qe.Violations = ve.Violations
			}
			return zero, false, qe
		}
	}

	raw, err := m.client.transport.Send(ctx, req)
	if err != nil {
		m.client.logger.Debug("mutation failed", "endpoint", m.Name(), "error", err)
		return zero, false, wrap(OpMutation, m.Name(), err)
	}

	r, verr := m.def.Schema.Validate(raw)
	if verr == nil && m.def.OnSuccess != nil {
		m.def.OnSuccess(b, r)
	}

	tags := append([]cache.Tag(nil), m.def.Invalidates...)
	if m.def.InvalidatesFor != nil {
		tags = append(tags, m.def.InvalidatesFor(b, r)...)
	}
	m.client.Invalidate(tags...)

	if verr != nil {
		return zero, true, wrap(OpMutation, m.Name(), verr)
	}
	return r, true, nil
}

// Patch is an optimistic edit of one cached query payload.
type Patch struct {
	key   string
	apply func(*cache.Cache) (undo func() bool, err error)
}

// UpdateQueryData builds a Patch that replaces the cached data of q for p
// with fn(copy). fn receives a deep copy and may modify it. Queries with
// no cached data are left untouched.
func UpdateQueryData[P, T any](q *Query[P, T], p P, fn func(T) T) Patch {
	key, err := q.Key(p)
	if err != nil {
		return Patch{apply: func(*cache.Cache) (func() bool, error) { return nil, err }}
	}
	return Patch{
		key: key,
		apply: func(c *cache.Cache) (func() bool, error) {
			undo, err := c.Patch(key, func(cur any) (any, error) {
				v, ok := cur.(T)
				if !ok {
					return nil, fmt.Errorf("patch %s: cached value has type %T", key, cur)
				}
				cp, err := deepCopy(v)
				if err != nil {
					return nil, err
				}
				return fn(cp), nil
			})
			if errors.Is(err, cache.ErrNotCached) {
				return nil, nil
			}
			return undo, err
		},
	}
}

func deepCopy[T any](v T) (T, error) {
	var out T
	raw, err := json.Marshal(v)
	if err != nil {
		return out, fmt.Errorf("copy for patch: %w", err)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("copy for patch: %w", err)
	}
	return out, nil
}

// DoOptimistic applies patches, then sends the mutation.
//
// # Description
//
// Patches are applied in order before the request is sent, so watchers
// see the expected outcome at once. If the mutation fails, every patch
// is undone in reverse order, restoring the exact prior cache state,
// and with RefetchOnRollback the touched keys are refetched. On success
// the declared tags are invalidated as in Do.
//
// # Outputs
//
//   - R: The validated result.
//   - error: *Error from the mutation, or the error of a patch that
//     could not be applied (earlier patches are undone first).
func (m *Mutation[B, R]) DoOptimistic(ctx context.Context, b B, patches ...Patch) (R, error) {
	var zero R
	undos := make([]func() bool, 0, len(patches))
	rollback := func() {
		for i := len(undos) - 1; i >= 0; i-- {
			undos[i]()
		}
	}

	for _, p := range patches {
		undo, err := p.apply(m.client.cache)
		if err != nil {
			rollback()
			return zero, err
		}
		if undo != nil {
			undos = append(undos, undo)
		}
	}

	r, confirmed, err := m.do(ctx, b)
	if err != nil {
		if confirmed {
			// The write went through; invalidation already refetches.
			return zero, err
		}
		rollback()
		if m.def.RefetchOnRollback {
			for _, p := range patches {
				if p.key != "" {
					m.client.cache.Refetch(p.key)
				}
			}
		}
		m.client.logger.Info("optimistic update rolled back", "endpoint", m.Name(), "error", err)
		return zero, err
	}
	return r, nil
}
