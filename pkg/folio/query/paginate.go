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
	"sync"
)

// DefaultPageLimit is the page size used when none is given.
const DefaultPageLimit = 10

// Paginator keeps page and limit state for a list query.
type Paginator[P, T any] struct {
	mu    sync.Mutex
	q     *Query[P, T]
	base  P
	with  func(base P, offset, limit int) P
	page  int
	limit int
}

// NewPaginator pages through q. with derives the parameters for a page
// from base.
func NewPaginator[P, T any](q *Query[P, T], base P, limit int, with func(base P, offset, limit int) P) *Paginator[P, T] {
	if limit <= 0 {
		limit = DefaultPageLimit
	}
	return &Paginator[P, T]{q: q, base: base, with: with, limit: limit}
}

// Page returns the zero-based page index.
func (pg *Paginator[P, T]) Page() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.page
}

// Limit returns the page size.
func (pg *Paginator[P, T]) Limit() int {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.limit
}

// Params returns the parameters for the current page.
func (pg *Paginator[P, T]) Params() P {
	pg.mu.Lock()
	defer pg.mu.Unlock()
	return pg.with(pg.base, pg.page*pg.limit, pg.limit)
}

// Current fetches the current page.
func (pg *Paginator[P, T]) Current(ctx context.Context) (T, error) {
	return pg.q.Fetch(ctx, pg.Params())
}

// NextPage advances one page and fetches it.
func (pg *Paginator[P, T]) NextPage(ctx context.Context) (T, error) {
	return pg.move(ctx, func() { pg.page++ })
}

// PrevPage goes back one page, never below page 0, and fetches it.
func (pg *Paginator[P, T]) PrevPage(ctx context.Context) (T, error) {
	return pg.move(ctx, func() {
		if pg.page > 0 {
			pg.page--
		}
	})
}

// GoToPage jumps to page n (negative becomes 0) and fetches it.
func (pg *Paginator[P, T]) GoToPage(ctx context.Context, n int) (T, error) {
	return pg.move(ctx, func() { pg.page = max(n, 0) })
}

// ChangeLimit sets the page size, resets to page 0 and fetches it.
func (pg *Paginator[P, T]) ChangeLimit(ctx context.Context, limit int) (T, error) {
	return pg.move(ctx, func() {
		if limit <= 0 {
			limit = DefaultPageLimit
		}
		pg.limit = limit
		pg.page = 0
	})
}

func (pg *Paginator[P, T]) move(ctx context.Context, step func()) (T, error) {
	pg.mu.Lock()
	step()
	p := pg.with(pg.base, pg.page*pg.limit, pg.limit)
	pg.mu.Unlock()
	return pg.q.Fetch(ctx, p)
}
