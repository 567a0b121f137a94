// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package cache holds fetched resources keyed by request, tagged by
// resource type, with subscriber reference counting.
//
// # Description
//
// Entries move through three states: loading (no payload yet), fresh and
// stale. A tag invalidation marks subscribed entries stale and schedules
// exactly one background refetch for each, keeping the old payload
// visible until the new one lands. Entries with no subscribers are
// evicted instead, so the next read goes to the network.
//
// Concurrent fetches for the same key share one execution. A caller that
// cancels its context stops waiting but does not cancel the shared fetch.
// A fetch that was already running when its entry was invalidated cannot
// make the entry fresh: its payload is stored as stale and one follow-up
// refetch runs once it completes. If the entry was evicted or reset in
// the meantime, the payload is discarded.
//
// # Thread Safety
//
// Cache is safe for concurrent use. Listeners run on a per-subscription
// goroutine and always observe snapshots in commit order.
package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"
)

// ErrNotCached is returned by Patch when the key holds no payload.
var ErrNotCached = errors.New("cache: no cached payload for key")

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Fetcher loads a payload. Fetchers registered with Bind are expected to
// store their result with Set before returning.
type Fetcher func(ctx context.Context) (any, error)

// Listener receives entry snapshots.
type Listener func(Snapshot)

// Snapshot is a point-in-time copy of an entry.
type Snapshot struct {
	Key       string
	Data      any
	HasData   bool
	UpdatedAt time.Time

	// Stale is true when the payload was invalidated or is older than
	// the entry's StaleTime.
	Stale bool

	// Invalidated is true after a tag invalidation or a Restore.
	Invalidated bool

	// Fetching is true while a fetch or scheduled refetch is pending.
	Fetching bool

	// Err is the most recent fetch error. Cleared by the next Set.
	Err error

	Tags        []Tag
	Subscribers int
}

// Stats reports cache counters.
type Stats struct {
	Entries       int
	Subscribers   int
	Hits          int64
	Misses        int64
	Evictions     int64
	Invalidations int64
	Fetches       int64
	Refetches     int64
}

// Options configures a Cache.
type Options struct {
	// Policy supplies defaults for entries bound without one.
	Policy Policy

	// SweepInterval is how often unused entries are checked against
	// their RetentionTime. Zero disables the janitor; call Sweep manually.
	SweepInterval time.Duration

	// RefetchTimeout bounds a background refetch wait.
	RefetchTimeout time.Duration

	Clock  Clock
	Logger *slog.Logger
}

// DefaultOptions returns the defaults used by New.
func DefaultOptions() Options {
	return Options{
		Policy:         DefaultPolicy,
		SweepInterval:  30 * time.Second,
		RefetchTimeout: 30 * time.Second,
		Clock:          systemClock{},
		Logger:         discardLogger(),
	}
}

// Option customizes Options.
type Option func(*Options)

// WithPolicy sets the default policy.
func WithPolicy(p Policy) Option {
	return func(o *Options) { o.Policy = p.withDefaults(DefaultPolicy) }
}

// WithSweepInterval sets the janitor interval. Zero disables it.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) { o.SweepInterval = d }
}

// WithRefetchTimeout bounds background refetches.
func WithRefetchTimeout(d time.Duration) Option {
	return func(o *Options) { o.RefetchTimeout = d }
}

// WithClock injects a clock.
func WithClock(c Clock) Option {
	return func(o *Options) { o.Clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

// Cache is the resource cache.
type Cache struct {
	mu        sync.Mutex
	entries   map[string]*entry
	inflight  map[string]fetchTicket
	flight    singleflight.Group
	opts      Options
	nextSubID int
	closed    bool

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	hits          atomic.Int64
	misses        atomic.Int64
	evictions     atomic.Int64
	invalidations atomic.Int64
	fetches       atomic.Int64
	refetches     atomic.Int64
}

type entry struct {
	key         string
	data        any
	hasData     bool
	updatedAt   time.Time
	lastUsed    time.Time
	invalidated bool
	err         error
	tags        []Tag
	policy      Policy
	refetch     Fetcher
	subs        map[int]*subscription

	// fetching is true while a deduplicated fetch runs for the key.
	fetching bool

	// refetchPending is true from the moment an invalidation schedules a
	// refetch until that refetch finishes. Invalidations that land before
	// the refetch starts fetching are absorbed.
	refetchPending bool

	// refetchAfter requests one more refetch once the running fetch and
	// any pending refetch are done.
	refetchAfter bool

	// gen counts invalidations; epoch counts resets and removals.
	gen   uint64
	epoch uint64

	// dataVersion changes whenever the payload changes.
	dataVersion uint64
}

// fetchTicket records the entry state a fetch started from.
type fetchTicket struct {
	e     *entry
	gen   uint64
	epoch uint64
}

// New creates a Cache and starts its janitor.
func New(opts ...Option) *Cache {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if o.Clock == nil {
		o.Clock = systemClock{}
	}
	if o.Logger == nil {
		o.Logger = discardLogger()
	}
	if o.RefetchTimeout <= 0 {
		o.RefetchTimeout = DefaultOptions().RefetchTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Cache{
		entries:  make(map[string]*entry),
		inflight: make(map[string]fetchTicket),
		opts:     o,
		ctx:     ctx,
		cancel:  cancel,
	}
	if o.SweepInterval > 0 {
		c.wg.Add(1)
		go c.janitor(o.SweepInterval)
	}
	return c
}

// =============================================================================
// Reads and writes
// =============================================================================

// Get returns the entry for key. ok is false when no entry exists; an
// entry may exist without a payload while its first fetch is running.
func (c *Cache) Get(key string) (Snapshot, bool) {
	c.mu.Lock()
	e, ok := c.entries[key]
	var snap Snapshot
	if ok {
		e.lastUsed = c.opts.Clock.Now()
		snap = c.snapshotLocked(e)
	}
	c.mu.Unlock()

	hit := ok && snap.HasData
	if hit {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	recordHit(hit)
	return snap, ok
}

// Set stores a payload. Non-empty tags replace the entry's tags.
// The entry becomes fresh and its error is cleared.
//
// While a fetch for key is running, Set is attributed to that fetch. The
// payload is dropped when the entry was evicted, removed or reset after
// the fetch started, and it stays stale when the entry was invalidated
// after the fetch started.
func (c *Cache) Set(key string, data any, tags ...Tag) {
	c.mu.Lock()
	defer c.mu.Unlock()

	invalidated := false
	if t, ok := c.inflight[key]; ok {
		cur, exists := c.entries[key]
		if !exists || cur != t.e || cur.epoch != t.epoch {
			c.opts.Logger.Debug("dropped payload of superseded fetch", "key", key)
			return
		}
		invalidated = cur.gen != t.gen
	}

	e := c.entryLocked(key)
	now := c.opts.Clock.Now()
	e.data = data
	e.hasData = true
	e.updatedAt = now
	e.lastUsed = now
	e.invalidated = invalidated
	e.err = nil
	if len(tags) > 0 {
		e.tags = append([]Tag(nil), tags...)
	}
	e.dataVersion++
	c.notifyLocked(e)
}

// Restore stores a payload recovered from persistent storage. The entry
// keeps the original timestamp and is marked invalidated so the next
// read revalidates it. Entries that already hold a payload are left
// alone and Restore reports false.
func (c *Cache) Restore(key string, data any, savedAt time.Time, tags ...Tag) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key)
	if e.hasData {
		return false
	}
	e.data = data
	e.hasData = true
	e.updatedAt = savedAt
	e.lastUsed = c.opts.Clock.Now()
	e.invalidated = true
	if len(tags) > 0 {
		e.tags = append([]Tag(nil), tags...)
	}
	e.dataVersion++
	c.notifyLocked(e)
	return true
}

// Bind attaches tags, a policy and the refetcher used after
// invalidation. Nil tags or a nil refetch leave the current value.
func (c *Cache) Bind(key string, tags []Tag, policy Policy, refetch Fetcher) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := c.entryLocked(key)
	if tags != nil {
		e.tags = append([]Tag(nil), tags...)
	}
	e.policy = policy.withDefaults(c.opts.Policy)
	if refetch != nil {
		e.refetch = refetch
	}
}

// Remove drops the payload for key. Entries with subscribers stay
// registered in the loading state.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.dropLocked(e, "removed")
	}
}

// Reset drops every payload, as after logout.
func (c *Cache) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, e := range c.entries {
		c.dropLocked(e, "reset")
	}
}

func (c *Cache) dropLocked(e *entry, reason string) {
	if len(e.subs) == 0 {
		delete(c.entries, e.key)
		c.evictions.Add(1)
		recordEviction(reason)
		return
	}
	e.data = nil
	e.hasData = false
	e.invalidated = false
	e.refetchAfter = false
	e.err = nil
	e.epoch++
	e.dataVersion++
	c.notifyLocked(e)
}

// entryLocked returns the entry for key, creating it if needed.
func (c *Cache) entryLocked(key string) *entry {
	if e, ok := c.entries[key]; ok {
		return e
	}
	e := &entry{
		key:      key,
		policy:   c.opts.Policy,
		lastUsed: c.opts.Clock.Now(),
		subs:     make(map[int]*subscription),
	}
	c.entries[key] = e
	return e
}

func (c *Cache) snapshotLocked(e *entry) Snapshot {
	stale := false
	if e.hasData {
		switch {
		case e.invalidated, e.policy.StaleTime < 0:
			stale = true
		default:
			stale = c.opts.Clock.Now().Sub(e.updatedAt) >= e.policy.StaleTime
		}
	}
	return Snapshot{
		Key:         e.key,
		Data:        e.data,
		HasData:     e.hasData,
		UpdatedAt:   e.updatedAt,
		Stale:       stale,
		Invalidated: e.invalidated,
		Fetching:    e.fetching || e.refetchPending,
		Err:         e.err,
		Tags:        append([]Tag(nil), e.tags...),
		Subscribers: len(e.subs),
	}
}

func (c *Cache) notifyLocked(e *entry) {
	if len(e.subs) == 0 {
		return
	}
	snap := c.snapshotLocked(e)
	for _, s := range e.subs {
		s.offer(snap)
	}
}

// =============================================================================
// Subscriptions
// =============================================================================

// Subscribe registers fn for updates on key and delivers the current
// snapshot first. The returned function unsubscribes; it is idempotent
// and no delivery starts after it returns.
func (c *Cache) Subscribe(key string, fn Listener) (unsubscribe func()) {
	c.mu.Lock()
	e := c.entryLocked(key)
	c.nextSubID++
	id := c.nextSubID
	sub := newSubscription(fn)
	e.subs[id] = sub
	sub.offer(c.snapshotLocked(e))
	c.mu.Unlock()

	go sub.run()

	var once sync.Once
	return func() {
		once.Do(func() {
			sub.stop()
			c.mu.Lock()
			delete(e.subs, id)
			if len(e.subs) == 0 {
				e.lastUsed = c.opts.Clock.Now()
			}
			c.mu.Unlock()
		})
	}
}

// subscription delivers the newest pending snapshot on its own goroutine.
// Intermediate snapshots may be coalesced; order is preserved.
type subscription struct {
	fn       Listener
	active   atomic.Bool
	mu       sync.Mutex
	pending  *Snapshot
	wake     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

func newSubscription(fn Listener) *subscription {
	s := &subscription{
		fn:   fn,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	s.active.Store(true)
	return s
}

func (s *subscription) offer(snap Snapshot) {
	s.mu.Lock()
	s.pending = &snap
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.wake:
		}
		s.mu.Lock()
		snap := s.pending
		s.pending = nil
		s.mu.Unlock()
		if snap != nil && s.active.Load() {
			s.fn(*snap)
		}
	}
}

func (s *subscription) stop() {
	s.stopOnce.Do(func() {
		s.active.Store(false)
		close(s.done)
	})
}

// =============================================================================
// Fetching and invalidation
// =============================================================================

// DedupeFetch runs fn for key unless a fetch for key is already running,
// in which case it waits for that one. fn runs detached from ctx
// cancellation; ctx only bounds this caller's wait. A failed fetch is
// recorded on the entry without touching its payload.
func (c *Cache) DedupeFetch(ctx context.Context, key string, fn Fetcher) (any, error) {
	return c.fetch(ctx, key, fn, "fetch")
}

func (c *Cache) fetch(ctx context.Context, key string, fn Fetcher, trigger string) (any, error) {
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		c.startFetch(key)
		c.fetches.Add(1)
		recordFetch(trigger)
		v, err := fn(detached)
		c.finishFetch(key, err)
		return v, err
	})
	select {
	case res := <-ch:
		return res.Val, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Cache) startFetch(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(key)
	e.fetching = true
	c.inflight[key] = fetchTicket{e: e, gen: e.gen, epoch: e.epoch}
	c.notifyLocked(e)
}

func (c *Cache) finishFetch(key string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.inflight[key]
	delete(c.inflight, key)

	e, ok := c.entries[key]
	if !ok || e != t.e {
		return
	}
	e.fetching = false
	if e.epoch == t.epoch {
		if err != nil {
			e.err = err
		}
		if e.gen != t.gen {
			e.refetchAfter = true
		}
	}
	c.followUpLocked(e)
	c.notifyLocked(e)
}

// followUpLocked starts the refetch requested by an invalidation that
// landed during a fetch, once nothing else runs for the entry.
func (c *Cache) followUpLocked(e *entry) {
	if !e.refetchAfter || e.fetching || e.refetchPending {
		return
	}
	e.refetchAfter = false
	if len(e.subs) == 0 {
		return
	}
	c.scheduleRefetchLocked(e)
}

// InvalidateTags applies tag invalidation and returns the number of
// matched entries.
//
// # Description
//
// Subscribed entries keep their payload, are marked stale and get one
// background refetch through their bound Fetcher. Until that refetch
// starts fetching, later invalidations of the same entry are absorbed.
// When a fetch is already running, the entry gets exactly one follow-up
// refetch after it completes. Entries without subscribers are evicted.
func (c *Cache) InvalidateTags(tags ...Tag) int {
	if len(tags) == 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	matched := 0
	for key, e := range c.entries {
		if !intersects(tags, e.tags) {
			continue
		}
		matched++
		if len(e.subs) == 0 {
			delete(c.entries, key)
			c.evictions.Add(1)
			recordEviction("invalidated")
			continue
		}
		e.invalidated = true
		e.gen++
		c.scheduleRefetchLocked(e)
		c.notifyLocked(e)
	}
	c.invalidations.Add(int64(matched))
	recordInvalidation(matched)
	return matched
}

// Refetch schedules a background refetch for a subscribed key, subject
// to the same deduplication as invalidation. It reports whether a new
// refetch was scheduled.
func (c *Cache) Refetch(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	return c.scheduleRefetchLocked(e)
}

func (c *Cache) scheduleRefetchLocked(e *entry) bool {
	if c.closed || e.refetch == nil || e.refetchPending || e.fetching {
		return false
	}
	e.refetchPending = true
	c.wg.Add(1)
	go c.runRefetch(e, e.refetch)
	return true
}

func (c *Cache) runRefetch(e *entry, fn Fetcher) {
	defer c.wg.Done()

	ctx, cancel := context.WithTimeout(c.ctx, c.opts.RefetchTimeout)
	defer cancel()

	key := e.key
	c.refetches.Add(1)
	_, err := c.fetch(ctx, key, fn, "refetch")

	c.mu.Lock()
	e.refetchPending = false
	if cur, ok := c.entries[key]; ok && cur == e {
		c.followUpLocked(e)
		c.notifyLocked(e)
	}
	c.mu.Unlock()

	if err != nil && !errors.Is(err, context.Canceled) {
		c.opts.Logger.Warn("background refetch failed", "key", key, "error", err)
	}
}

// =============================================================================
// Optimistic patches
// =============================================================================

// Patch replaces the payload of key with fn(current) and returns an undo
// function. fn runs under the cache lock, must not call the cache and
// must not mutate its argument.
//
// undo restores the exact prior entry state and reports true, unless the
// payload changed again since the patch (a newer server response wins)
// or the entry is gone.
func (c *Cache) Patch(key string, fn func(current any) (any, error)) (undo func() bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || !e.hasData {
		return nil, ErrNotCached
	}
	next, err := fn(e.data)
	if err != nil {
		return nil, err
	}

	prior := struct {
		data        any
		updatedAt   time.Time
		invalidated bool
		err         error
	}{e.data, e.updatedAt, e.invalidated, e.err}

	e.data = next
	e.dataVersion++
	patched := e.dataVersion
	c.notifyLocked(e)

	var once sync.Once
	restored := false
	return func() bool {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			cur, ok := c.entries[key]
			if !ok || cur != e || cur.dataVersion != patched {
				return
			}
			e.data = prior.data
			e.updatedAt = prior.updatedAt
			e.invalidated = prior.invalidated
			e.err = prior.err
			e.dataVersion++
			c.notifyLocked(e)
			restored = true
		})
		return restored
	}, nil
}

// =============================================================================
// Retention
// =============================================================================

// Sweep evicts entries that have had no subscribers for longer than
// their RetentionTime and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.opts.Clock.Now()
	removed := 0
	for key, e := range c.entries {
		if len(e.subs) > 0 || e.fetching || e.refetchPending {
			continue
		}
		if e.policy.RetentionTime >= 0 && now.Sub(e.lastUsed) < e.policy.RetentionTime {
			continue
		}
		delete(c.entries, key)
		removed++
		c.evictions.Add(1)
		recordEviction("retention")
	}
	return removed
}

func (c *Cache) janitor(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.opts.Logger.Debug("cache sweep", "evicted", n)
			}
		}
	}
}

// =============================================================================
// Introspection and shutdown
// =============================================================================

// Keys returns the cached keys in sorted order.
func (c *Cache) Keys() []string {
	c.mu.Lock()
	keys := make([]string, 0, len(c.entries))
	for k := range c.entries {
		keys = append(keys, k)
	}
	c.mu.Unlock()
	sort.Strings(keys)
	return keys
}

// Len returns the number of entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a counter snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	entries := len(c.entries)
	subs := 0
	for _, e := range c.entries {
		subs += len(e.subs)
	}
	c.mu.Unlock()
	return Stats{
		Entries:       entries,
		Subscribers:   subs,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Invalidations: c.invalidations.Load(),
		Fetches:       c.fetches.Load(),
		Refetches:     c.refetches.Load(),
	}
}

// Close stops the janitor, cancels pending refetch waits and stops every
// subscription. Safe to call more than once.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for _, e := range c.entries {
			for _, s := range e.subs {
				s.stop()
			}
		}
		c.mu.Unlock()
		c.cancel()
		c.wg.Wait()
	})
}
