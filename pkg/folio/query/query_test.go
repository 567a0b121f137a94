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
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/schema"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/transport"
)

// =============================================================================
// Test backend
// =============================================================================

type testBackend struct {
	mu        sync.Mutex
	ignored   []string
	exchanges []string
	hits      map[string]int
	failures  map[string]int

	// gate, when set, blocks GET assets/ignored until closed. The reply
	// reflects the state at the time the request arrived.
	gate chan struct{}

	// delay slows every GET.
	delay time.Duration

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newTestBackend() *testBackend {
	return &testBackend{
		ignored:   []string{"BTC"},
		exchanges: []string{"kraken"},
		hits:      map[string]int{},
		failures:  map[string]int{},
	}
}

func (b *testBackend) Hits(key string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.hits[key]
}

func (b *testBackend) SetGate(gate chan struct{}) {
	b.mu.Lock()
	b.gate = gate
	b.mu.Unlock()
}

func (b *testBackend) SetDelay(d time.Duration) {
	b.mu.Lock()
	b.delay = d
	b.mu.Unlock()
}

func (b *testBackend) Fail(key string, status int) {
	b.mu.Lock()
	b.failures[key] = status
	b.mu.Unlock()
}

func writeResult(w http.ResponseWriter, result any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"result": result, "message": ""})
}

func (b *testBackend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path

	n := b.inFlight.Add(1)
	defer b.inFlight.Add(-1)
	for {
		m := b.maxInFlight.Load()
		if n <= m || b.maxInFlight.CompareAndSwap(m, n) {
			break
		}
	}

	b.mu.Lock()
	b.hits[key]++
	status := b.failures[key]
	gate := b.gate
	delay := b.delay
	b.mu.Unlock()

	if status != 0 {
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{"result": nil, "message": "backend refused"})
		return
	}
	if r.Method == http.MethodGet && delay > 0 {
		time.Sleep(delay)
	}

	switch key {
	case "GET /api/1/assets/ignored":
		b.mu.Lock()
		out := slices.Clone(b.ignored)
		b.mu.Unlock()
		if gate != nil {
			<-gate
		}
		writeResult(w, out)

	case "PUT /api/1/assets/ignored":
		var body struct {
			Assets []string `json:"assets"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.ignored = append(b.ignored, body.Assets...)
		out := slices.Clone(b.ignored)
		b.mu.Unlock()
		writeResult(w, out)

	case "GET /api/1/exchanges":
		b.mu.Lock()
		out := slices.Clone(b.exchanges)
		b.mu.Unlock()
		writeResult(w, out)

	case "PUT /api/1/exchanges":
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		b.mu.Lock()
		b.exchanges = append(b.exchanges, body.Name)
		b.mu.Unlock()
		writeResult(w, true)

	case "GET /api/1/trades":
		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		entries := []int{}
		for i := offset; i < offset+limit && i < 25; i++ {
			entries = append(entries, i)
		}
		writeResult(w, map[string]any{"entries": entries, "entries_found": 25, "entries_limit": limit})

	case "GET /api/1/users":
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"result": null, "message": "not logged in"}`))

	case "GET /api/1/bad":
		writeResult(w, []any{"BTC", 5})

	default:
		http.NotFound(w, r)
	}
}

type env struct {
	backend *testBackend
	client  *Client

	ignored     *Query[struct{}, []string]
	exchanges   *Query[struct{}, []string]
	trades      *Query[tradePage, tradeCollection]
	addIgnored  *Mutation[ignoreBody, []string]
	addExchange *Mutation[exchangeBody, bool]
}

type ignoreBody struct {
	Assets []string `json:"assets" validate:"required,min=1,dive,asset"`
}

type exchangeBody struct {
	Name string `json:"name" validate:"required"`
}

type tradePage struct {
	Offset int
	Limit  int
}

type tradeCollection struct {
	Entries      []int `json:"entries"`
	EntriesFound int   `json:"entries_found"`
	EntriesLimit int   `json:"entries_limit"`
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	be := newTestBackend()
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	tc, err := transport.New(transport.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	c := cache.New(cache.WithSweepInterval(0))
	t.Cleanup(c.Close)

	cl := New(tc, c, opts...)
	e := &env{backend: be, client: cl}

	e.ignored = DefineQuery(cl, QueryDef[struct{}, []string]{
		Endpoint: transport.MustEndpoint("assets.ignored", "GET", "assets/ignored", transport.KindQuery),
		Schema:   schema.For[[]string](schema.WithRootRule("dive,asset")),
		Tags:     []cache.Tag{cache.T("IgnoredAsset")},
		Persist:  true,
	})
	e.exchanges = DefineQuery(cl, QueryDef[struct{}, []string]{
		Endpoint: transport.MustEndpoint("exchanges", "GET", "exchanges", transport.KindQuery),
		Schema:   schema.For[[]string](),
		Tags:     []cache.Tag{cache.T("Exchange")},
	})
	e.trades = DefineQuery(cl, QueryDef[tradePage, tradeCollection]{
		Endpoint: transport.MustEndpoint("trades", "GET", "trades", transport.KindQuery),
		Schema:   schema.For[tradeCollection](),
		Query: func(p tradePage) url.Values {
			return url.Values{"offset": {strconv.Itoa(p.Offset)}, "limit": {strconv.Itoa(p.Limit)}}
		},
		Tags: []cache.Tag{cache.T("Trade")},
	})
	e.addIgnored = DefineMutation(cl, MutationDef[ignoreBody, []string]{
		Endpoint:     transport.MustEndpoint("assets.ignored.add", "PUT", "assets/ignored", transport.KindMutation),
		Schema:       schema.For[[]string](),
		ValidateBody: true,
		Invalidates:  []cache.Tag{cache.T("IgnoredAsset"), cache.T("Balance")},
	})
	e.addExchange = DefineMutation(cl, MutationDef[exchangeBody, bool]{
		Endpoint:    transport.MustEndpoint("exchanges.add", "PUT", "exchanges", transport.KindMutation),
		Schema:      schema.For[bool](),
		Invalidates: []cache.Tag{cache.T("Exchange"), cache.T("Balance")},
	})
	return e
}

// states records what a watcher observed.
type states[T any] struct {
	mu  sync.Mutex
	all []State[T]
}

func (s *states[T]) add(st State[T]) {
	s.mu.Lock()
	s.all = append(s.all, st)
	s.mu.Unlock()
}

func (s *states[T]) last() State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.all) == 0 {
		return State[T]{}
	}
	return s.all[len(s.all)-1]
}

func (s *states[T]) snapshot() []State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.all)
}

const ignoredGET = "GET /api/1/assets/ignored"

// =============================================================================
// Queries
// =============================================================================

func TestQuery_ConcurrentFetchesShareOneRequest(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.backend.SetGate(gate)

	const n = 12
	var wg sync.WaitGroup
	results := make([][]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := e.ignored.Fetch(context.Background(), struct{}{})
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(gate)
	wg.Wait()

	assert.Equal(t, 1, e.backend.Hits(ignoredGET))
	for _, r := range results {
		assert.Equal(t, []string{"BTC"}, r)
	}
}

func TestQuery_IgnoredAssetsScenario(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	v, err := e.ignored.Fetch(ctx, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC"}, v)

	// fresh: served from cache
	v, err = e.ignored.Fetch(ctx, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC"}, v)
	assert.Equal(t, 1, e.backend.Hits(ignoredGET))

	st, ok := e.ignored.Peek(struct{}{})
	require.True(t, ok)
	assert.False(t, st.Stale)

	// nobody watches: the mutation evicts, the next read refetches
	_, err = e.addIgnored.Do(ctx, ignoreBody{Assets: []string{"ETH"}})
	require.NoError(t, err)
	_, ok = e.ignored.Peek(struct{}{})
	assert.False(t, ok)

	v, err = e.ignored.Fetch(ctx, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, v)
	assert.Equal(t, 2, e.backend.Hits(ignoredGET))
}

func TestQuery_StaleDataRevalidatesInBackground(t *testing.T) {
	e := newEnv(t)
	q := DefineQuery(e.client, QueryDef[struct{}, []string]{
		Endpoint: transport.MustEndpoint("exchanges.stale", "GET", "exchanges", transport.KindQuery),
		Schema:   schema.For[[]string](),
		Policy:   cache.Policy{StaleTime: -1},
	})
	ctx := context.Background()

	_, err := q.Fetch(ctx, struct{}{})
	require.NoError(t, err)

	e.backend.mu.Lock()
	e.backend.exchanges = []string{"kraken", "binance"}
	e.backend.mu.Unlock()

	v, err := q.Fetch(ctx, struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"kraken"}, v, "stale data is returned at once")

	require.Eventually(t, func() bool {
		st, ok := q.Peek(struct{}{})
		return ok && len(st.Data) == 2 && !st.Fetching
	}, 2*time.Second, 10*time.Millisecond)
}

func TestQuery_InvalidPayloadNeverReachesCaller(t *testing.T) {
	e := newEnv(t)
	q := DefineQuery(e.client, QueryDef[struct{}, []string]{
		Endpoint: transport.MustEndpoint("bad", "GET", "bad", transport.KindQuery),
		Schema:   schema.For[[]string](),
	})

	v, err := q.Fetch(context.Background(), struct{}{})
	assert.Nil(t, v)
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, qe.Kind)
	assert.Equal(t, OpQuery, qe.Op)
	require.Len(t, qe.Violations, 1)
	assert.Equal(t, "[1]", qe.Violations[0].Path)

	st, ok := q.Peek(struct{}{})
	assert.False(t, ok)
	assert.Error(t, st.Err)
}

func TestQuery_MissingParamFailsBeforeNetwork(t *testing.T) {
	e := newEnv(t)
	q := DefineQuery(e.client, QueryDef[string, []string]{
		Endpoint: transport.MustEndpoint("accounts", "GET", "blockchains/{chain}", transport.KindQuery),
		Schema:   schema.For[[]string](),
		Params:   func(chain string) map[string]string { return map[string]string{"chain": chain} },
	})

	_, err := q.Fetch(context.Background(), "")
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindConfiguration, qe.Kind)
	assert.Contains(t, qe.Message, "chain")
	assert.Equal(t, 0, e.backend.Hits("GET /api/1/blockchains/"))
}

func TestQuery_KeyIncludesSortedQuery(t *testing.T) {
	e := newEnv(t)
	a, err := e.trades.Key(tradePage{Offset: 10, Limit: 5})
	require.NoError(t, err)
	b, err := e.trades.Key(tradePage{Offset: 10, Limit: 5})
	require.NoError(t, err)
	c, err := e.trades.Key(tradePage{Offset: 0, Limit: 5})
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, "GET trades?limit=5&offset=10", a)
}

func TestQuery_WatchLoadsAndStops(t *testing.T) {
	e := newEnv(t)
	gate := make(chan struct{})
	e.backend.SetGate(gate)
	var seen states[[]string]

	stop, err := e.ignored.Watch(struct{}{}, seen.add)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return seen.last().Loading }, 2*time.Second, 5*time.Millisecond)
	assert.False(t, seen.last().HasData)

	close(gate)
	require.Eventually(t, func() bool {
		st := seen.last()
		return st.HasData && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"BTC"}, seen.last().Data)
	assert.False(t, seen.last().Loading)

	stop()
	n := len(seen.snapshot())
	e.client.Cache().Set(mustKey(t, e.ignored), []string{"X"})
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, seen.snapshot(), n)
}

func mustKey[P, T any](t *testing.T, q *Query[P, T]) string {
	t.Helper()
	var p P
	k, err := q.Key(p)
	require.NoError(t, err)
	return k
}

// =============================================================================
// Mutations
// =============================================================================

func TestMutation_RefetchesWatchersExactlyOnce(t *testing.T) {
	e := newEnv(t)
	var seen states[[]string]
	stop, err := e.exchanges.Watch(struct{}{}, seen.add)
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool {
		st := seen.last()
		return st.HasData && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)

	ok, err := e.addExchange.Do(context.Background(), exchangeBody{Name: "binance"})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool {
		st := seen.last()
		return len(st.Data) == 2 && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"kraken", "binance"}, seen.last().Data)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 2, e.backend.Hits("GET /api/1/exchanges"))
}

func TestMutation_FailureDoesNotInvalidate(t *testing.T) {
	e := newEnv(t)
	var seen states[[]string]
	stop, err := e.exchanges.Watch(struct{}{}, seen.add)
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool {
		st := seen.last()
		return st.HasData && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)

	e.backend.Fail("PUT /api/1/exchanges", http.StatusInternalServerError)
	_, err = e.addExchange.Do(context.Background(), exchangeBody{Name: "binance"})
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTP, qe.Kind)
	assert.Equal(t, http.StatusInternalServerError, qe.Status)
	assert.Equal(t, "backend refused", qe.Message)
	assert.True(t, qe.Retryable())

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, e.backend.Hits("GET /api/1/exchanges"))
	assert.False(t, seen.last().Stale)
}

func TestMutation_DoubleInvalidationRefetchesOnce(t *testing.T) {
	e := newEnv(t)
	stop, err := e.ignored.Watch(struct{}{}, func(State[[]string]) {})
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool {
		st, ok := e.ignored.Peek(struct{}{})
		return ok && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)

	gate := make(chan struct{})
	e.backend.SetGate(gate)
	go func() { _, _ = e.ignored.Refetch(context.Background(), struct{}{}) }()
	require.Eventually(t, func() bool { return e.backend.Hits(ignoredGET) == 2 }, 2*time.Second, 5*time.Millisecond)

	e.client.Invalidate(cache.T("IgnoredAsset"))
	e.client.Invalidate(cache.T("IgnoredAsset"))
	close(gate)

	require.Eventually(t, func() bool {
		st, _ := e.ignored.Peek(struct{}{})
		return e.backend.Hits(ignoredGET) == 3 && !st.Fetching && !st.Stale
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 3, e.backend.Hits(ignoredGET), "one follow-up for both invalidations")
}

func TestMutation_OverlappingFetchDoesNotHideWrite(t *testing.T) {
	e := newEnv(t)
	var seen states[[]string]
	stop, err := e.ignored.Watch(struct{}{}, seen.add)
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool {
		st := seen.last()
		return st.HasData && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)

	// a poll is in flight with the pre-mutation list when the write lands
	gate := make(chan struct{})
	e.backend.SetGate(gate)
	go func() { _, _ = e.ignored.Refetch(context.Background(), struct{}{}) }()
	require.Eventually(t, func() bool { return e.backend.Hits(ignoredGET) == 2 }, 2*time.Second, 5*time.Millisecond)

	_, err = e.addIgnored.Do(context.Background(), ignoreBody{Assets: []string{"ETH"}})
	require.NoError(t, err)
	close(gate)

	require.Eventually(t, func() bool {
		st := seen.last()
		return slices.Equal(st.Data, []string{"BTC", "ETH"}) && !st.Stale && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)

	got, err := e.ignored.Fetch(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, got)
}

func TestMutation_RequestBodyValidated(t *testing.T) {
	e := newEnv(t)
	_, err := e.addIgnored.Do(context.Background(), ignoreBody{Assets: []string{"bad asset"}})
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindValidation, qe.Kind)
	assert.Equal(t, []string{"assets[0]"}, pathsOf(qe.Violations))
	assert.Equal(t, 0, e.backend.Hits("PUT /api/1/assets/ignored"))
}

func pathsOf(vs []schema.Violation) []string {
	out := make([]string, len(vs))
	for i, v := range vs {
		out[i] = v.Path
	}
	return out
}

func TestMutation_OptimisticRollbackRestoresPriorState(t *testing.T) {
	e := newEnv(t)
	var seen states[[]string]
	stop, err := e.ignored.Watch(struct{}{}, seen.add)
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool {
		st, ok := e.ignored.Peek(struct{}{})
		return ok && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)
	before, _ := e.ignored.Peek(struct{}{})

	e.backend.Fail("PUT /api/1/assets/ignored", http.StatusConflict)
	patch := UpdateQueryData(e.ignored, struct{}{}, func(list []string) []string {
		return append(list, "ETH")
	})
	_, err = e.addIgnored.DoOptimistic(context.Background(), ignoreBody{Assets: []string{"ETH"}}, patch)
	require.Error(t, err)

	after, ok := e.ignored.Peek(struct{}{})
	require.True(t, ok)
	assert.Equal(t, before, after)

	require.Eventually(t, func() bool {
		return slices.Equal(seen.last().Data, []string{"BTC"})
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, e.backend.Hits(ignoredGET))
}

func TestMutation_OptimisticSuccessInvalidates(t *testing.T) {
	e := newEnv(t)
	stop, err := e.ignored.Watch(struct{}{}, func(State[[]string]) {})
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool {
		st, ok := e.ignored.Peek(struct{}{})
		return ok && !st.Fetching
	}, 2*time.Second, 5*time.Millisecond)

	patch := UpdateQueryData(e.ignored, struct{}{}, func(list []string) []string {
		return append(list, "ETH")
	})
	got, err := e.addIgnored.DoOptimistic(context.Background(), ignoreBody{Assets: []string{"ETH"}}, patch)
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC", "ETH"}, got)

	require.Eventually(t, func() bool {
		return e.backend.Hits(ignoredGET) == 2
	}, 2*time.Second, 5*time.Millisecond)
	st, _ := e.ignored.Peek(struct{}{})
	assert.Equal(t, []string{"BTC", "ETH"}, st.Data)
}

func TestMutation_PatchOnUncachedQueryIsNoop(t *testing.T) {
	e := newEnv(t)
	patch := UpdateQueryData(e.ignored, struct{}{}, func(list []string) []string {
		t.Fatal("updater must not run without cached data")
		return list
	})
	_, err := e.addIgnored.DoOptimistic(context.Background(), ignoreBody{Assets: []string{"ETH"}}, patch)
	require.NoError(t, err)
}

// =============================================================================
// Session expiry, prefetch, warm start
// =============================================================================

func TestClient_UnauthorizedDropsCache(t *testing.T) {
	e := newEnv(t)
	users := DefineQuery(e.client, QueryDef[struct{}, []string]{
		Endpoint: transport.MustEndpoint("users", "GET", "users", transport.KindQuery),
		Schema:   schema.For[[]string](),
	})
	e.client.Session().Set("alice", "tok")

	_, err := e.ignored.Fetch(context.Background(), struct{}{})
	require.NoError(t, err)

	_, err = users.Fetch(context.Background(), struct{}{})
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.True(t, qe.Unauthorized())
	assert.True(t, errors.Is(err, transport.ErrUnauthorized))

	assert.False(t, e.client.Session().Authenticated())
	_, ok = e.ignored.Peek(struct{}{})
	assert.False(t, ok)
}

func TestClient_Prefetch(t *testing.T) {
	e := newEnv(t)
	err := e.client.Prefetch(context.Background(),
		func(ctx context.Context) error { _, err := e.ignored.Fetch(ctx, struct{}{}); return err },
		func(ctx context.Context) error { _, err := e.exchanges.Fetch(ctx, struct{}{}); return err },
	)
	require.NoError(t, err)
	_, ok := e.ignored.Peek(struct{}{})
	assert.True(t, ok)
	_, ok = e.exchanges.Peek(struct{}{})
	assert.True(t, ok)

	bad := DefineQuery(e.client, QueryDef[struct{}, []string]{
		Endpoint: transport.MustEndpoint("bad", "GET", "bad", transport.KindQuery),
		Schema:   schema.For[[]string](),
	})
	err = e.client.Prefetch(context.Background(),
		func(ctx context.Context) error { _, err := bad.Fetch(ctx, struct{}{}); return err },
	)
	assert.Error(t, err)
}

type memPersister struct {
	mu      sync.Mutex
	records map[string]json.RawMessage
	tags    map[string][]cache.Tag
	savedAt time.Time
}

func newMemPersister() *memPersister {
	return &memPersister{
		records: map[string]json.RawMessage{},
		tags:    map[string][]cache.Tag{},
		savedAt: time.Now().Add(-time.Hour),
	}
}

func (m *memPersister) Load(key string) (json.RawMessage, time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.records[key]
	return raw, m.savedAt, ok, nil
}

func (m *memPersister) Save(key string, raw json.RawMessage, tags []cache.Tag) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = raw
	m.tags[key] = tags
	return nil
}

func (m *memPersister) DeleteTags(tags ...cache.Tag) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, have := range m.tags {
		for _, inv := range tags {
			if slices.ContainsFunc(have, inv.Matches) {
				delete(m.records, key)
				delete(m.tags, key)
				n++
				break
			}
		}
	}
	return n, nil
}

func TestQuery_WarmStartFromPersister(t *testing.T) {
	p := newMemPersister()
	e := newEnv(t, WithPersister(p))
	key := mustKey(t, e.ignored)
	p.records[key] = json.RawMessage(`["DOGE"]`)

	v, err := e.ignored.Fetch(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"DOGE"}, v, "persisted payload is served first")

	require.Eventually(t, func() bool {
		st, ok := e.ignored.Peek(struct{}{})
		return ok && slices.Equal(st.Data, []string{"BTC"}) && !st.Stale
	}, 2*time.Second, 10*time.Millisecond)

	p.mu.Lock()
	assert.JSONEq(t, `["BTC"]`, string(p.records[key]))
	p.mu.Unlock()

	e.client.Invalidate(cache.T("IgnoredAsset"))
	p.mu.Lock()
	assert.Empty(t, p.records)
	p.mu.Unlock()
}

func TestQuery_FetchFreshSkipsPersistedPayload(t *testing.T) {
	p := newMemPersister()
	e := newEnv(t, WithPersister(p))
	key := mustKey(t, e.ignored)
	p.records[key] = json.RawMessage(`["DOGE"]`)

	st, err := e.ignored.FetchFresh(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC"}, st.Data)
	assert.False(t, st.Stale)
	assert.NoError(t, st.Err)
	assert.False(t, st.UpdatedAt.IsZero())
	assert.Equal(t, 1, e.backend.Hits(ignoredGET))

	p.mu.Lock()
	assert.JSONEq(t, `["BTC"]`, string(p.records[key]), "the snapshot is refreshed")
	p.mu.Unlock()

	// cached data does not short-circuit either
	_, err = e.ignored.FetchFresh(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, 2, e.backend.Hits(ignoredGET))
}

func TestQuery_FetchFreshFallsBackWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL
	srv.Close()

	tc, err := transport.New(transport.Config{BaseURL: base, Timeout: time.Second}, nil)
	require.NoError(t, err)
	c := cache.New(cache.WithSweepInterval(0))
	t.Cleanup(c.Close)
	p := newMemPersister()
	cl := New(tc, c, WithPersister(p))
	ignored := DefineQuery(cl, QueryDef[struct{}, []string]{
		Endpoint: transport.MustEndpoint("assets.ignored", "GET", "assets/ignored", transport.KindQuery),
		Schema:   schema.For[[]string](),
		Tags:     []cache.Tag{cache.T("IgnoredAsset")},
		Persist:  true,
	})

	_, err = ignored.FetchFresh(context.Background(), struct{}{})
	qe, ok := AsError(err)
	require.True(t, ok, "nothing saved to fall back on")
	assert.Equal(t, KindNetwork, qe.Kind)

	p.records[mustKey(t, ignored)] = json.RawMessage(`["DOGE"]`)
	st, err := ignored.FetchFresh(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"DOGE"}, st.Data)
	assert.True(t, st.Stale)
	assert.Error(t, st.Err)
	assert.Equal(t, p.savedAt, st.UpdatedAt)
}

func TestQuery_FetchFreshReturnsBackendErrors(t *testing.T) {
	p := newMemPersister()
	e := newEnv(t, WithPersister(p))
	p.records[mustKey(t, e.ignored)] = json.RawMessage(`["DOGE"]`)
	e.backend.Fail(ignoredGET, http.StatusInternalServerError)

	_, err := e.ignored.FetchFresh(context.Background(), struct{}{})
	qe, ok := AsError(err)
	require.True(t, ok)
	assert.Equal(t, KindHTTP, qe.Kind)
	assert.Equal(t, http.StatusInternalServerError, qe.Status)
}

func TestQuery_WarmStartSkipsInvalidPayload(t *testing.T) {
	p := newMemPersister()
	e := newEnv(t, WithPersister(p))
	p.records[mustKey(t, e.ignored)] = json.RawMessage(`[1, 2]`)

	v, err := e.ignored.Fetch(context.Background(), struct{}{})
	require.NoError(t, err)
	assert.Equal(t, []string{"BTC"}, v)
}

// =============================================================================
// Polling and pagination
// =============================================================================

func TestPoller_AdaptiveInterval(t *testing.T) {
	e := newEnv(t)
	pl, err := e.exchanges.Poll(struct{}{}, PollConfig{}, func(State[[]string]) {})
	require.NoError(t, err)
	defer pl.Stop()

	assert.True(t, pl.Active())
	assert.Equal(t, 30*time.Second, pl.Interval())
	pl.SetActive(false)
	assert.Equal(t, 150*time.Second, pl.Interval())
	pl.SetActive(true)
	assert.Equal(t, 30*time.Second, pl.Interval())
}

func TestPoller_PollsWithoutOverlapAndStops(t *testing.T) {
	e := newEnv(t)
	e.backend.SetDelay(30 * time.Millisecond)

	pl, err := e.exchanges.Poll(struct{}{}, PollConfig{Interval: 5 * time.Millisecond}, func(State[[]string]) {})
	require.NoError(t, err)

	require.Eventually(t, func() bool { return pl.Polls() >= 3 }, 3*time.Second, 5*time.Millisecond)
	pl.Stop()
	pl.Stop()

	hits := e.backend.Hits("GET /api/1/exchanges")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, hits, e.backend.Hits("GET /api/1/exchanges"), "no requests after Stop")
	assert.Equal(t, int32(1), e.backend.maxInFlight.Load(), "polls never overlap")
}

func TestPoller_InactiveSlowsDown(t *testing.T) {
	e := newEnv(t)
	pl, err := e.exchanges.Poll(struct{}{}, PollConfig{Interval: 10 * time.Millisecond, InactiveMultiplier: 100, StartInactive: true}, func(State[[]string]) {})
	require.NoError(t, err)
	defer pl.Stop()

	time.Sleep(60 * time.Millisecond)
	assert.Zero(t, pl.Polls())

	pl.SetActive(true)
	require.Eventually(t, func() bool { return pl.Polls() >= 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPoller_ActivityChangeKeepsElapsedWait(t *testing.T) {
	e := newEnv(t)
	pl, err := e.exchanges.Poll(struct{}{}, PollConfig{Interval: 400 * time.Millisecond, InactiveMultiplier: 10, StartInactive: true}, func(State[[]string]) {})
	require.NoError(t, err)
	defer pl.Stop()

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, pl.Polls())

	// the active interval has already elapsed, so the poll is due now
	pl.SetActive(true)
	require.Eventually(t, func() bool { return pl.Polls() == 1 }, 250*time.Millisecond, 5*time.Millisecond)

	// switching to inactive right after a poll waits the long interval
	pl.SetActive(false)
	time.Sleep(600 * time.Millisecond)
	assert.Equal(t, int64(1), pl.Polls())
}

func TestPaginator(t *testing.T) {
	e := newEnv(t)
	pg := NewPaginator(e.trades, tradePage{}, 10, func(_ tradePage, offset, limit int) tradePage {
		return tradePage{Offset: offset, Limit: limit}
	})
	ctx := context.Background()

	page, err := pg.Current(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, page.Entries[0])

	page, err = pg.NextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, pg.Page())
	assert.Equal(t, 10, page.Entries[0])

	page, err = pg.GoToPage(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{20, 21, 22, 23, 24}, page.Entries)

	page, err = pg.ChangeLimit(ctx, 5)
	require.NoError(t, err)
	assert.Equal(t, 0, pg.Page())
	assert.Equal(t, 5, pg.Limit())
	assert.Equal(t, []int{0, 1, 2, 3, 4}, page.Entries)

	_, err = pg.PrevPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, pg.Page())

	_, err = pg.GoToPage(ctx, -3)
	require.NoError(t, err)
	assert.Equal(t, 0, pg.Page())
	assert.Equal(t, tradePage{Offset: 0, Limit: 5}, pg.Params())
}

func TestError_Format(t *testing.T) {
	err := &Error{Op: OpQuery, Kind: KindHTTP, Endpoint: "balances", Status: 500, Message: "boom"}
	assert.Equal(t, "query balances: http (status 500): boom", err.Error())
	err = &Error{Op: OpMutation, Kind: KindNetwork, Endpoint: "trades.add", Message: "Unable to reach the server"}
	assert.Equal(t, "mutation trades.add: network: Unable to reach the server", err.Error())
	assert.True(t, err.Retryable())
	assert.Equal(t, context.Canceled, wrap(OpQuery, "x", context.Canceled))
}
