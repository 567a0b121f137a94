// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/api"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/persist"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/query"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/transport"
	"github.com/AleutianAI/AleutianFolio/services/fakebackend"
)

type harness struct {
	backend *fakebackend.Server
	api     *api.API
	store   *persist.Store
}

func newHarness(t *testing.T, opts fakebackend.Options, persisted bool) *harness {
	t.Helper()
	be := fakebackend.New(opts)
	srv := httptest.NewServer(be.Handler())
	t.Cleanup(srv.Close)
	t.Cleanup(be.Close)

	tc, err := transport.New(transport.Config{BaseURL: srv.URL, Timeout: 5 * time.Second}, nil)
	require.NoError(t, err)
	c := cache.New(cache.WithSweepInterval(0))
	t.Cleanup(c.Close)

	h := &harness{backend: be}
	var qopts []query.Option
	if persisted {
		h.store, err = persist.Open(persist.InMemoryConfig())
		require.NoError(t, err)
		t.Cleanup(func() { _ = h.store.Close() })
		qopts = append(qopts, query.WithPersister(h.store))
	}
	h.api = api.New(query.New(tc, c, qopts...))
	return h
}

func (h *harness) login(t *testing.T) {
	t.Helper()
	_, err := h.api.Login.Do(context.Background(), api.LoginRequest{Name: "alice", Password: "secret"})
	require.NoError(t, err)
}

type states[T any] struct {
	mu  sync.Mutex
	all []query.State[T]
}

func (s *states[T]) add(st query.State[T]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.all = append(s.all, st)
}

func (s *states[T]) last() query.State[T] {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.all) == 0 {
		return query.State[T]{}
	}
	return s.all[len(s.all)-1]
}

func TestLoginFallsBackToPost(t *testing.T) {
	h := newHarness(t, fakebackend.Options{RejectPatchLogin: true}, false)

	res, err := h.api.Login.Do(context.Background(), api.LoginRequest{Name: "alice", Password: "secret"})
	require.NoError(t, err)
	assert.Equal(t, "alice", res.Username)
	require.NotNil(t, res.Settings)
	assert.Equal(t, "USD", res.Settings.MainCurrency)

	session := h.api.Client().Session()
	assert.True(t, session.Authenticated())
	assert.Equal(t, "alice", session.Username())
	assert.Equal(t, res.Token, session.Token())

	assert.Equal(t, 1, h.backend.Hits(http.MethodPatch, "users/alice"))
	assert.Equal(t, 1, h.backend.Hits(http.MethodPost, "users/alice"))
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)

	_, err := h.api.Login.Do(context.Background(), api.LoginRequest{Name: "alice", Password: "wrong"})
	require.Error(t, err)
	qe, ok := query.AsError(err)
	require.True(t, ok)
	assert.Equal(t, query.KindApplication, qe.Kind)
	assert.Equal(t, "invalid credentials", qe.Message)
	assert.False(t, h.api.Client().Session().Authenticated())
}

func TestProtectedRouteWithoutLogin(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)

	_, err := h.api.Balances.Fetch(context.Background(), api.None{})
	require.Error(t, err)
	qe, ok := query.AsError(err)
	require.True(t, ok)
	assert.True(t, qe.Unauthorized())
}

func TestIgnoringAssetRefreshesBalances(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)

	seen := &states[api.Balances]{}
	stop, err := h.api.Balances.Watch(api.None{}, seen.add)
	require.NoError(t, err)
	defer stop()

	require.Eventually(t, func() bool {
		st := seen.last()
		_, spam := st.Data.Assets["SPAM"]
		return st.HasData && spam
	}, 2*time.Second, 5*time.Millisecond)

	ignored, err := h.api.AddIgnored.Do(context.Background(), api.AssetList{Assets: []string{"SPAM"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"SPAM"}, ignored)

	require.Eventually(t, func() bool {
		st := seen.last()
		_, spam := st.Data.Assets["SPAM"]
		return st.HasData && !st.Fetching && !spam
	}, 2*time.Second, 5*time.Millisecond)
	assert.GreaterOrEqual(t, h.backend.Hits(http.MethodGet, "balances/"), 2)

	list, err := h.api.IgnoredAssets.Fetch(context.Background(), api.None{})
	require.NoError(t, err)
	assert.Equal(t, []string{"SPAM"}, list)
}

func TestSetupExchangeRefreshesWatchers(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)

	seen := &states[[]api.Exchange]{}
	stop, err := h.api.Exchanges.Watch(api.None{}, seen.add)
	require.NoError(t, err)
	defer stop()
	require.Eventually(t, func() bool { return len(seen.last().Data) == 1 }, 2*time.Second, 5*time.Millisecond)

	ok, err := h.api.SetupExchange.Do(context.Background(), api.ExchangeSetup{
		Name: "Main", Location: "binance", APIKey: "key", APISecret: "secret",
	})
	require.NoError(t, err)
	assert.True(t, ok)

	require.Eventually(t, func() bool { return len(seen.last().Data) == 2 }, 2*time.Second, 5*time.Millisecond)

	bal, err := h.api.ExchangeBalances.Fetch(context.Background(), "binance")
	require.NoError(t, err)
	assert.Contains(t, bal, "BTC")
}

func TestTradePagination(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)
	ctx := context.Background()

	pages := h.api.TradePages(api.Filter{Location: "kraken"}, 10)
	first, err := pages.Current(ctx)
	require.NoError(t, err)
	assert.Len(t, first.Entries, 10)
	assert.Equal(t, 25, first.EntriesFound)
	assert.Equal(t, "t0001", first.Entries[0].TradeID)

	last, err := pages.GoToPage(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, last.Entries, 5)
	assert.Equal(t, "t0021", last.Entries[0].TradeID)

	back, err := pages.PrevPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "t0011", back.Entries[0].TradeID)
	assert.Equal(t, 1, pages.Page())
}

func TestMutationBodyValidation(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)

	_, err := h.api.AddTrade.Do(context.Background(), api.TradeInput{
		Timestamp: 1700000000, Location: "kraken", BaseAsset: "BTC", QuoteAsset: "EUR",
		TradeType: "hold", Amount: "1", Rate: "abc",
	})
	require.Error(t, err)
	qe, ok := query.AsError(err)
	require.True(t, ok)
	assert.Equal(t, query.KindValidation, qe.Kind)
	paths := make([]string, len(qe.Violations))
	for i, v := range qe.Violations {
		paths[i] = v.Path
	}
	assert.Contains(t, paths, "trade_type")
	assert.Contains(t, paths, "rate")
	assert.Zero(t, h.backend.Hits(http.MethodPut, "trades"))

	_, err = h.api.ChangePassword.Do(context.Background(), api.ChangePasswordRequest{
		Username: "alice", CurrentPassword: "secret", NewPassword: "secret",
	})
	qe, ok = query.AsError(err)
	require.True(t, ok)
	assert.Equal(t, query.KindValidation, qe.Kind)
}

func TestAddTradeInvalidatesTrades(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)
	ctx := context.Background()

	before, err := h.api.Trades.Fetch(ctx, api.Filter{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 25, before.EntriesTotal)

	created, err := h.api.AddTrade.Do(ctx, api.TradeInput{
		Timestamp: 1700000000, Location: "kraken", BaseAsset: "ETH", QuoteAsset: "EUR",
		TradeType: "buy", Amount: "2", Rate: "1800",
	})
	require.NoError(t, err)
	assert.Equal(t, "t0026", created.TradeID)

	after, err := h.api.Trades.Fetch(ctx, api.Filter{Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 26, after.EntriesTotal)

	ok, err := h.api.DeleteTrades.Do(ctx, api.TradeIDs{TradesIDs: []string{created.TradeID}})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLogoutClearsSessionAndCache(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)
	ctx := context.Background()

	_, err := h.api.Balances.Fetch(ctx, api.None{})
	require.NoError(t, err)
	require.Positive(t, h.api.Client().Cache().Len())

	ok, err := h.api.Logout.Do(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, h.api.Client().Session().Authenticated())
	assert.Zero(t, h.api.Client().Cache().Len())
}

func TestExpiredSessionDropsCache(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)
	ctx := context.Background()

	_, err := h.api.NetValue.Fetch(ctx, api.None{})
	require.NoError(t, err)

	h.backend.ExpireSessions()
	_, err = h.api.Balances.Refetch(ctx, api.None{})
	require.Error(t, err)
	qe, ok := query.AsError(err)
	require.True(t, ok)
	assert.True(t, qe.Unauthorized())

	assert.False(t, h.api.Client().Session().Authenticated())
	st, _ := h.api.NetValue.Peek(api.None{})
	assert.False(t, st.HasData)
}

func TestPersistedQueriesSurviveAndInvalidate(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, true)
	h.login(t)
	ctx := context.Background()

	_, err := h.api.Balances.Fetch(ctx, api.None{})
	require.NoError(t, err)
	_, err = h.api.AllAssets.Fetch(ctx, api.None{})
	require.NoError(t, err)

	keys, err := h.store.Keys()
	require.NoError(t, err)
	assert.Len(t, keys, 2)

	_, err = h.api.AddIgnored.Do(ctx, api.AssetList{Assets: []string{"SPAM"}})
	require.NoError(t, err)

	// Balance and Asset are both invalidated, so both payloads go.
	keys, err = h.store.Keys()
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestPricesAndDistribution(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)
	ctx := context.Background()

	prices, err := h.api.CurrentPrices.Fetch(ctx, api.PriceRequest{Assets: []string{"BTC", "ETH"}})
	require.NoError(t, err)
	assert.Equal(t, "USD", prices.TargetAsset)
	assert.Equal(t, "30000", prices.Assets["BTC"])

	h.backend.SetPrice("BTC", 31000)
	n := h.api.Client().Invalidate(cache.TID(api.TagPrice, "BTC"))
	assert.Equal(t, 1, n)
	prices, err = h.api.CurrentPrices.Refetch(ctx, api.PriceRequest{Assets: []string{"BTC", "ETH"}})
	require.NoError(t, err)
	assert.Equal(t, "31000", prices.Assets["BTC"])

	byAsset, err := h.api.ValueDistribution.Fetch(ctx, api.DistributionByAsset)
	require.NoError(t, err)
	assert.NotEmpty(t, byAsset)
	for _, e := range byAsset {
		assert.NotEmpty(t, e.Asset)
	}
}

func TestBlockchainAccounts(t *testing.T) {
	h := newHarness(t, fakebackend.Options{}, false)
	h.login(t)
	ctx := context.Background()

	accts, err := h.api.Accounts.Fetch(ctx, "ETH")
	require.NoError(t, err)
	require.Len(t, accts, 1)
	assert.Nil(t, accts[0].Label)

	label := "cold"
	_, err = h.api.AddAccounts.Do(ctx, api.AccountsRequest{
		Chain:    "ETH",
		Accounts: []api.BlockchainAccount{{Address: "0x0000000000000000000000000000000000000001", Label: &label}},
	})
	require.NoError(t, err)

	accts, err = h.api.Accounts.Fetch(ctx, "ETH")
	require.NoError(t, err)
	assert.Len(t, accts, 2)

	defi, err := h.api.DeFi.Fetch(ctx, api.DeFiRequest{Protocol: "aave", Resource: "balances"})
	require.NoError(t, err)
	assert.Len(t, defi, 2)
}
