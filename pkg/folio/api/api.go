// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package api declares every query and mutation of the portfolio backend
// on top of package query.
//
// # Description
//
// Each resource type the backend serves has a tag (see TagBalance and
// friends). Queries provide tags, mutations invalidate them, so after a
// confirmed write every watched query whose data may have changed is
// refetched:
//
//	PUT exchanges      -> Exchange, Balance
//	PUT trades         -> Trade, Balance, Statistics
//	PUT assets/ignored -> Asset, Balance
//
// Login stores the session on success. Logout clears it and drops all
// cached data.
package api

import (
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/cache"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/query"
	"github.com/AleutianAI/AleutianFolio/pkg/folio/schema"
)

// API holds the typed operations of the backend.
type API struct {
	client *query.Client

	Users          *query.Query[None, Users]
	Register       *query.Mutation[RegisterRequest, LoginResult]
	Login          *query.Mutation[LoginRequest, LoginResult]
	Logout         *query.Mutation[string, bool]
	ChangePassword *query.Mutation[ChangePasswordRequest, bool]

	Exchanges        *query.Query[None, []Exchange]
	SetupExchange    *query.Mutation[ExchangeSetup, bool]
	EditExchange     *query.Mutation[ExchangeEdit, bool]
	RemoveExchange   *query.Mutation[ExchangeRef, bool]
	ExchangeBalances *query.Query[string, ExchangeBalances]

	Trades       *query.Query[Filter, Collection[Trade]]
	AddTrade     *query.Mutation[TradeInput, Trade]
	EditTrade    *query.Mutation[Trade, Trade]
	DeleteTrades *query.Mutation[TradeIDs, bool]

	AssetMovements *query.Query[Filter, Collection[AssetMovement]]

	LedgerActions       *query.Query[Filter, Collection[LedgerAction]]
	AddLedgerAction     *query.Mutation[LedgerActionInput, LedgerActionID]
	EditLedgerAction    *query.Mutation[LedgerAction, bool]
	DeleteLedgerActions *query.Mutation[LedgerActionIDs, bool]

	AllAssets     *query.Query[None, map[string]AssetInfo]
	IgnoredAssets *query.Query[None, []string]
	AddIgnored    *query.Mutation[AssetList, []string]
	RemoveIgnored *query.Mutation[AssetList, []string]
	AddToken      *query.Mutation[EthereumToken, AssetIdentifier]
	EditToken     *query.Mutation[EthereumToken, AssetIdentifier]
	DeleteToken   *query.Mutation[TokenAddress, AssetIdentifier]
	CurrentPrices *query.Query[PriceRequest, Prices]

	Accounts       *query.Query[string, []BlockchainAccount]
	AddAccounts    *query.Mutation[AccountsRequest, BlockchainBalances]
	EditAccounts   *query.Mutation[AccountsRequest, []BlockchainAccount]
	RemoveAccounts *query.Mutation[AccountRemoval, BlockchainBalances]
	AddXpub        *query.Mutation[XpubRequest, BlockchainBalances]
	EditXpub       *query.Mutation[XpubRequest, BlockchainBalances]
	RemoveXpub     *query.Mutation[XpubRequest, BlockchainBalances]
	DeFi           *query.Query[DeFiRequest, DeFiPositions]

	Balances           *query.Query[None, Balances]
	BlockchainBalances *query.Query[string, BlockchainBalances]
	NetValue           *query.Query[None, NetValue]
	ValueDistribution  *query.Query[string, []DistributionEntry]

	ExternalServices       *query.Query[None, ExternalServices]
	SetExternalServices    *query.Mutation[ServiceKeys, ExternalServices]
	DeleteExternalServices *query.Mutation[ServiceNames, ExternalServices]
}

// New defines every operation on c.
func New(c *query.Client) *API {
	a := &API{client: c}
	a.defineAuth()
	a.defineExchanges()
	a.defineHistory()
	a.defineAssets()
	a.defineBlockchains()
	a.defineStatistics()
	return a
}

// Client returns the underlying query client.
func (a *API) Client() *query.Client { return a.client }

// =============================================================================
// Users and session
// =============================================================================

func (a *API) defineAuth() {
	c := a.client

	a.Users = query.DefineQuery(c, query.QueryDef[None, Users]{
		Endpoint: EpUsers,
		Schema:   schema.For[Users](schema.WithRootRule("dive,oneof=loggedin loggedout")),
		Tags:     tags(TagUser),
	})

	a.Register = query.DefineMutation(c, query.MutationDef[RegisterRequest, LoginResult]{
		Endpoint:     EpRegister,
		Schema:       schema.For[LoginResult](),
		ValidateBody: true,
		Invalidates:  tags(TagUser),
		OnSuccess: func(b RegisterRequest, r LoginResult) {
			a.startSession(b.Name, r)
		},
	})

	a.Login = query.DefineMutation(c, query.MutationDef[LoginRequest, LoginResult]{
		Endpoint: EpLogin,
		Schema:   schema.For[LoginResult](),
		Params:   func(b LoginRequest) map[string]string { return map[string]string{"username": b.Name} },
		Body: func(b LoginRequest) any {
			approval := b.SyncApproval
			if approval == "" {
				approval = "unknown"
			}
			return loginBody{Action: "login", Name: b.Name, Password: b.Password, SyncApproval: approval}
		},
		ValidateBody: true,
		Invalidates:  tags(TagUser),
		OnSuccess: func(b LoginRequest, r LoginResult) {
			a.startSession(b.Name, r)
		},
	})

	a.Logout = query.DefineMutation(c, query.MutationDef[string, bool]{
		Endpoint:     EpLogout,
		Schema:       schema.For[bool](),
		Params:       func(user string) map[string]string { return map[string]string{"username": user} },
		Body:         func(string) any { return logoutBody{Action: "logout"} },
		ValidateBody: true,
		Invalidates:  tags(TagUser),
		OnSuccess: func(string, bool) {
			c.Session().Clear()
			c.Cache().Reset()
		},
	})

	a.ChangePassword = query.DefineMutation(c, query.MutationDef[ChangePasswordRequest, bool]{
		Endpoint:     EpChangePassword,
		Schema:       schema.For[bool](),
		Params:       func(b ChangePasswordRequest) map[string]string { return map[string]string{"username": b.Username} },
		ValidateBody: true,
	})
}

// startSession records a login. The backend may answer with its own
// spelling of the user name and, optionally, a bearer token.
func (a *API) startSession(name string, r LoginResult) {
	if r.Username != "" {
		name = r.Username
	}
	a.client.Session().Set(name, r.Token)
}

// =============================================================================
// Exchanges
// =============================================================================

func (a *API) defineExchanges() {
	c := a.client

	a.Exchanges = query.DefineQuery(c, query.QueryDef[None, []Exchange]{
		Endpoint: EpExchanges,
		Schema:   schema.For[[]Exchange](),
		Tags:     tags(TagExchange),
		Persist:  true,
	})

	exchangeWrite := tags(TagExchange, TagBalance)
	a.SetupExchange = query.DefineMutation(c, query.MutationDef[ExchangeSetup, bool]{
		Endpoint:     EpSetupExchange,
		Schema:       schema.For[bool](),
		ValidateBody: true,
		Invalidates:  exchangeWrite,
	})
	a.EditExchange = query.DefineMutation(c, query.MutationDef[ExchangeEdit, bool]{
		Endpoint:     EpEditExchange,
		Schema:       schema.For[bool](),
		ValidateBody: true,
		Invalidates:  exchangeWrite,
	})
	a.RemoveExchange = query.DefineMutation(c, query.MutationDef[ExchangeRef, bool]{
		Endpoint:     EpRemoveExchange,
		Schema:       schema.For[bool](),
		ValidateBody: true,
		Invalidates:  exchangeWrite,
	})

	a.ExchangeBalances = query.DefineQuery(c, query.QueryDef[string, ExchangeBalances]{
		Endpoint: EpExchangeBalances,
		Schema:   schema.For[ExchangeBalances](),
		Params:   func(loc string) map[string]string { return map[string]string{"location": loc} },
		Tags:     tags(TagBalance, TagExchange),
		TagsFor: func(loc string, _ ExchangeBalances) []cache.Tag {
			return []cache.Tag{cache.TID(TagBalance, loc), cache.TID(TagExchange, loc)}
		},
		Policy: cache.Policy{RetentionTime: time.Minute},
	})
}

// =============================================================================
// Trades, movements and ledger actions
// =============================================================================

func (a *API) defineHistory() {
	c := a.client

	a.Trades = query.DefineQuery(c, query.QueryDef[Filter, Collection[Trade]]{
		Endpoint: EpTrades,
		Schema:   schema.For[Collection[Trade]](schema.WithName("trades")),
		Query:    Filter.values,
		Tags:     tags(TagTrade, TagTransaction),
	})

	tradeWrite := tags(TagTrade, TagTransaction, TagBalance, TagStatistics)
	a.AddTrade = query.DefineMutation(c, query.MutationDef[TradeInput, Trade]{
		Endpoint:     EpAddTrade,
		Schema:       schema.For[Trade](),
		ValidateBody: true,
		Invalidates:  tradeWrite,
	})
	a.EditTrade = query.DefineMutation(c, query.MutationDef[Trade, Trade]{
		Endpoint:     EpEditTrade,
		Schema:       schema.For[Trade](),
		ValidateBody: true,
		Invalidates:  tradeWrite,
		InvalidatesFor: func(b Trade, _ Trade) []cache.Tag {
			return []cache.Tag{cache.TID(TagTrade, b.TradeID)}
		},
	})
	a.DeleteTrades = query.DefineMutation(c, query.MutationDef[TradeIDs, bool]{
		Endpoint:     EpDeleteTrades,
		Schema:       schema.For[bool](),
		ValidateBody: true,
		Invalidates:  tradeWrite,
	})

	a.AssetMovements = query.DefineQuery(c, query.QueryDef[Filter, Collection[AssetMovement]]{
		Endpoint: EpAssetMovements,
		Schema:   schema.For[Collection[AssetMovement]](schema.WithName("asset_movements")),
		Query:    Filter.values,
		Tags:     tags(TagTransaction),
	})

	a.LedgerActions = query.DefineQuery(c, query.QueryDef[Filter, Collection[LedgerAction]]{
		Endpoint: EpLedgerActions,
		Schema:   schema.For[Collection[LedgerAction]](schema.WithName("ledger_actions")),
		Query:    Filter.values,
		Tags:     tags(TagLedgerAction),
	})
	a.AddLedgerAction = query.DefineMutation(c, query.MutationDef[LedgerActionInput, LedgerActionID]{
		Endpoint:     EpAddLedgerAction,
		Schema:       schema.For[LedgerActionID](),
		ValidateBody: true,
		Invalidates:  tags(TagLedgerAction),
	})
	a.EditLedgerAction = query.DefineMutation(c, query.MutationDef[LedgerAction, bool]{
		Endpoint:     EpEditLedgerAction,
		Schema:       schema.For[bool](),
		ValidateBody: true,
		Invalidates:  tags(TagLedgerAction),
	})
	a.DeleteLedgerActions = query.DefineMutation(c, query.MutationDef[LedgerActionIDs, bool]{
		Endpoint:     EpDeleteLedgerActions,
		Schema:       schema.For[bool](),
		ValidateBody: true,
		Invalidates:  tags(TagLedgerAction),
	})
}

// TradePages pages through trades matching base.
func (a *API) TradePages(base Filter, limit int) *query.Paginator[Filter, Collection[Trade]] {
	return query.NewPaginator(a.Trades, base, limit, Filter.page)
}

// LedgerActionPages pages through ledger actions matching base.
func (a *API) LedgerActionPages(base Filter, limit int) *query.Paginator[Filter, Collection[LedgerAction]] {
	return query.NewPaginator(a.LedgerActions, base, limit, Filter.page)
}

// =============================================================================
// Assets
// =============================================================================

func (a *API) defineAssets() {
	c := a.client

	a.AllAssets = query.DefineQuery(c, query.QueryDef[None, map[string]AssetInfo]{
		Endpoint: EpAllAssets,
		Schema:   schema.For[map[string]AssetInfo](schema.WithName("all_assets")),
		Tags:     tags(TagAsset),
		Policy:   cache.Policy{StaleTime: time.Hour, RetentionTime: time.Hour},
		Persist:  true,
	})

	a.IgnoredAssets = query.DefineQuery(c, query.QueryDef[None, []string]{
		Endpoint: EpIgnoredAssets,
		Schema:   schema.For[[]string](schema.WithName("ignored_assets"), schema.WithRootRule("dive,asset")),
		Tags:     tags(TagAsset),
		Persist:  true,
	})
	ignoredWrite := tags(TagAsset, TagBalance)
	a.AddIgnored = query.DefineMutation(c, query.MutationDef[AssetList, []string]{
		Endpoint:     EpAddIgnored,
		Schema:       schema.For[[]string](schema.WithRootRule("dive,asset")),
		ValidateBody: true,
		Invalidates:  ignoredWrite,
	})
	a.RemoveIgnored = query.DefineMutation(c, query.MutationDef[AssetList, []string]{
		Endpoint:     EpRemoveIgnored,
		Schema:       schema.For[[]string](schema.WithRootRule("dive,asset")),
		ValidateBody: true,
		Invalidates:  ignoredWrite,
	})

	tokenBodyOf := func(t EthereumToken) any { return tokenBody{Token: t} }
	a.AddToken = query.DefineMutation(c, query.MutationDef[EthereumToken, AssetIdentifier]{
		Endpoint:     EpAddToken,
		Schema:       schema.For[AssetIdentifier](),
		Body:         tokenBodyOf,
		ValidateBody: true,
		Invalidates:  tags(TagAsset),
	})
	a.EditToken = query.DefineMutation(c, query.MutationDef[EthereumToken, AssetIdentifier]{
		Endpoint:     EpEditToken,
		Schema:       schema.For[AssetIdentifier](),
		Body:         tokenBodyOf,
		ValidateBody: true,
		Invalidates:  tags(TagAsset),
	})
	a.DeleteToken = query.DefineMutation(c, query.MutationDef[TokenAddress, AssetIdentifier]{
		Endpoint:     EpDeleteToken,
		Schema:       schema.For[AssetIdentifier](),
		ValidateBody: true,
		Invalidates:  tags(TagAsset, TagBalance),
	})

	a.CurrentPrices = query.DefineQuery(c, query.QueryDef[PriceRequest, Prices]{
		Endpoint: EpCurrentPrices,
		Schema:   schema.For[Prices](),
		Query:    PriceRequest.values,
		Tags:     tags(TagPrice),
		TagsFor: func(p PriceRequest, _ Prices) []cache.Tag {
			out := make([]cache.Tag, len(p.Assets))
			for i, asset := range p.Assets {
				out[i] = cache.TID(TagPrice, asset)
			}
			return out
		},
		Policy: cache.Policy{StaleTime: 30 * time.Second, RetentionTime: time.Minute},
	})
}

// =============================================================================
// Blockchain accounts and DeFi
// =============================================================================

func (a *API) defineBlockchains() {
	c := a.client
	chainParam := func(chain string) map[string]string { return map[string]string{"chain": chain} }

	a.Accounts = query.DefineQuery(c, query.QueryDef[string, []BlockchainAccount]{
		Endpoint: EpAccounts,
		Schema:   schema.For[[]BlockchainAccount](),
		Params:   chainParam,
		Tags:     tags(TagBlockchainAccount),
		TagsFor: func(chain string, _ []BlockchainAccount) []cache.Tag {
			return []cache.Tag{cache.TID(TagBlockchainAccount, chain)}
		},
	})

	accountWrite := tags(TagBlockchainAccount, TagBalance)
	a.AddAccounts = query.DefineMutation(c, query.MutationDef[AccountsRequest, BlockchainBalances]{
		Endpoint:     EpAddAccounts,
		Schema:       schema.For[BlockchainBalances](),
		Params:       func(b AccountsRequest) map[string]string { return chainParam(b.Chain) },
		ValidateBody: true,
		Invalidates:  accountWrite,
	})
	a.EditAccounts = query.DefineMutation(c, query.MutationDef[AccountsRequest, []BlockchainAccount]{
		Endpoint:     EpEditAccounts,
		Schema:       schema.For[[]BlockchainAccount](),
		Params:       func(b AccountsRequest) map[string]string { return chainParam(b.Chain) },
		ValidateBody: true,
		InvalidatesFor: func(b AccountsRequest, _ []BlockchainAccount) []cache.Tag {
			return []cache.Tag{cache.TID(TagBlockchainAccount, b.Chain)}
		},
	})
	a.RemoveAccounts = query.DefineMutation(c, query.MutationDef[AccountRemoval, BlockchainBalances]{
		Endpoint:     EpRemoveAccounts,
		Schema:       schema.For[BlockchainBalances](),
		Params:       func(b AccountRemoval) map[string]string { return chainParam(b.Chain) },
		ValidateBody: true,
		Invalidates:  accountWrite,
	})

	for _, x := range []struct {
		dst **query.Mutation[XpubRequest, BlockchainBalances]
		def query.MutationDef[XpubRequest, BlockchainBalances]
	}{
		{&a.AddXpub, query.MutationDef[XpubRequest, BlockchainBalances]{Endpoint: EpAddXpub}},
		{&a.EditXpub, query.MutationDef[XpubRequest, BlockchainBalances]{Endpoint: EpEditXpub}},
		{&a.RemoveXpub, query.MutationDef[XpubRequest, BlockchainBalances]{Endpoint: EpRemoveXpub}},
	} {
		x.def.Schema = schema.For[BlockchainBalances]()
		x.def.ValidateBody = true
		x.def.Invalidates = accountWrite
		*x.dst = query.DefineMutation(c, x.def)
	}

	a.DeFi = query.DefineQuery(c, query.QueryDef[DeFiRequest, DeFiPositions]{
		Endpoint: EpDeFi,
		Schema:   schema.For[DeFiPositions](),
		Params: func(r DeFiRequest) map[string]string {
			return map[string]string{"protocol": r.Protocol, "resource": r.Resource}
		},
		Tags: tags(TagDeFiPosition),
		TagsFor: func(r DeFiRequest, _ DeFiPositions) []cache.Tag {
			return []cache.Tag{cache.TID(TagDeFiPosition, r.Protocol)}
		},
	})
}

// =============================================================================
// Balances, statistics and settings
// =============================================================================

func (a *API) defineStatistics() {
	c := a.client

	a.Balances = query.DefineQuery(c, query.QueryDef[None, Balances]{
		Endpoint: EpBalances,
		Schema:   schema.For[Balances](),
		Tags:     tags(TagBalance),
		Persist:  true,
	})

	a.BlockchainBalances = query.DefineQuery(c, query.QueryDef[string, BlockchainBalances]{
		Endpoint: EpBlockchainBalances,
		Schema:   schema.For[BlockchainBalances](),
		Params:   func(chain string) map[string]string { return map[string]string{"chain": chain} },
		Tags:     tags(TagBalance),
		TagsFor: func(chain string, _ BlockchainBalances) []cache.Tag {
			return []cache.Tag{cache.TID(TagBalance, chain), cache.TID(TagBlockchainAccount, chain)}
		},
	})

	a.NetValue = query.DefineQuery(c, query.QueryDef[None, NetValue]{
		Endpoint: EpNetValue,
		Schema:   schema.For[NetValue](),
		Tags:     tags(TagStatistics),
		Persist:  true,
	})

	a.ValueDistribution = query.DefineQuery(c, query.QueryDef[string, []DistributionEntry]{
		Endpoint: EpValueDistribution,
		Schema:   schema.For[[]DistributionEntry](schema.WithName("value_distribution")),
		Query: func(by string) url.Values {
			if by == "" {
				by = DistributionByLocation
			}
			return url.Values{"distribution_by": {by}}
		},
		Tags: tags(TagStatistics, TagBalance),
	})

	a.ExternalServices = query.DefineQuery(c, query.QueryDef[None, ExternalServices]{
		Endpoint: EpExternalServices,
		Schema:   schema.For[ExternalServices](),
		Tags:     tags(TagSettings),
	})
	a.SetExternalServices = query.DefineMutation(c, query.MutationDef[ServiceKeys, ExternalServices]{
		Endpoint:     EpSetExternalServices,
		Schema:       schema.For[ExternalServices](),
		ValidateBody: true,
		Invalidates:  tags(TagSettings),
	})
	a.DeleteExternalServices = query.DefineMutation(c, query.MutationDef[ServiceNames, ExternalServices]{
		Endpoint:     EpDeleteExternalServices,
		Schema:       schema.For[ExternalServices](),
		ValidateBody: true,
		Invalidates:  tags(TagSettings),
	})
}

// =============================================================================
// Parameter encoding
// =============================================================================

func (f Filter) values() url.Values {
	v := url.Values{}
	if f.Limit > 0 {
		v["limit"] = []string{strconv.Itoa(f.Limit)}
	}
	if f.Offset > 0 {
		v["offset"] = []string{strconv.Itoa(f.Offset)}
	}
	if f.Location != "" {
		v["location"] = []string{f.Location}
	}
	if f.Asset != "" {
		v["asset"] = []string{f.Asset}
	}
	if f.FromTS > 0 {
		v["from_timestamp"] = []string{strconv.FormatInt(f.FromTS, 10)}
	}
	if f.ToTS > 0 {
		v["to_timestamp"] = []string{strconv.FormatInt(f.ToTS, 10)}
	}
	return v
}

func (f Filter) page(offset, limit int) Filter {
	f.Offset = offset
	f.Limit = limit
	return f
}

func (p PriceRequest) values() url.Values {
	target := p.TargetAsset
	if target == "" {
		target = "USD"
	}
	return url.Values{
		"assets":       {strings.Join(p.Assets, ",")},
		"target_asset": {target},
	}
}
