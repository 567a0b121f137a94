// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package api

import (
	"net/http"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/transport"
)

const (
	qry = transport.KindQuery
	mut = transport.KindMutation
)

// Backend endpoints, relative to the API root.
var (
	EpUsers          = transport.MustEndpoint("users", http.MethodGet, "users", qry)
	EpRegister       = transport.MustEndpoint("register", http.MethodPut, "users", mut)
	EpLogin          = transport.MustEndpoint("login", http.MethodPatch, "users/{username}", mut, transport.WithFallback(http.MethodPost))
	EpLogout         = transport.MustEndpoint("logout", http.MethodPatch, "users/{username}", mut, transport.WithFallback(http.MethodPost))
	EpChangePassword = transport.MustEndpoint("change_password", http.MethodPatch, "users/{username}/password", mut)

	EpExchanges        = transport.MustEndpoint("exchanges", http.MethodGet, "exchanges", qry)
	EpSetupExchange    = transport.MustEndpoint("setup_exchange", http.MethodPut, "exchanges", mut)
	EpEditExchange     = transport.MustEndpoint("edit_exchange", http.MethodPatch, "exchanges", mut)
	EpRemoveExchange   = transport.MustEndpoint("remove_exchange", http.MethodDelete, "exchanges", mut)
	EpExchangeBalances = transport.MustEndpoint("exchange_balances", http.MethodGet, "exchanges/balances/{location}", qry)

	EpTrades       = transport.MustEndpoint("trades", http.MethodGet, "trades", qry)
	EpAddTrade     = transport.MustEndpoint("add_trade", http.MethodPut, "trades", mut)
	EpEditTrade    = transport.MustEndpoint("edit_trade", http.MethodPatch, "trades", mut)
	EpDeleteTrades = transport.MustEndpoint("delete_trades", http.MethodDelete, "trades", mut)

	EpAssetMovements = transport.MustEndpoint("asset_movements", http.MethodGet, "asset_movements", qry)

	EpLedgerActions       = transport.MustEndpoint("ledger_actions", http.MethodGet, "ledgeractions", qry)
	EpAddLedgerAction     = transport.MustEndpoint("add_ledger_action", http.MethodPut, "ledgeractions", mut)
	EpEditLedgerAction    = transport.MustEndpoint("edit_ledger_action", http.MethodPatch, "ledgeractions", mut)
	EpDeleteLedgerActions = transport.MustEndpoint("delete_ledger_actions", http.MethodDelete, "ledgeractions", mut)

	EpAllAssets     = transport.MustEndpoint("all_assets", http.MethodGet, "assets/all", qry)
	EpIgnoredAssets = transport.MustEndpoint("ignored_assets", http.MethodGet, "assets/ignored", qry)
	EpAddIgnored    = transport.MustEndpoint("add_ignored_assets", http.MethodPut, "assets/ignored", mut)
	EpRemoveIgnored = transport.MustEndpoint("remove_ignored_assets", http.MethodDelete, "assets/ignored", mut)
	EpAddToken      = transport.MustEndpoint("add_ethereum_token", http.MethodPut, "assets/ethereum", mut)
	EpEditToken     = transport.MustEndpoint("edit_ethereum_token", http.MethodPatch, "assets/ethereum", mut)
	EpDeleteToken   = transport.MustEndpoint("delete_ethereum_token", http.MethodDelete, "assets/ethereum", mut)
	EpCurrentPrices = transport.MustEndpoint("current_prices", http.MethodGet, "assets/prices/current", qry)

	EpAccounts       = transport.MustEndpoint("blockchain_accounts", http.MethodGet, "blockchains/{chain}", qry)
	EpAddAccounts    = transport.MustEndpoint("add_blockchain_accounts", http.MethodPut, "blockchains/{chain}", mut)
	EpEditAccounts   = transport.MustEndpoint("edit_blockchain_accounts", http.MethodPatch, "blockchains/{chain}", mut)
	EpRemoveAccounts = transport.MustEndpoint("remove_blockchain_accounts", http.MethodDelete, "blockchains/{chain}", mut)
	EpAddXpub        = transport.MustEndpoint("add_xpub", http.MethodPut, "blockchains/BTC/xpub", mut)
	EpEditXpub       = transport.MustEndpoint("edit_xpub", http.MethodPatch, "blockchains/BTC/xpub", mut)
	EpRemoveXpub     = transport.MustEndpoint("remove_xpub", http.MethodDelete, "blockchains/BTC/xpub", mut)
	EpDeFi           = transport.MustEndpoint("defi_module", http.MethodGet, "blockchains/ETH/modules/{protocol}/{resource}", qry)

	EpBalances           = transport.MustEndpoint("balances", http.MethodGet, "balances/", qry)
	EpBlockchainBalances = transport.MustEndpoint("blockchain_balances", http.MethodGet, "balances/blockchains/{chain}", qry)
	EpNetValue           = transport.MustEndpoint("netvalue", http.MethodGet, "statistics/netvalue", qry)
	EpValueDistribution  = transport.MustEndpoint("value_distribution", http.MethodGet, "statistics/value_distribution", qry)

	EpExternalServices       = transport.MustEndpoint("external_services", http.MethodGet, "external_services/", qry)
	EpSetExternalServices    = transport.MustEndpoint("set_external_services", http.MethodPut, "external_services/", mut)
	EpDeleteExternalServices = transport.MustEndpoint("delete_external_services", http.MethodDelete, "external_services/", mut)
)
