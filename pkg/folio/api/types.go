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
	"encoding/json"
)

// None is the parameter type of queries that take no parameters.
type None struct{}

// =============================================================================
// Users
// =============================================================================

// Users maps user names to "loggedin" or "loggedout".
type Users map[string]string

// Login credentials. Name doubles as the path parameter.
type LoginRequest struct {
	Name         string `json:"name" validate:"required"`
	Password     string `json:"password" validate:"required"`
	SyncApproval string `json:"sync_approval" validate:"oneof=unknown yes no"`
}

type loginBody struct {
	Action       string `json:"action" validate:"eq=login"`
	Name         string `json:"name" validate:"required"`
	Password     string `json:"password" validate:"required"`
	SyncApproval string `json:"sync_approval" validate:"oneof=unknown yes no"`
}

// LoginResult is returned by login and registration.
type LoginResult struct {
	Username  string    `json:"username,omitempty"`
	Token     string    `json:"token,omitempty"`
	Exchanges []string  `json:"exchanges,omitempty"`
	Settings  *Settings `json:"settings,omitempty"`
}

// Settings is the subset of user settings the client reads.
type Settings struct {
	MainCurrency         string `json:"main_currency,omitempty"`
	HavePremium          bool   `json:"have_premium,omitempty"`
	Version              int    `json:"version,omitempty"`
	UIFloatingPrecision  int    `json:"ui_floating_precision,omitempty" validate:"gte=0,lte=8"`
	SubmitUsageAnalytics bool   `json:"submit_usage_analytics,omitempty"`
}

type logoutBody struct {
	Action string `json:"action" validate:"eq=logout"`
}

// RegisterRequest creates a user and logs it in.
type RegisterRequest struct {
	Name            string           `json:"name" validate:"required"`
	Password        string           `json:"password" validate:"required,min=4"`
	InitialSettings *InitialSettings `json:"initial_settings,omitempty"`
}

type InitialSettings struct {
	SubmitUsageAnalytics bool   `json:"submit_usage_analytics"`
	MainCurrency         string `json:"main_currency,omitempty" validate:"omitempty,asset"`
}

// ChangePasswordRequest changes the logged-in user's password.
type ChangePasswordRequest struct {
	Username        string `json:"-"`
	CurrentPassword string `json:"current_password" validate:"required"`
	NewPassword     string `json:"new_password" validate:"required,min=4,nefield=CurrentPassword"`
}

// =============================================================================
// Exchanges
// =============================================================================

// Exchange is a connected exchange account.
type Exchange struct {
	Name     string `json:"name" validate:"required"`
	Location string `json:"location" validate:"required"`
}

// ExchangeSetup connects an exchange.
type ExchangeSetup struct {
	Name       string `json:"name" validate:"required"`
	Location   string `json:"location" validate:"required"`
	APIKey     string `json:"api_key" validate:"required"`
	APISecret  string `json:"api_secret" validate:"required"`
	Passphrase string `json:"passphrase,omitempty"`
}

// ExchangeEdit renames an exchange or rotates its keys.
type ExchangeEdit struct {
	Name      string `json:"name" validate:"required"`
	Location  string `json:"location" validate:"required"`
	NewName   string `json:"new_name,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
	APISecret string `json:"api_secret,omitempty" validate:"required_with=APIKey"`
}

// ExchangeRef names one exchange account.
type ExchangeRef struct {
	Name     string `json:"name" validate:"required"`
	Location string `json:"location" validate:"required"`
}

// =============================================================================
// Balances and statistics
// =============================================================================

// AssetBalance is an amount and its value in the main currency.
type AssetBalance struct {
	Amount   string `json:"amount" validate:"numeric"`
	USDValue string `json:"usd_value" validate:"numeric"`
}

// BalanceSheet groups balances by asset.
type BalanceSheet struct {
	Assets      map[string]AssetBalance `json:"assets" validate:"dive"`
	Liabilities map[string]AssetBalance `json:"liabilities" validate:"dive"`
}

// Balances is the aggregated balance of every location.
type Balances struct {
	BalanceSheet
	Location map[string]AssetBalance `json:"location,omitempty" validate:"omitempty,dive"`
}

// ExchangeBalances maps assets to balances held on one exchange.
type ExchangeBalances map[string]AssetBalance

// BlockchainBalances holds per-account and total balances of a chain.
type BlockchainBalances struct {
	PerAccount map[string]json.RawMessage `json:"per_account"`
	Totals     BalanceSheet               `json:"totals"`
}

// NetValue is the net value time series. Data[i] is the value at Times[i].
type NetValue struct {
	Times []int64  `json:"times"`
	Data  []string `json:"data" validate:"eqfield=Times,dive,numeric"`
}

// DistributionEntry is one bucket of the value distribution.
type DistributionEntry struct {
	Location string `json:"location,omitempty"`
	Asset    string `json:"asset,omitempty"`
	Amount   string `json:"amount,omitempty" validate:"omitempty,numeric"`
	USDValue string `json:"usd_value" validate:"numeric"`
}

// Distribution dimensions.
const (
	DistributionByLocation = "location"
	DistributionByAsset    = "asset"
)

// Prices maps assets to their current price in TargetAsset.
type Prices struct {
	Assets      map[string]string `json:"assets" validate:"dive,keys,asset,endkeys,numeric"`
	TargetAsset string            `json:"target_asset" validate:"asset"`
}

// PriceRequest selects assets to price.
type PriceRequest struct {
	Assets      []string
	TargetAsset string
}

// =============================================================================
// Collections
// =============================================================================

// Collection is a page of entries with the backend's counters.
type Collection[T any] struct {
	Entries      []T `json:"entries" validate:"dive"`
	EntriesFound int `json:"entries_found" validate:"gte=0"`
	EntriesLimit int `json:"entries_limit"`
	EntriesTotal int `json:"entries_total" validate:"gte=0"`
}

// Filter restricts and pages a collection query.
type Filter struct {
	Offset   int
	Limit    int
	Location string
	Asset    string
	FromTS   int64
	ToTS     int64
}

// Trade is one recorded trade.
type Trade struct {
	TradeID     string `json:"trade_id" validate:"required"`
	Timestamp   int64  `json:"timestamp" validate:"gt=0"`
	Location    string `json:"location" validate:"required"`
	BaseAsset   string `json:"base_asset" validate:"asset"`
	QuoteAsset  string `json:"quote_asset" validate:"asset"`
	TradeType   string `json:"trade_type" validate:"oneof=buy sell"`
	Amount      string `json:"amount" validate:"numeric"`
	Rate        string `json:"rate" validate:"numeric"`
	Fee         string `json:"fee,omitempty" validate:"omitempty,numeric"`
	FeeCurrency string `json:"fee_currency,omitempty" validate:"omitempty,asset"`
	Link        string `json:"link,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// TradeInput records a new trade.
type TradeInput struct {
	Timestamp   int64  `json:"timestamp" validate:"gt=0"`
	Location    string `json:"location" validate:"required"`
	BaseAsset   string `json:"base_asset" validate:"asset"`
	QuoteAsset  string `json:"quote_asset" validate:"asset"`
	TradeType   string `json:"trade_type" validate:"oneof=buy sell"`
	Amount      string `json:"amount" validate:"numeric"`
	Rate        string `json:"rate" validate:"numeric"`
	Fee         string `json:"fee,omitempty" validate:"omitempty,numeric"`
	FeeCurrency string `json:"fee_currency,omitempty" validate:"omitempty,asset"`
	Link        string `json:"link,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

// TradeIDs selects trades to delete.
type TradeIDs struct {
	TradesIDs []string `json:"trades_ids" validate:"min=1,dive,required"`
}

// AssetMovement is a deposit or withdrawal.
type AssetMovement struct {
	Identifier string `json:"identifier" validate:"required"`
	Location   string `json:"location" validate:"required"`
	Category   string `json:"category" validate:"oneof=deposit withdrawal"`
	Timestamp  int64  `json:"timestamp" validate:"gt=0"`
	Asset      string `json:"asset" validate:"asset"`
	Amount     string `json:"amount" validate:"numeric"`
	FeeAsset   string `json:"fee_asset,omitempty" validate:"omitempty,asset"`
	Fee        string `json:"fee,omitempty" validate:"omitempty,numeric"`
	Link       string `json:"link,omitempty"`
}

// LedgerAction is a manual accounting entry.
type LedgerAction struct {
	Identifier int64  `json:"identifier" validate:"gt=0"`
	Timestamp  int64  `json:"timestamp" validate:"gt=0"`
	ActionType string `json:"action_type" validate:"oneof=income expense loss dividends_income donation_received airdrop gift grant"`
	Location   string `json:"location" validate:"required"`
	Amount     string `json:"amount" validate:"numeric"`
	Asset      string `json:"asset" validate:"asset"`
	Rate       string `json:"rate,omitempty" validate:"omitempty,numeric"`
	RateAsset  string `json:"rate_asset,omitempty" validate:"omitempty,asset"`
	Notes      string `json:"notes,omitempty"`
}

// LedgerActionInput records a new ledger action.
type LedgerActionInput struct {
	Timestamp  int64  `json:"timestamp" validate:"gt=0"`
	ActionType string `json:"action_type" validate:"oneof=income expense loss dividends_income donation_received airdrop gift grant"`
	Location   string `json:"location" validate:"required"`
	Amount     string `json:"amount" validate:"numeric"`
	Asset      string `json:"asset" validate:"asset"`
	Rate       string `json:"rate,omitempty" validate:"omitempty,numeric"`
	RateAsset  string `json:"rate_asset,omitempty" validate:"omitempty,asset"`
	Notes      string `json:"notes,omitempty"`
}

// LedgerActionID is returned when a ledger action is created.
type LedgerActionID struct {
	Identifier int64 `json:"identifier" validate:"gt=0"`
}

// LedgerActionIDs selects ledger actions to delete.
type LedgerActionIDs struct {
	Identifiers []int64 `json:"identifiers" validate:"min=1,dive,gt=0"`
}

// =============================================================================
// Assets
// =============================================================================

// AssetInfo describes one known asset.
type AssetInfo struct {
	Name      string `json:"name" validate:"required"`
	Symbol    string `json:"symbol" validate:"required"`
	AssetType string `json:"asset_type" validate:"required"`
	Started   int64  `json:"started,omitempty"`
}

// AssetList carries asset identifiers in a mutation body.
type AssetList struct {
	Assets []string `json:"assets" validate:"min=1,dive,asset"`
}

// EthereumToken is a custom ERC20 token.
type EthereumToken struct {
	Address  string `json:"address" validate:"eth_addr"`
	Decimals int    `json:"decimals" validate:"gte=0,lte=36"`
	Name     string `json:"name" validate:"required"`
	Symbol   string `json:"symbol" validate:"required"`
}

type tokenBody struct {
	Token EthereumToken `json:"token"`
}

// TokenAddress selects a custom token to delete.
type TokenAddress struct {
	Address string `json:"address" validate:"eth_addr"`
}

// AssetIdentifier is the identifier the backend assigned to a token.
type AssetIdentifier struct {
	Identifier string `json:"identifier" validate:"required"`
}

// =============================================================================
// Blockchain accounts
// =============================================================================

// BlockchainAccount is a tracked address.
type BlockchainAccount struct {
	Address string   `json:"address" validate:"required"`
	Label   *string  `json:"label"`
	Tags    []string `json:"tags,omitempty"`
}

// AccountsRequest adds or edits accounts on Chain.
type AccountsRequest struct {
	Chain    string              `json:"-"`
	Accounts []BlockchainAccount `json:"accounts" validate:"min=1,dive"`
}

// AccountRemoval removes addresses from Chain.
type AccountRemoval struct {
	Chain    string   `json:"-"`
	Accounts []string `json:"accounts" validate:"min=1,dive,required"`
}

// XpubRequest adds, edits or removes a bitcoin extended public key.
type XpubRequest struct {
	Xpub           string   `json:"xpub" validate:"required"`
	DerivationPath string   `json:"derivation_path,omitempty"`
	Label          string   `json:"label,omitempty"`
	Tags           []string `json:"tags,omitempty"`
}

// DeFiRequest selects a protocol resource, e.g. {"aave", "balances"}.
type DeFiRequest struct {
	Protocol string
	Resource string
}

// DeFiPositions maps addresses to protocol-specific position data.
type DeFiPositions map[string]json.RawMessage

// =============================================================================
// External services
// =============================================================================

// ExternalService is a configured third-party API key.
type ExternalService struct {
	APIKey string `json:"api_key" validate:"required"`
}

// ExternalServices maps service names to their keys.
type ExternalServices map[string]ExternalService

// ServiceKey sets the key of one service.
type ServiceKey struct {
	Name   string `json:"name" validate:"required"`
	APIKey string `json:"api_key" validate:"required"`
}

// ServiceKeys is the body of a service update.
type ServiceKeys struct {
	Services []ServiceKey `json:"services" validate:"min=1,dive"`
}

// ServiceNames is the body of a service removal.
type ServiceNames struct {
	Services []string `json:"services" validate:"min=1,dive,required"`
}
