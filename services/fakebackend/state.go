// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fakebackend

import (
	"fmt"
	"sort"
	"strconv"
	"time"
)

// exchange is a connected exchange account.
type exchange struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	apiKey   string
}

type trade struct {
	TradeID     string `json:"trade_id"`
	Timestamp   int64  `json:"timestamp"`
	Location    string `json:"location"`
	BaseAsset   string `json:"base_asset"`
	QuoteAsset  string `json:"quote_asset"`
	TradeType   string `json:"trade_type"`
	Amount      string `json:"amount"`
	Rate        string `json:"rate"`
	Fee         string `json:"fee,omitempty"`
	FeeCurrency string `json:"fee_currency,omitempty"`
	Link        string `json:"link,omitempty"`
	Notes       string `json:"notes,omitempty"`
}

type movement struct {
	Identifier string `json:"identifier"`
	Location   string `json:"location"`
	Category   string `json:"category"`
	Timestamp  int64  `json:"timestamp"`
	Asset      string `json:"asset"`
	Amount     string `json:"amount"`
	FeeAsset   string `json:"fee_asset,omitempty"`
	Fee        string `json:"fee,omitempty"`
}

type ledgerAction struct {
	Identifier int64  `json:"identifier"`
	Timestamp  int64  `json:"timestamp"`
	ActionType string `json:"action_type"`
	Location   string `json:"location"`
	Amount     string `json:"amount"`
	Asset      string `json:"asset"`
	Rate       string `json:"rate,omitempty"`
	RateAsset  string `json:"rate_asset,omitempty"`
	Notes      string `json:"notes,omitempty"`
}

type assetInfo struct {
	Name      string `json:"name"`
	Symbol    string `json:"symbol"`
	AssetType string `json:"asset_type"`
	Started   int64  `json:"started,omitempty"`
}

type account struct {
	Address string   `json:"address"`
	Label   *string  `json:"label"`
	Tags    []string `json:"tags,omitempty"`
}

type token struct {
	Address  string `json:"address"`
	Decimals int    `json:"decimals"`
	Name     string `json:"name"`
	Symbol   string `json:"symbol"`
}

type balance struct {
	Amount   string `json:"amount"`
	USDValue string `json:"usd_value"`
}

// user holds one account's password and login state.
type user struct {
	password string
	loggedIn bool
}

// state is the backend's in-memory database. Guarded by Server.mu.
type state struct {
	users    map[string]*user
	tokens   map[string]string // token -> user
	services map[string]string

	exchanges []exchange
	trades    []trade
	nextTrade int

	movements     []movement
	ledger        []ledgerAction
	nextLedger    int64
	assets        map[string]assetInfo
	tokens20      map[string]token
	ignored       map[string]struct{}
	prices        map[string]float64
	accounts      map[string][]account // chain -> accounts
	xpubs         map[string]string    // xpub -> label
	holdings      map[string]map[string]float64
	netValueStart time.Time
}

func newState(now time.Time) *state {
	s := &state{
		users:    map[string]*user{},
		tokens:   map[string]string{},
		services: map[string]string{"etherscan": "demo-key"},
		assets: map[string]assetInfo{
			"BTC":  {Name: "Bitcoin", Symbol: "BTC", AssetType: "own chain", Started: 1231006505},
			"ETH":  {Name: "Ethereum", Symbol: "ETH", AssetType: "own chain", Started: 1438214400},
			"EUR":  {Name: "Euro", Symbol: "EUR", AssetType: "fiat"},
			"USD":  {Name: "US Dollar", Symbol: "USD", AssetType: "fiat"},
			"DAI":  {Name: "Dai", Symbol: "DAI", AssetType: "ethereum token"},
			"SPAM": {Name: "Spam token", Symbol: "SPAM", AssetType: "ethereum token"},
		},
		tokens20: map[string]token{},
		ignored:  map[string]struct{}{},
		prices: map[string]float64{
			"BTC": 30000, "ETH": 2000, "EUR": 1.1, "USD": 1, "DAI": 1, "SPAM": 0.001,
		},
		accounts: map[string][]account{
			"ETH": {{Address: "0x9531C059098e3d194fF87FebB587aB07B30B1306"}},
			"BTC": {{Address: "bc1qar0srrr7xfkvy5l643lydnw9re59gtzzwf5mdq"}},
		},
		xpubs: map[string]string{},
		holdings: map[string]map[string]float64{
			"kraken":     {"BTC": 0.5, "EUR": 1500},
			"blockchain": {"ETH": 10, "BTC": 0.25, "SPAM": 100000},
		},
		exchanges:     []exchange{{Name: "Kraken 1", Location: "kraken", apiKey: "seed"}},
		netValueStart: now.Add(-6 * 24 * time.Hour).Truncate(24 * time.Hour),
		nextLedger:    1,
	}

	base := now.Add(-30 * 24 * time.Hour).Unix()
	for i := 0; i < 25; i++ {
		kind := "buy"
		if i%3 == 2 {
			kind = "sell"
		}
		s.addTrade(trade{
			Timestamp:  base + int64(i)*3600,
			Location:   "kraken",
			BaseAsset:  "BTC",
			QuoteAsset: "EUR",
			TradeType:  kind,
			Amount:     "0.01",
			Rate:       strconv.Itoa(27000 + i*10),
		})
	}
	for i := 0; i < 4; i++ {
		category := "deposit"
		if i%2 == 1 {
			category = "withdrawal"
		}
		s.movements = append(s.movements, movement{
			Identifier: fmt.Sprintf("mv-%d", i+1),
			Location:   "kraken",
			Category:   category,
			Timestamp:  base + int64(i)*86400,
			Asset:      "EUR",
			Amount:     "500",
		})
	}
	s.ledger = append(s.ledger, ledgerAction{
		Identifier: s.nextLedger, Timestamp: base, ActionType: "income",
		Location: "external", Amount: "1", Asset: "ETH", Notes: "staking",
	})
	s.nextLedger++
	return s
}

func (s *state) addTrade(t trade) trade {
	s.nextTrade++
	t.TradeID = fmt.Sprintf("t%04d", s.nextTrade)
	s.trades = append(s.trades, t)
	return t
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// balances aggregates holdings per asset and per location, skipping
// ignored assets.
func (s *state) balances() (assets map[string]balance, locations map[string]balance) {
	perAsset := map[string]float64{}
	perLocation := map[string]float64{}
	for loc, held := range s.holdings {
		for asset, amount := range held {
			if _, skip := s.ignored[asset]; skip {
				continue
			}
			perAsset[asset] += amount
			perLocation[loc] += amount * s.prices[asset]
		}
	}
	assets = make(map[string]balance, len(perAsset))
	for asset, amount := range perAsset {
		assets[asset] = balance{Amount: formatAmount(amount), USDValue: formatAmount(amount * s.prices[asset])}
	}
	locations = make(map[string]balance, len(perLocation))
	for loc, usd := range perLocation {
		locations[loc] = balance{Amount: "0", USDValue: formatAmount(usd)}
	}
	return assets, locations
}

func (s *state) locationBalances(loc string) map[string]balance {
	out := map[string]balance{}
	for asset, amount := range s.holdings[loc] {
		if _, skip := s.ignored[asset]; skip {
			continue
		}
		out[asset] = balance{Amount: formatAmount(amount), USDValue: formatAmount(amount * s.prices[asset])}
	}
	return out
}

func (s *state) totalUSD() float64 {
	var total float64
	for _, held := range s.holdings {
		for asset, amount := range held {
			if _, skip := s.ignored[asset]; skip {
				continue
			}
			total += amount * s.prices[asset]
		}
	}
	return total
}

func (s *state) ignoredList() []string {
	out := make([]string, 0, len(s.ignored))
	for a := range s.ignored {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

func (s *state) hasExchange(name, location string) int {
	for i, e := range s.exchanges {
		if e.Name == name && e.Location == location {
			return i
		}
	}
	return -1
}
