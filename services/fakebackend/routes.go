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
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
)

func (s *Server) setupRoutes() {
	s.engine.GET("/ws", s.handleWS)

	v1 := s.engine.Group(APIPrefix)
	{
		v1.GET("/ping", func(c *gin.Context) { ok(c, "pong") })
		v1.GET("/users", s.listUsers)
		v1.PUT("/users", s.register)
		v1.PATCH("/users/:username", s.userAction)
		v1.POST("/users/:username", s.userAction)
	}

	auth := v1.Group("", s.requireAuth())
	{
		auth.PATCH("/users/:username/password", s.changePassword)

		auth.GET("/exchanges", s.listExchanges)
		auth.PUT("/exchanges", s.setupExchange)
		auth.PATCH("/exchanges", s.editExchange)
		auth.DELETE("/exchanges", s.removeExchange)
		auth.GET("/exchanges/balances/:location", s.exchangeBalances)

		auth.GET("/trades", s.listTrades)
		auth.PUT("/trades", s.addTrade)
		auth.PATCH("/trades", s.editTrade)
		auth.DELETE("/trades", s.deleteTrades)

		auth.GET("/asset_movements", s.listMovements)

		auth.GET("/ledgeractions", s.listLedger)
		auth.PUT("/ledgeractions", s.addLedger)
		auth.PATCH("/ledgeractions", s.editLedger)
		auth.DELETE("/ledgeractions", s.deleteLedger)

		auth.GET("/assets/all", s.allAssets)
		auth.GET("/assets/ignored", s.listIgnored)
		auth.PUT("/assets/ignored", s.addIgnored)
		auth.DELETE("/assets/ignored", s.removeIgnored)
		auth.PUT("/assets/ethereum", s.addToken)
		auth.PATCH("/assets/ethereum", s.editToken)
		auth.DELETE("/assets/ethereum", s.deleteToken)
		auth.GET("/assets/prices/current", s.currentPrices)

		auth.GET("/blockchains/:chain", s.listAccounts)
		auth.PUT("/blockchains/:chain", s.addAccounts)
		auth.PATCH("/blockchains/:chain", s.editAccounts)
		auth.DELETE("/blockchains/:chain", s.removeAccounts)
		auth.PUT("/blockchains/:chain/xpub", s.xpub)
		auth.PATCH("/blockchains/:chain/xpub", s.xpub)
		auth.DELETE("/blockchains/:chain/xpub", s.xpub)
		auth.GET("/blockchains/:chain/modules/:protocol/:resource", s.defiModule)

		auth.GET("/balances/", s.balances)
		auth.GET("/balances/blockchains/:chain", s.blockchainBalances)
		auth.GET("/statistics/netvalue", s.netValue)
		auth.GET("/statistics/value_distribution", s.valueDistribution)

		auth.GET("/external_services/", s.listServices)
		auth.PUT("/external_services/", s.setServices)
		auth.DELETE("/external_services/", s.deleteServices)
	}
}

// =============================================================================
// Users
// =============================================================================

func (s *Server) listUsers(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.st.users))
	for name, u := range s.st.users {
		out[name] = "loggedout"
		if u.loggedIn {
			out[name] = "loggedin"
		}
	}
	ok(c, out)
}

func (s *Server) loginResult(name, tok string) gin.H {
	names := make([]string, 0, len(s.st.exchanges))
	for _, e := range s.st.exchanges {
		names = append(names, e.Location)
	}
	return gin.H{
		"username":  name,
		"token":     tok,
		"exchanges": names,
		"settings": gin.H{
			"main_currency":         "USD",
			"version":               1,
			"ui_floating_precision": 2,
		},
	}
}

func (s *Server) register(c *gin.Context) {
	var body struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if !bind(c, &body) {
		return
	}
	if body.Name == "" || body.Password == "" {
		fail(c, http.StatusBadRequest, "name and password are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.st.users[body.Name]; exists {
		fail(c, http.StatusConflict, fmt.Sprintf("User %s already exists", body.Name))
		return
	}
	s.st.users[body.Name] = &user{password: body.Password}
	ok(c, s.loginResult(body.Name, s.issueToken(body.Name)))
}

func (s *Server) userAction(c *gin.Context) {
	if s.opts.RejectPatchLogin && c.Request.Method == http.MethodPatch {
		fail(c, http.StatusMethodNotAllowed, "Method Not Allowed")
		return
	}
	var body struct {
		Action   string `json:"action"`
		Password string `json:"password"`
	}
	if !bind(c, &body) {
		return
	}
	name := c.Param("username")

	switch body.Action {
	case "login":
		s.mu.Lock()
		defer s.mu.Unlock()
		u, exists := s.st.users[name]
		if !exists || u.password != body.Password {
			appFail(c, "invalid credentials")
			return
		}
		ok(c, s.loginResult(name, s.issueToken(name)))

	case "logout":
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		s.mu.Lock()
		defer s.mu.Unlock()
		owner, found := s.st.tokens[token]
		if !s.opts.Open && (!found || owner != name) {
			fail(c, http.StatusUnauthorized, "No user is currently logged in")
			return
		}
		delete(s.st.tokens, token)
		if u := s.st.users[name]; u != nil {
			u.loggedIn = false
		}
		ok(c, true)

	default:
		fail(c, http.StatusBadRequest, fmt.Sprintf("unknown action %q", body.Action))
	}
}

func (s *Server) changePassword(c *gin.Context) {
	var body struct {
		Current string `json:"current_password"`
		New     string `json:"new_password"`
	}
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.st.users[c.Param("username")]
	if u == nil {
		fail(c, http.StatusNotFound, "Unknown user")
		return
	}
	if u.password != body.Current {
		appFail(c, "Provided current password is not correct")
		return
	}
	u.password = body.New
	ok(c, true)
}

// =============================================================================
// Exchanges
// =============================================================================

type exchangeBody struct {
	Name       string `json:"name"`
	Location   string `json:"location"`
	NewName    string `json:"new_name"`
	APIKey     string `json:"api_key"`
	APISecret  string `json:"api_secret"`
	Passphrase string `json:"passphrase"`
}

func (s *Server) listExchanges(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok(c, append([]exchange{}, s.st.exchanges...))
}

func (s *Server) setupExchange(c *gin.Context) {
	var body exchangeBody
	if !bind(c, &body) {
		return
	}
	if body.Name == "" || body.Location == "" || body.APIKey == "" || body.APISecret == "" {
		fail(c, http.StatusBadRequest, "name, location, api_key and api_secret are required")
		return
	}
	s.mu.Lock()
	if s.st.hasExchange(body.Name, body.Location) >= 0 {
		s.mu.Unlock()
		fail(c, http.StatusConflict, fmt.Sprintf("%s exchange %s is already registered", body.Location, body.Name))
		return
	}
	s.st.exchanges = append(s.st.exchanges, exchange{Name: body.Name, Location: body.Location, apiKey: body.APIKey})
	if _, held := s.st.holdings[body.Location]; !held {
		s.st.holdings[body.Location] = map[string]float64{"BTC": 0.1, "ETH": 1}
	}
	s.mu.Unlock()
	ok(c, true)
	s.pushPortfolio()
}

func (s *Server) editExchange(c *gin.Context) {
	var body exchangeBody
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.st.hasExchange(body.Name, body.Location)
	if i < 0 {
		fail(c, http.StatusConflict, fmt.Sprintf("Could not find %s exchange %s", body.Location, body.Name))
		return
	}
	if body.NewName != "" {
		s.st.exchanges[i].Name = body.NewName
	}
	if body.APIKey != "" {
		s.st.exchanges[i].apiKey = body.APIKey
	}
	ok(c, true)
}

func (s *Server) removeExchange(c *gin.Context) {
	var body exchangeBody
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	i := s.st.hasExchange(body.Name, body.Location)
	if i < 0 {
		s.mu.Unlock()
		fail(c, http.StatusConflict, fmt.Sprintf("%s exchange %s is not registered", body.Location, body.Name))
		return
	}
	s.st.exchanges = append(s.st.exchanges[:i], s.st.exchanges[i+1:]...)
	still := false
	for _, e := range s.st.exchanges {
		if e.Location == body.Location {
			still = true
		}
	}
	if !still {
		delete(s.st.holdings, body.Location)
	}
	s.mu.Unlock()
	ok(c, true)
	s.pushPortfolio()
}

func (s *Server) exchangeBalances(c *gin.Context) {
	loc := c.Param("location")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.st.exchanges {
		if e.Location == loc {
			ok(c, s.st.locationBalances(loc))
			return
		}
	}
	fail(c, http.StatusConflict, fmt.Sprintf("Tried to query %s balances but it is not registered", loc))
}

// =============================================================================
// Collections
// =============================================================================

type page struct {
	offset, limit int
	location      string
	asset         string
	from, to      int64
}

func parsePage(c *gin.Context) (page, bool) {
	var p page
	var err error
	num := func(name string) int64 {
		raw := c.Query(name)
		if raw == "" || err != nil {
			return 0
		}
		var v int64
		v, err = strconv.ParseInt(raw, 10, 64)
		return v
	}
	p.offset = int(num("offset"))
	p.limit = int(num("limit"))
	p.from = num("from_timestamp")
	p.to = num("to_timestamp")
	if err != nil || p.offset < 0 || p.limit < 0 {
		fail(c, http.StatusBadRequest, "offset, limit and timestamps must be non-negative integers")
		return p, false
	}
	p.location = c.Query("location")
	p.asset = c.Query("asset")
	return p, true
}

func (p page) keep(ts int64, location string, assets ...string) bool {
	if p.location != "" && location != p.location {
		return false
	}
	if p.from > 0 && ts < p.from || p.to > 0 && ts > p.to {
		return false
	}
	if p.asset == "" {
		return true
	}
	for _, a := range assets {
		if a == p.asset {
			return true
		}
	}
	return false
}

// collection slices found into a page. total counts every entry.
func collection[T any](p page, found []T, total int) gin.H {
	entries := found
	if p.offset >= len(entries) {
		entries = []T{}
	} else {
		entries = entries[p.offset:]
	}
	limit := -1
	if p.limit > 0 {
		limit = p.limit
		if len(entries) > p.limit {
			entries = entries[:p.limit]
		}
	}
	return gin.H{
		"entries":       entries,
		"entries_found": len(found),
		"entries_limit": limit,
		"entries_total": total,
	}
}

// =============================================================================
// Trades
// =============================================================================

func validTrade(t trade) string {
	switch {
	case t.Timestamp <= 0:
		return "timestamp must be positive"
	case t.Location == "":
		return "location is required"
	case t.TradeType != "buy" && t.TradeType != "sell":
		return "trade_type must be buy or sell"
	case t.BaseAsset == "" || t.QuoteAsset == "":
		return "base_asset and quote_asset are required"
	}
	if _, err := strconv.ParseFloat(t.Amount, 64); err != nil {
		return "amount is not a number"
	}
	if _, err := strconv.ParseFloat(t.Rate, 64); err != nil {
		return "rate is not a number"
	}
	return ""
}

func (s *Server) listTrades(c *gin.Context) {
	p, valid := parsePage(c)
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []trade
	for _, t := range s.st.trades {
		if p.keep(t.Timestamp, t.Location, t.BaseAsset, t.QuoteAsset) {
			found = append(found, t)
		}
	}
	ok(c, collection(p, found, len(s.st.trades)))
}

func (s *Server) addTrade(c *gin.Context) {
	var t trade
	if !bind(c, &t) {
		return
	}
	if msg := validTrade(t); msg != "" {
		fail(c, http.StatusBadRequest, msg)
		return
	}
	s.mu.Lock()
	created := s.st.addTrade(t)
	s.mu.Unlock()
	ok(c, created)
	s.pushPortfolio()
}

func (s *Server) editTrade(c *gin.Context) {
	var t trade
	if !bind(c, &t) {
		return
	}
	if msg := validTrade(t); msg != "" {
		fail(c, http.StatusBadRequest, msg)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.trades {
		if s.st.trades[i].TradeID == t.TradeID {
			s.st.trades[i] = t
			ok(c, t)
			return
		}
	}
	fail(c, http.StatusConflict, "Tried to edit non existing trade id "+t.TradeID)
}

func (s *Server) deleteTrades(c *gin.Context) {
	var body struct {
		IDs []string `json:"trades_ids"`
	}
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := map[string]bool{}
	for _, id := range body.IDs {
		doomed[id] = true
	}
	kept := s.st.trades[:0:0]
	for _, t := range s.st.trades {
		if doomed[t.TradeID] {
			delete(doomed, t.TradeID)
			continue
		}
		kept = append(kept, t)
	}
	if len(doomed) > 0 {
		fail(c, http.StatusConflict, "Tried to delete non existing trade ids")
		return
	}
	s.st.trades = kept
	ok(c, true)
}

func (s *Server) listMovements(c *gin.Context) {
	p, valid := parsePage(c)
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []movement
	for _, m := range s.st.movements {
		if p.keep(m.Timestamp, m.Location, m.Asset) {
			found = append(found, m)
		}
	}
	ok(c, collection(p, found, len(s.st.movements)))
}

// =============================================================================
// Ledger actions
// =============================================================================

func (s *Server) listLedger(c *gin.Context) {
	p, valid := parsePage(c)
	if !valid {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var found []ledgerAction
	for _, a := range s.st.ledger {
		if p.keep(a.Timestamp, a.Location, a.Asset) {
			found = append(found, a)
		}
	}
	ok(c, collection(p, found, len(s.st.ledger)))
}

func (s *Server) addLedger(c *gin.Context) {
	var a ledgerAction
	if !bind(c, &a) {
		return
	}
	if a.Timestamp <= 0 || a.Asset == "" || a.ActionType == "" {
		fail(c, http.StatusBadRequest, "timestamp, asset and action_type are required")
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	a.Identifier = s.st.nextLedger
	s.st.nextLedger++
	s.st.ledger = append(s.st.ledger, a)
	ok(c, gin.H{"identifier": a.Identifier})
}

func (s *Server) editLedger(c *gin.Context) {
	var a ledgerAction
	if !bind(c, &a) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.st.ledger {
		if s.st.ledger[i].Identifier == a.Identifier {
			s.st.ledger[i] = a
			ok(c, true)
			return
		}
	}
	fail(c, http.StatusConflict, fmt.Sprintf("Tried to edit ledger action with identifier %d but it was not found", a.Identifier))
}

func (s *Server) deleteLedger(c *gin.Context) {
	var body struct {
		IDs []int64 `json:"identifiers"`
	}
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	doomed := map[int64]bool{}
	for _, id := range body.IDs {
		doomed[id] = true
	}
	kept := s.st.ledger[:0:0]
	for _, a := range s.st.ledger {
		if doomed[a.Identifier] {
			delete(doomed, a.Identifier)
			continue
		}
		kept = append(kept, a)
	}
	if len(doomed) > 0 {
		fail(c, http.StatusConflict, "Tried to remove ledger actions that do not exist")
		return
	}
	s.st.ledger = kept
	ok(c, true)
}

// =============================================================================
// Assets
// =============================================================================

func (s *Server) allAssets(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]assetInfo, len(s.st.assets)+len(s.st.tokens20))
	for id, a := range s.st.assets {
		out[id] = a
	}
	for addr, t := range s.st.tokens20 {
		out["_ceth_"+addr] = assetInfo{Name: t.Name, Symbol: t.Symbol, AssetType: "ethereum token"}
	}
	ok(c, out)
}

func (s *Server) listIgnored(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok(c, s.st.ignoredList())
}

type assetsBody struct {
	Assets []string `json:"assets"`
}

func (s *Server) addIgnored(c *gin.Context) {
	var body assetsBody
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	for _, a := range body.Assets {
		if _, known := s.st.assets[a]; !known {
			s.mu.Unlock()
			fail(c, http.StatusBadRequest, fmt.Sprintf("Given asset %s is not known", a))
			return
		}
		if _, dup := s.st.ignored[a]; dup {
			s.mu.Unlock()
			fail(c, http.StatusConflict, fmt.Sprintf("%s is already in ignored assets", a))
			return
		}
	}
	for _, a := range body.Assets {
		s.st.ignored[a] = struct{}{}
	}
	list := s.st.ignoredList()
	s.mu.Unlock()
	ok(c, list)
	s.pushPortfolio()
}

func (s *Server) removeIgnored(c *gin.Context) {
	var body assetsBody
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	for _, a := range body.Assets {
		if _, ignored := s.st.ignored[a]; !ignored {
			s.mu.Unlock()
			fail(c, http.StatusConflict, fmt.Sprintf("%s is not in ignored assets", a))
			return
		}
	}
	for _, a := range body.Assets {
		delete(s.st.ignored, a)
	}
	list := s.st.ignoredList()
	s.mu.Unlock()
	ok(c, list)
	s.pushPortfolio()
}

func (s *Server) addToken(c *gin.Context) {
	var body struct {
		Token token `json:"token"`
	}
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := body.Token.Address
	if _, exists := s.st.tokens20[addr]; exists {
		fail(c, http.StatusConflict, fmt.Sprintf("Ethereum token with address %s already exists", addr))
		return
	}
	s.st.tokens20[addr] = body.Token
	ok(c, gin.H{"identifier": "_ceth_" + addr})
}

func (s *Server) editToken(c *gin.Context) {
	var body struct {
		Token token `json:"token"`
	}
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	addr := body.Token.Address
	if _, exists := s.st.tokens20[addr]; !exists {
		fail(c, http.StatusConflict, fmt.Sprintf("Tried to edit non existing ethereum token with address %s", addr))
		return
	}
	s.st.tokens20[addr] = body.Token
	ok(c, gin.H{"identifier": "_ceth_" + addr})
}

func (s *Server) deleteToken(c *gin.Context) {
	var body struct {
		Address string `json:"address"`
	}
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.st.tokens20[body.Address]; !exists {
		fail(c, http.StatusConflict, fmt.Sprintf("Tried to delete ethereum token with address %s but it was not found", body.Address))
		return
	}
	delete(s.st.tokens20, body.Address)
	ok(c, gin.H{"identifier": "_ceth_" + body.Address})
}

func (s *Server) currentPrices(c *gin.Context) {
	target := c.DefaultQuery("target_asset", "USD")
	s.mu.Lock()
	defer s.mu.Unlock()
	targetUSD, known := s.st.prices[target]
	if !known || targetUSD == 0 {
		fail(c, http.StatusBadRequest, fmt.Sprintf("Unknown target asset %s", target))
		return
	}
	out := map[string]string{}
	for _, a := range strings.Split(c.Query("assets"), ",") {
		if a = strings.TrimSpace(a); a == "" {
			continue
		}
		out[a] = formatAmount(s.st.prices[a] / targetUSD)
	}
	ok(c, gin.H{"assets": out, "target_asset": target})
}

// =============================================================================
// Blockchain accounts
// =============================================================================

func chainAssets(chain string) func(asset string) bool {
	if chain == "BTC" {
		return func(a string) bool { return a == "BTC" }
	}
	return func(a string) bool { return a != "BTC" }
}

// chainBalances splits the on-chain holdings of chain evenly over its
// accounts. Callers hold s.mu.
func (s *Server) chainBalances(chain string) gin.H {
	inChain := chainAssets(chain)
	totals := map[string]balance{}
	for asset, amount := range s.st.holdings["blockchain"] {
		if _, skip := s.st.ignored[asset]; skip || !inChain(asset) {
			continue
		}
		totals[asset] = balance{Amount: formatAmount(amount), USDValue: formatAmount(amount * s.st.prices[asset])}
	}
	perAccount := gin.H{}
	if accts := s.st.accounts[chain]; len(accts) > 0 {
		n := float64(len(accts))
		for _, a := range accts {
			assets := map[string]balance{}
			for asset, amount := range s.st.holdings["blockchain"] {
				if _, skip := s.st.ignored[asset]; skip || !inChain(asset) {
					continue
				}
				share := amount / n
				assets[asset] = balance{Amount: formatAmount(share), USDValue: formatAmount(share * s.st.prices[asset])}
			}
			perAccount[a.Address] = gin.H{"assets": assets}
		}
	}
	return gin.H{
		"per_account": perAccount,
		"totals":      gin.H{"assets": totals, "liabilities": map[string]balance{}},
	}
}

type accountsBody struct {
	Accounts []account `json:"accounts"`
}

func (s *Server) listAccounts(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok(c, append([]account{}, s.st.accounts[c.Param("chain")]...))
}

func (s *Server) addAccounts(c *gin.Context) {
	var body accountsBody
	if !bind(c, &body) {
		return
	}
	chain := c.Param("chain")
	s.mu.Lock()
	for _, a := range body.Accounts {
		for _, have := range s.st.accounts[chain] {
			if have.Address == a.Address {
				s.mu.Unlock()
				fail(c, http.StatusBadRequest, fmt.Sprintf("Blockchain account %s already exists", a.Address))
				return
			}
		}
	}
	s.st.accounts[chain] = append(s.st.accounts[chain], body.Accounts...)
	res := s.chainBalances(chain)
	s.mu.Unlock()
	ok(c, res)
	s.pushPortfolio()
}

func (s *Server) editAccounts(c *gin.Context) {
	var body accountsBody
	if !bind(c, &body) {
		return
	}
	chain := c.Param("chain")
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, edit := range body.Accounts {
		found := false
		for i := range s.st.accounts[chain] {
			if s.st.accounts[chain][i].Address == edit.Address {
				s.st.accounts[chain][i] = edit
				found = true
			}
		}
		if !found {
			fail(c, http.StatusBadRequest, fmt.Sprintf("Tried to edit unknown %s account %s", chain, edit.Address))
			return
		}
	}
	ok(c, append([]account{}, s.st.accounts[chain]...))
}

func (s *Server) removeAccounts(c *gin.Context) {
	var body struct {
		Accounts []string `json:"accounts"`
	}
	if !bind(c, &body) {
		return
	}
	chain := c.Param("chain")
	s.mu.Lock()
	doomed := map[string]bool{}
	for _, a := range body.Accounts {
		doomed[a] = true
	}
	kept := s.st.accounts[chain][:0:0]
	for _, a := range s.st.accounts[chain] {
		if doomed[a.Address] {
			delete(doomed, a.Address)
			continue
		}
		kept = append(kept, a)
	}
	if len(doomed) > 0 {
		s.mu.Unlock()
		fail(c, http.StatusBadRequest, "Tried to remove unknown accounts")
		return
	}
	s.st.accounts[chain] = kept
	res := s.chainBalances(chain)
	s.mu.Unlock()
	ok(c, res)
	s.pushPortfolio()
}

func (s *Server) xpub(c *gin.Context) {
	if c.Param("chain") != "BTC" {
		fail(c, http.StatusNotFound, "xpubs are only supported for BTC")
		return
	}
	var body struct {
		Xpub           string `json:"xpub"`
		DerivationPath string `json:"derivation_path"`
		Label          string `json:"label"`
	}
	if !bind(c, &body) {
		return
	}
	if body.Xpub == "" {
		fail(c, http.StatusBadRequest, "xpub is required")
		return
	}
	key := body.Xpub + "/" + body.DerivationPath
	s.mu.Lock()
	_, exists := s.st.xpubs[key]
	switch c.Request.Method {
	case http.MethodPut:
		if exists {
			s.mu.Unlock()
			fail(c, http.StatusBadRequest, "Xpub "+body.Xpub+" is already tracked")
			return
		}
		s.st.xpubs[key] = body.Label
	case http.MethodPatch:
		if !exists {
			s.mu.Unlock()
			fail(c, http.StatusBadRequest, "Tried to edit unknown xpub "+body.Xpub)
			return
		}
		s.st.xpubs[key] = body.Label
	case http.MethodDelete:
		if !exists {
			s.mu.Unlock()
			fail(c, http.StatusBadRequest, "Tried to remove unknown xpub "+body.Xpub)
			return
		}
		delete(s.st.xpubs, key)
	}
	res := s.chainBalances("BTC")
	s.mu.Unlock()
	ok(c, res)
}

func (s *Server) defiModule(c *gin.Context) {
	if c.Param("chain") != "ETH" {
		fail(c, http.StatusNotFound, "modules are only available for ETH")
		return
	}
	protocol := c.Param("protocol")
	switch protocol {
	case "aave", "compound", "makerdao_dsr", "uniswap":
	default:
		fail(c, http.StatusConflict, fmt.Sprintf("Module %s is not activated", protocol))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := gin.H{}
	for _, a := range s.st.accounts["ETH"] {
		out[a.Address] = gin.H{
			c.Param("resource"): gin.H{
				"DAI": balance{Amount: "100", USDValue: formatAmount(100 * s.st.prices["DAI"])},
			},
		}
	}
	ok(c, out)
}

// =============================================================================
// Balances and statistics
// =============================================================================

func (s *Server) balances(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	assets, locations := s.st.balances()
	ok(c, gin.H{"assets": assets, "liabilities": map[string]balance{}, "location": locations})
}

func (s *Server) blockchainBalances(c *gin.Context) {
	chain := c.Param("chain")
	s.mu.Lock()
	defer s.mu.Unlock()
	if chain != "BTC" && chain != "ETH" {
		fail(c, http.StatusBadRequest, fmt.Sprintf("Unrecognized value %s given for blockchain name", chain))
		return
	}
	ok(c, s.chainBalances(chain))
}

func (s *Server) netValue(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	total := s.st.totalUSD()
	const days = 7
	times := make([]int64, days)
	data := make([]string, days)
	for i := 0; i < days; i++ {
		times[i] = s.st.netValueStart.Unix() + int64(i)*86400
		data[i] = formatAmount(total * (0.9 + 0.1*float64(i)/float64(days-1)))
	}
	ok(c, gin.H{"times": times, "data": data})
}

func (s *Server) valueDistribution(c *gin.Context) {
	by := c.DefaultQuery("distribution_by", "location")
	s.mu.Lock()
	defer s.mu.Unlock()
	assets, locations := s.st.balances()
	var out []gin.H
	switch by {
	case "location":
		for loc, b := range locations {
			out = append(out, gin.H{"location": loc, "usd_value": b.USDValue})
		}
	case "asset":
		for asset, b := range assets {
			out = append(out, gin.H{"asset": asset, "amount": b.Amount, "usd_value": b.USDValue})
		}
	default:
		fail(c, http.StatusBadRequest, fmt.Sprintf("distribution_by must be location or asset, got %s", by))
		return
	}
	sort.Slice(out, func(i, j int) bool { return fmt.Sprint(out[i]) < fmt.Sprint(out[j]) })
	if out == nil {
		out = []gin.H{}
	}
	ok(c, out)
}

// =============================================================================
// External services
// =============================================================================

func (s *Server) servicesLocked() gin.H {
	out := gin.H{}
	for name, key := range s.st.services {
		out[name] = gin.H{"api_key": key}
	}
	return out
}

func (s *Server) listServices(c *gin.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ok(c, s.servicesLocked())
}

func (s *Server) setServices(c *gin.Context) {
	var body struct {
		Services []struct {
			Name   string `json:"name"`
			APIKey string `json:"api_key"`
		} `json:"services"`
	}
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, svc := range body.Services {
		s.st.services[svc.Name] = svc.APIKey
	}
	ok(c, s.servicesLocked())
}

func (s *Server) deleteServices(c *gin.Context) {
	var body struct {
		Services []string `json:"services"`
	}
	if !bind(c, &body) {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, name := range body.Services {
		delete(s.st.services, name)
	}
	ok(c, s.servicesLocked())
}
