// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/api"
	"github.com/AleutianAI/AleutianFolio/pkg/ux"
	"github.com/AleutianAI/AleutianFolio/pkg/validation"
)

// =============================================================================
// Exchanges
// =============================================================================

func runExchanges(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	exchanges, err := fresh(a.api.Exchanges.FetchFresh(cmd.Context(), api.None{}))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(exchanges)
	}
	rows := make([][]string, len(exchanges))
	for i, e := range exchanges {
		rows[i] = []string{e.Name, e.Location}
	}
	ux.Table([]string{"NAME", "LOCATION"}, rows)
	return nil
}

func runExchangeAdd(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	_, err = a.api.SetupExchange.Do(cmd.Context(), api.ExchangeSetup{
		Name:       exchangeName,
		Location:   exchangeLocation,
		APIKey:     exchangeKey,
		APISecret:  exchangeSecret,
		Passphrase: exchangePassphrase,
	})
	if err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Connected %s on %s", exchangeName, exchangeLocation))
	return nil
}

func runExchangeRemove(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	_, err = a.api.RemoveExchange.Do(cmd.Context(), api.ExchangeRef{Name: exchangeName, Location: exchangeLocation})
	if err != nil {
		return err
	}
	ux.Success(fmt.Sprintf("Disconnected %s on %s", exchangeName, exchangeLocation))
	return nil
}

// =============================================================================
// Trades
// =============================================================================

// runTrades shows one page of trades. --page counts from 1.
func runTrades(cmd *cobra.Command, _ []string) error {
	if tradePage < 1 {
		return fmt.Errorf("--page must be at least 1, got %d", tradePage)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	pages := a.api.TradePages(api.Filter{Location: tradeLocation, Asset: tradeAsset}, tradeLimit)
	page, err := pages.GoToPage(cmd.Context(), tradePage-1)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(page)
	}

	rows := make([][]string, len(page.Entries))
	for i, t := range page.Entries {
		rows[i] = []string{
			t.TradeID,
			formatTimestamp(t.Timestamp),
			t.Location,
			t.BaseAsset + "/" + t.QuoteAsset,
			t.TradeType,
			ux.Amount(t.Amount),
			ux.Amount(t.Rate),
		}
	}
	ux.Table([]string{"ID", "TIME", "LOCATION", "PAIR", "TYPE", "AMOUNT", "RATE"}, rows)

	total := (page.EntriesFound + pages.Limit() - 1) / pages.Limit()
	ux.Muted(fmt.Sprintf("page %d of %d, %d trades found, %d in total",
		pages.Page()+1, max(total, 1), page.EntriesFound, page.EntriesTotal))
	return nil
}

// =============================================================================
// Assets
// =============================================================================

func runIgnoredList(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	ignored, err := fresh(a.api.IgnoredAssets.FetchFresh(cmd.Context(), api.None{}))
	if err != nil {
		return err
	}
	return printAssetList(ignored)
}

func runIgnoredAdd(cmd *cobra.Command, args []string) error {
	assets, err := validation.SanitizeAssets(args)
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	ignored, err := a.api.AddIgnored.Do(cmd.Context(), api.AssetList{Assets: assets})
	if err != nil {
		return err
	}
	return printAssetList(ignored)
}

func runIgnoredRemove(cmd *cobra.Command, args []string) error {
	assets, err := validation.SanitizeAssets(args)
	if err != nil {
		return err
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	ignored, err := a.api.RemoveIgnored.Do(cmd.Context(), api.AssetList{Assets: assets})
	if err != nil {
		return err
	}
	return printAssetList(ignored)
}

func printAssetList(assets []string) error {
	if jsonOutput {
		return printJSON(assets)
	}
	rows := make([][]string, len(assets))
	for i, asset := range assets {
		rows[i] = []string{asset}
	}
	ux.Table([]string{"IGNORED"}, rows)
	return nil
}

func runPrices(cmd *cobra.Command, args []string) error {
	assets, err := validation.SanitizeAssets(args)
	if err != nil {
		return err
	}
	if err := validation.ValidateAsset(priceTarget); err != nil {
		return fmt.Errorf("--target: %w", err)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	prices, err := fresh(a.api.CurrentPrices.FetchFresh(cmd.Context(), api.PriceRequest{Assets: assets, TargetAsset: priceTarget}))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(prices)
	}
	rows := make([][]string, 0, len(prices.Assets))
	for _, asset := range sortedKeys(prices.Assets) {
		rows = append(rows, []string{asset, ux.Amount(prices.Assets[asset])})
	}
	ux.Table([]string{"ASSET", "PRICE (" + prices.TargetAsset + ")"}, rows)
	return nil
}

// =============================================================================
// Statistics
// =============================================================================

func runNetValue(cmd *cobra.Command, _ []string) error {
	a, err := openApp()
	if err != nil {
		return err
	}
	nv, err := fresh(a.api.NetValue.FetchFresh(cmd.Context(), api.None{}))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(nv)
	}
	rows := make([][]string, len(nv.Times))
	for i, ts := range nv.Times {
		rows[i] = []string{time.Unix(ts, 0).UTC().Format(time.DateOnly), ux.Amount(nv.Data[i])}
	}
	ux.Table([]string{"DATE", "NET VALUE"}, rows)
	return nil
}

func runDistribution(cmd *cobra.Command, _ []string) error {
	if distributionBy != api.DistributionByLocation && distributionBy != api.DistributionByAsset {
		return fmt.Errorf("--by must be %q or %q", api.DistributionByLocation, api.DistributionByAsset)
	}
	a, err := openApp()
	if err != nil {
		return err
	}
	entries, err := fresh(a.api.ValueDistribution.FetchFresh(cmd.Context(), distributionBy))
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(entries)
	}

	rows := make([][]string, len(entries))
	for i, e := range entries {
		if distributionBy == api.DistributionByAsset {
			rows[i] = []string{e.Asset, ux.Amount(e.Amount), ux.Amount(e.USDValue)}
		} else {
			rows[i] = []string{e.Location, ux.Amount(e.USDValue)}
		}
	}
	if distributionBy == api.DistributionByAsset {
		ux.Table([]string{"ASSET", "AMOUNT", "USD VALUE"}, rows)
	} else {
		ux.Table([]string{"LOCATION", "USD VALUE"}, rows)
	}
	return nil
}

// printBalances renders assets, then liabilities when there are any, and
// the net total.
func printBalances(b api.Balances) error {
	if jsonOutput {
		return printJSON(b)
	}
	headers := []string{"ASSET", "AMOUNT", "USD VALUE"}
	ux.Table(headers, balanceRows(b.Assets))
	if len(b.Liabilities) > 0 {
		ux.Title("Liabilities")
		ux.Table(headers, balanceRows(b.Liabilities))
	}
	net := sumUSD(b.Assets) - sumUSD(b.Liabilities)
	ux.Muted("net value " + ux.Amount(strconv.FormatFloat(net, 'f', -1, 64)) + " USD")
	return nil
}

func balanceRows(m map[string]api.AssetBalance) [][]string {
	rows := make([][]string, 0, len(m))
	for _, asset := range sortedKeys(m) {
		bal := m[asset]
		rows = append(rows, []string{asset, ux.Amount(bal.Amount), ux.Amount(bal.USDValue)})
	}
	return rows
}

func sumUSD(m map[string]api.AssetBalance) float64 {
	var total float64
	for _, bal := range m {
		// Values passed schema validation as numeric.
		v, _ := strconv.ParseFloat(bal.USDValue, 64)
		total += v
	}
	return total
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatTimestamp(ts int64) string {
	return time.Unix(ts, 0).UTC().Format("2006-01-02 15:04")
}
