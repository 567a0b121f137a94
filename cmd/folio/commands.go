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
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianFolio/pkg/folio/api"
)

// --- Global Command Variables ---
var (
	configPath       string
	baseURLOverride  string
	jsonOutput       bool
	logLevelOverride string
	personalityLevel string // UX personality level (standard/minimal/machine)

	loginPassword     string
	loginSyncApproval string

	tradeLimit    int
	tradePage     int
	tradeLocation string
	tradeAsset    string

	exchangeName       string
	exchangeLocation   string
	exchangeKey        string
	exchangeSecret     string
	exchangePassphrase string

	watchBalances bool
	watchFor      time.Duration
	watchIdle     bool

	distributionBy string
	priceTarget    string

	backendAddr        string
	backendRejectPatch bool
	backendOpen        bool
	backendUsers       map[string]string

	rootCmd = &cobra.Command{
		Use:   "folio",
		Short: "A cache-aware client for the portfolio backend",
		Long: `folio talks to a portfolio backend over its REST API, validates
every response and keeps a local cache that mutations invalidate.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: setupRuntime,
	}

	// --- Session ---
	loginCmd = &cobra.Command{
		Use:   "login <name>",
		Short: "Log in and remember the session",
		Args:  cobra.ExactArgs(1),
		RunE:  runLogin, // Defined in cmd_account.go
	}
	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Log out and forget the session and cached data",
		Args:  cobra.NoArgs,
		RunE:  runLogout,
	}
	usersCmd = &cobra.Command{
		Use:   "users",
		Short: "List users known to the backend",
		Args:  cobra.NoArgs,
		RunE:  runUsers,
	}

	// --- Exchanges ---
	exchangesCmd = &cobra.Command{
		Use:   "exchanges",
		Short: "List connected exchanges",
		Args:  cobra.NoArgs,
		RunE:  runExchanges, // Defined in cmd_portfolio.go
	}
	exchangesAddCmd = &cobra.Command{
		Use:   "add",
		Short: "Connect an exchange account",
		Args:  cobra.NoArgs,
		RunE:  runExchangeAdd,
	}
	exchangesRemoveCmd = &cobra.Command{
		Use:   "remove",
		Short: "Disconnect an exchange account",
		Args:  cobra.NoArgs,
		RunE:  runExchangeRemove,
	}

	// --- History ---
	tradesCmd = &cobra.Command{
		Use:   "trades",
		Short: "List trades one page at a time",
		Args:  cobra.NoArgs,
		RunE:  runTrades,
	}

	// --- Assets ---
	ignoredCmd = &cobra.Command{
		Use:   "ignored",
		Short: "Manage assets hidden from balances",
	}
	ignoredListCmd = &cobra.Command{
		Use:   "list",
		Short: "List ignored assets",
		Args:  cobra.NoArgs,
		RunE:  runIgnoredList,
	}
	ignoredAddCmd = &cobra.Command{
		Use:   "add <asset>...",
		Short: "Ignore assets",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIgnoredAdd,
	}
	ignoredRemoveCmd = &cobra.Command{
		Use:   "remove <asset>...",
		Short: "Stop ignoring assets",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runIgnoredRemove,
	}
	pricesCmd = &cobra.Command{
		Use:   "prices <asset>...",
		Short: "Show current prices",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runPrices,
	}

	// --- Statistics ---
	balancesCmd = &cobra.Command{
		Use:   "balances",
		Short: "Show aggregated balances, optionally kept up to date",
		Args:  cobra.NoArgs,
		RunE:  runBalances, // Defined in cmd_watch.go
	}
	netValueCmd = &cobra.Command{
		Use:   "netvalue",
		Short: "Show the net value history",
		Args:  cobra.NoArgs,
		RunE:  runNetValue,
	}
	distributionCmd = &cobra.Command{
		Use:   "distribution",
		Short: "Show how value is spread across locations or assets",
		Args:  cobra.NoArgs,
		RunE:  runDistribution,
	}

	// --- Development ---
	fakeBackendCmd = &cobra.Command{
		Use:   "fake-backend",
		Short: "Serve an in-memory portfolio backend for local development",
		Args:  cobra.NoArgs,
		RunE:  runFakeBackend, // Defined in cmd_backend.go
	}
)

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configPath, "config", "", "config file (default ~/.folio/folio.yaml)")
	pf.StringVar(&baseURLOverride, "base-url", "", "backend URL, overrides server.base_url")
	pf.BoolVar(&jsonOutput, "json", false, "print results as JSON")
	pf.StringVar(&logLevelOverride, "log-level", "", "debug, info, warn or error")
	pf.StringVar(&personalityLevel, "output", "", "output style: standard, minimal or machine")

	loginCmd.Flags().StringVar(&loginPassword, "password", "", "password (default $FOLIO_PASSWORD, then stdin)")
	loginCmd.Flags().StringVar(&loginSyncApproval, "sync-approval", "unknown", "premium sync approval: unknown, yes or no")

	tradesCmd.Flags().IntVar(&tradeLimit, "limit", 10, "trades per page")
	tradesCmd.Flags().IntVar(&tradePage, "page", 1, "page number, starting at 1")
	tradesCmd.Flags().StringVar(&tradeLocation, "location", "", "only trades at this location")
	tradesCmd.Flags().StringVar(&tradeAsset, "asset", "", "only trades involving this asset")

	for _, c := range []*cobra.Command{exchangesAddCmd, exchangesRemoveCmd} {
		c.Flags().StringVar(&exchangeName, "name", "", "account name")
		c.Flags().StringVar(&exchangeLocation, "location", "", "exchange, e.g. kraken")
		_ = c.MarkFlagRequired("name")
		_ = c.MarkFlagRequired("location")
	}
	exchangesAddCmd.Flags().StringVar(&exchangeKey, "api-key", "", "API key")
	exchangesAddCmd.Flags().StringVar(&exchangeSecret, "api-secret", "", "API secret")
	exchangesAddCmd.Flags().StringVar(&exchangePassphrase, "passphrase", "", "API passphrase, if the exchange uses one")

	balancesCmd.Flags().BoolVar(&watchBalances, "watch", false, "keep polling and redraw on change")
	balancesCmd.Flags().DurationVar(&watchFor, "for", 0, "stop watching after this long (0 runs until interrupted)")
	balancesCmd.Flags().BoolVar(&watchIdle, "idle", false, "start at the inactive polling interval")

	distributionCmd.Flags().StringVar(&distributionBy, "by", api.DistributionByLocation, "location or asset")
	pricesCmd.Flags().StringVar(&priceTarget, "target", "USD", "quote asset")

	fakeBackendCmd.Flags().StringVar(&backendAddr, "addr", "127.0.0.1:4242", "listen address")
	fakeBackendCmd.Flags().BoolVar(&backendRejectPatch, "reject-patch-login", false, "answer PATCH logins with 405")
	fakeBackendCmd.Flags().BoolVar(&backendOpen, "open", false, "disable authentication")
	fakeBackendCmd.Flags().StringToStringVar(&backendUsers, "user", nil, "seed users as name=password (default alice=secret)")

	exchangesCmd.AddCommand(exchangesAddCmd, exchangesRemoveCmd)
	ignoredCmd.AddCommand(ignoredListCmd, ignoredAddCmd, ignoredRemoveCmd)

	rootCmd.AddCommand(loginCmd, logoutCmd, usersCmd)
	rootCmd.AddCommand(exchangesCmd, tradesCmd, ignoredCmd, pricesCmd)
	rootCmd.AddCommand(balancesCmd, netValueCmd, distributionCmd)
	rootCmd.AddCommand(fakeBackendCmd)
}
