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

import "github.com/AleutianAI/AleutianFolio/pkg/folio/cache"

// Resource types used as invalidation tags.
const (
	TagUser              = "User"
	TagExchange          = "Exchange"
	TagBalance           = "Balance"
	TagTrade             = "Trade"
	TagStatistics        = "Statistics"
	TagTransaction       = "Transaction"
	TagLedgerAction      = "LedgerAction"
	TagAsset             = "Asset"
	TagBlockchainAccount = "BlockchainAccount"
	TagDeFiPosition      = "DeFiPosition"
	TagPrice             = "Price"
	TagSettings          = "Settings"
)

func tags(types ...string) []cache.Tag {
	out := make([]cache.Tag, len(types))
	for i, t := range types {
		out[i] = cache.T(t)
	}
	return out
}
