// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation checks user-provided asset identifiers.
//
// Identifiers are placed in URL paths, query strings and request bodies,
// so both the response schemas and the CLI run them through the same
// rule before use.
package validation

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxAssetLen is the longest identifier accepted, in bytes.
const MaxAssetLen = 128

// assetPattern matches identifiers without whitespace, e.g. "BTC",
// "_ceth_0x6B175474E89094C44Da98b954EedeAC495271d0F" or "eip155:1/erc20:0x...".
var assetPattern = regexp.MustCompile(`^\S+$`)

// IsAsset reports whether id is a well-formed asset identifier.
func IsAsset(id string) bool {
	return id != "" && len(id) <= MaxAssetLen && assetPattern.MatchString(id)
}

// ValidateAsset validates an asset identifier.
//
// Valid identifiers:
//   - 1-128 bytes
//   - No whitespace anywhere
//
// Case is preserved: token identifiers embed checksummed addresses.
//
// Example:
//
//	if err := validation.ValidateAsset(asset); err != nil {
//	    return fmt.Errorf("invalid asset: %w", err)
//	}
func ValidateAsset(id string) error {
	if id == "" {
		return fmt.Errorf("asset cannot be empty")
	}
	if len(id) > MaxAssetLen {
		return fmt.Errorf("asset %.16q... is longer than %d bytes", id, MaxAssetLen)
	}
	if !assetPattern.MatchString(id) {
		return fmt.Errorf("invalid asset format: %q (must not contain whitespace)", id)
	}
	return nil
}

// ValidateAssets validates multiple identifiers.
// Returns an error listing all invalid identifiers if any fail validation.
func ValidateAssets(ids []string) error {
	var invalid []string
	for _, id := range ids {
		if err := ValidateAsset(id); err != nil {
			invalid = append(invalid, id)
		}
	}

	if len(invalid) > 0 {
		return fmt.Errorf("invalid assets: %q", invalid)
	}
	return nil
}

// SanitizeAssets trims surrounding whitespace from each identifier and
// validates the result. Duplicates are dropped, keeping the first.
//
//	assets, err := validation.SanitizeAssets(args)
//	if err != nil {
//	    return err
//	}
func SanitizeAssets(ids []string) ([]string, error) {
	out := make([]string, 0, len(ids))
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if err := ValidateAssets(out); err != nil {
		return nil, err
	}
	return out, nil
}
