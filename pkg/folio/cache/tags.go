// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package cache

import (
	"net/url"
	"sort"
	"strings"
	"time"
)

// Tag groups entries for invalidation.
//
// A Tag with an empty ID stands for the whole resource type: invalidating
// {Balance} hits every entry carrying any Balance tag, while invalidating
// {Balance, "kraken"} hits only entries tagged {Balance, "kraken"}.
type Tag struct {
	Type string
	ID   string
}

// T returns the type-wide tag for typ.
func T(typ string) Tag { return Tag{Type: typ} }

// TID returns the tag for one identified resource of typ.
func TID(typ, id string) Tag { return Tag{Type: typ, ID: id} }

func (t Tag) String() string {
	if t.ID == "" {
		return t.Type
	}
	return t.Type + ":" + t.ID
}

// Matches reports whether invalidating t affects an entry tagged e.
func (t Tag) Matches(e Tag) bool {
	return t.Type == e.Type && (t.ID == "" || t.ID == e.ID)
}

func intersects(invalidated, entryTags []Tag) bool {
	for _, inv := range invalidated {
		for _, et := range entryTags {
			if inv.Matches(et) {
				return true
			}
		}
	}
	return false
}

// Key builds a stable cache key from a resolved path and query values.
// Query parameters are sorted by name, then by value. An optional body
// (for queries that are sent with one) is appended verbatim.
func Key(path string, query url.Values, body []byte) string {
	var b strings.Builder
	b.WriteString(path)
	if len(query) > 0 {
		names := make([]string, 0, len(query))
		for k := range query {
			names = append(names, k)
		}
		sort.Strings(names)
		sep := byte('?')
		for _, k := range names {
			vals := append([]string(nil), query[k]...)
			sort.Strings(vals)
			for _, v := range vals {
				b.WriteByte(sep)
				sep = '&'
				b.WriteString(url.QueryEscape(k))
				b.WriteByte('=')
				b.WriteString(url.QueryEscape(v))
			}
		}
	}
	if len(body) > 0 {
		b.WriteString("#")
		b.Write(body)
	}
	return b.String()
}

// Policy controls freshness and retention for one entry.
type Policy struct {
	// StaleTime is the age after which a read triggers revalidation.
	// Zero means the cache default; negative means always stale.
	StaleTime time.Duration

	// RetentionTime is how long an entry without subscribers is kept.
	// Zero means the cache default; negative means evict at next sweep.
	RetentionTime time.Duration
}

// DefaultPolicy mirrors the common remote-data defaults.
var DefaultPolicy = Policy{
	StaleTime:     60 * time.Second,
	RetentionTime: 5 * time.Minute,
}

func (p Policy) withDefaults(d Policy) Policy {
	if p.StaleTime == 0 {
		p.StaleTime = d.StaleTime
	}
	if p.RetentionTime == 0 {
		p.RetentionTime = d.RetentionTime
	}
	return p
}
