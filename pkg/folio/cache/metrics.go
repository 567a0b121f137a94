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
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var meter = otel.Meter("folio.cache")

var (
	cacheHits          metric.Int64Counter
	cacheMisses        metric.Int64Counter
	cacheEvictions     metric.Int64Counter
	cacheInvalidations metric.Int64Counter
	cacheFetches       metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

// initMetrics initializes the metrics. Safe to call multiple times.
func initMetrics() error {
	metricsOnce.Do(func() {
		counters := []struct {
			dst  *metric.Int64Counter
			name string
			desc string
		}{
			{&cacheHits, "folio_cache_hits_total", "Reads served from a cached payload"},
			{&cacheMisses, "folio_cache_misses_total", "Reads with no cached payload"},
			{&cacheEvictions, "folio_cache_evictions_total", "Entries removed by invalidation or retention"},
			{&cacheInvalidations, "folio_cache_invalidations_total", "Entries matched by a tag invalidation"},
			{&cacheFetches, "folio_cache_fetches_total", "Deduplicated fetches executed, by trigger"},
		}
		for _, c := range counters {
			ctr, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc))
			if err != nil {
				metricsErr = err
				return
			}
			*c.dst = ctr
		}
	})
	return metricsErr
}

func recordHit(hit bool) {
	if err := initMetrics(); err != nil {
		return
	}
	if hit {
		cacheHits.Add(context.Background(), 1)
		return
	}
	cacheMisses.Add(context.Background(), 1)
}

func recordEviction(reason string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheEvictions.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("reason", reason)))
}

func recordInvalidation(n int) {
	if err := initMetrics(); err != nil || n == 0 {
		return
	}
	cacheInvalidations.Add(context.Background(), int64(n))
}

func recordFetch(trigger string) {
	if err := initMetrics(); err != nil {
		return
	}
	cacheFetches.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("trigger", trigger)))
}
