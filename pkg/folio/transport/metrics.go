// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package transport

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
)

const (
	metricsNamespace   = "folio"
	transportSubsystem = "transport"
)

var tracer = otel.Tracer("folio.transport")

// transportMetrics are registered once per process on the default registry.
type transportMetrics struct {
	// RequestsTotal labels: endpoint, method, outcome (ok or an ErrorKind)
	RequestsTotal *prometheus.CounterVec

	// RequestDuration labels: endpoint
	RequestDuration *prometheus.HistogramVec

	// FallbacksTotal labels: endpoint, method (the fallback method)
	FallbacksTotal *prometheus.CounterVec

	UnauthorizedTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metrics     *transportMetrics
)

func getMetrics() *transportMetrics {
	metricsOnce.Do(func() {
		metrics = &transportMetrics{
			RequestsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: transportSubsystem,
					Name:      "requests_total",
					Help:      "Backend requests by endpoint, method and outcome",
				},
				[]string{"endpoint", "method", "outcome"},
			),
			RequestDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: metricsNamespace,
					Subsystem: transportSubsystem,
					Name:      "request_duration_seconds",
					Help:      "Backend request latency in seconds",
					Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
				},
				[]string{"endpoint"},
			),
			FallbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: transportSubsystem,
					Name:      "method_fallbacks_total",
					Help:      "Requests retried with their declared fallback method",
				},
				[]string{"endpoint", "method"},
			),
			UnauthorizedTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Namespace: metricsNamespace,
					Subsystem: transportSubsystem,
					Name:      "unauthorized_total",
					Help:      "Replies with HTTP 401 that cleared the session",
				},
			),
		}
	})
	return metrics
}
