/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTP surface.
	APIRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obie_api_requests_total",
		Help: "API requests by method, endpoint and status code.",
	}, []string{"method", "endpoint", "status"})

	APIRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "obie_api_request_duration_seconds",
		Help:    "API request latency.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "endpoint", "status"})

	APIActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obie_api_active_connections",
		Help: "In-flight API requests.",
	})

	// Store.
	DatabaseQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "obie_db_query_duration_seconds",
		Help:    "Database operation latency by operation and table.",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation", "table"})

	DatabaseErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obie_db_errors_total",
		Help: "Database errors by operation.",
	}, []string{"operation"})

	DatabaseConnectionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "obie_db_connections_active",
		Help: "Open database connections.",
	})

	// Coordination core.
	ChangeEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obie_change_events_total",
		Help: "Row-change notifications published, by table and op.",
	}, []string{"table", "op"})

	QueueOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obie_queue_operations_total",
		Help: "Queue store mutations by operation and outcome.",
	}, []string{"operation", "outcome"})

	ElectionOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obie_election_outcomes_total",
		Help: "Priority election registrations by outcome.",
	}, []string{"outcome"})

	AdvanceRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "obie_advance_rejections_total",
		Help: "Advance calls rejected because the caller is not the priority player.",
	})

	CreditDebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obie_credit_debits_total",
		Help: "Kiosk credit debit attempts by outcome.",
	}, []string{"outcome"})

	DebounceRefetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "obie_debounce_refetches_total",
		Help: "Settled-state refetches performed after a debounce window, by watcher.",
	}, []string{"watcher"})
)

// Handler exposes the Prometheus metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
