// Package observability holds the Prometheus metrics exported by the credit engine.
//
// Metrics are registered on the default registry at init and served by the
// API's /metrics route.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ─── Balance ────────────────────────────────────────────────────────────────

// BalanceComputations counts balance reads by historical cache outcome.
var BalanceComputations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit",
	Subsystem: "balance",
	Name:      "computations_total",
	Help:      "Balance computations by historical cache outcome (hit, miss).",
}, []string{"cache"})

// CacheErrors counts historical cache backend failures by operation.
var CacheErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit",
	Subsystem: "cache",
	Name:      "errors_total",
	Help:      "Historical cache backend failures by operation.",
}, []string{"op"})

// ─── Ledger writes ──────────────────────────────────────────────────────────

// EntriesWritten counts entries created or mutated, by entry kind.
var EntriesWritten = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit",
	Subsystem: "ledger",
	Name:      "entries_written_total",
	Help:      "Ledger entries created or mutated, by kind.",
}, []string{"kind"})

// CreditsSpent counts credits consumed, by credit type.
var CreditsSpent = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit",
	Subsystem: "ledger",
	Name:      "credits_spent_total",
	Help:      "Credits consumed by spend calls, by credit type.",
}, []string{"credit_type"})

// InsufficientBalance counts rejected remove/spend calls.
var InsufficientBalance = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "credit",
	Subsystem: "ledger",
	Name:      "insufficient_balance_total",
	Help:      "Remove/spend calls rejected for insufficient balance, by credit type.",
}, []string{"credit_type"})

// LockRetries counts retried grouped usage decrements.
var LockRetries = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "credit",
	Subsystem: "ledger",
	Name:      "lock_retries_total",
	Help:      "Grouped usage decrements retried after a serialization conflict.",
})

// Prorations counts prorated grants.
var Prorations = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "credit",
	Subsystem: "proration",
	Name:      "prorated_total",
	Help:      "Grants shrunk and expired by proration.",
})
