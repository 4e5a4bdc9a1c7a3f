// Package metrics holds the Prometheus instruments shared by every component.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "ledgersync"

// Label values used across instruments.
const (
	OutcomeOK     = "ok"
	OutcomeFailed = "failed"
	OutcomeStale  = "stale"
	OutcomeRetry  = "retry"

	ActionResolved = "resolved"
	ActionTimedOut = "timed_out"
	ActionFailed   = "failed"
	ActionLate     = "late"
)

var latencyBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 16}

var (
	// ReferenceRefreshes counts block reference fetches by ledger and outcome.
	ReferenceRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reference_refreshes_total",
		Help:      "Block reference fetches by ledger and outcome.",
	}, []string{"ledger", "outcome"})

	// Submissions counts transaction send attempts by ledger and outcome.
	Submissions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "submissions_total",
		Help:      "Transaction submissions by ledger and outcome.",
	}, []string{"ledger", "outcome"})

	// TopUps counts faucet requests by ledger and outcome.
	TopUps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "top_ups_total",
		Help:      "Faucet requests by ledger and outcome.",
	}, []string{"ledger", "outcome"})

	// Actions counts terminal outcomes of optimistic actions per flow.
	Actions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "actions_total",
		Help:      "Optimistic action outcomes by flow.",
	}, []string{"flow", "outcome"})

	// ResolutionLatency observes dispatch to resolution time in seconds.
	ResolutionLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "resolution_seconds",
		Help:      "Time from dispatch to an authoritative update.",
		Buckets:   latencyBuckets,
	}, []string{"flow", "ledger"})

	// ActiveWatches is the number of live account subscriptions.
	ActiveWatches = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_watches",
		Help:      "Live account subscriptions.",
	})
)

func init() {
	prometheus.MustRegister(
		ReferenceRefreshes,
		Submissions,
		TopUps,
		Actions,
		ResolutionLatency,
		ActiveWatches,
	)
}
