// Package metrics exposes the server's prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "darkerchat"

var (
	ConnectedSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connected_sessions",
		Help:      "Number of currently connected participant sessions.",
	})

	ActivePairs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "active_pairs",
		Help:      "Number of currently active pairings.",
	})

	SearchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "searches_total",
		Help:      "Total search requests received.",
	})

	PairingsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pairings_total",
		Help:      "Total successful pairings.",
	})

	SearchTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "search_timeouts_total",
		Help:      "Searches that expired without finding a partner.",
	})

	// RelayedTotal counts forwarded payloads by kind: "message" or "key".
	RelayedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relayed_total",
		Help:      "Opaque payloads forwarded between paired participants.",
	}, []string{"kind"})

	// DroppedTotal counts events discarded without delivery, by reason:
	// "unknown_session", "not_paired", "stale_partner", "slow_client".
	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dropped_total",
		Help:      "Events dropped instead of delivered.",
	}, []string{"reason"})
)
