// Package metrics exposes the service's Prometheus collectors. Collectors are
// package-level and registered once via promauto, so any package can record
// without plumbing a registry handle around.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "active_sessions",
		Help:      "Sessions currently held in the registry.",
	})

	OpenConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "collab",
		Name:      "open_connections",
		Help:      "Live websocket connections.",
	})

	UpdatesApplied = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "updates_applied_total",
		Help:      "Document updates successfully merged.",
	})

	CorruptUpdates = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "corrupt_updates_total",
		Help:      "Updates rejected as undecodable.",
	})

	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "malformed_frames_total",
		Help:      "Control frames dropped as unparsable.",
	})

	BroadcastFrames = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "broadcast_frames_total",
		Help:      "Frames fanned out to session peers.",
	})

	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "sessions_evicted_total",
		Help:      "Idle sessions destroyed by the sweeper.",
	})

	PersistenceFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "persistence_failures_total",
		Help:      "Snapshot writes or deletes that failed.",
	})

	HeartbeatKills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "collab",
		Name:      "heartbeat_kills_total",
		Help:      "Connections force-closed after a missed heartbeat.",
	})
)
