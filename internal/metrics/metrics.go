// Package metrics holds the Prometheus collectors exported by lattice.
//
// Collectors are package-level so any component can record without
// plumbing; Register attaches them to a registry once at startup.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "lattice"

var ChunksWritten = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "chunk",
	Name:      "written_total",
	Help:      "Chunks newly written to the chunk store.",
})

var ChunksCollected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "chunk",
	Name:      "collected_total",
	Help:      "Chunks reclaimed by garbage collection.",
})

var HeadConflicts = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "chunk",
	Name:      "head_conflicts_total",
	Help:      "Head compare-and-swap failures.",
})

// Mutations counts server-side push outcomes by result:
// applied, rejected, duplicate, gap, buffered.
var Mutations = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "server",
	Name:      "mutations_total",
	Help:      "Pushed mutations by processing result.",
}, []string{"result"})

var PokesSent = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "server",
	Name:      "pokes_sent_total",
	Help:      "Pokes delivered to connected clients.",
})

var PullsServed = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "server",
	Name:      "pulls_total",
	Help:      "Pull requests served, by outcome (patch, reset, stale).",
}, []string{"outcome"})

var ConnectedClients = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "server",
	Name:      "connected_clients",
	Help:      "Clients with a live persistent connection.",
})

var ServerVersion = prometheus.NewGauge(prometheus.GaugeOpts{
	Namespace: namespace,
	Subsystem: "server",
	Name:      "version",
	Help:      "Current authoritative state version.",
})

var Rebases = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "client",
	Name:      "rebases_total",
	Help:      "Snapshots applied followed by pending mutation replay.",
})

var RebaseDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
	Namespace: namespace,
	Subsystem: "client",
	Name:      "rebase_duration_seconds",
	Help:      "Time spent applying a snapshot and replaying pending mutations.",
	Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
})

var MutationsRejected = prometheus.NewCounter(prometheus.CounterOpts{
	Namespace: namespace,
	Subsystem: "client",
	Name:      "mutations_rejected_total",
	Help:      "Pending mutations dropped because their mutator failed on replay.",
})

var collectors = []prometheus.Collector{
	ChunksWritten,
	ChunksCollected,
	HeadConflicts,
	Mutations,
	PokesSent,
	PullsServed,
	ConnectedClients,
	ServerVersion,
	Rebases,
	RebaseDuration,
	MutationsRejected,
}

// Register attaches every lattice collector to reg.
// Collectors already registered with reg are skipped.
func Register(reg prometheus.Registerer) error {
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	return nil
}
