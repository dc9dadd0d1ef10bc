// Package metrics holds the Prometheus collectors shared by the storage components.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "storagecore"

// Direction labels
const (
	Upload   = "upload"
	Download = "download"
)

var (
	CacheHits = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "hits_total",
		Help: "Chunk cache lookups that returned a live entry.",
	})
	CacheMisses = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "misses_total",
		Help: "Chunk cache lookups for absent or expired entries.",
	})
	CacheEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "evictions_total",
		Help: "Entries evicted to satisfy the count or byte budget.",
	})
	CacheExpired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "cache", Name: "expired_total",
		Help: "Expired entries reclaimed by cleanup passes.",
	})
	CacheBytes = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "bytes",
		Help: "Bytes currently held by the chunk cache.",
	})
	CacheChunks = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "cache", Name: "chunks",
		Help: "Chunks currently held by the chunk cache.",
	})

	ChunkBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "chunk_bytes_total",
		Help: "Chunk payload bytes moved, by direction.",
	}, []string{"direction"})
	ChunkRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "chunk_requests_total",
		Help: "Single chunk requests by outcome.",
	}, []string{"outcome"})
	ChunkRequestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "chunk_request_seconds",
		Help:    "Time from sending a chunk request to receiving its response.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
	})
	IntegrityFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "integrity_failures_total",
		Help: "Received chunks rejected by integrity verification.",
	})
	ActiveSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "transfer", Name: "active_sessions",
		Help: "Transfer sessions currently tracked.",
	})

	KnownPeers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "network", Name: "known_peers",
		Help: "Peers in the directory.",
	})
	BandwidthRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "network", Name: "bandwidth_bytes_per_second",
		Help: "Observed transfer rate over the last refresh window.",
	}, []string{"direction"})

	HealPlacements = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace, Subsystem: "replication", Name: "placements_total",
		Help: "Replica copies pushed by the auto-heal loop.",
	})
	UnderReplicated = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace, Subsystem: "replication", Name: "under_replicated_chunks",
		Help: "Chunks that could not reach the replica target in the last heal pass.",
	})
)

// Registry holds every collector above
var Registry = prometheus.NewRegistry()

func init() {
	Registry.MustRegister(
		CacheHits, CacheMisses, CacheEvictions, CacheExpired, CacheBytes, CacheChunks,
		ChunkBytes, ChunkRequests, ChunkRequestLatency, IntegrityFailures, ActiveSessions,
		KnownPeers, BandwidthRate,
		HealPlacements, UnderReplicated,
	)
}

// Handler serves the registry in the Prometheus text format
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}
