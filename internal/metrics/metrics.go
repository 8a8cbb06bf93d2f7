// Package metrics exposes Prometheus instrumentation for the sync
// server: connection counts, master playback state, and encoding
// activity. Wired into the HTTP surface at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncplay",
		Name:      "connected_clients",
		Help:      "Number of currently authenticated message-channel connections.",
	})

	MasterIsPlaying = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncplay",
		Name:      "master_is_playing",
		Help:      "1 if the master timeline is currently playing, else 0.",
	})

	MasterPlaybackRate = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncplay",
		Name:      "master_playback_rate",
		Help:      "Current master playback rate.",
	})

	CatalogStreamCount = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncplay",
		Name:      "catalog_stream_count",
		Help:      "Number of ready HLS streams currently in the catalog.",
	})

	EncodesInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncplay",
		Name:      "encodes_in_flight",
		Help:      "Number of source files currently being transcoded.",
	})

	EncodesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncplay",
		Name:      "encodes_total",
		Help:      "Total encode attempts, labeled by outcome.",
	}, []string{"outcome"})

	AuthAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncplay",
		Name:      "auth_attempts_total",
		Help:      "Total authentication attempts, labeled by outcome.",
	}, []string{"outcome"})

	SessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "syncplay",
		Name:      "sessions_swept_total",
		Help:      "Total expired sessions removed by the sweeper.",
	})
)
