package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SamplesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locshare_samples_total",
		Help: "Position samples accepted from the active strategy, by provider.",
	}, []string{"provider"})

	FailoversTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locshare_strategy_failovers_total",
		Help: "Strategy demotions triggered by startup failure or health check.",
	})

	PublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locshare_presence_publish_failures_total",
		Help: "Presence publishes dropped after exhausting retries.",
	})

	HeartbeatsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "locshare_presence_heartbeats_total",
		Help: "Heartbeats published to the shared store.",
	})

	ProximityEventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "locshare_proximity_events_total",
		Help: "Proximity and geofence events emitted, by topic.",
	}, []string{"topic"})

	PeersOnline = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "locshare_peers_online",
		Help: "Peers currently considered online.",
	})
)

func init() {
	prometheus.MustRegister(
		SamplesTotal,
		FailoversTotal,
		PublishFailuresTotal,
		HeartbeatsTotal,
		ProximityEventsTotal,
		PeersOnline,
	)
}
