package mesh

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	subscriptionConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pemesh_subscription_connections",
		Help: "Open edge node connections held by the subscription manager",
	})

	subscriptionSectors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pemesh_subscription_sectors",
		Help: "Sector topics currently subscribed",
	})

	droppedCallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pemesh_subscription_dropped_callbacks_total",
		Help: "Inbound scene deliveries dropped because a callback was still running",
	})

	decodeFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pemesh_decode_failures_total",
		Help: "Inbound payloads dropped because they could not be decoded",
	}, []string{"source"})

	publishedScenes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pemesh_published_scenes_total",
		Help: "Scenes published, by topic kind",
	}, []string{"kind"})
)
