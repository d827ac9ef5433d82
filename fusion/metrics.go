package fusion

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pushes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pemesh_fusion_pushes_total",
		Help: "Scenes pushed into the fusion history",
	})

	historySize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "pemesh_fusion_history",
		Help: "Observations currently retained for fusion",
	})

	fuseDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pemesh_fusion_duration_seconds",
		Help:    "Time spent fusing the retained observations",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	droppedFusions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pemesh_fusion_dropped_total",
		Help: "Fusion requests dropped because a fusion was already running",
	})
)
