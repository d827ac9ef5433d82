package grid

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	recomputes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "pemesh_grid_recomputes_total",
		Help: "Grid neighbourhood recomputes by mode (cached, incremental, full)",
	}, []string{"mode"})

	matchDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "pemesh_grid_match_duration_seconds",
		Help:    "Time spent matching a point cloud against the grid",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	})

	droppedMatches = promauto.NewCounter(prometheus.CounterOpts{
		Name: "pemesh_grid_dropped_matches_total",
		Help: "Point clouds dropped because a match was already running",
	})
)
