package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Dispatch pipeline metrics.
var (
	DispatchRounds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dispatch_rounds_total",
		Help: "Matching rounds executed, by outcome (matched, empty, skipped).",
	}, []string{"outcome"})

	DispatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "dispatch_candidates",
		Help:    "Candidates notified per matching round.",
		Buckets: []float64{0, 1, 2, 5, 10, 20},
	})

	RidesMatched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rides_matched_total",
		Help: "Rides that reached accepted status.",
	})

	RidesCancelled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rides_cancelled_total",
		Help: "Rides cancelled, by party.",
	}, []string{"cancelled_by"})

	SweeperCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sweeper_cancelled_total",
		Help: "Stranded requests cancelled by the auto-cancel sweeper.",
	})

	FinalizerRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "finalizer_retries_total",
		Help: "Transient earnings-finalizer retries.",
	})

	WSConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ws_connections",
		Help: "Socket connections currently open on this node.",
	})
)
