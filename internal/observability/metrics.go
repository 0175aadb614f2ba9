package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "sakay"

var (
	TripsCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trips_created_total", Help: "Trips created"})

	TripTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "trip_transitions_total", Help: "Committed trip status transitions"},
		[]string{"to"},
	)
	AcceptConflicts = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "accept_conflicts_total", Help: "Rejected accept attempts by reason"},
		[]string{"reason"},
	)
	SideEffectFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "side_effect_failures_total", Help: "After-commit side effects that failed"},
		[]string{"kind"},
	)

	MatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "match_latency_seconds", Help: "Matcher query latency",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})
	MatchCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace, Name: "match_candidates", Help: "Candidates returned per matcher query",
		Buckets: []float64{0, 1, 2, 5, 10, 20, 50},
	})
	DriversOnline = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Drivers currently online"})

	RealtimeSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "realtime_subscribers", Help: "Open propagation subscriptions"})
	RealtimeDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "realtime_coalesced_total", Help: "Events replaced by a newer event before delivery"})

	LocationMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "location_messages_total", Help: "Driver location stream messages by outcome"},
		[]string{"outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
