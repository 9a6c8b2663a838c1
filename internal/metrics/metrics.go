package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OAuthFlowsStarted counts authorization URLs handed out, by flow.
	OAuthFlowsStarted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeck_oauth_flows_started_total",
			Help: "The total number of OAuth flows started.",
		},
		[]string{"flow"},
	)

	// OAuthCallbacks counts completed callbacks by flow and outcome.
	OAuthCallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeck_oauth_callbacks_total",
			Help: "The total number of OAuth callbacks handled, by outcome.",
		},
		[]string{"flow", "outcome"},
	)

	// OAuthStatesPending is the number of state entries held in memory.
	OAuthStatesPending = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowdeck_oauth_states_pending",
			Help: "The number of OAuth state entries awaiting a callback.",
		},
	)

	// CalendarSyncs counts calendar event syncs by mode (sync/async) and outcome.
	CalendarSyncs = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeck_calendar_syncs_total",
			Help: "The total number of calendar task syncs, by outcome.",
		},
		[]string{"mode", "outcome"},
	)

	// CalendarSyncDuration is a histogram of end-to-end calendar sync latency.
	CalendarSyncDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowdeck_calendar_sync_duration_seconds",
			Help:    "A histogram of calendar sync duration.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		},
	)

	// HTTPRequests counts served requests by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowdeck_http_requests_total",
			Help: "The total number of HTTP requests served.",
		},
		[]string{"route", "code"},
	)
)
