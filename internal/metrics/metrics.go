// Package metrics provides Prometheus instrumentation for the chat backend.
// It exposes gauges for connection and presence counts, counters for
// ingestion and relay throughput, and a histogram for pipeline latency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket
	// connections on this gateway instance.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// LocalUsers tracks the number of distinct users with at least one
	// socket on this gateway instance.
	LocalUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chat_local_users",
		Help: "Distinct users with a live socket on this instance",
	})

	// MessagesIngested counts pipeline outcomes, labeled "ok", "duplicate",
	// or "error".
	MessagesIngested = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_messages_ingested_total",
		Help: "Total message submissions processed by the ingestion pipeline",
	}, []string{"result"})

	// EventsRelayed counts bus events relayed to local sockets, labeled by
	// event name.
	EventsRelayed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_events_relayed_total",
		Help: "Total delivery events relayed to locally connected sockets",
	}, []string{"event"})

	// PresenceTransitions counts edge-triggered presence changes, labeled
	// "online" or "offline".
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chat_presence_transitions_total",
		Help: "Total edge-triggered online/offline transitions published",
	}, []string{"direction"})

	// IngestLatency records create-message pipeline latency in seconds.
	IngestLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chat_ingest_latency_seconds",
		Help:    "Message ingestion pipeline latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		LocalUsers,
		MessagesIngested,
		EventsRelayed,
		PresenceTransitions,
		IngestLatency,
	)
}

// IngestTimer measures one pipeline run.
type IngestTimer struct {
	start time.Time
}

// NewIngestTimer starts a latency measurement.
func NewIngestTimer() *IngestTimer {
	return &IngestTimer{start: time.Now()}
}

// Observe records the elapsed time into IngestLatency.
func (t *IngestTimer) Observe() {
	IngestLatency.Observe(time.Since(t.start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
