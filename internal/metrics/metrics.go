package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the indexing pipeline.
type Metrics struct {
	registry *prometheus.Registry

	eventsProcessed    *prometheus.CounterVec
	dispatchDuration   *prometheus.HistogramVec
	eventsBroadcast    *prometheus.CounterVec
	eventsDropped      *prometheus.CounterVec
	notificationsSent  *prometheus.CounterVec
	breakerTrips       prometheus.Counter
	rpcRequests        *prometheus.CounterVec
	rpcDuration        *prometheus.HistogramVec
	connectedClients   prometheus.Gauge
	lastProcessedBlock prometheus.Gauge
	decodeFailures     prometheus.Counter
}

// NewMetrics creates and registers all collectors on a private registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		eventsProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quest_indexer_events_processed_total",
			Help: "Total number of contract events dispatched, by type and status",
		}, []string{"event_type", "status"}),
		dispatchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quest_indexer_dispatch_duration_seconds",
			Help:    "Time spent handling a single event",
			Buckets: prometheus.DefBuckets,
		}, []string{"event_type"}),
		eventsBroadcast: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quest_indexer_events_broadcast_total",
			Help: "Events delivered to live subscribers, by type",
		}, []string{"event_type"}),
		eventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quest_indexer_events_dropped_total",
			Help: "Events dropped because a subscriber channel was full",
		}, []string{"event_type"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quest_indexer_notifications_total",
			Help: "User notifications recorded, by category",
		}, []string{"category"}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quest_indexer_circuit_breaker_trips_total",
			Help: "Number of times the chain endpoint circuit breaker has opened",
		}),
		rpcRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "quest_indexer_rpc_requests_total",
			Help: "Chain RPC requests, by method and status",
		}, []string{"method", "status"}),
		rpcDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "quest_indexer_rpc_duration_seconds",
			Help:    "Chain RPC request latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		connectedClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quest_indexer_connected_clients",
			Help: "Currently connected broadcast subscribers",
		}),
		lastProcessedBlock: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "quest_indexer_last_processed_block",
			Help: "Highest block number fully processed by the listener",
		}),
		decodeFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "quest_indexer_decode_failures_total",
			Help: "Raw logs dropped because they could not be decoded",
		}),
	}

	registry.MustRegister(
		m.eventsProcessed, m.dispatchDuration, m.eventsBroadcast,
		m.eventsDropped, m.notificationsSent, m.breakerTrips,
		m.rpcRequests, m.rpcDuration, m.connectedClients,
		m.lastProcessedBlock, m.decodeFailures,
	)
	return m
}

func (m *Metrics) RecordEventProcessed(eventType, status string) {
	m.eventsProcessed.WithLabelValues(eventType, status).Inc()
}

func (m *Metrics) ObserveDispatchDuration(eventType string, d time.Duration) {
	m.dispatchDuration.WithLabelValues(eventType).Observe(d.Seconds())
}

func (m *Metrics) RecordEventBroadcast(eventType string) {
	m.eventsBroadcast.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordEventDropped(eventType string) {
	m.eventsDropped.WithLabelValues(eventType).Inc()
}

func (m *Metrics) RecordNotification(category string) {
	m.notificationsSent.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordBreakerTrip() {
	m.breakerTrips.Inc()
}

func (m *Metrics) RecordRPCRequest(method, status string, d time.Duration) {
	m.rpcRequests.WithLabelValues(method, status).Inc()
	m.rpcDuration.WithLabelValues(method).Observe(d.Seconds())
}

func (m *Metrics) SetConnectedClients(n int) {
	m.connectedClients.Set(float64(n))
}

func (m *Metrics) SetLastProcessedBlock(block uint64) {
	m.lastProcessedBlock.Set(float64(block))
}

func (m *Metrics) RecordDecodeFailure() {
	m.decodeFailures.Inc()
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
