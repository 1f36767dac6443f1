package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for presencehub.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Connection metrics
	Connections           prometheus.Gauge
	AuthenticatedUsers    prometheus.Gauge
	ConnectionsAdmitted   prometheus.Counter
	Authentications       *prometheus.CounterVec
	HeartbeatEvictions    prometheus.Counter
	HeartbeatPingFailures prometheus.Counter

	// Broadcast metrics
	Broadcasts        *prometheus.CounterVec
	BroadcastFailures prometheus.Counter

	// Store metrics
	StoreWrites        *prometheus.CounterVec
	ReconcilePasses    prometheus.Counter
	InboundMessages    *prometheus.CounterVec
	RateLimitedRequest prometheus.Counter

	// Lesson metrics
	LessonsStarted *prometheus.CounterVec
	LessonsEnded   *prometheus.CounterVec
	ActiveLessons  prometheus.Gauge

	// Relay metrics
	RelayPublished *prometheus.CounterVec
	RelayReceived  prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered
func NewMetrics(registry prometheus.Registerer) *Metrics {
	factory := promauto.With(registry)

	return &Metrics{
		Connections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presencehub_connections",
			Help: "Number of admitted websocket connections",
		}),
		AuthenticatedUsers: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presencehub_online_users",
			Help: "Number of users with an authoritative connection",
		}),
		ConnectionsAdmitted: factory.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_connections_admitted_total",
			Help: "Total number of admitted websocket connections",
		}),
		Authentications: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presencehub_authentications_total",
				Help: "Total number of authenticate requests",
			},
			[]string{"success"},
		),
		HeartbeatEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_heartbeat_evictions_total",
			Help: "Total number of connections evicted after two missed probes",
		}),
		HeartbeatPingFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_heartbeat_ping_failures_total",
			Help: "Total number of ping control frames that failed to send",
		}),

		Broadcasts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presencehub_broadcasts_total",
				Help: "Total number of broadcast events by type",
			},
			[]string{"type"},
		),
		BroadcastFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_broadcast_failures_total",
			Help: "Total number of per-recipient broadcast delivery failures",
		}),

		StoreWrites: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presencehub_store_writes_total",
				Help: "Total number of active-flag writes to the user store",
			},
			[]string{"success"},
		),
		ReconcilePasses: factory.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_reconcile_passes_total",
			Help: "Total number of presence reconciliation passes",
		}),
		InboundMessages: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presencehub_inbound_messages_total",
				Help: "Total number of inbound client messages by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		RateLimitedRequest: factory.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_rate_limited_total",
			Help: "Total number of inbound messages rejected by the rate limiter",
		}),

		LessonsStarted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presencehub_lessons_started_total",
				Help: "Total number of lesson sessions started",
			},
			[]string{"restart"},
		),
		LessonsEnded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presencehub_lessons_ended_total",
				Help: "Total number of lesson sessions ended",
			},
			[]string{"reason"},
		),
		ActiveLessons: factory.NewGauge(prometheus.GaugeOpts{
			Name: "presencehub_active_lessons",
			Help: "Number of live lesson sessions",
		}),

		RelayPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "presencehub_relay_published_total",
				Help: "Total number of lesson events published to the relay",
			},
			[]string{"success"},
		),
		RelayReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "presencehub_relay_received_total",
			Help: "Total number of lesson events received from other instances",
		}),
	}
}

func successLabel(ok bool) string {
	if ok {
		return "true"
	}
	return "false"
}

// SetConnections records the registry size.
func (m *Metrics) SetConnections(connections, onlineUsers int) {
	if m == nil {
		return
	}
	m.Connections.Set(float64(connections))
	m.AuthenticatedUsers.Set(float64(onlineUsers))
}

func (m *Metrics) ConnectionAdmitted() {
	if m == nil {
		return
	}
	m.ConnectionsAdmitted.Inc()
}

func (m *Metrics) Authentication(ok bool) {
	if m == nil {
		return
	}
	m.Authentications.WithLabelValues(successLabel(ok)).Inc()
}

func (m *Metrics) Eviction() {
	if m == nil {
		return
	}
	m.HeartbeatEvictions.Inc()
}

func (m *Metrics) PingFailure() {
	if m == nil {
		return
	}
	m.HeartbeatPingFailures.Inc()
}

// Broadcast records one fan-out and its per-recipient failures.
func (m *Metrics) Broadcast(eventType string, failures int) {
	if m == nil {
		return
	}
	m.Broadcasts.WithLabelValues(eventType).Inc()
	if failures > 0 {
		m.BroadcastFailures.Add(float64(failures))
	}
}

func (m *Metrics) StoreWrite(ok bool) {
	if m == nil {
		return
	}
	m.StoreWrites.WithLabelValues(successLabel(ok)).Inc()
}

func (m *Metrics) Reconcile() {
	if m == nil {
		return
	}
	m.ReconcilePasses.Inc()
}

// Inbound records an inbound message outcome ("ok", "invalid", "rejected", "dropped").
func (m *Metrics) Inbound(messageType, outcome string) {
	if m == nil {
		return
	}
	m.InboundMessages.WithLabelValues(messageType, outcome).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.RateLimitedRequest.Inc()
}

func (m *Metrics) LessonStarted(restart bool, active int) {
	if m == nil {
		return
	}
	m.LessonsStarted.WithLabelValues(successLabel(restart)).Inc()
	m.ActiveLessons.Set(float64(active))
}

// LessonEnded records an end with reason "expired", "ended" or "shutdown".
func (m *Metrics) LessonEnded(reason string, active int) {
	if m == nil {
		return
	}
	m.LessonsEnded.WithLabelValues(reason).Inc()
	m.ActiveLessons.Set(float64(active))
}

func (m *Metrics) RelayPublish(ok bool) {
	if m == nil {
		return
	}
	m.RelayPublished.WithLabelValues(successLabel(ok)).Inc()
}

func (m *Metrics) RelayReceive() {
	if m == nil {
		return
	}
	m.RelayReceived.Inc()
}
