package realtime

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const metricsNamespace = "dm_realtime"

const (
	deliveryResultSent   = "sent"
	deliveryResultFailed = "failed"
)

// Metrics holds the Prometheus collectors for the realtime layer.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	connections    prometheus.Gauge
	onlineUsers    prometheus.Gauge
	subscriptions  prometheus.Gauge
	deliveries     *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	presenceErrors *prometheus.CounterVec
}

// NewMetrics registers the realtime collectors with registerer (prometheus.DefaultRegisterer when nil).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &Metrics{
		connections: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "connections",
			Help:      "Open realtime connections",
		}),
		onlineUsers: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "online_users",
			Help:      "Users with at least one authenticated connection",
		}),
		subscriptions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "room_subscriptions",
			Help:      "Connection to room subscriptions",
		}),
		deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Per-connection event deliveries by event kind, target kind and result",
		}, []string{"event", "target", "result"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_transitions_total",
			Help:      "Presence edges applied by the presence tracker",
		}, []string{"state"}),
		presenceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "presence_errors_total",
			Help:      "User directory failures during presence work",
		}, []string{"operation"}),
	}
}

func (m *Metrics) setConnections(count int) {
	if m == nil {
		return
	}
	m.connections.Set(float64(count))
}

func (m *Metrics) setOnlineUsers(count int) {
	if m == nil {
		return
	}
	m.onlineUsers.Set(float64(count))
}

func (m *Metrics) addSubscriptions(delta int) {
	if m == nil || delta == 0 {
		return
	}
	m.subscriptions.Add(float64(delta))
}

func (m *Metrics) delivery(kind EventKind, target TargetKind, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(string(kind), string(target), result).Inc()
}

func (m *Metrics) transition(online bool) {
	if m == nil {
		return
	}
	state := "offline"
	if online {
		state = "online"
	}
	m.transitions.WithLabelValues(state).Inc()
}

func (m *Metrics) presenceError(operation string) {
	if m == nil {
		return
	}
	m.presenceErrors.WithLabelValues(operation).Inc()
}
