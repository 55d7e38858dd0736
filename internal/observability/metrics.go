package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce              sync.Once
	apiRequestsTotal          *prometheus.CounterVec
	apiLatencySeconds         *prometheus.HistogramVec
	chatConnectionsActive     prometheus.Gauge
	chatMessagesTotal         *prometheus.CounterVec
	chatActionErrorsTotal     *prometheus.CounterVec
	pinRejectionsTotal        prometheus.Counter
	notificationsTotal        *prometheus.CounterVec
	notificationStreamClients prometheus.Gauge
	pushDispatchTotal         *prometheus.CounterVec
)

// RegisterMetrics initialises the Prometheus collectors used by the realtime
// layer.
func RegisterMetrics() {
	registerOnce.Do(func() {
		apiRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_requests_total",
			Help: "Total number of API requests served.",
		}, []string{"method", "route", "status"})

		apiLatencySeconds = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatter_latency_seconds",
			Help:    "Latency distribution for API requests.",
			Buckets: []float64{0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.0},
		}, []string{"method", "route"})

		chatConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatter_chat_connections_active",
			Help: "Number of websocket chat connections currently open.",
		})

		chatMessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_chat_messages_total",
			Help: "Chat broadcast events published, by event type.",
		}, []string{"type"})

		chatActionErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_chat_action_errors_total",
			Help: "Inbound chat actions rejected, by action label.",
		}, []string{"action"})

		pinRejectionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatter_pin_rejections_total",
			Help: "Pin attempts rejected by the per-room pin bound.",
		})

		notificationsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_notifications_published_total",
			Help: "Notifications persisted and fanned out, by event type.",
		}, []string{"event_type"})

		notificationStreamClients = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chatter_notification_stream_clients",
			Help: "Number of live notification stream subscribers.",
		})

		pushDispatchTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatter_push_dispatch_total",
			Help: "Push dispatch attempts, by outcome.",
		}, []string{"outcome"})

		prometheus.MustRegister(
			apiRequestsTotal,
			apiLatencySeconds,
			chatConnectionsActive,
			chatMessagesTotal,
			chatActionErrorsTotal,
			pinRejectionsTotal,
			notificationsTotal,
			notificationStreamClients,
			pushDispatchTotal,
		)
	})
}

// APIRequests exposes the counter for API requests.
func APIRequests() *prometheus.CounterVec {
	RegisterMetrics()
	return apiRequestsTotal
}

// APILatency exposes the latency histogram for API requests.
func APILatency() *prometheus.HistogramVec {
	RegisterMetrics()
	return apiLatencySeconds
}

// ChatConnectionsActive exposes the open-connection gauge.
func ChatConnectionsActive() prometheus.Gauge {
	RegisterMetrics()
	return chatConnectionsActive
}

// ChatMessages exposes the broadcast-event counter.
func ChatMessages() *prometheus.CounterVec {
	RegisterMetrics()
	return chatMessagesTotal
}

// ChatActionErrors exposes the rejected-action counter.
func ChatActionErrors() *prometheus.CounterVec {
	RegisterMetrics()
	return chatActionErrorsTotal
}

// PinRejections exposes the pin-bound rejection counter.
func PinRejections() prometheus.Counter {
	RegisterMetrics()
	return pinRejectionsTotal
}

// NotificationsPublished exposes the notification fanout counter.
func NotificationsPublished() *prometheus.CounterVec {
	RegisterMetrics()
	return notificationsTotal
}

// NotificationStreamClients exposes the live subscriber gauge.
func NotificationStreamClients() prometheus.Gauge {
	RegisterMetrics()
	return notificationStreamClients
}

// PushDispatches exposes the push-attempt counter.
func PushDispatches() *prometheus.CounterVec {
	RegisterMetrics()
	return pushDispatchTotal
}
