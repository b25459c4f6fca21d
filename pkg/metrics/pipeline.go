package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// BrokerMetrics counts consumer outcomes per queue.
type BrokerMetrics struct {
	handled  *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

func NewBrokerMetrics(reg prometheus.Registerer) *BrokerMetrics {
	if reg == nil {
		return &BrokerMetrics{}
	}
	handled := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "broker_messages_handled_total",
		Help: "Messages handled by consumers, by queue and outcome (ack, dead_letter, drop).",
	}, []string{"queue", "outcome"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "broker_handler_duration_seconds",
		Help:    "Handler latency per queue.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	reg.MustRegister(handled, duration)
	return &BrokerMetrics{handled: handled, duration: duration}
}

func (m *BrokerMetrics) Observe(queue, outcome string, took time.Duration) {
	if m == nil || m.handled == nil {
		return
	}
	m.handled.WithLabelValues(normalizeLabel(queue), normalizeLabel(outcome)).Inc()
	m.duration.WithLabelValues(normalizeLabel(queue)).Observe(took.Seconds())
}

// OutboxMetrics tracks forwarder progress.
type OutboxMetrics struct {
	published *prometheus.CounterVec
	failures  *prometheus.CounterVec
}

func NewOutboxMetrics(reg prometheus.Registerer) *OutboxMetrics {
	if reg == nil {
		return &OutboxMetrics{}
	}
	published := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_events_published_total",
		Help: "Outbox rows published to the broker.",
	}, []string{"event_type"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_publish_failures_total",
		Help: "Outbox publish failures, split by whether the row became terminal.",
	}, []string{"event_type", "terminal"})
	reg.MustRegister(published, failures)
	return &OutboxMetrics{published: published, failures: failures}
}

func (m *OutboxMetrics) IncPublished(eventType string) {
	if m == nil || m.published == nil {
		return
	}
	m.published.WithLabelValues(normalizeLabel(eventType)).Inc()
}

func (m *OutboxMetrics) IncFailure(eventType string, terminal bool) {
	if m == nil || m.failures == nil {
		return
	}
	label := "false"
	if terminal {
		label = "true"
	}
	m.failures.WithLabelValues(normalizeLabel(eventType), label).Inc()
}

// DeliveryMetrics counts notification delivery attempts written to the ledger.
type DeliveryMetrics struct {
	attempts *prometheus.CounterVec
}

func NewDeliveryMetrics(reg prometheus.Registerer) *DeliveryMetrics {
	if reg == nil {
		return &DeliveryMetrics{}
	}
	attempts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "notification_delivery_attempts_total",
		Help: "Notification delivery attempts by channel and status.",
	}, []string{"channel", "status"})
	reg.MustRegister(attempts)
	return &DeliveryMetrics{attempts: attempts}
}

func (m *DeliveryMetrics) IncAttempt(channel, status string) {
	if m == nil || m.attempts == nil {
		return
	}
	m.attempts.WithLabelValues(normalizeLabel(channel), normalizeLabel(status)).Inc()
}
