package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is safe to use as a nil pointer; every recorder is then a no-op.
type Metrics struct {
	events            *prometheus.CounterVec
	notifications     *prometheus.CounterVec
	dropped           prometheus.Counter
	reconciles        *prometheus.CounterVec
	reconcileDuration *prometheus.HistogramVec
	reconnects        *prometheus.CounterVec
	controllers       *prometheus.GaugeVec
}

func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		events: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onelink",
			Subsystem: "pipeline",
			Name:      "events_total",
			Help:      "Change events handled, by topic and outcome.",
		}, []string{"topic", "outcome"}),
		notifications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onelink",
			Subsystem: "pipeline",
			Name:      "notifications_total",
			Help:      "Notifications emitted, by topic.",
		}, []string{"topic"}),
		dropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "onelink",
			Subsystem: "pipeline",
			Name:      "notifications_dropped_total",
			Help:      "Notifications dropped because a subscriber buffer was full.",
		}),
		reconciles: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onelink",
			Subsystem: "pipeline",
			Name:      "reconciles_total",
			Help:      "Aggregate view fetches, by topic and result.",
		}, []string{"topic", "result"}),
		reconcileDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "onelink",
			Subsystem: "pipeline",
			Name:      "reconcile_duration_seconds",
			Help:      "Latency of aggregate view fetches.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"topic"}),
		reconnects: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "onelink",
			Subsystem: "pipeline",
			Name:      "reconnects_total",
			Help:      "Re-subscribe attempts after a lost or failed subscription.",
		}, []string{"topic", "result"}),
		controllers: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "onelink",
			Subsystem: "pipeline",
			Name:      "controllers",
			Help:      "Live pipeline controllers, by topic.",
		}, []string{"topic"}),
	}
}

func (m *Metrics) event(topic, outcome string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(topic, outcome).Inc()
}

func (m *Metrics) notification(topic string) {
	if m == nil {
		return
	}
	m.notifications.WithLabelValues(topic).Inc()
}

func (m *Metrics) notificationDropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) reconcile(topic string, started time.Time, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconciles.WithLabelValues(topic, result).Inc()
	m.reconcileDuration.WithLabelValues(topic).Observe(time.Since(started).Seconds())
}

func (m *Metrics) reconnect(topic string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.reconnects.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) controllerStarted(topic string) {
	if m == nil {
		return
	}
	m.controllers.WithLabelValues(topic).Inc()
}

func (m *Metrics) controllerStopped(topic string) {
	if m == nil {
		return
	}
	m.controllers.WithLabelValues(topic).Dec()
}
