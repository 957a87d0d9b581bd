// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	UpstreamFetches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termin_upstream_fetches_total",
			Help: "Upstream fetches by appointment type and result",
		},
		[]string{"type_id", "result"},
	)

	UpstreamDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "termin_upstream_fetch_duration_seconds",
			Help:    "Duration of upstream fetches including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type_id"},
	)

	NewSlots = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termin_new_slots_total",
			Help: "Slots newer than the cache high-water mark",
		},
		[]string{"type_id"},
	)

	ChangeEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termin_change_events_total",
			Help: "Change events delivered to listeners",
		},
		[]string{"type_id"},
	)

	ActiveTypes = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "termin_active_types",
			Help: "Appointment types currently monitored",
		},
	)

	Notifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "termin_notifications_total",
			Help: "Notifications by kind and result",
		},
		[]string{"kind", "result"},
	)

	WatermarkAdvances = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "termin_watermark_advances_total",
			Help: "Subscription watermark updates after a delivered batch",
		},
	)
)
