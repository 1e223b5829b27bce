// Package metrics exposes the ambient Prometheus counters and gauges
// for the admission and rules-engine pipeline, registered once at
// process startup via promauto the way the credential package
// registers its own JWKS rotation metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsAdmittedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_events_admitted_total",
		Help: "Total number of anomaly events accepted by the admission pipeline",
	})

	EventsRejectedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_events_rejected_total",
			Help: "Total number of anomaly events rejected by the admission pipeline, by reason",
		},
		[]string{"reason"},
	)

	AlertsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "proctor_alerts_emitted_total",
			Help: "Total number of alerts raised by the rules engine, by severity",
		},
		[]string{"severity"},
	)

	SessionsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "proctor_sessions_active",
		Help: "Current number of ACTIVE proctoring sessions",
	})

	SessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proctor_sessions_swept_total",
		Help: "Total number of sessions force-ended by the heartbeat-timeout sweeper",
	})
)
