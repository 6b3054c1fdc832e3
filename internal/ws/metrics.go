package ws

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "quizlive",
		Subsystem: "ws",
		Name:      "connections",
		Help:      "Currently registered websocket connections.",
	})

	metricConnectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizlive",
		Subsystem: "ws",
		Name:      "connects_total",
		Help:      "Accepted websocket registrations.",
	})

	metricEvictionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizlive",
		Subsystem: "ws",
		Name:      "evictions_total",
		Help:      "Connections evicted by the liveness monitor or failed sends.",
	})

	metricSendFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quizlive",
		Subsystem: "ws",
		Name:      "send_failures_total",
		Help:      "Individual broadcast deliveries that failed.",
	})
)
