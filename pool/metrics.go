package pool

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the pool's Prometheus collectors. They are registered with
// the Registerer given in Config; with none they are still updated but not
// exported.
type metrics struct {
	opened      *prometheus.CounterVec
	closed      *prometheus.CounterVec
	dialErrors  *prometheus.CounterVec
	streams     prometheus.Gauge
	queueWaits  prometheus.Counter
	waitSeconds prometheus.Histogram
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		opened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicry",
			Subsystem: "pool",
			Name:      "connections_opened_total",
			Help:      "Connections established, by negotiated protocol.",
		}, []string{"protocol"}),
		closed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicry",
			Subsystem: "pool",
			Name:      "connections_closed_total",
			Help:      "Connections closed, by reason.",
		}, []string{"reason"}),
		dialErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mimicry",
			Subsystem: "pool",
			Name:      "dial_errors_total",
			Help:      "Failed connection attempts, by phase.",
		}, []string{"phase"}),
		streams: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "mimicry",
			Subsystem: "pool",
			Name:      "streams_active",
			Help:      "Requests currently holding a pooled connection.",
		}),
		queueWaits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mimicry",
			Subsystem: "pool",
			Name:      "queue_waits_total",
			Help:      "Acquires that queued behind a stream ceiling.",
		}),
		waitSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "mimicry",
			Subsystem: "pool",
			Name:      "queue_wait_seconds",
			Help:      "Time spent queued for a stream slot.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	if reg != nil {
		m.opened = register(reg, m.opened)
		m.closed = register(reg, m.closed)
		m.dialErrors = register(reg, m.dialErrors)
		m.streams = register(reg, m.streams)
		m.queueWaits = register(reg, m.queueWaits)
		m.waitSeconds = register(reg, m.waitSeconds)
	}
	return m
}

// register adds c to reg, reusing the collector already registered under
// the same name so several managers can share one registry.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) C {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}
	return c
}
