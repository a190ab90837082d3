// Package prom provides a Prometheus-backed zone.Observer.
package prom

import (
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/NetPo4ki/go-zone/zone"
)

// Metrics records zone lifecycle events as Prometheus metrics. It also keeps
// plain counters so callers can inspect values without scraping.
type Metrics struct {
	zonesCreated   prometheus.Counter
	zonesLive      prometheus.Gauge
	zonesFinalized *prometheus.CounterVec
	zoneLifetime   prometheus.Histogram
	signals        *prometheus.CounterVec
	tasks          *prometheus.CounterVec
	taskDuration   prometheus.Histogram

	created   atomic.Int64
	live      atomic.Int64
	succeeded atomic.Int64
	failed    atomic.Int64
	signaled  atomic.Int64
	cancelled atomic.Int64
	tasksRun  atomic.Int64
	tasksErr  atomic.Int64
	panics    atomic.Int64
}

// New creates the metrics and registers them with reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		zonesCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "zone",
			Name:      "zones_created_total",
			Help:      "Zones constructed, the root included.",
		}),
		zonesLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "zone",
			Name:      "zones_live",
			Help:      "Zones constructed but not yet finalized.",
		}),
		zonesFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zone",
			Name:      "zones_finalized_total",
			Help:      "Zones finalized, by outcome.",
		}, []string{"outcome"}),
		zoneLifetime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zone",
			Name:      "zone_lifetime_seconds",
			Help:      "Time from construction to finalize.",
			Buckets:   prometheus.DefBuckets,
		}),
		signals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zone",
			Name:      "signals_total",
			Help:      "Outcome signals broadcast to children, by kind.",
		}, []string{"kind"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "zone",
			Name:      "tasks_total",
			Help:      "Bodies and callbacks run inside zones, by result.",
		}, []string{"result"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "zone",
			Name:      "task_duration_seconds",
			Help:      "Duration of bodies and callbacks run inside zones.",
			Buckets:   prometheus.ExponentialBuckets(1e-6, 4, 10),
		}),
	}
	if reg != nil {
		reg.MustRegister(m.zonesCreated, m.zonesLive, m.zonesFinalized, m.zoneLifetime,
			m.signals, m.tasks, m.taskDuration)
	}
	return m
}

// ZoneCreated records zone creation.
func (m *Metrics) ZoneCreated(_ *zone.Zone) {
	m.zonesCreated.Inc()
	m.zonesLive.Inc()
	m.created.Add(1)
	m.live.Add(1)
}

// ZoneSignaled records a signal sent to a child.
func (m *Metrics) ZoneSignaled(_ *zone.Zone, _ zone.ID, err error) {
	kind := "success"
	if err != nil {
		kind = "failure"
		m.cancelled.Add(1)
	}
	m.signals.WithLabelValues(kind).Inc()
	m.signaled.Add(1)
}

// ZoneFailed is a no-op; failures are counted once, at finalize.
func (m *Metrics) ZoneFailed(_ *zone.Zone, _ error) {}

// ZoneFinalized records the outcome and lifetime of a zone.
func (m *Metrics) ZoneFinalized(_ *zone.Zone, o zone.Outcome, lifetime time.Duration) {
	m.zonesLive.Dec()
	m.live.Add(-1)
	m.zonesFinalized.WithLabelValues(o.State().String()).Inc()
	m.zoneLifetime.Observe(lifetime.Seconds())
	if o.State() == zone.Failed {
		m.failed.Add(1)
	} else {
		m.succeeded.Add(1)
	}
}

// TaskFinished records a body or callback run.
func (m *Metrics) TaskFinished(_ *zone.Zone, dur time.Duration, err error, panicked bool) {
	result := "ok"
	switch {
	case panicked:
		result = "panic"
		m.panics.Add(1)
		m.tasksErr.Add(1)
	case err != nil:
		result = "error"
		m.tasksErr.Add(1)
	}
	m.tasks.WithLabelValues(result).Inc()
	m.taskDuration.Observe(dur.Seconds())
	m.tasksRun.Add(1)
}

// Snapshot exposes a copy of current metric values for inspection.
type Snapshot struct {
	ZonesCreated   int64
	ZonesLive      int64
	ZonesSucceeded int64
	ZonesFailed    int64
	Signals        int64
	FailureSignals int64
	TasksRun       int64
	TasksErrored   int64
	TasksPanicked  int64
}

// GetSnapshot returns the current metrics snapshot.
func (m *Metrics) GetSnapshot() Snapshot {
	return Snapshot{
		ZonesCreated:   m.created.Load(),
		ZonesLive:      m.live.Load(),
		ZonesSucceeded: m.succeeded.Load(),
		ZonesFailed:    m.failed.Load(),
		Signals:        m.signaled.Load(),
		FailureSignals: m.cancelled.Load(),
		TasksRun:       m.tasksRun.Load(),
		TasksErrored:   m.tasksErr.Load(),
		TasksPanicked:  m.panics.Load(),
	}
}
