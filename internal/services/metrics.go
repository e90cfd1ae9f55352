package services

import (
	"time"

	"finsync/internal/core"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels for finsync_sync_entities_total.
const (
	OutcomeSynced     = "synced"
	OutcomeRequeued   = "requeued"
	OutcomeFailed     = "failed"
	OutcomeConflicted = "conflicted"
	OutcomeSkipped    = "skipped"
	OutcomeDeleted    = "deleted"
)

// Metrics records sync activity. A nil *Metrics records nothing.
type Metrics struct {
	entities     *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
}

// NewMetrics creates the sync collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "finsync",
			Subsystem: "sync",
			Name:      "entities_total",
			Help:      "Records processed by sync passes, by kind and outcome.",
		}, []string{"kind", "outcome"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "finsync",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Duration of a push pass for one entity kind.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
	}
	if reg != nil {
		reg.MustRegister(m.entities, m.passDuration)
	}
	return m
}

func (m *Metrics) observe(kind core.EntityKind, outcome string) {
	if m == nil {
		return
	}
	m.entities.WithLabelValues(string(kind), outcome).Inc()
}

func (m *Metrics) observePass(kind core.EntityKind, d time.Duration) {
	if m == nil {
		return
	}
	m.passDuration.WithLabelValues(string(kind)).Observe(d.Seconds())
}
