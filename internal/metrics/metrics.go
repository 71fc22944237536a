// Package metrics exposes Prometheus collectors for feed polling, event
// delivery, time triggers and platform emails.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "proppilot"

// Poll outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeFetchError   = "fetch_error"
	OutcomePersistError = "persistence_error"
	OutcomePanic        = "panic"
)

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	polls            *prometheus.CounterVec
	fetchDuration    *prometheus.HistogramVec
	lastSuccess      *prometheus.GaugeVec
	failures         *prometheus.GaugeVec
	events           *prometheus.CounterVec
	conflicts        *prometheus.CounterVec
	subscriberErrors *prometheus.CounterVec
	triggers         *prometheus.CounterVec
	emails           *prometheus.CounterVec
}

// New constructs Metrics and registers them with reg. Passing a fresh
// registry keeps tests independent.
func New(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "polls_total",
			Help:      "Feed poll cycles by property and outcome.",
		}, []string{"property", "outcome"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "fetch_duration_seconds",
			Help:      "Time spent fetching a property's feed.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"property"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful poll per property.",
		}, []string{"property"}),
		failures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "consecutive_failures",
			Help:      "Consecutive failed polls per property.",
		}, []string{"property"}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "published_total",
			Help:      "Booking change events published by kind.",
		}, []string{"property", "kind"}),
		conflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Feed intervals skipped for violating booking invariants.",
		}, []string{"property"}),
		subscriberErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "events",
			Name:      "subscriber_errors_total",
			Help:      "Subscriber failures caught by the bus.",
		}, []string{"subscriber"}),
		triggers: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "triggers",
			Name:      "fired_total",
			Help:      "Time triggers fired by kind.",
		}, []string{"kind"}),
		emails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "email",
			Name:      "processed_total",
			Help:      "Platform emails handled by kind and result.",
		}, []string{"kind", "result"}),
	}

	for _, c := range []prometheus.Collector{
		m.polls, m.fetchDuration, m.lastSuccess, m.failures,
		m.events, m.conflicts, m.subscriberErrors, m.triggers, m.emails,
	} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ObservePoll records one poll cycle.
func (m *Metrics) ObservePoll(property, outcome string, fetch time.Duration, failures int, at time.Time) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(property, outcome).Inc()
	if fetch > 0 {
		m.fetchDuration.WithLabelValues(property).Observe(fetch.Seconds())
	}
	m.failures.WithLabelValues(property).Set(float64(failures))
	if outcome == OutcomeSuccess {
		m.lastSuccess.WithLabelValues(property).Set(float64(at.Unix()))
	}
}

// IncEvent counts a published event.
func (m *Metrics) IncEvent(property, kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(property, kind).Inc()
}

// AddConflicts counts skipped intervals.
func (m *Metrics) AddConflicts(property string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.conflicts.WithLabelValues(property).Add(float64(n))
}

// IncSubscriberError counts a caught subscriber failure.
func (m *Metrics) IncSubscriberError(subscriber string) {
	if m == nil {
		return
	}
	m.subscriberErrors.WithLabelValues(subscriber).Inc()
}

// AddTriggers counts fired time triggers.
func (m *Metrics) AddTriggers(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.triggers.WithLabelValues(kind).Add(float64(n))
}

// IncEmail counts one handled email.
func (m *Metrics) IncEmail(kind, result string) {
	if m == nil {
		return
	}
	m.emails.WithLabelValues(kind, result).Inc()
}
