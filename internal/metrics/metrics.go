// Package metrics exposes the engine's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles all engine collectors. Construct once and share.
type Metrics struct {
	EventsAdmitted    *prometheus.CounterVec
	EventsRejected    *prometheus.CounterVec
	EventsDuplicate   *prometheus.CounterVec
	EventsLate        *prometheus.CounterVec
	Decisions         *prometheus.CounterVec
	SignalsEmitted    *prometheus.CounterVec
	CasesOpened       *prometheus.CounterVec
	CaseTransitions   *prometheus.CounterVec
	AuditAppends      *prometheus.CounterVec
	AuditAppendTime   prometheus.Histogram
	DecisionTime      prometheus.Histogram
	ScreeningCacheHit *prometheus.CounterVec
	ScreeningFailures *prometheus.CounterVec
	BreakerOpen       *prometheus.GaugeVec
	SubjectQueueDepth prometheus.Gauge
	WorkerSaturation  prometheus.Gauge
	DispatchPending   *prometheus.GaugeVec
}

// New creates and registers the collectors on reg. Pass a fresh registry in
// tests to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsAdmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_admitted_total",
			Help: "Events admitted into the pipeline.",
		}, []string{"tenant", "kind"}),
		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_rejected_total",
			Help: "Events rejected at intake.",
		}, []string{"tenant", "code"}),
		EventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_duplicate_total",
			Help: "Duplicate events dropped at intake.",
		}, []string{"tenant"}),
		EventsLate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_events_late_total",
			Help: "Events processed late after the reorder window.",
		}, []string{"tenant"}),
		Decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_decisions_total",
			Help: "Decisions by action.",
		}, []string{"tenant", "action"}),
		SignalsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_signals_total",
			Help: "Detector signals by detector and severity.",
		}, []string{"detector", "severity"}),
		CasesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_cases_opened_total",
			Help: "Review cases opened.",
		}, []string{"tenant", "priority"}),
		CaseTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_case_transitions_total",
			Help: "Case state transitions.",
		}, []string{"tenant", "to"}),
		AuditAppends: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_audit_appends_total",
			Help: "Audit records appended.",
		}, []string{"tenant"}),
		AuditAppendTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_audit_append_seconds",
			Help:    "Audit append latency including fsync.",
			Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		DecisionTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_decision_seconds",
			Help:    "End-to-end admit latency.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		}),
		ScreeningCacheHit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_screening_cache_total",
			Help: "Screening cache lookups by outcome (hit, miss, stale).",
		}, []string{"outcome"}),
		ScreeningFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_screening_failures_total",
			Help: "Screening provider failures.",
		}, []string{"provider"}),
		BreakerOpen: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_screening_breaker_open",
			Help: "1 when the provider circuit breaker is open.",
		}, []string{"provider"}),
		SubjectQueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_subject_queue_depth",
			Help: "Total events queued across subjects.",
		}),
		WorkerSaturation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "sentinel_worker_saturation",
			Help: "Fraction of the worker pool currently busy.",
		}),
		DispatchPending: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sentinel_dispatch_pending",
			Help: "Outcomes pending consumer acknowledgement by sink.",
		}, []string{"sink"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.EventsAdmitted, m.EventsRejected, m.EventsDuplicate, m.EventsLate,
			m.Decisions, m.SignalsEmitted, m.CasesOpened, m.CaseTransitions,
			m.AuditAppends, m.AuditAppendTime, m.DecisionTime,
			m.ScreeningCacheHit, m.ScreeningFailures, m.BreakerOpen,
			m.SubjectQueueDepth, m.WorkerSaturation, m.DispatchPending,
		)
	}
	return m
}

// NewNop returns unregistered collectors for tests that don't scrape.
func NewNop() *Metrics { return New(nil) }
