// Package detectors implements the fixed detector set. Detectors are pure
// functions over the event, the subject snapshot, and screening results; all
// tunables come from per-tenant configuration.
package detectors

import (
	"sort"

	"github.com/veloxpay/sentinel/internal/config"
	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/internal/metrics"
	"github.com/veloxpay/sentinel/internal/screening"
	"github.com/veloxpay/sentinel/internal/state"
	"github.com/veloxpay/sentinel/pkg/models"
)

// Input is everything a detector may look at for one event.
type Input struct {
	Event     *events.Event
	Snapshot  *state.Snapshot
	Screening *screening.Outcome
	Tenant    *config.Tenant
	// Late marks an event admitted after its reorder window closed. Ordering
	// sensitive detectors must not alert on lateness alone.
	Late bool
}

// Detector evaluates one event. A nil return means no signal.
type Detector interface {
	ID() string
	// Kinds returns the event kinds the detector applies to. Empty means all.
	Kinds() []events.Kind
	Evaluate(in *Input) *models.Signal
}

// Registry holds the detector set and runs the enabled subset per tenant.
type Registry struct {
	detectors []Detector
	metrics   *metrics.Metrics
}

// NewRegistry builds the full detector set.
func NewRegistry(m *metrics.Metrics) *Registry {
	return &Registry{
		metrics: m,
		detectors: []Detector{
			&Structuring{},
			&Velocity{},
			&Geographic{},
			&TimeAnomaly{},
			&AmountPattern{},
			&DeviceReputation{},
			&Counterparty{},
			&MLFraud{},
		},
	}
}

// Run evaluates the detector set for one event and returns the signals
// ordered by score, highest first. Disabled detectors and mismatched event
// kinds are skipped.
func (r *Registry) Run(in *Input) []models.Signal {
	var out []models.Signal
	for _, d := range r.detectors {
		if !in.Tenant.DetectorEnabled(d.ID()) {
			continue
		}
		if !applies(d, in.Event.Kind) {
			continue
		}
		sig := d.Evaluate(in)
		if sig == nil {
			continue
		}
		out = append(out, *sig)
		r.metrics.SignalsEmitted.WithLabelValues(sig.DetectorID, string(sig.Severity)).Inc()
	}
	if in.Screening != nil && in.Screening.Unavailable {
		gap := screeningGapSignal(in)
		out = append(out, *gap)
		r.metrics.SignalsEmitted.WithLabelValues(gap.DetectorID, string(gap.Severity)).Inc()
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

func applies(d Detector, kind events.Kind) bool {
	kinds := d.Kinds()
	if len(kinds) == 0 {
		return true
	}
	for _, k := range kinds {
		if k == kind {
			return true
		}
	}
	return false
}

// screeningGapSignal marks a decision made without full screening coverage.
// Under fail_closed the scorer escalates it; otherwise it records the gap.
func screeningGapSignal(in *Input) *models.Signal {
	sev := models.SeverityMedium
	score := 0.5
	if in.Tenant.Policies.FailClosed {
		sev = models.SeverityHigh
		score = 0.75
	}
	return &models.Signal{
		DetectorID:  models.DetectorScreeningGap,
		Category:    models.CategoryAML,
		Severity:    sev,
		Score:       score,
		Confidence:  1.0,
		Description: "one or more screening providers were unavailable",
		Evidence: map[string]interface{}{
			"fail_closed": in.Tenant.Policies.FailClosed,
		},
	}
}

// severityFor maps a normalized score to a severity band.
func severityFor(score float64) models.Severity {
	switch {
	case score >= 0.9:
		return models.SeverityCritical
	case score >= 0.7:
		return models.SeverityHigh
	case score >= 0.4:
		return models.SeverityMedium
	default:
		return models.SeverityLow
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
