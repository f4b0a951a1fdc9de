// Package scoring fuses detector signals into a composite score, maps it to
// a risk level, and applies the tenant's decision policy.
package scoring

import (
	"github.com/google/uuid"

	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/config"
	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/pkg/models"
)

// criticalFloor is the composite floor a CRITICAL signal enforces. A single
// confirmed sanctions hit must land in the CRITICAL band no matter how the
// weighted sum comes out.
const criticalFloor = 90

// Facts are the non-signal inputs to a decision.
type Facts struct {
	// Partial marks a decision made before all detectors could answer.
	Partial bool
	// ScreeningUnavailable marks missing screening coverage.
	ScreeningUnavailable bool
	// OpenCase is set when the subject already has a non-terminal case.
	OpenCase bool
	// Deferred marks a decision that hit the deadline and was pushed to
	// asynchronous review.
	Deferred bool
	// Supersedes references the decision this one revises, if any.
	Supersedes *uuid.UUID
}

// Scorer is stateless; all tunables come from the tenant config per call.
type Scorer struct {
	clock clock.Clock
}

// NewScorer creates a scorer.
func NewScorer(clk clock.Clock) *Scorer {
	if clk == nil {
		clk = clock.System()
	}
	return &Scorer{clock: clk}
}

// Score fuses the signals and produces the decision for one event.
// Signals must already be ordered highest score first.
func (s *Scorer) Score(tenant *config.Tenant, ev *events.Event, signals []models.Signal, facts Facts) *models.Decision {
	composite := s.composite(tenant, signals)
	level := riskLevel(tenant, composite)
	action := s.action(tenant, level, signals, facts)
	sar := s.sarRequired(tenant, composite, signals)

	return &models.Decision{
		DecisionID:          uuid.New(),
		SupersedesID:        facts.Supersedes,
		TenantID:            ev.TenantID,
		SubjectID:           ev.SubjectID,
		EventID:             ev.EventID,
		CompositeScore:      composite,
		RiskLevel:           level,
		Action:              action,
		SARRequired:         sar,
		PartialSignals:      facts.Partial,
		DeferredReview:      facts.Deferred,
		ContributingSignals: signals,
		DecidedAt:           s.clock.Now(),
	}
}

// composite takes the strongest signal per category and fuses the weighted
// scores, normalizing over the categories that actually contributed. A lone
// strong signal therefore lands in its own band instead of being diluted by
// the categories that stayed silent. Any CRITICAL signal floors the result
// at the critical band.
func (s *Scorer) composite(tenant *config.Tenant, signals []models.Signal) float64 {
	maxByCat := make(map[models.Category]float64, 5)
	critical := false
	for i := range signals {
		sig := &signals[i]
		if sig.Score > maxByCat[sig.Category] {
			maxByCat[sig.Category] = sig.Score
		}
		if sig.Severity == models.SeverityCritical {
			critical = true
		}
	}

	var total, used float64
	for cat, max := range maxByCat {
		w := categoryWeight(tenant.Weights, cat)
		total += w * max
		used += w
	}

	composite := 0.0
	if used > 0 {
		composite = total / used * 100
	}
	if composite > 100 {
		composite = 100
	}
	if composite < 0 {
		composite = 0
	}
	if critical && composite < criticalFloor {
		composite = criticalFloor
	}
	return composite
}

func categoryWeight(w config.Weights, cat models.Category) float64 {
	switch cat {
	case models.CategoryAML:
		return w.AML
	case models.CategoryFraud:
		return w.Fraud
	case models.CategoryPattern:
		return w.Pattern
	case models.CategoryVelocity:
		return w.Velocity
	case models.CategoryGeographic:
		return w.Geographic
	}
	return 0
}

func riskLevel(tenant *config.Tenant, composite float64) models.RiskLevel {
	th := tenant.Thresholds
	switch {
	case composite >= th.Critical:
		return models.RiskLevelCritical
	case composite >= th.High:
		return models.RiskLevelHigh
	case composite >= th.Medium:
		return models.RiskLevelMedium
	default:
		return models.RiskLevelLow
	}
}

// action applies the policy table. When two rules disagree the stricter
// action wins, so FLAG versus BLOCK resolves to BLOCK.
func (s *Scorer) action(tenant *config.Tenant, level models.RiskLevel, signals []models.Signal, facts Facts) models.Action {
	action := models.ActionAllow

	switch level {
	case models.RiskLevelCritical:
		if tenant.Policies.ActionOnCritical == config.CriticalFlag {
			action = models.ActionFlag
		} else {
			action = models.ActionBlock
		}
	case models.RiskLevelHigh:
		action = models.ActionFlag
	case models.RiskLevelMedium:
		if facts.OpenCase {
			action = models.ActionFlag
		}
	}

	// Fail closed: without full screening coverage a HIGH or worse subject
	// is blocked rather than waved through on partial information. The
	// external fraud score is checked on its own, not through the fused
	// composite, so a strong model verdict blocks even when the composite
	// lands lower.
	if tenant.Policies.FailClosed && facts.ScreeningUnavailable {
		if level == models.RiskLevelHigh || level == models.RiskLevelCritical {
			action = models.ActionBlock
		}
		for i := range signals {
			sig := &signals[i]
			if sig.DetectorID == models.DetectorMLFraud &&
				(sig.Severity == models.SeverityHigh || sig.Severity == models.SeverityCritical) {
				action = models.ActionBlock
			}
		}
	}
	return action
}

func (s *Scorer) sarRequired(tenant *config.Tenant, composite float64, signals []models.Signal) bool {
	if composite >= tenant.Thresholds.SAR {
		return true
	}
	for i := range signals {
		sig := &signals[i]
		if sig.Category == models.CategoryFraud && sig.Score*100 >= tenant.Thresholds.SARFraud {
			return true
		}
		// A confirmed sanctions match always requires a report.
		if sig.DetectorID == models.DetectorCounterparty && sig.Severity == models.SeverityCritical {
			return true
		}
	}
	return false
}
