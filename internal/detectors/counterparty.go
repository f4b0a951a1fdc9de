package detectors

import (
	"fmt"

	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/pkg/models"
)

// Counterparty folds sanctions, PEP, and adverse-media screening verdicts
// into a signal. A confirmed sanctions match is always CRITICAL.
type Counterparty struct{}

func (d *Counterparty) ID() string { return models.DetectorCounterparty }

func (d *Counterparty) Kinds() []events.Kind {
	return []events.Kind{events.KindTransaction, events.KindKYCSubmit}
}

func (d *Counterparty) Evaluate(in *Input) *models.Signal {
	if in.Screening == nil {
		return nil
	}

	var (
		score   float64
		sev     models.Severity
		reasons []string
	)
	evidence := map[string]interface{}{}

	for i := range in.Screening.Results {
		res := &in.Screening.Results[i]
		switch res.List {
		case models.ListSanctions, models.ListPEP, models.ListAdverseMedia:
		default:
			continue
		}
		switch res.Status {
		case models.ScreeningConfirmedMatch:
			s, sv := confirmedWeight(res.List)
			if s > score {
				score, sev = s, sv
			}
			reasons = append(reasons, fmt.Sprintf("confirmed %s match via %s", res.List, res.Provider))
			evidence[string(res.List)] = matchNames(res.Matches)
		case models.ScreeningPotentialMatch:
			s := potentialWeight(res.List)
			if s > score {
				score, sev = s, severityFor(s)
			}
			reasons = append(reasons, fmt.Sprintf("potential %s match via %s", res.List, res.Provider))
			evidence[string(res.List)] = matchNames(res.Matches)
		}
	}

	if score == 0 {
		return nil
	}
	return &models.Signal{
		DetectorID:  models.DetectorCounterparty,
		Category:    models.CategoryAML,
		Severity:    sev,
		Score:       score,
		Confidence:  0.95,
		Description: joinReasons(reasons),
		Evidence:    evidence,
	}
}

func confirmedWeight(list models.ListKind) (float64, models.Severity) {
	switch list {
	case models.ListSanctions:
		return 1.0, models.SeverityCritical
	case models.ListPEP:
		return 0.8, models.SeverityHigh
	default: // adverse media
		return 0.7, models.SeverityHigh
	}
}

func potentialWeight(list models.ListKind) float64 {
	switch list {
	case models.ListSanctions:
		return 0.65
	case models.ListPEP:
		return 0.5
	default:
		return 0.4
	}
}

func matchNames(matches []models.MatchedEntity) []string {
	names := make([]string, len(matches))
	for i, m := range matches {
		names[i] = m.Name
	}
	return names
}
