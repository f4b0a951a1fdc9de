package detectors

import (
	"fmt"
	"time"

	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/pkg/models"
)

// minTravelGap is the shortest plausible interval between activity from two
// different countries. Country-level data gives no distance, so anything
// under this gap is treated as impossible travel.
const minTravelGap = 2 * time.Hour

// Geographic flags activity from high-risk jurisdictions, implausible
// country hops, and countries the subject has never operated from.
type Geographic struct{}

func (d *Geographic) ID() string { return models.DetectorGeographic }

func (d *Geographic) Kinds() []events.Kind { return nil }

func (d *Geographic) Evaluate(in *Input) *models.Signal {
	country := in.Event.Country()
	if country == "" {
		return nil
	}

	var (
		score   float64
		reasons []string
	)
	evidence := map[string]interface{}{"country": country}

	for _, hr := range in.Tenant.Detectors.HighRiskCountries {
		if hr == country {
			score = 0.8
			reasons = append(reasons, fmt.Sprintf("activity from high-risk jurisdiction %s", country))
			break
		}
	}

	if prev := in.Snapshot.PrevGeo; prev != nil && prev.Country != country {
		gap := in.Event.OccurredAt.Sub(prev.At)
		if gap >= 0 && gap < minTravelGap {
			if s := 0.85; s > score {
				score = s
			}
			reasons = append(reasons, fmt.Sprintf("country changed %s to %s within %s",
				prev.Country, country, gap.Round(time.Second)))
			evidence["prev_country"] = prev.Country
			evidence["gap_seconds"] = gap.Seconds()
		}
	}

	if !in.Snapshot.Profile.GeoSeen(country) &&
		in.Snapshot.Profile.EventCount >= in.Tenant.Detectors.MinBaselineEvents {
		if s := 0.45; s > score {
			score = s
		}
		reasons = append(reasons, fmt.Sprintf("first activity from %s", country))
	}

	if score == 0 {
		return nil
	}
	return &models.Signal{
		DetectorID:  models.DetectorGeographic,
		Category:    models.CategoryGeographic,
		Severity:    severityFor(score),
		Score:       score,
		Confidence:  0.85,
		Description: joinReasons(reasons),
		Evidence:    evidence,
	}
}

func joinReasons(reasons []string) string {
	out := ""
	for i, r := range reasons {
		if i > 0 {
			out += "; "
		}
		out += r
	}
	return out
}
