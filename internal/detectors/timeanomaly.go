package detectors

import (
	"fmt"

	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/pkg/models"
)

// TimeAnomaly flags activity at hours the subject has essentially never been
// active. It stays silent until the baseline has enough history to mean
// anything.
type TimeAnomaly struct{}

func (d *TimeAnomaly) ID() string { return models.DetectorTimeAnomaly }

func (d *TimeAnomaly) Kinds() []events.Kind {
	return []events.Kind{events.KindTransaction, events.KindLogin}
}

// rareHourShare is the activity share below which an hour counts as dead
// time for the subject.
const rareHourShare = 0.01

func (d *TimeAnomaly) Evaluate(in *Input) *models.Signal {
	profile := in.Snapshot.Profile
	if profile.EventCount < in.Tenant.Detectors.MinBaselineEvents {
		return nil
	}

	hour := in.Event.OccurredAt.UTC().Hour()
	share := profile.HourShare(hour)
	if share >= rareHourShare {
		return nil
	}

	// The emptier the hour historically, the higher the score.
	score := clamp01(0.5 + 0.4*(1-share/rareHourShare))
	return &models.Signal{
		DetectorID:  models.DetectorTimeAnomaly,
		Category:    models.CategoryPattern,
		Severity:    severityFor(score),
		Score:       score,
		Confidence:  0.7,
		Description: fmt.Sprintf("activity at %02d:00 UTC, an hour with %.2f%% of historical activity", hour, 100*share),
		Evidence: map[string]interface{}{
			"hour":           hour,
			"hour_share":     share,
			"baseline_count": profile.EventCount,
		},
	}
}
