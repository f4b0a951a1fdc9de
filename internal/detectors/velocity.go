package detectors

import (
	"fmt"

	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/internal/state"
	"github.com/veloxpay/sentinel/pkg/models"
)

// Velocity flags bursts: too many events of one kind per minute, or too much
// transaction volume inside an hour, measured against the tenant's limits.
// The per-minute count applies to whatever kind the event is, so a login
// burst trips it just like a transaction burst.
type Velocity struct{}

func (d *Velocity) ID() string { return models.DetectorVelocity }

func (d *Velocity) Kinds() []events.Kind { return nil }

func (d *Velocity) Evaluate(in *Input) *models.Signal {
	if in.Late {
		// Counters already absorbed the late event; alerting here would fire
		// on windows the event never actually burst through.
		return nil
	}
	stats, ok := in.Snapshot.Stats[in.Event.Kind]
	if !ok {
		return nil
	}

	maxPerMin := in.Tenant.Detectors.VelocityMaxPerMin
	maxAmount1h := in.Tenant.Detectors.VelocityMaxAmount1h

	count1m := stats[state.Window1m].Count
	countRatio := float64(count1m) / float64(maxPerMin)

	var sum1h, amountRatio float64
	if in.Event.Kind == events.KindTransaction {
		sum1h, _ = stats[state.Window1h].Sum.Float64()
		amountRatio = sum1h / maxAmount1h
	}
	if countRatio <= 1 && amountRatio <= 1 {
		return nil
	}

	// A burst just past the limit already lands in the high band; the score
	// climbs with the overshoot.
	over := countRatio
	reason := fmt.Sprintf("%d %s events in 1m (limit %d)", count1m, in.Event.Kind, maxPerMin)
	if amountRatio > over {
		over = amountRatio
		reason = fmt.Sprintf("%.2f moved in 1h (limit %.2f)", sum1h, maxAmount1h)
	}
	score := clamp01(0.7 + 0.15*(over-1))

	// Confidence scales with how many sigma the hourly volume sits above the
	// subject's decayed amount profile; thin baselines stay moderate.
	conf := 0.6
	profile := in.Snapshot.Profile
	if profile.EventCount >= in.Tenant.Detectors.MinBaselineEvents {
		if sd := profile.AmountStddev(); sd > 0 {
			z := (sum1h - profile.AmountMean) / sd
			if c := clamp01(0.6 + 0.05*z); c > conf {
				conf = c
			}
		}
	}

	return &models.Signal{
		DetectorID:  models.DetectorVelocity,
		Category:    models.CategoryVelocity,
		Severity:    severityFor(score),
		Score:       score,
		Confidence:  conf,
		Description: reason,
		Evidence: map[string]interface{}{
			"kind":          string(in.Event.Kind),
			"count_1m":      count1m,
			"sum_1h":        sum1h,
			"max_per_min":   maxPerMin,
			"max_amount_1h": maxAmount1h,
		},
	}
}
