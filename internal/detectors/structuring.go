package detectors

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/pkg/models"
)

// structuringBand is the fraction of the reporting threshold that opens the
// watch band. Amounts in [band*T, T) count; exactly T does not, because a
// transaction at the threshold is reported, not structured.
const structuringBand = 0.90

// Structuring flags clusters of transactions sitting just below the
// regulatory reporting threshold inside a 24 hour span.
type Structuring struct{}

func (d *Structuring) ID() string { return models.DetectorStructuring }

func (d *Structuring) Kinds() []events.Kind { return []events.Kind{events.KindTransaction} }

func (d *Structuring) Evaluate(in *Input) *models.Signal {
	if in.Late {
		// A late arrival can complete a cluster retroactively; flagging it
		// here would double-count against the replayed timeline.
		return nil
	}
	threshold := decimal.NewFromFloat(in.Tenant.Detectors.ReportingThreshold)
	lower := threshold.Mul(decimal.NewFromFloat(structuringBand))

	amount := in.Event.Amount()
	if amount.LessThan(lower) || amount.GreaterThanOrEqual(threshold) {
		return nil
	}

	cutoff := in.Event.OccurredAt.Add(-24 * time.Hour)
	count := 0
	sum := decimal.Zero
	for _, e := range in.Snapshot.Recent {
		if e.Kind != events.KindTransaction || e.OccurredAt.Before(cutoff) {
			continue
		}
		if e.Amount.LessThan(lower) || e.Amount.GreaterThanOrEqual(threshold) {
			continue
		}
		count++
		sum = sum.Add(e.Amount)
	}
	if count < in.Tenant.Detectors.StructuringMinCount {
		return nil
	}

	extra := count - in.Tenant.Detectors.StructuringMinCount
	score := clamp01(0.6 + 0.1*float64(extra))
	// A band sum past the threshold means the subject moved reportable volume
	// in sub-threshold pieces.
	if sum.GreaterThanOrEqual(threshold) {
		score = clamp01(score + 0.2)
	}

	sumF, _ := sum.Float64()
	amountF, _ := amount.Float64()
	return &models.Signal{
		DetectorID: models.DetectorStructuring,
		Category:   models.CategoryAML,
		Severity:   severityFor(score),
		Score:      score,
		Confidence: 0.9,
		Description: fmt.Sprintf("%d transactions within %.0f%% of the reporting threshold in 24h",
			count, 100*(1-structuringBand)),
		Evidence: map[string]interface{}{
			"band_count":          count,
			"band_sum":            sumF,
			"amount":              amountF,
			"reporting_threshold": in.Tenant.Detectors.ReportingThreshold,
		},
	}
}
