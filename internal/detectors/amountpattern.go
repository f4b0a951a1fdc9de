package detectors

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/pkg/models"
)

// AmountPattern flags amounts that break the subject's profile: far above the
// decayed mean, repeated identical amounts in a burst, or a steady escalation
// across consecutive transactions.
type AmountPattern struct{}

func (d *AmountPattern) ID() string { return models.DetectorAmountPattern }

func (d *AmountPattern) Kinds() []events.Kind { return []events.Kind{events.KindTransaction} }

const (
	// deviationSigma is how many standard deviations above the decayed mean
	// an amount must sit to count as anomalous.
	deviationSigma = 3.0
	// repeatBurstMin identical amounts within repeatBurstSpan trip the
	// repeated-amount branch.
	repeatBurstMin  = 5
	repeatBurstSpan = time.Hour
	// escalationSteps consecutive strictly growing transactions trip the
	// escalation branch.
	escalationSteps = 4
	// roundDominanceMin transactions with roundDominanceShare of them on
	// round amounts trip the round-number branch.
	roundDominanceMin   = 6
	roundDominanceShare = 0.8
)

var roundUnit = decimal.NewFromInt(100)

func (d *AmountPattern) Evaluate(in *Input) *models.Signal {
	amount := in.Event.Amount()
	amountF, _ := amount.Float64()
	profile := in.Snapshot.Profile

	var (
		score   float64
		reasons []string
	)
	evidence := map[string]interface{}{"amount": amountF}

	if profile.EventCount >= in.Tenant.Detectors.MinBaselineEvents {
		stddev := profile.AmountStddev()
		if stddev > 0 && amountF > profile.AmountMean+deviationSigma*stddev {
			z := (amountF - profile.AmountMean) / stddev
			score = clamp01(0.4 + 0.1*(z-deviationSigma))
			reasons = append(reasons, fmt.Sprintf("amount %.2f is %.1f sigma above the subject mean %.2f", amountF, z, profile.AmountMean))
			evidence["sigma"] = z
			evidence["mean"] = profile.AmountMean
		}
	}

	if repeats := countRepeats(in, amount); repeats >= repeatBurstMin {
		if s := clamp01(0.5 + 0.08*float64(repeats-repeatBurstMin)); s > score {
			score = s
		}
		reasons = append(reasons, fmt.Sprintf("%d identical amounts of %.2f within %s", repeats, amountF, repeatBurstSpan))
		evidence["repeat_count"] = repeats
	}

	if isRound(amount) {
		if round, total := roundShare(in); total >= roundDominanceMin && float64(round)/float64(total) >= roundDominanceShare {
			share := float64(round) / float64(total)
			if s := clamp01(0.45 + 0.3*(share-roundDominanceShare)/(1-roundDominanceShare)); s > score {
				score = s
			}
			reasons = append(reasons, fmt.Sprintf("%d of %d recent amounts are round numbers", round, total))
			evidence["round_share"] = share
		}
	}

	if steps := escalationRun(in); steps >= escalationSteps {
		if s := clamp01(0.45 + 0.1*float64(steps-escalationSteps)); s > score {
			score = s
		}
		reasons = append(reasons, fmt.Sprintf("amounts escalated across %d consecutive transactions", steps))
		evidence["escalation_steps"] = steps
	}

	if score == 0 {
		return nil
	}
	return &models.Signal{
		DetectorID:  models.DetectorAmountPattern,
		Category:    models.CategoryPattern,
		Severity:    severityFor(score),
		Score:       score,
		Confidence:  0.75,
		Description: joinReasons(reasons),
		Evidence:    evidence,
	}
}

// countRepeats counts recent transactions with the exact same amount inside
// the burst span, the current event included.
func countRepeats(in *Input, amount decimal.Decimal) int {
	cutoff := in.Event.OccurredAt.Add(-repeatBurstSpan)
	n := 0
	for _, e := range in.Snapshot.Recent {
		if e.Kind != events.KindTransaction || e.OccurredAt.Before(cutoff) {
			continue
		}
		if e.Amount.Equal(amount) {
			n++
		}
	}
	return n
}

func isRound(amount decimal.Decimal) bool {
	return amount.IsPositive() && amount.Mod(roundUnit).IsZero()
}

// roundShare counts round amounts among the subject's recent transactions,
// the current event included.
func roundShare(in *Input) (round, total int) {
	for _, e := range in.Snapshot.Recent {
		if e.Kind != events.KindTransaction {
			continue
		}
		total++
		if isRound(e.Amount) {
			round++
		}
	}
	return round, total
}

// escalationRun measures the strictly increasing run of transaction amounts
// ending at the current event. Recent is newest first.
func escalationRun(in *Input) int {
	run := 1
	var prev *decimal.Decimal
	for i := range in.Snapshot.Recent {
		e := &in.Snapshot.Recent[i]
		if e.Kind != events.KindTransaction {
			continue
		}
		if prev == nil {
			prev = &e.Amount
			continue
		}
		if e.Amount.LessThan(*prev) {
			run++
			prev = &e.Amount
			continue
		}
		break
	}
	return run
}
