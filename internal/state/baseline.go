package state

import (
	"math"
	"time"
)

// Baseline is a subject's decayed behavioral profile. It feeds detectors as
// an input and never gates admission.
type Baseline struct {
	HalfLife time.Duration `json:"half_life"`

	// Decayed amount statistics (Welford with exponential forgetting).
	Weight     float64 `json:"weight"`
	AmountMean float64 `json:"amount_mean"`
	AmountM2   float64 `json:"amount_m2"`

	// Decayed activity-hour histogram, UTC hour of occurred_at.
	Hours [24]float64 `json:"hours"`

	// Countries observed, decayed weight per country.
	Geos map[string]float64 `json:"geos"`

	EventCount int64     `json:"event_count"`
	LastUpdate time.Time `json:"last_update"`
}

// NewBaseline creates a baseline with the given decay half-life.
func NewBaseline(halfLife time.Duration) *Baseline {
	if halfLife <= 0 {
		halfLife = 30 * 24 * time.Hour
	}
	return &Baseline{
		HalfLife: halfLife,
		Geos:     make(map[string]float64),
	}
}

func (b *Baseline) decayFactor(at time.Time) float64 {
	if b.LastUpdate.IsZero() || !at.After(b.LastUpdate) {
		return 1.0
	}
	dt := at.Sub(b.LastUpdate)
	return math.Exp2(-float64(dt) / float64(b.HalfLife))
}

// Observe folds one event into the baseline.
func (b *Baseline) Observe(at time.Time, amount float64, country string) {
	decay := b.decayFactor(at)

	b.Weight = b.Weight*decay + 1
	delta := amount - b.AmountMean
	b.AmountMean += delta / b.Weight
	b.AmountM2 = b.AmountM2*decay + delta*(amount-b.AmountMean)

	for i := range b.Hours {
		b.Hours[i] *= decay
	}
	b.Hours[at.UTC().Hour()]++

	for g := range b.Geos {
		b.Geos[g] *= decay
		if b.Geos[g] < 1e-6 {
			delete(b.Geos, g)
		}
	}
	if country != "" {
		b.Geos[country]++
	}

	b.EventCount++
	if at.After(b.LastUpdate) {
		b.LastUpdate = at
	}
}

// AmountStddev returns the decayed standard deviation of amounts.
func (b *Baseline) AmountStddev() float64 {
	if b.Weight < 2 {
		return 0
	}
	v := b.AmountM2 / b.Weight
	if v <= 0 {
		return 0
	}
	return math.Sqrt(v)
}

// HourShare returns the fraction of historical activity falling on the given
// UTC hour, with +-1 hour smoothing.
func (b *Baseline) HourShare(hour int) float64 {
	var total float64
	for _, w := range b.Hours {
		total += w
	}
	if total == 0 {
		return 0
	}
	h := ((hour % 24) + 24) % 24
	smoothed := b.Hours[h] + 0.5*b.Hours[(h+23)%24] + 0.5*b.Hours[(h+1)%24]
	return smoothed / total
}

// GeoSeen reports whether the country has meaningful historical weight.
func (b *Baseline) GeoSeen(country string) bool {
	return b.Geos[country] >= 0.5
}
