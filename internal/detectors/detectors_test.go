package detectors

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/config"
	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/internal/metrics"
	"github.com/veloxpay/sentinel/internal/screening"
	"github.com/veloxpay/sentinel/internal/state"
	"github.com/veloxpay/sentinel/pkg/models"
)

var detStart = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)

func detTenant() *config.Tenant {
	t := config.DefaultTenant("t1")
	return &t
}

func detTx(id string, at time.Time, amount float64) *events.Event {
	return &events.Event{
		EventID:    id,
		TenantID:   "t1",
		SubjectID:  "s1",
		Kind:       events.KindTransaction,
		OccurredAt: at,
		Transaction: &events.TransactionPayload{
			Amount:   decimal.NewFromFloat(amount),
			Currency: "USD",
		},
	}
}

// applyAll folds the events and returns the snapshot observing the last one.
func applyAll(clk *clock.Fake, store *state.Store, evs ...*events.Event) *state.Snapshot {
	var snap *state.Snapshot
	for _, ev := range evs {
		clk.Set(ev.OccurredAt)
		snap = store.Apply(ev)
	}
	return snap
}

func newDetStore(clk clock.Clock) *state.Store {
	return state.NewStore(zap.NewNop(), clk, state.DefaultWindows(), 30*24*time.Hour)
}

func TestStructuringFlagsClusterUnderThreshold(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant() // threshold 10000, band opens at 9000, min count 3

	evs := []*events.Event{
		detTx("e1", detStart, 9200),
		detTx("e2", detStart.Add(time.Hour), 9500),
		detTx("e3", detStart.Add(2*time.Hour), 9800),
	}
	snap := applyAll(clk, store, evs...)

	d := &Structuring{}
	sig := d.Evaluate(&Input{Event: evs[2], Snapshot: snap, Tenant: tenant})
	require.NotNil(t, sig)
	assert.Equal(t, models.DetectorStructuring, sig.DetectorID)
	assert.Equal(t, models.CategoryAML, sig.Category)
	assert.GreaterOrEqual(t, sig.Score, 0.6)
	// Band sum 28500 exceeds the threshold, which bumps the score.
	assert.Equal(t, 3, sig.Evidence["band_count"])
}

func TestStructuringIgnoresThresholdAmount(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant()

	// Exactly the reporting threshold is reported, not structured.
	ev := detTx("e1", detStart, 10000)
	snap := applyAll(clk, store, ev)
	assert.Nil(t, (&Structuring{}).Evaluate(&Input{Event: ev, Snapshot: snap, Tenant: tenant}))

	// Below the band floor is ordinary activity.
	ev2 := detTx("e2", detStart.Add(time.Minute), 8000)
	snap = applyAll(clk, store, ev2)
	assert.Nil(t, (&Structuring{}).Evaluate(&Input{Event: ev2, Snapshot: snap, Tenant: tenant}))
}

func TestStructuringBelowMinCount(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant()

	evs := []*events.Event{
		detTx("e1", detStart, 9200),
		detTx("e2", detStart.Add(time.Hour), 9500),
	}
	snap := applyAll(clk, store, evs...)
	assert.Nil(t, (&Structuring{}).Evaluate(&Input{Event: evs[1], Snapshot: snap, Tenant: tenant}))
}

func TestStructuringSkipsLateEvents(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant()

	evs := []*events.Event{
		detTx("e1", detStart, 9200),
		detTx("e2", detStart.Add(time.Hour), 9500),
		detTx("e3", detStart.Add(2*time.Hour), 9800),
	}
	snap := applyAll(clk, store, evs...)
	assert.Nil(t, (&Structuring{}).Evaluate(&Input{Event: evs[2], Snapshot: snap, Tenant: tenant, Late: true}))
}

func TestVelocityCountBurst(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant() // 10 per minute

	var snap *state.Snapshot
	var last *events.Event
	for i := 0; i < 11; i++ {
		last = detTx("b"+string(rune('a'+i)), detStart.Add(time.Duration(i)*time.Second), 10)
		snap = applyAll(clk, store, last)
	}

	sig := (&Velocity{}).Evaluate(&Input{Event: last, Snapshot: snap, Tenant: tenant})
	require.NotNil(t, sig)
	assert.Equal(t, models.CategoryVelocity, sig.Category)
	assert.Equal(t, int64(11), sig.Evidence["count_1m"])
}

func detLogin(id string, at time.Time) *events.Event {
	return &events.Event{
		EventID:    id,
		TenantID:   "t1",
		SubjectID:  "s1",
		Kind:       events.KindLogin,
		OccurredAt: at,
		Login:      &events.LoginPayload{Success: true},
	}
}

func TestVelocityLoginBurst(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant() // 10 per minute

	var snap *state.Snapshot
	var last *events.Event
	for i := 0; i < 11; i++ {
		last = detLogin("l"+string(rune('a'+i)), detStart.Add(time.Duration(i)*time.Second))
		snap = applyAll(clk, store, last)
	}

	sig := (&Velocity{}).Evaluate(&Input{Event: last, Snapshot: snap, Tenant: tenant})
	require.NotNil(t, sig, "the per-minute limit applies to login bursts too")
	assert.Equal(t, models.CategoryVelocity, sig.Category)
	assert.Equal(t, models.SeverityHigh, sig.Severity)
	assert.GreaterOrEqual(t, sig.Score, 0.7, "a burst past the limit lands in the high band")
	assert.Equal(t, "LOGIN", sig.Evidence["kind"])
}

func TestVelocityAtLimitStaysSilent(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)

	var snap *state.Snapshot
	var last *events.Event
	for i := 0; i < 10; i++ {
		last = detLogin("l"+string(rune('a'+i)), detStart.Add(time.Duration(i)*time.Second))
		snap = applyAll(clk, store, last)
	}
	assert.Nil(t, (&Velocity{}).Evaluate(&Input{Event: last, Snapshot: snap, Tenant: detTenant()}),
		"the limit itself does not exceed the limit")
}

func TestVelocityAmountBurst(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant() // 50000 in 1h

	evs := []*events.Event{
		detTx("e1", detStart, 30000),
		detTx("e2", detStart.Add(10*time.Minute), 25000),
	}
	snap := applyAll(clk, store, evs...)
	sig := (&Velocity{}).Evaluate(&Input{Event: evs[1], Snapshot: snap, Tenant: tenant})
	require.NotNil(t, sig)
	assert.GreaterOrEqual(t, sig.Score, 0.5)
}

func TestVelocityQuietSubject(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	ev := detTx("e1", detStart, 100)
	snap := applyAll(clk, store, ev)
	assert.Nil(t, (&Velocity{}).Evaluate(&Input{Event: ev, Snapshot: snap, Tenant: detTenant()}))
}

func TestVelocitySkipsLateEvents(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	var snap *state.Snapshot
	var last *events.Event
	for i := 0; i < 11; i++ {
		last = detTx("b"+string(rune('a'+i)), detStart.Add(time.Duration(i)*time.Second), 10)
		snap = applyAll(clk, store, last)
	}
	assert.Nil(t, (&Velocity{}).Evaluate(&Input{Event: last, Snapshot: snap, Tenant: detTenant(), Late: true}))
}

func TestGeographicHighRiskCountry(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	ev := detTx("e1", detStart, 100)
	ev.Transaction.Country = "IR"
	snap := applyAll(clk, store, ev)

	sig := (&Geographic{}).Evaluate(&Input{Event: ev, Snapshot: snap, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.Equal(t, models.CategoryGeographic, sig.Category)
	assert.GreaterOrEqual(t, sig.Score, 0.8)
}

func TestGeographicImpossibleTravel(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)

	e1 := detTx("e1", detStart, 100)
	e1.Transaction.Country = "US"
	e2 := detTx("e2", detStart.Add(10*time.Minute), 100)
	e2.Transaction.Country = "JP"
	snap := applyAll(clk, store, e1, e2)

	sig := (&Geographic{}).Evaluate(&Input{Event: e2, Snapshot: snap, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.GreaterOrEqual(t, sig.Score, 0.85)
	assert.Equal(t, "US", sig.Evidence["prev_country"])
}

func TestGeographicPlausibleTravelSilent(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)

	e1 := detTx("e1", detStart, 100)
	e1.Transaction.Country = "US"
	e2 := detTx("e2", detStart.Add(12*time.Hour), 100)
	e2.Transaction.Country = "JP"
	snap := applyAll(clk, store, e1, e2)

	// New country with a thin baseline and plausible travel time: silent.
	assert.Nil(t, (&Geographic{}).Evaluate(&Input{Event: e2, Snapshot: snap, Tenant: detTenant()}))
}

func TestTimeAnomalySuppressedBelowBaseline(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	ev := detTx("e1", detStart, 100)
	snap := applyAll(clk, store, ev)

	assert.Nil(t, (&TimeAnomaly{}).Evaluate(&Input{Event: ev, Snapshot: snap, Tenant: detTenant()}))
}

func TestTimeAnomalyFlagsDeadHour(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)

	// Thirty days of 09:00 activity, then a 03:00 transaction.
	var evs []*events.Event
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 30; i++ {
		evs = append(evs, detTx("h"+string(rune('a'+i%26))+string(rune('a'+i/26)), at, 100))
		at = at.Add(24 * time.Hour)
	}
	night := detTx("night", at.Add(18*time.Hour), 100) // 03:00 UTC
	evs = append(evs, night)
	snap := applyAll(clk, store, evs...)

	sig := (&TimeAnomaly{}).Evaluate(&Input{Event: night, Snapshot: snap, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.Equal(t, models.CategoryPattern, sig.Category)
	assert.GreaterOrEqual(t, sig.Score, 0.5)
}

func TestAmountPatternDeviation(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)

	var evs []*events.Event
	at := detStart
	for i := 0; i < 25; i++ {
		evs = append(evs, detTx("n"+string(rune('a'+i)), at, 100+float64(i%5)))
		at = at.Add(time.Hour)
	}
	big := detTx("big", at, 50000)
	evs = append(evs, big)
	snap := applyAll(clk, store, evs...)

	sig := (&AmountPattern{}).Evaluate(&Input{Event: big, Snapshot: snap, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.Contains(t, sig.Evidence, "sigma")
}

func TestAmountPatternRepeatBurst(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)

	var evs []*events.Event
	for i := 0; i < 5; i++ {
		evs = append(evs, detTx("r"+string(rune('a'+i)), detStart.Add(time.Duration(i)*time.Minute), 500))
	}
	snap := applyAll(clk, store, evs...)

	sig := (&AmountPattern{}).Evaluate(&Input{Event: evs[4], Snapshot: snap, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.Equal(t, 5, sig.Evidence["repeat_count"])
}

func TestAmountPatternRoundDominance(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)

	// Non-monotonic round amounts so only the round-number branch fires.
	amounts := []float64{700, 300, 900, 400, 800, 600}
	var evs []*events.Event
	for i, a := range amounts {
		evs = append(evs, detTx("rd"+string(rune('a'+i)), detStart.Add(time.Duration(i)*time.Hour), a))
	}
	snap := applyAll(clk, store, evs...)

	sig := (&AmountPattern{}).Evaluate(&Input{Event: evs[5], Snapshot: snap, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.InDelta(t, 1.0, sig.Evidence["round_share"], 1e-9)

	// A mixed history stays under the dominance share.
	store2 := newDetStore(clk)
	mixed := []float64{701.5, 312, 900, 455.25, 812.4, 600}
	evs = evs[:0]
	for i, a := range mixed {
		evs = append(evs, detTx("mx"+string(rune('a'+i)), detStart.Add(time.Duration(i)*time.Hour), a))
	}
	snap = applyAll(clk, store2, evs...)
	assert.Nil(t, (&AmountPattern{}).Evaluate(&Input{Event: evs[5], Snapshot: snap, Tenant: detTenant()}))
}

func TestDeviceReputationNewDevice(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	ev := detTx("e1", detStart, 100)
	ev.Transaction.DeviceFingerprint = "dev-1"
	snap := applyAll(clk, store, ev)

	sig := (&DeviceReputation{}).Evaluate(&Input{Event: ev, Snapshot: snap, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.Equal(t, models.SeverityLow, sig.Severity)
	assert.Equal(t, models.CategoryFraud, sig.Category)
}

func TestDeviceReputationBadList(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	ev := detTx("e1", detStart, 100)
	ev.Transaction.DeviceFingerprint = "dev-1"
	snap := applyAll(clk, store, ev)

	out := &screening.Outcome{
		Results: []models.ScreeningResult{{
			IdentityHash: "dev-1",
			Provider:     "devrep",
			List:         models.ListDeviceIP,
			Status:       models.ScreeningConfirmedMatch,
		}},
		Status: models.ScreeningConfirmedMatch,
	}
	sig := (&DeviceReputation{}).Evaluate(&Input{Event: ev, Snapshot: snap, Screening: out, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.GreaterOrEqual(t, sig.Score, 0.9)
}

func TestCounterpartySanctionsCritical(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	ev := detTx("e1", detStart, 100)
	ev.Transaction.CounterpartyID = "cp-hash"
	snap := applyAll(clk, store, ev)

	out := &screening.Outcome{
		Results: []models.ScreeningResult{{
			IdentityHash: "cp-hash",
			Provider:     "acme",
			List:         models.ListSanctions,
			Status:       models.ScreeningConfirmedMatch,
			Matches:      []models.MatchedEntity{{EntryID: "SDN-1", Name: "Bad Actor"}},
		}},
		Status: models.ScreeningConfirmedMatch,
	}
	sig := (&Counterparty{}).Evaluate(&Input{Event: ev, Snapshot: snap, Screening: out, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.Equal(t, models.SeverityCritical, sig.Severity)
	assert.Equal(t, 1.0, sig.Score)
}

func TestMLFraudPassthrough(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	p := 0.92
	ev := detTx("e1", detStart, 100)
	ev.Transaction.FraudProbability = &p
	snap := applyAll(clk, store, ev)

	sig := (&MLFraud{}).Evaluate(&Input{Event: ev, Snapshot: snap, Tenant: detTenant()})
	require.NotNil(t, sig)
	assert.Equal(t, models.CategoryFraud, sig.Category)
	assert.InDelta(t, 0.92, sig.Score, 1e-9)

	low := 0.05
	ev2 := detTx("e2", detStart.Add(time.Minute), 100)
	ev2.Transaction.FraudProbability = &low
	snap = applyAll(clk, store, ev2)
	assert.Nil(t, (&MLFraud{}).Evaluate(&Input{Event: ev2, Snapshot: snap, Tenant: detTenant()}))
}

func TestRegistryFiltersDisabledDetectors(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant()
	tenant.EnabledDetectors = []string{models.DetectorVelocity}

	ev := detTx("e1", detStart, 100)
	ev.Transaction.Country = "IR"
	snap := applyAll(clk, store, ev)

	reg := NewRegistry(metrics.NewNop())
	signals := reg.Run(&Input{Event: ev, Snapshot: snap, Tenant: tenant})
	for _, s := range signals {
		assert.NotEqual(t, models.DetectorGeographic, s.DetectorID)
	}
}

func TestRegistryEmitsScreeningGap(t *testing.T) {
	clk := clock.NewFake(detStart)
	store := newDetStore(clk)
	tenant := detTenant()
	ev := detTx("e1", detStart, 100)
	snap := applyAll(clk, store, ev)

	reg := NewRegistry(metrics.NewNop())
	signals := reg.Run(&Input{
		Event:     ev,
		Snapshot:  snap,
		Screening: &screening.Outcome{Unavailable: true},
		Tenant:    tenant,
	})
	found := false
	for _, s := range signals {
		if s.DetectorID == models.DetectorScreeningGap {
			found = true
			assert.Equal(t, models.SeverityMedium, s.Severity)
		}
	}
	assert.True(t, found)

	// Scores come back ordered highest first.
	for i := 1; i < len(signals); i++ {
		assert.GreaterOrEqual(t, signals[i-1].Score, signals[i].Score)
	}
}
