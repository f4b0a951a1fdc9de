package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/common/errors"
	"github.com/veloxpay/sentinel/internal/audit"
	"github.com/veloxpay/sentinel/internal/cases"
	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/config"
	"github.com/veloxpay/sentinel/internal/dispatch"
	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/internal/metrics"
	"github.com/veloxpay/sentinel/internal/screening"
	"github.com/veloxpay/sentinel/internal/state"
	"github.com/veloxpay/sentinel/pkg/models"
)

var engStart = time.Date(2026, 3, 6, 12, 0, 0, 0, time.UTC)

type nullWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (w *nullWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *nullWriter) Close() error { return nil }

func (w *nullWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.msgs)
}

// slowProvider answers after a fixed wall-clock delay and ignores
// cancellation, like an upstream that only fails by timing out.
type slowProvider struct {
	*screening.StaticProvider
	delay time.Duration
}

func (p *slowProvider) Check(_ context.Context, identityHash string, list models.ListKind) (*models.ScreeningResult, error) {
	time.Sleep(p.delay)
	return p.StaticProvider.Check(context.Background(), identityHash, list)
}

type harness struct {
	clk        *clock.Fake
	cfg        *config.Manager
	eng        *Engine
	auditLog   *audit.Log
	store      *state.Store
	caseMgr    *cases.Manager
	intake     *events.Intake
	screen     *screening.Service
	provider   *screening.StaticProvider
	review     *nullWriter
	sar        *nullWriter
	dispatcher *dispatch.Dispatcher
}

func newHarness(t *testing.T, mutate func(*config.Tenant, *config.Engine)) *harness {
	t.Helper()
	clk := clock.NewFake(engStart)
	logger := zap.NewNop()
	m := metrics.NewNop()

	tenant := config.DefaultTenant("t1")
	tenant.Providers = []config.Provider{{
		Name:       "acme",
		Lists:      []string{"sanctions", "pep", "device_ip"},
		MaxRetries: 0,
		Backoff:    time.Millisecond,
	}}
	engCfg := config.DefaultEngine()
	engCfg.SnapshotEvery = 0
	if mutate != nil {
		mutate(&tenant, &engCfg)
	}

	cfg := config.NewManager(logger)
	cfg.SetEngine(engCfg)
	cfg.SetTenant(tenant)

	auditLog, err := audit.Open(logger, clk, m, "")
	require.NoError(t, err)
	t.Cleanup(func() { auditLog.Close() })

	store := state.NewStore(logger, clk, state.DefaultWindows(), engCfg.BaselineHalfLife)
	screen := screening.NewService(logger.Sugar(), clk, screening.NewMemoryCache(clk), m, 4)
	provider := screening.NewStaticProvider("acme",
		models.ListSanctions, models.ListPEP, models.ListDeviceIP)
	screen.Register(provider)

	caseMgr := cases.NewManager(logger.Sugar(), clk, m, nil)
	review := &nullWriter{}
	sar := &nullWriter{}
	dispatcher := dispatch.New(logger.Sugar(), m, map[dispatch.Sink]dispatch.Writer{
		dispatch.SinkReview: review,
		dispatch.SinkSAR:    sar,
	})
	dispatcher.Start()
	t.Cleanup(func() { dispatcher.Stop(context.Background()) })

	intake := events.NewIntake(logger, clk, events.NewDeduper(engCfg.DedupeCapacity))

	eng := New(Options{
		Logger:     logger,
		Clock:      clk,
		Config:     cfg,
		Metrics:    m,
		Store:      store,
		Screening:  screen,
		CaseMgr:    caseMgr,
		AuditLog:   auditLog,
		Dispatcher: dispatcher,
		Intake:     intake,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		eng.Stop(ctx)
	})

	return &harness{
		clk:        clk,
		cfg:        cfg,
		eng:        eng,
		auditLog:   auditLog,
		store:      store,
		caseMgr:    caseMgr,
		intake:     intake,
		screen:     screen,
		provider:   provider,
		review:     review,
		sar:        sar,
		dispatcher: dispatcher,
	}
}

func (h *harness) tx(id string, amount float64) *events.Event {
	return &events.Event{
		EventID:    id,
		TenantID:   "t1",
		SubjectID:  "s1",
		Kind:       events.KindTransaction,
		OccurredAt: h.clk.Now(),
		Transaction: &events.TransactionPayload{
			Amount:   decimal.NewFromFloat(amount),
			Currency: "USD",
		},
	}
}

func (h *harness) login(id string) *events.Event {
	return &events.Event{
		EventID:    id,
		TenantID:   "t1",
		SubjectID:  "s1",
		Kind:       events.KindLogin,
		OccurredAt: h.clk.Now(),
		Login:      &events.LoginPayload{Success: true},
	}
}

func TestAdmitCleanTransactionAllows(t *testing.T) {
	h := newHarness(t, nil)

	dec, err := h.eng.Admit(context.Background(), h.tx("e1", 120))
	require.NoError(t, err)
	assert.Equal(t, models.ActionAllow, dec.Action)
	assert.Equal(t, models.RiskLevelLow, dec.RiskLevel)
	assert.False(t, dec.SARRequired)
	assert.False(t, dec.DeferredReview)

	_, open := h.caseMgr.OpenCase("t1", "s1")
	assert.False(t, open, "clean ALLOW opens no case")

	// Chain holds the admission and the decision.
	recs, err := h.auditLog.Read("t1", 0, 0)
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, audit.RecordAdmit, recs[0].Kind)
	assert.Equal(t, audit.RecordDecision, recs[1].Kind)
}

func TestAdmitSanctionsMatchBlocksAndFiles(t *testing.T) {
	h := newHarness(t, nil)
	h.provider.Put("cp-bad", models.ListSanctions, models.ScreeningConfirmedMatch,
		models.MatchedEntity{EntryID: "SDN-1", Name: "Bad Actor", MatchScore: 0.99})

	ev := h.tx("e1", 500)
	ev.Transaction.CounterpartyID = "cp-bad"
	dec, err := h.eng.Admit(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, models.ActionBlock, dec.Action)
	assert.Equal(t, models.RiskLevelCritical, dec.RiskLevel)
	assert.True(t, dec.SARRequired)

	c, open := h.caseMgr.OpenCase("t1", "s1")
	require.True(t, open)
	assert.Equal(t, models.PriorityUrgent, c.Priority)
	assert.True(t, c.SARRequired)

	waitForCond(t, func() bool { return h.sar.count() == 1 && h.review.count() == 1 })
}

func TestAdmitDuplicateRejected(t *testing.T) {
	h := newHarness(t, nil)

	_, err := h.eng.Admit(context.Background(), h.tx("e1", 100))
	require.NoError(t, err)

	_, err = h.eng.Admit(context.Background(), h.tx("e1", 100))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeDuplicate))

	// The duplicate never reaches the chain.
	recs, err := h.auditLog.Read("t1", 0, 0)
	require.NoError(t, err)
	admits := 0
	for _, r := range recs {
		if r.Kind == audit.RecordAdmit {
			admits++
		}
	}
	assert.Equal(t, 1, admits)
}

func TestAdmitUnknownTenant(t *testing.T) {
	h := newHarness(t, nil)
	ev := h.tx("e1", 100)
	ev.TenantID = "ghost"
	_, err := h.eng.Admit(context.Background(), ev)
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeTenantUnknown))
}

func TestAdmitInvalidEvent(t *testing.T) {
	h := newHarness(t, nil)
	ev := h.tx("e1", 100)
	ev.Transaction.Currency = ""
	_, err := h.eng.Admit(context.Background(), ev)
	assert.True(t, errors.IsCode(err, errors.CodeInvalidEvent))
}

func TestAdmitOverloadedSubject(t *testing.T) {
	h := newHarness(t, func(_ *config.Tenant, e *config.Engine) {
		e.SubjectQueueMax = 0
	})
	_, err := h.eng.Admit(context.Background(), h.tx("e1", 100))
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeOverloaded))
}

func TestAdmitDeadlineDefersToReview(t *testing.T) {
	h := newHarness(t, func(tn *config.Tenant, _ *config.Engine) {
		tn.Timeouts.DecisionDeadline = 20 * time.Millisecond
	})
	// Slow provider pushes processing past the decision deadline.
	h.screen.Register(&slowProvider{StaticProvider: h.provider, delay: 200 * time.Millisecond})

	ev := h.tx("e1", 500)
	ev.Transaction.CounterpartyID = "cp-1"
	dec, err := h.eng.Admit(context.Background(), ev)
	require.NoError(t, err)

	assert.True(t, dec.DeferredReview)
	assert.True(t, dec.PartialSignals)
	assert.Equal(t, models.ActionAllow, dec.Action, "allow_on_timeout yields a provisional ALLOW")

	// The final decision lands in the chain as a revision of the
	// provisional one.
	waitForCond(t, func() bool {
		recs, err := h.auditLog.Read("t1", 0, 0)
		require.NoError(t, err)
		for _, r := range recs {
			if r.Kind != audit.RecordDecision {
				continue
			}
			var final models.Decision
			require.NoError(t, json.Unmarshal(r.Payload, &final))
			if final.SupersedesID != nil && *final.SupersedesID == dec.DecisionID {
				return true
			}
		}
		return false
	})
}

func TestAdmitDeadlineBlocksWhenNotAllowOnTimeout(t *testing.T) {
	h := newHarness(t, func(tn *config.Tenant, _ *config.Engine) {
		tn.Timeouts.DecisionDeadline = 20 * time.Millisecond
		tn.Policies.AllowOnTimeout = false
	})
	h.screen.Register(&slowProvider{StaticProvider: h.provider, delay: 200 * time.Millisecond})

	ev := h.tx("e1", 500)
	ev.Transaction.CounterpartyID = "cp-1"
	dec, err := h.eng.Admit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.ActionBlock, dec.Action, "without allow_on_timeout the provisional decision blocks")
	assert.True(t, dec.DeferredReview)
}

func TestScreeningBoundedByDecisionDeadline(t *testing.T) {
	h := newHarness(t, func(tn *config.Tenant, _ *config.Engine) {
		tn.Timeouts.DecisionDeadline = 50 * time.Millisecond
	})
	// The provider honors cancellation but would otherwise answer far too
	// late for anyone to use the verdict.
	h.provider.Latency = 5 * time.Second

	ev := h.tx("e1", 500)
	ev.Transaction.CounterpartyID = "cp-1"
	start := time.Now()
	_, err := h.eng.Admit(context.Background(), ev)
	require.NoError(t, err)

	// The worker's screening call is cut at the deadline, so the full
	// decision reaches the chain well before the provider would have
	// answered.
	found := false
	for time.Since(start) < time.Second {
		recs, err := h.auditLog.Read("t1", 0, 0)
		require.NoError(t, err)
		for _, r := range recs {
			if r.Kind != audit.RecordDecision {
				continue
			}
			var d models.Decision
			require.NoError(t, json.Unmarshal(r.Payload, &d))
			if !d.PartialSignals {
				found = true
			}
		}
		if found {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, found, "screening must give up once the decision deadline lapses")
}

func TestStructuringPatternFlagsAndOpensCase(t *testing.T) {
	h := newHarness(t, nil)

	dec, err := h.eng.Admit(context.Background(), h.tx("e1", 9500))
	require.NoError(t, err)
	assert.Equal(t, models.ActionAllow, dec.Action)

	h.clk.Advance(time.Hour)
	dec, err = h.eng.Admit(context.Background(), h.tx("e2", 9500))
	require.NoError(t, err)
	assert.Equal(t, models.ActionAllow, dec.Action)

	// Third sub-threshold transaction inside the day crosses the
	// structuring minimum.
	h.clk.Advance(2 * time.Hour)
	dec, err = h.eng.Admit(context.Background(), h.tx("e3", 9500))
	require.NoError(t, err)

	assert.Equal(t, models.ActionFlag, dec.Action)
	assert.Equal(t, models.RiskLevelHigh, dec.RiskLevel)
	assert.GreaterOrEqual(t, dec.CompositeScore, 70.0)
	var ids []string
	for _, s := range dec.ContributingSignals {
		ids = append(ids, s.DetectorID)
	}
	assert.Contains(t, ids, models.DetectorStructuring)

	c, open := h.caseMgr.OpenCase("t1", "s1")
	require.True(t, open)
	assert.Equal(t, models.PriorityHigh, c.Priority)
}

func TestLoginBurstFlagsVelocity(t *testing.T) {
	h := newHarness(t, nil)

	var last *models.Decision
	for i := 0; i < 11; i++ {
		dec, err := h.eng.Admit(context.Background(), h.login(fmt.Sprintf("l-%02d", i)))
		require.NoError(t, err)
		last = dec
		h.clk.Advance(2 * time.Second)
	}

	// The eleventh login inside the minute is one past the limit of ten.
	assert.Equal(t, models.ActionFlag, last.Action)
	assert.Equal(t, models.RiskLevelHigh, last.RiskLevel)
	var ids []string
	for _, s := range last.ContributingSignals {
		ids = append(ids, s.DetectorID)
	}
	assert.Contains(t, ids, models.DetectorVelocity)

	c1, open := h.caseMgr.OpenCase("t1", "s1")
	require.True(t, open)

	dec, err := h.eng.Admit(context.Background(), h.login("l-extra"))
	require.NoError(t, err)
	assert.Equal(t, models.ActionFlag, dec.Action)
	c2, open := h.caseMgr.OpenCase("t1", "s1")
	require.True(t, open)
	assert.Equal(t, c1.CaseID, c2.CaseID, "follow-up flags attach to the open case")
}

func TestProviderOutageFailClosedBlocksHighFraud(t *testing.T) {
	h := newHarness(t, func(tn *config.Tenant, _ *config.Engine) {
		tn.Policies.FailClosed = true
	})
	h.provider.SetFail(true)

	p := 0.75
	ev := h.tx("e1", 137.50)
	ev.Transaction.CounterpartyID = "cp-1"
	ev.Transaction.FraudProbability = &p
	dec, err := h.eng.Admit(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, models.ActionBlock, dec.Action,
		"fail_closed with screening down and a high external fraud score blocks")
	var ids []string
	for _, s := range dec.ContributingSignals {
		ids = append(ids, s.DetectorID)
	}
	assert.Contains(t, ids, models.DetectorScreeningGap)
	assert.Contains(t, ids, models.DetectorMLFraud)
}

func TestSubjectsProcessIndependently(t *testing.T) {
	h := newHarness(t, nil)

	var wg sync.WaitGroup
	decCh := make(chan *models.Decision, 2)
	for _, subject := range []string{"s1", "s2"} {
		wg.Add(1)
		go func(subject string) {
			defer wg.Done()
			ev := h.tx("e-"+subject, 100)
			ev.SubjectID = subject
			dec, err := h.eng.Admit(context.Background(), ev)
			assert.NoError(t, err)
			decCh <- dec
		}(subject)
	}
	wg.Wait()
	close(decCh)
	count := 0
	for dec := range decCh {
		assert.Equal(t, models.ActionAllow, dec.Action)
		count++
	}
	assert.Equal(t, 2, count)
}

func TestReplayRebuildsState(t *testing.T) {
	h := newHarness(t, nil)

	// Build up history: routine activity plus a blocked sanctions hit that
	// opened a case.
	for i := 0; i < 5; i++ {
		_, err := h.eng.Admit(context.Background(), h.tx("e"+string(rune('1'+i)), 100))
		require.NoError(t, err)
		h.clk.Advance(time.Minute)
	}
	h.provider.Put("cp-bad", models.ListSanctions, models.ScreeningConfirmedMatch,
		models.MatchedEntity{EntryID: "SDN-1", Name: "Bad Actor"})
	bad := h.tx("e-bad", 500)
	bad.Transaction.CounterpartyID = "cp-bad"
	_, err := h.eng.Admit(context.Background(), bad)
	require.NoError(t, err)

	wantSnap := h.store.Peek("t1", "s1")
	wantCase, ok := h.caseMgr.OpenCase("t1", "s1")
	require.True(t, ok)

	// A second engine over the same chain must converge to the same state.
	logger := zap.NewNop()
	m := metrics.NewNop()
	store2 := state.NewStore(logger, h.clk, state.DefaultWindows(), config.DefaultEngine().BaselineHalfLife)
	caseMgr2 := cases.NewManager(logger.Sugar(), h.clk, m, nil)
	intake2 := events.NewIntake(logger, h.clk, events.NewDeduper(1000))
	screen2 := screening.NewService(logger.Sugar(), h.clk, screening.NewMemoryCache(h.clk), m, 4)
	disp2 := dispatch.New(logger.Sugar(), m, nil)
	disp2.Start()
	t.Cleanup(func() { disp2.Stop(context.Background()) })

	eng2 := New(Options{
		Logger:     logger,
		Clock:      h.clk,
		Config:     h.cfg,
		Metrics:    m,
		Store:      store2,
		Screening:  screen2,
		CaseMgr:    caseMgr2,
		AuditLog:   h.auditLog,
		Dispatcher: disp2,
		Intake:     intake2,
	})
	require.NoError(t, eng2.Recover("t1"))

	gotSnap := store2.Peek("t1", "s1")
	assert.Equal(t, wantSnap.Stats[events.KindTransaction][state.Window1h].Count,
		gotSnap.Stats[events.KindTransaction][state.Window1h].Count)
	assert.Equal(t, len(wantSnap.Recent), len(gotSnap.Recent))
	assert.InDelta(t, wantSnap.Profile.AmountMean, gotSnap.Profile.AmountMean, 1e-9)

	gotCase, ok := caseMgr2.OpenCase("t1", "s1")
	require.True(t, ok)
	assert.Equal(t, wantCase.CaseID, gotCase.CaseID)
	assert.Equal(t, wantCase.State, gotCase.State)

	// Replayed ids stay deduplicated.
	assert.True(t, intake2.Deduper().Seen("t1", "e-bad"))
}

func TestReplayFromSnapshotPlusTail(t *testing.T) {
	h := newHarness(t, nil)

	for i := 0; i < 3; i++ {
		_, err := h.eng.Admit(context.Background(), h.tx("a"+string(rune('1'+i)), 100))
		require.NoError(t, err)
		h.clk.Advance(time.Minute)
	}
	require.NoError(t, h.eng.Snapshot("t1"))

	// Tail beyond the snapshot.
	for i := 0; i < 2; i++ {
		_, err := h.eng.Admit(context.Background(), h.tx("b"+string(rune('1'+i)), 100))
		require.NoError(t, err)
		h.clk.Advance(time.Minute)
	}

	want := h.store.Peek("t1", "s1")

	h.store.DropTenant("t1")
	require.NoError(t, h.eng.Recover("t1"))

	got := h.store.Peek("t1", "s1")
	assert.Equal(t, want.Stats[events.KindTransaction][state.Window1h].Count,
		got.Stats[events.KindTransaction][state.Window1h].Count)
	assert.Equal(t, len(want.Recent), len(got.Recent))
	assert.True(t, h.intake.Deduper().Seen("t1", "a1"))
	assert.True(t, h.intake.Deduper().Seen("t1", "b2"))
}

func TestReplayMatchesOutOfOrderFoldOrder(t *testing.T) {
	h := newHarness(t, func(tn *config.Tenant, _ *config.Engine) {
		tn.Timeouts.DecisionDeadline = 20 * time.Millisecond
	})

	dec, err := h.eng.Admit(context.Background(), h.tx("e-head", 100))
	require.NoError(t, err)
	require.Equal(t, models.ActionAllow, dec.Action)

	// Two stragglers arrive newest first. The reorder buffer holds them and
	// releases oldest first once the window lapses, so processing order
	// differs from arrival order.
	mid := h.tx("e-mid", 40)
	mid.OccurredAt = engStart.Add(-5 * time.Second)
	_, err = h.eng.Admit(context.Background(), mid)
	require.NoError(t, err)

	old := h.tx("e-old", 7000)
	old.OccurredAt = engStart.Add(-10 * time.Second)
	_, err = h.eng.Admit(context.Background(), old)
	require.NoError(t, err)

	h.clk.Advance(3 * time.Second)
	waitForCond(t, func() bool {
		recs, err := h.auditLog.Read("t1", 0, 0)
		require.NoError(t, err)
		admits := 0
		for _, r := range recs {
			if r.Kind == audit.RecordAdmit {
				admits++
			}
		}
		return admits == 3
	})

	want := h.store.Peek("t1", "s1")

	h.store.DropTenant("t1")
	require.NoError(t, h.eng.Recover("t1"))
	got := h.store.Peek("t1", "s1")

	var wantIDs, gotIDs []string
	for _, e := range want.Recent {
		wantIDs = append(wantIDs, e.EventID)
	}
	for _, e := range got.Recent {
		gotIDs = append(gotIDs, e.EventID)
	}
	assert.Equal(t, []string{"e-mid", "e-old", "e-head"}, wantIDs, "live fold order is occurred_at order")
	assert.Equal(t, wantIDs, gotIDs, "replay folds in the same order as live processing")
	assert.Equal(t, want.Profile.AmountMean, got.Profile.AmountMean)
	assert.Equal(t, want.Stats[events.KindTransaction][state.Window1h].Count,
		got.Stats[events.KindTransaction][state.Window1h].Count)
}

func TestProcessingPanicRecordedOnChain(t *testing.T) {
	h := newHarness(t, nil)
	// A nil screening service panics the worker on the first screened event.
	h.eng.screen = nil

	ev := h.tx("e-boom", 100)
	ev.Transaction.CounterpartyID = "cp-1"
	dec, err := h.eng.Admit(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, models.ActionFlag, dec.Action, "a failed event falls back to FLAG")

	recs, err := h.auditLog.Read("t1", 0, 0)
	require.NoError(t, err)
	failures := 0
	for _, r := range recs {
		if r.Kind != audit.RecordFailure {
			continue
		}
		var payload struct {
			EventID   string `json:"event_id"`
			SubjectID string `json:"subject_id"`
			Error     string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(r.Payload, &payload))
		assert.Equal(t, "e-boom", payload.EventID)
		assert.Equal(t, "s1", payload.SubjectID)
		assert.NotEmpty(t, payload.Error)
		failures++
	}
	assert.Equal(t, 1, failures, "the failure is chained exactly once")
}

func waitForCond(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
