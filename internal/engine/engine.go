// Package engine wires intake, state, screening, detection, scoring, cases,
// audit, and dispatch into the synchronous Admit pipeline. Events for one
// subject are processed strictly one at a time; subjects run in parallel on
// a shared worker pool.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/common/errors"
	"github.com/veloxpay/sentinel/internal/audit"
	"github.com/veloxpay/sentinel/internal/cases"
	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/config"
	"github.com/veloxpay/sentinel/internal/detectors"
	"github.com/veloxpay/sentinel/internal/dispatch"
	"github.com/veloxpay/sentinel/internal/events"
	"github.com/veloxpay/sentinel/internal/metrics"
	"github.com/veloxpay/sentinel/internal/scoring"
	"github.com/veloxpay/sentinel/internal/screening"
	"github.com/veloxpay/sentinel/internal/state"
	"github.com/veloxpay/sentinel/pkg/models"
)

// subjectIdleTimeout is how long a subject goroutine lingers with an empty
// queue before exiting.
const subjectIdleTimeout = time.Minute

// releaseTick drives reorder-window expiry for buffered out-of-order events.
const releaseTick = 100 * time.Millisecond

type subjectKey struct {
	tenant  string
	subject string
}

// waiter is the synchronous caller of one Admit, if still present. Once the
// deadline passes the caller abandons the waiter and the worker records the
// final decision as a superseding revision instead.
type waiter struct {
	mu         sync.Mutex
	ch         chan *models.Decision
	abandoned  bool
	supersedes uuid.UUID
}

// abandon marks the caller gone and returns the provisional decision id the
// final decision must reference.
func (w *waiter) abandon(provisional uuid.UUID) {
	w.mu.Lock()
	w.abandoned = true
	w.supersedes = provisional
	w.mu.Unlock()
}

type pending struct {
	release events.Release
	waiter  *waiter
}

type subjectWorker struct {
	key  subjectKey
	buf  *events.ReorderBuffer
	wake chan struct{}

	mu      sync.Mutex
	waiters map[string]*waiter
	queued  int
}

// Engine is the compliance pipeline.
type Engine struct {
	logger  *zap.SugaredLogger
	clock   clock.Clock
	cfg     *config.Manager
	metrics *metrics.Metrics

	intake     *events.Intake
	store      *state.Store
	screen     *screening.Service
	registry   *detectors.Registry
	scorer     *scoring.Scorer
	caseMgr    *cases.Manager
	auditLog   *audit.Log
	dispatcher *dispatch.Dispatcher

	mu       sync.Mutex
	subjects map[subjectKey]*subjectWorker
	admitted map[string]int

	sem        chan struct{}
	shutdownCh chan struct{}
	wg         sync.WaitGroup
}

// Options bundles the engine's collaborators.
type Options struct {
	Logger     *zap.Logger
	Clock      clock.Clock
	Config     *config.Manager
	Metrics    *metrics.Metrics
	Store      *state.Store
	Screening  *screening.Service
	CaseMgr    *cases.Manager
	AuditLog   *audit.Log
	Dispatcher *dispatch.Dispatcher
	Intake     *events.Intake
}

// New assembles the engine. The case manager's recorder is pointed at the
// audit chain here so every case change lands in the chain.
func New(opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = clock.System()
	}
	e := &Engine{
		logger:     opts.Logger.Sugar(),
		clock:      opts.Clock,
		cfg:        opts.Config,
		metrics:    opts.Metrics,
		intake:     opts.Intake,
		store:      opts.Store,
		screen:     opts.Screening,
		registry:   detectors.NewRegistry(opts.Metrics),
		scorer:     scoring.NewScorer(opts.Clock),
		caseMgr:    opts.CaseMgr,
		auditLog:   opts.AuditLog,
		dispatcher: opts.Dispatcher,
		subjects:   make(map[subjectKey]*subjectWorker),
		admitted:   make(map[string]int),
		sem:        make(chan struct{}, opts.Config.Engine().Workers),
		shutdownCh: make(chan struct{}),
	}
	e.caseMgr.SetRecorder(e)
	return e
}

// RecordCase implements cases.Recorder against the audit chain.
func (e *Engine) RecordCase(c *models.Case) (uint64, error) {
	rec, err := e.auditLog.Append(c.TenantID, audit.RecordCase, c)
	if err != nil {
		return 0, err
	}
	return rec.Seq, nil
}

// Cases exposes the case manager for the review surface.
func (e *Engine) Cases() *cases.Manager { return e.caseMgr }

// Audit exposes the audit log for verification tooling.
func (e *Engine) Audit() *audit.Log { return e.auditLog }

// Stop drains the subject workers.
func (e *Engine) Stop(ctx context.Context) error {
	close(e.shutdownCh)
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Admit runs one event through the pipeline and returns the decision within
// the tenant's decision deadline. Past the deadline it returns a provisional
// decision flagged for deferred review and the final decision is published
// asynchronously as a superseding revision.
func (e *Engine) Admit(ctx context.Context, ev *events.Event) (*models.Decision, error) {
	start := e.clock.Now()
	tenant, ok := e.cfg.Tenant(ev.TenantID)
	if !ok {
		e.metrics.EventsRejected.WithLabelValues(ev.TenantID, string(errors.CodeTenantUnknown)).Inc()
		return nil, errors.Newf(errors.CodeTenantUnknown, "tenant %q is not configured", ev.TenantID)
	}

	sw := e.subject(ev.TenantID, ev.SubjectID)
	sw.mu.Lock()
	if sw.queued >= e.cfg.Engine().SubjectQueueMax {
		sw.mu.Unlock()
		e.metrics.EventsRejected.WithLabelValues(ev.TenantID, string(errors.CodeOverloaded)).Inc()
		return nil, errors.Newf(errors.CodeOverloaded, "subject %s queue is full", ev.SubjectID)
	}
	sw.mu.Unlock()

	if err := e.intake.Accept(ev); err != nil {
		code := errors.CodeOf(err)
		if code == errors.CodeDuplicate {
			e.metrics.EventsDuplicate.WithLabelValues(ev.TenantID).Inc()
		} else {
			e.metrics.EventsRejected.WithLabelValues(ev.TenantID, string(code)).Inc()
		}
		return nil, err
	}

	e.metrics.EventsAdmitted.WithLabelValues(ev.TenantID, string(ev.Kind)).Inc()

	w := &waiter{ch: make(chan *models.Decision, 1)}
	sw.mu.Lock()
	sw.waiters[ev.EventID] = w
	sw.queued++
	sw.mu.Unlock()
	e.metrics.SubjectQueueDepth.Inc()
	sw.buf.Push(ev, e.clock.Now())
	select {
	case sw.wake <- struct{}{}:
	default:
	}

	e.maybeSnapshot(ev.TenantID)

	deadline := tenant.Timeouts.DecisionDeadline
	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case dec := <-w.ch:
		e.metrics.DecisionTime.Observe(e.clock.Now().Sub(start).Seconds())
		e.metrics.Decisions.WithLabelValues(ev.TenantID, string(dec.Action)).Inc()
		return dec, nil
	case <-ctx.Done():
		prov := e.provisional(tenant, ev, w)
		return prov, nil
	case <-timer.C:
		prov := e.provisional(tenant, ev, w)
		e.metrics.DecisionTime.Observe(e.clock.Now().Sub(start).Seconds())
		e.metrics.Decisions.WithLabelValues(ev.TenantID, string(prov.Action)).Inc()
		return prov, nil
	}
}

// provisional records the deadline decision and abandons the waiter so the
// worker publishes the final decision as a revision.
func (e *Engine) provisional(tenant *config.Tenant, ev *events.Event, w *waiter) *models.Decision {
	dec := e.scorer.Score(tenant, ev, nil, scoring.Facts{
		Partial:  true,
		Deferred: true,
	})
	if !tenant.Policies.AllowOnTimeout {
		dec.Action = models.ActionBlock
	}
	w.abandon(dec.DecisionID)
	if _, err := e.auditLog.Append(ev.TenantID, audit.RecordDecision, dec); err != nil {
		e.logger.Errorw("provisional decision not recorded",
			"tenant", ev.TenantID,
			"event", ev.EventID,
			"error", err)
	}
	e.logger.Warnw("decision deadline exceeded, deferred to review",
		"tenant", ev.TenantID,
		"event", ev.EventID,
		"action", dec.Action)
	return dec
}

func (e *Engine) subject(tenantID, subjectID string) *subjectWorker {
	key := subjectKey{tenant: tenantID, subject: subjectID}
	e.mu.Lock()
	defer e.mu.Unlock()
	sw, ok := e.subjects[key]
	if !ok {
		sw = &subjectWorker{
			key:     key,
			buf:     events.NewReorderBuffer(e.cfg.Engine().ReorderWindow),
			wake:    make(chan struct{}, 1),
			waiters: make(map[string]*waiter),
		}
		e.subjects[key] = sw
		e.wg.Add(1)
		go e.runSubject(sw)
	}
	return sw
}

// runSubject serializes one subject's events. Releases come out of the
// reorder buffer in occurred_at order; each is processed under a worker pool
// token.
func (e *Engine) runSubject(sw *subjectWorker) {
	defer e.wg.Done()
	ticker := time.NewTicker(releaseTick)
	defer ticker.Stop()
	idleSince := e.clock.Now()

	for {
		var releases []events.Release
		select {
		case <-e.shutdownCh:
			releases = sw.buf.Flush()
			e.drain(sw, releases)
			return
		case <-sw.wake:
			releases = sw.buf.Ready(e.clock.Now())
		case <-ticker.C:
			releases = sw.buf.Ready(e.clock.Now())
		}

		if len(releases) == 0 {
			if sw.buf.Len() == 0 && e.clock.Now().Sub(idleSince) > subjectIdleTimeout {
				e.mu.Lock()
				sw.mu.Lock()
				if sw.queued == 0 && sw.buf.Len() == 0 {
					delete(e.subjects, sw.key)
					sw.mu.Unlock()
					e.mu.Unlock()
					return
				}
				sw.mu.Unlock()
				e.mu.Unlock()
			}
			continue
		}
		idleSince = e.clock.Now()

		for _, rel := range releases {
			e.sem <- struct{}{}
			e.metrics.WorkerSaturation.Set(float64(len(e.sem)) / float64(cap(e.sem)))
			e.processSafely(sw, rel)
			<-e.sem
		}
	}
}

func (e *Engine) drain(sw *subjectWorker, releases []events.Release) {
	for _, rel := range releases {
		e.processSafely(sw, rel)
	}
}

// processSafely keeps a panic in one event's processing from taking the
// subject worker down. The waiter gets a PROCESSING_FAILED-coded block.
func (e *Engine) processSafely(sw *subjectWorker, rel events.Release) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Errorw("event processing panicked",
				"tenant", rel.Event.TenantID,
				"event", rel.Event.EventID,
				"panic", fmt.Sprint(r))
			if _, err := e.auditLog.Append(rel.Event.TenantID, audit.RecordFailure, struct {
				EventID   string `json:"event_id"`
				SubjectID string `json:"subject_id"`
				Error     string `json:"error"`
			}{rel.Event.EventID, rel.Event.SubjectID, fmt.Sprint(r)}); err != nil {
				e.logger.Errorw("failure record not written",
					"tenant", rel.Event.TenantID,
					"event", rel.Event.EventID,
					"error", err)
			}
			e.finish(sw, rel.Event, nil)
		}
	}()
	e.process(sw, rel)
}

func (e *Engine) process(sw *subjectWorker, rel events.Release) {
	ev := rel.Event
	tenant, ok := e.cfg.Tenant(ev.TenantID)
	if !ok {
		e.finish(sw, ev, nil)
		return
	}
	if rel.Late {
		e.metrics.EventsLate.WithLabelValues(ev.TenantID).Inc()
	}

	// The canonical event goes to the chain at the moment it folds into
	// state. ADMIT order in the chain is therefore the fold order, and replay
	// reproduces state byte for byte even when the reorder buffer reshuffled
	// arrivals.
	canonical, err := ev.Canonical()
	if err == nil {
		_, err = e.auditLog.Append(ev.TenantID, audit.RecordAdmit, json.RawMessage(canonical))
	}
	if err != nil {
		// Nothing durable exists for this event yet; forget the dedupe mark
		// so the producer's retry is admitted instead of refused.
		e.intake.Deduper().Unmark(ev.TenantID, ev.EventID)
		e.logger.Errorw("event not recorded",
			"tenant", ev.TenantID,
			"event", ev.EventID,
			"error", err)
		e.finish(sw, ev, nil)
		return
	}

	snap := e.store.Apply(ev)
	outcome := e.screenEvent(tenant, ev)

	signals := e.registry.Run(&detectors.Input{
		Event:     ev,
		Snapshot:  snap,
		Screening: outcome,
		Tenant:    tenant,
		Late:      rel.Late,
	})

	_, hasOpen := e.caseMgr.OpenCase(ev.TenantID, ev.SubjectID)
	facts := scoring.Facts{
		ScreeningUnavailable: outcome != nil && outcome.Unavailable,
		OpenCase:             hasOpen,
	}

	sw.mu.Lock()
	w := sw.waiters[ev.EventID]
	sw.mu.Unlock()
	if w != nil {
		w.mu.Lock()
		if w.abandoned {
			facts.Supersedes = &w.supersedes
			facts.Deferred = true
		}
		w.mu.Unlock()
	}

	dec := e.scorer.Score(tenant, ev, signals, facts)
	rec, err := e.auditLog.Append(ev.TenantID, audit.RecordDecision, dec)
	if err != nil {
		e.logger.Errorw("decision not recorded",
			"tenant", ev.TenantID,
			"event", ev.EventID,
			"error", err)
		e.finish(sw, ev, nil)
		return
	}

	e.publish(tenant, dec, rec.Seq)
	e.finish(sw, ev, dec)
}

// publish opens or updates the review case and queues review and SAR
// outcomes for any decision that is not a clean ALLOW.
func (e *Engine) publish(tenant *config.Tenant, dec *models.Decision, seq uint64) {
	if dec.Action == models.ActionAllow && !dec.SARRequired && dec.SupersedesID == nil {
		return
	}

	if dec.Action != models.ActionAllow || dec.SARRequired {
		c, _, err := e.caseMgr.OpenOrAttach(dec, priorityFor(dec.RiskLevel))
		if err != nil {
			e.logger.Errorw("case update failed",
				"tenant", dec.TenantID,
				"event", dec.EventID,
				"error", err)
		} else if err := e.dispatcher.Enqueue(dispatch.SinkReview, dec.TenantID, seq, "decision", struct {
			Decision *models.Decision `json:"decision"`
			Case     *models.Case     `json:"case"`
		}{dec, c}); err != nil {
			e.logger.Errorw("review enqueue failed", "tenant", dec.TenantID, "error", err)
		}
	}

	if dec.SARRequired {
		if rec, err := e.auditLog.Append(dec.TenantID, audit.RecordSAR, dec); err != nil {
			e.logger.Errorw("SAR record failed", "tenant", dec.TenantID, "error", err)
		} else if err := e.dispatcher.Enqueue(dispatch.SinkSAR, dec.TenantID, rec.Seq, "sar", dec); err != nil {
			e.logger.Errorw("SAR enqueue failed", "tenant", dec.TenantID, "error", err)
		}
	}
}

// finish delivers the decision to a still-present waiter and releases the
// queue slot. A nil decision means processing failed; the waiter gets a
// fail-safe block so the caller never hangs.
func (e *Engine) finish(sw *subjectWorker, ev *events.Event, dec *models.Decision) {
	sw.mu.Lock()
	w := sw.waiters[ev.EventID]
	delete(sw.waiters, ev.EventID)
	sw.queued--
	sw.mu.Unlock()
	e.metrics.SubjectQueueDepth.Dec()

	if w == nil {
		return
	}
	w.mu.Lock()
	abandoned := w.abandoned
	w.mu.Unlock()
	if abandoned {
		return
	}
	if dec == nil {
		dec = &models.Decision{
			DecisionID: uuid.New(),
			TenantID:   ev.TenantID,
			SubjectID:  ev.SubjectID,
			EventID:    ev.EventID,
			RiskLevel:  models.RiskLevelHigh,
			Action:     models.ActionFlag,
			DecidedAt:  e.clock.Now(),
		}
	}
	select {
	case w.ch <- dec:
	default:
	}
}

// screenEvent runs the lists relevant to the event: counterparty identity
// against sanctions, PEP, and adverse media, the device fingerprint against
// the device list. Results merge into one outcome.
func (e *Engine) screenEvent(tenant *config.Tenant, ev *events.Event) *screening.Outcome {
	// Screening gets what is left of the event's decision deadline. Once the
	// deadline has passed the caller already holds a provisional decision and
	// the screening service's own budget is the only bound.
	ctx := context.Background()
	if rem := tenant.Timeouts.DecisionDeadline - e.clock.Now().Sub(ev.ReceivedAt); rem > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, rem)
		defer cancel()
	}
	var merged *screening.Outcome

	if ev.Transaction != nil && ev.Transaction.CounterpartyID != "" {
		merged = e.screen.Screen(ctx, tenant, ev.Transaction.CounterpartyID,
			[]models.ListKind{models.ListSanctions, models.ListPEP, models.ListAdverseMedia})
	}
	if device := ev.Device(); device != "" {
		devOut := e.screen.Screen(ctx, tenant, device, []models.ListKind{models.ListDeviceIP})
		merged = mergeOutcomes(merged, devOut)
	}
	return merged
}

func mergeOutcomes(a, b *screening.Outcome) *screening.Outcome {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	a.Results = append(a.Results, b.Results...)
	if screening.StatusRank(b.Status) > screening.StatusRank(a.Status) {
		a.Status = b.Status
	}
	a.Unavailable = a.Unavailable || b.Unavailable
	a.StaleOK = a.StaleOK || b.StaleOK
	return a
}

func priorityFor(level models.RiskLevel) models.Priority {
	switch level {
	case models.RiskLevelCritical:
		return models.PriorityUrgent
	case models.RiskLevelHigh:
		return models.PriorityHigh
	case models.RiskLevelMedium:
		return models.PriorityMedium
	default:
		return models.PriorityLow
	}
}

// maybeSnapshot captures tenant state every SnapshotEvery admissions.
func (e *Engine) maybeSnapshot(tenantID string) {
	every := e.cfg.Engine().SnapshotEvery
	if every <= 0 {
		return
	}
	e.mu.Lock()
	e.admitted[tenantID]++
	due := e.admitted[tenantID]%every == 0
	e.mu.Unlock()
	if !due {
		return
	}
	if err := e.Snapshot(tenantID); err != nil {
		e.logger.Errorw("snapshot failed", "tenant", tenantID, "error", err)
	}
}

// Snapshot captures a tenant's state anchored at the current durable audit
// sequence.
func (e *Engine) Snapshot(tenantID string) error {
	seq, err := e.auditLog.LastDurableSeq(tenantID)
	if err != nil {
		return err
	}
	subjects, err := e.store.ExportTenant(tenantID)
	if err != nil {
		return err
	}
	caseBlob, err := e.caseMgr.ExportTenant(tenantID)
	if err != nil {
		return err
	}
	return e.auditLog.SaveSnapshot(&audit.Snapshot{
		TenantID:  tenantID,
		Seq:       seq,
		TakenAt:   e.clock.Now(),
		Subjects:  subjects,
		DedupeIDs: e.intake.Deduper().Known(tenantID),
		Cases:     caseBlob,
	})
}
