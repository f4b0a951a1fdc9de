// Package cases manages review cases: one open case per subject, explicit
// state machine transitions guarded by compare-and-swap on the expected
// state. Case state lives in memory and is rebuilt from the audit chain.
package cases

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/common/errors"
	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/metrics"
	"github.com/veloxpay/sentinel/pkg/models"
)

// Recorder persists case changes to the audit chain. The returned sequence
// anchors the case for snapshot cutoffs.
type Recorder interface {
	RecordCase(c *models.Case) (seq uint64, err error)
}

// nopRecorder is used in tests and during replay, where the chain already
// holds the records being reapplied.
type nopRecorder struct{}

func (nopRecorder) RecordCase(*models.Case) (uint64, error) { return 0, nil }

// legal maps each state to its admissible successors. SAR filing is reachable
// from every non-terminal state, gated on the SAR requirement; an escalated
// case can be reassigned back into review.
var legal = map[models.CaseState][]models.CaseState{
	models.CaseOpen:      {models.CaseInReview, models.CaseEscalated, models.CaseSARFiled},
	models.CaseInReview:  {models.CaseEscalated, models.CaseResolvedApproved, models.CaseResolvedBlocked, models.CaseSARFiled},
	models.CaseEscalated: {models.CaseInReview, models.CaseResolvedApproved, models.CaseResolvedBlocked, models.CaseSARFiled},
}

func transitionAllowed(from, to models.CaseState) bool {
	for _, s := range legal[from] {
		if s == to {
			return true
		}
	}
	return false
}

var priorityRank = map[models.Priority]int{
	models.PriorityLow:    0,
	models.PriorityMedium: 1,
	models.PriorityHigh:   2,
	models.PriorityUrgent: 3,
}

// Manager owns all cases for all tenants.
type Manager struct {
	mu       sync.RWMutex
	logger   *zap.SugaredLogger
	clock    clock.Clock
	metrics  *metrics.Metrics
	recorder Recorder

	// cases is keyed by tenant then case ID; openBySubject indexes the one
	// non-terminal case per subject.
	cases         map[string]map[uuid.UUID]*models.Case
	openBySubject map[string]map[string]uuid.UUID
}

// NewManager creates an empty case manager.
func NewManager(logger *zap.SugaredLogger, clk clock.Clock, m *metrics.Metrics, rec Recorder) *Manager {
	if clk == nil {
		clk = clock.System()
	}
	if rec == nil {
		rec = nopRecorder{}
	}
	return &Manager{
		logger:        logger,
		clock:         clk,
		metrics:       m,
		recorder:      rec,
		cases:         make(map[string]map[uuid.UUID]*models.Case),
		openBySubject: make(map[string]map[string]uuid.UUID),
	}
}

// SetRecorder swaps the recorder. Replay installs a no-op recorder first,
// then restores the real one.
func (m *Manager) SetRecorder(rec Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec == nil {
		rec = nopRecorder{}
	}
	m.recorder = rec
}

// OpenCase returns the subject's current non-terminal case, if any.
func (m *Manager) OpenCase(tenantID, subjectID string) (*models.Case, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.openBySubject[tenantID][subjectID]
	if !ok {
		return nil, false
	}
	c := m.cases[tenantID][id]
	out := cloneCase(c)
	return &out, true
}

// Get returns a copy of the case.
func (m *Manager) Get(tenantID string, caseID uuid.UUID) (*models.Case, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.cases[tenantID][caseID]
	if !ok {
		return nil, errors.Newf(errors.CodeCaseNotFound, "case %s not found for tenant %s", caseID, tenantID)
	}
	out := cloneCase(c)
	return &out, nil
}

// OpenOrAttach attaches the decision to the subject's open case, raising its
// priority if the decision's is higher, or opens a new case. It returns the
// case and whether it was created.
func (m *Manager) OpenOrAttach(dec *models.Decision, priority models.Priority) (*models.Case, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()

	if id, ok := m.openBySubject[dec.TenantID][dec.SubjectID]; ok {
		c := m.cases[dec.TenantID][id]
		c.DecisionIDs = append(c.DecisionIDs, dec.DecisionID)
		if priorityRank[priority] > priorityRank[c.Priority] {
			c.Priority = priority
		}
		if dec.SARRequired {
			c.SARRequired = true
		}
		c.UpdatedAt = now
		if err := m.record(c); err != nil {
			return nil, false, err
		}
		out := cloneCase(c)
		return &out, false, nil
	}

	c := &models.Case{
		CaseID:         uuid.New(),
		TenantID:       dec.TenantID,
		SubjectID:      dec.SubjectID,
		TriggerEventID: dec.EventID,
		State:          models.CaseOpen,
		Priority:       priority,
		DecisionIDs:    []uuid.UUID{dec.DecisionID},
		SARRequired:    dec.SARRequired,
		OpenedAt:       now,
		UpdatedAt:      now,
	}
	if err := m.record(c); err != nil {
		return nil, false, err
	}
	m.put(c)
	m.metrics.CasesOpened.WithLabelValues(c.TenantID, string(c.Priority)).Inc()
	m.logger.Infow("case opened",
		"tenant", c.TenantID,
		"subject", c.SubjectID,
		"case_id", c.CaseID,
		"priority", c.Priority)
	out := cloneCase(c)
	return &out, true, nil
}

// Transition moves a case from expected to target. A mismatch between the
// stored state and expected fails with STATE_CONFLICT and mutates nothing.
func (m *Manager) Transition(tenantID string, caseID uuid.UUID, expected, to models.CaseState, actor, notes string) (*models.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[tenantID][caseID]
	if !ok {
		return nil, errors.Newf(errors.CodeCaseNotFound, "case %s not found for tenant %s", caseID, tenantID)
	}
	if c.State != expected {
		return nil, errors.Newf(errors.CodeStateConflict, "case %s is %s, expected %s", caseID, c.State, expected)
	}
	if c.State.Terminal() {
		return nil, errors.Newf(errors.CodeStateConflict, "case %s is terminal in state %s", caseID, c.State)
	}
	if !transitionAllowed(c.State, to) {
		return nil, errors.Newf(errors.CodeStateConflict, "case %s: transition %s to %s not allowed", caseID, c.State, to)
	}
	if to == models.CaseSARFiled && !c.SARRequired {
		return nil, errors.Newf(errors.CodeStateConflict, "case %s: SAR filing without SAR requirement", caseID)
	}

	// Stage the change on a copy so a recorder failure leaves the stored
	// case untouched.
	staged := cloneCase(c)
	staged.State = to
	staged.UpdatedAt = m.clock.Now()
	if notes != "" {
		if staged.Notes != "" {
			staged.Notes += "\n"
		}
		staged.Notes += fmt.Sprintf("[%s] %s", actor, notes)
	}
	if to.Terminal() {
		at := staged.UpdatedAt
		staged.ResolvedAt = &at
	}
	if err := m.record(&staged); err != nil {
		return nil, err
	}

	*c = staged
	if to.Terminal() {
		delete(m.openBySubject[tenantID], c.SubjectID)
	}
	m.metrics.CaseTransitions.WithLabelValues(tenantID, string(to)).Inc()
	m.logger.Infow("case transitioned",
		"tenant", tenantID,
		"case_id", caseID,
		"from", expected,
		"to", to,
		"actor", actor)
	out := cloneCase(c)
	return &out, nil
}

// Assign sets the case reviewer, guarded by the same CAS discipline.
func (m *Manager) Assign(tenantID string, caseID uuid.UUID, expected models.CaseState, assignee string) (*models.Case, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.cases[tenantID][caseID]
	if !ok {
		return nil, errors.Newf(errors.CodeCaseNotFound, "case %s not found for tenant %s", caseID, tenantID)
	}
	if c.State != expected {
		return nil, errors.Newf(errors.CodeStateConflict, "case %s is %s, expected %s", caseID, c.State, expected)
	}
	if c.State.Terminal() {
		return nil, errors.Newf(errors.CodeStateConflict, "case %s is terminal in state %s", caseID, c.State)
	}

	staged := cloneCase(c)
	staged.AssignedTo = assignee
	staged.UpdatedAt = m.clock.Now()
	if err := m.record(&staged); err != nil {
		return nil, err
	}
	*c = staged
	out := cloneCase(c)
	return &out, nil
}

// List returns copies of all cases for a tenant, optionally filtered to
// non-terminal states.
func (m *Manager) List(tenantID string, openOnly bool) []models.Case {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Case
	for _, c := range m.cases[tenantID] {
		if openOnly && c.State.Terminal() {
			continue
		}
		out = append(out, cloneCase(c))
	}
	return out
}

// Restore applies a case record from the audit chain or a snapshot without
// re-recording it.
func (m *Manager) Restore(c *models.Case) {
	m.mu.Lock()
	defer m.mu.Unlock()
	stored := cloneCase(c)
	m.put(&stored)
	if stored.State.Terminal() {
		if byTenant, ok := m.openBySubject[stored.TenantID]; ok {
			if byTenant[stored.SubjectID] == stored.CaseID {
				delete(byTenant, stored.SubjectID)
			}
		}
	}
}

// ExportTenant serializes a tenant's non-terminal cases for snapshotting.
func (m *Manager) ExportTenant(tenantID string) ([]byte, error) {
	open := m.List(tenantID, true)
	data, err := json.Marshal(open)
	if err != nil {
		return nil, fmt.Errorf("export cases for %s: %w", tenantID, err)
	}
	return data, nil
}

// ImportTenant replaces a tenant's cases from a snapshot blob.
func (m *Manager) ImportTenant(tenantID string, data []byte) error {
	var list []models.Case
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("import cases for %s: %w", tenantID, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cases, tenantID)
	delete(m.openBySubject, tenantID)
	for i := range list {
		c := list[i]
		m.put(&c)
	}
	return nil
}

// DropTenant discards a tenant's in-memory cases (used before replay).
func (m *Manager) DropTenant(tenantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cases, tenantID)
	delete(m.openBySubject, tenantID)
}

func (m *Manager) put(c *models.Case) {
	byTenant, ok := m.cases[c.TenantID]
	if !ok {
		byTenant = make(map[uuid.UUID]*models.Case)
		m.cases[c.TenantID] = byTenant
	}
	byTenant[c.CaseID] = c
	if !c.State.Terminal() {
		bySubject, ok := m.openBySubject[c.TenantID]
		if !ok {
			bySubject = make(map[string]uuid.UUID)
			m.openBySubject[c.TenantID] = bySubject
		}
		bySubject[c.SubjectID] = c.CaseID
	}
}

func (m *Manager) record(c *models.Case) error {
	seq, err := m.recorder.RecordCase(c)
	if err != nil {
		return errors.Wrap(errors.CodeProcessingFailed, "record case change", err)
	}
	if seq > 0 {
		c.AuditSeq = seq
	}
	return nil
}

func cloneCase(c *models.Case) models.Case {
	out := *c
	out.DecisionIDs = append([]uuid.UUID(nil), c.DecisionIDs...)
	if c.ResolvedAt != nil {
		at := *c.ResolvedAt
		out.ResolvedAt = &at
	}
	return out
}
