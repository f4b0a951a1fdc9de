package state

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/veloxpay/sentinel/internal/clock"
	"github.com/veloxpay/sentinel/internal/events"
)

// recentCap bounds the per-subject fingerprint ring buffer.
const recentCap = 64

// EventSummary is the compact record kept in the subject's ring buffer.
type EventSummary struct {
	EventID      string          `json:"event_id"`
	Kind         events.Kind     `json:"kind"`
	OccurredAt   time.Time       `json:"occurred_at"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency,omitempty"`
	Counterparty string          `json:"counterparty,omitempty"`
	Country      string          `json:"country,omitempty"`
	Device       string          `json:"device,omitempty"`
	Fingerprint  string          `json:"fingerprint"`
}

// GeoPoint records where and when a subject was last observed.
type GeoPoint struct {
	Country string    `json:"country"`
	At      time.Time `json:"at"`
}

// SubjectState is the mutable per-(tenant, subject) record. The engine
// serializes writers per subject; mu additionally guards against snapshot
// exports reading a subject mid-fold.
type SubjectState struct {
	mu sync.Mutex

	TenantID  string                        `json:"tenant_id"`
	SubjectID string                        `json:"subject_id"`
	Counters  map[events.Kind]*kindCounters `json:"counters"`
	Recent    []EventSummary                `json:"recent"`
	Profile   *Baseline                     `json:"profile"`
	// Devices maps fingerprint to first-seen time.
	Devices      map[string]time.Time `json:"devices"`
	DeviceTrust  float64              `json:"device_trust"`
	LastGeo      *GeoPoint            `json:"last_geo,omitempty"`
	LastOccurred time.Time            `json:"last_occurred"`
}

// Snapshot is the immutable view handed to detectors. It observes the event
// being processed (read-your-write for the current event only) while the
// prior-event fields describe the subject before it.
type Snapshot struct {
	TenantID  string
	SubjectID string
	Now       time.Time

	// Stats reflect all events including the current one.
	Stats map[events.Kind]map[Window]WindowStats

	// Recent is newest-first and includes the current event at index 0.
	Recent []EventSummary

	// Profile excludes the current event so anomaly scores compare the event
	// against history, not against itself.
	Profile Baseline

	// PrevGeo / PrevOccurred / NewDevice describe the subject before the
	// current event.
	PrevGeo      *GeoPoint
	PrevOccurred time.Time
	NewDevice    bool
	DeviceTrust  float64
}

// Store is the subject state store, partitioned by (tenant, subject).
type Store struct {
	mu       sync.RWMutex
	logger   *zap.Logger
	clock    clock.Clock
	windows  map[Window]time.Duration
	halfLife time.Duration
	tenants  map[string]map[string]*SubjectState
}

// NewStore creates a store with the given window durations and baseline
// decay half-life.
func NewStore(logger *zap.Logger, clk clock.Clock, windows map[Window]time.Duration, halfLife time.Duration) *Store {
	if windows == nil {
		windows = DefaultWindows()
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Store{
		logger:   logger,
		clock:    clk,
		windows:  windows,
		halfLife: halfLife,
		tenants:  make(map[string]map[string]*SubjectState),
	}
}

func (s *Store) subject(tenantID, subjectID string) *SubjectState {
	s.mu.Lock()
	defer s.mu.Unlock()
	byTenant, ok := s.tenants[tenantID]
	if !ok {
		byTenant = make(map[string]*SubjectState)
		s.tenants[tenantID] = byTenant
	}
	st, ok := byTenant[subjectID]
	if !ok {
		st = &SubjectState{
			TenantID:  tenantID,
			SubjectID: subjectID,
			Counters:  make(map[events.Kind]*kindCounters),
			Profile:   NewBaseline(s.halfLife),
			Devices:   make(map[string]time.Time),
		}
		byTenant[subjectID] = st
	}
	return st
}

// Apply atomically folds the event into the subject's state and returns a
// snapshot that observes it. The engine guarantees one Apply at a time per
// subject; different subjects run in parallel.
func (s *Store) Apply(ev *events.Event) *Snapshot {
	st := s.subject(ev.TenantID, ev.SubjectID)
	now := s.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()

	// Capture prior-event facts before folding.
	prevGeo := st.LastGeo
	prevOccurred := st.LastOccurred
	device := ev.Device()
	newDevice := false
	if device != "" {
		if _, seen := st.Devices[device]; !seen {
			newDevice = true
		}
	}
	profileBefore := copyBaseline(st.Profile)

	// Fold counters.
	kc, ok := st.Counters[ev.Kind]
	if !ok {
		kc = newKindCounters(s.windows)
		st.Counters[ev.Kind] = kc
	}
	amount := ev.Amount()
	kc.add(ev.OccurredAt, amount)

	// Ring buffer, newest last.
	st.Recent = append(st.Recent, summarize(ev))
	if len(st.Recent) > recentCap {
		st.Recent = st.Recent[len(st.Recent)-recentCap:]
	}

	// Baseline and geo/device bookkeeping.
	amt, _ := amount.Float64()
	st.Profile.Observe(ev.OccurredAt, amt, ev.Country())
	if c := ev.Country(); c != "" {
		if st.LastGeo == nil || !ev.OccurredAt.Before(st.LastGeo.At) {
			st.LastGeo = &GeoPoint{Country: c, At: ev.OccurredAt}
		}
	}
	if device != "" && newDevice {
		st.Devices[device] = ev.OccurredAt
	}
	if ev.OccurredAt.After(st.LastOccurred) {
		st.LastOccurred = ev.OccurredAt
	}

	return s.snapshotLocked(st, now, prevGeo, prevOccurred, newDevice, profileBefore)
}

// Peek returns a read-only snapshot without folding an event. Eviction still
// happens, so a long-idle subject reports zero counts.
func (s *Store) Peek(tenantID, subjectID string) *Snapshot {
	st := s.subject(tenantID, subjectID)
	now := s.clock.Now()
	st.mu.Lock()
	defer st.mu.Unlock()
	return s.snapshotLocked(st, now, st.LastGeo, st.LastOccurred, false, copyBaseline(st.Profile))
}

// LastOccurred returns the occurred_at of the subject's last folded event.
func (s *Store) LastOccurred(tenantID, subjectID string) time.Time {
	st := s.subject(tenantID, subjectID)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.LastOccurred
}

// SetDeviceTrust records the trust score of the subject's latest device, as
// reported by the reputation screen.
func (s *Store) SetDeviceTrust(tenantID, subjectID string, trust float64) {
	st := s.subject(tenantID, subjectID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.DeviceTrust = trust
}

func (s *Store) snapshotLocked(st *SubjectState, now time.Time, prevGeo *GeoPoint, prevOccurred time.Time, newDevice bool, profile Baseline) *Snapshot {
	stats := make(map[events.Kind]map[Window]WindowStats, len(st.Counters))
	for kind, kc := range st.Counters {
		stats[kind] = kc.stats(now)
	}
	recent := make([]EventSummary, len(st.Recent))
	for i, e := range st.Recent {
		recent[len(st.Recent)-1-i] = e
	}
	return &Snapshot{
		TenantID:     st.TenantID,
		SubjectID:    st.SubjectID,
		Now:          now,
		Stats:        stats,
		Recent:       recent,
		Profile:      profile,
		PrevGeo:      prevGeo,
		PrevOccurred: prevOccurred,
		NewDevice:    newDevice,
		DeviceTrust:  st.DeviceTrust,
	}
}

func summarize(ev *events.Event) EventSummary {
	sum := EventSummary{
		EventID:     ev.EventID,
		Kind:        ev.Kind,
		OccurredAt:  ev.OccurredAt,
		Amount:      ev.Amount(),
		Country:     ev.Country(),
		Device:      ev.Device(),
		Fingerprint: ev.Fingerprint(),
	}
	if ev.Transaction != nil {
		sum.Currency = ev.Transaction.Currency
		sum.Counterparty = ev.Transaction.CounterpartyID
	}
	return sum
}

func copyBaseline(b *Baseline) Baseline {
	out := *b
	out.Geos = make(map[string]float64, len(b.Geos))
	for k, v := range b.Geos {
		out.Geos[k] = v
	}
	return out
}

// ExportTenant serializes all subject states of a tenant for snapshotting.
// Each subject is marshaled under its own lock so an export concurrent with
// Apply sees either the state before a fold or after it, never mid-fold.
func (s *Store) ExportTenant(tenantID string) ([]byte, error) {
	s.mu.RLock()
	subjects := make(map[string]*SubjectState, len(s.tenants[tenantID]))
	for id, st := range s.tenants[tenantID] {
		subjects[id] = st
	}
	s.mu.RUnlock()

	out := make(map[string]json.RawMessage, len(subjects))
	for id, st := range subjects {
		st.mu.Lock()
		raw, err := json.Marshal(st)
		st.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("export tenant %s: %w", tenantID, err)
		}
		out[id] = raw
	}
	data, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("export tenant %s: %w", tenantID, err)
	}
	return data, nil
}

// ImportTenant replaces a tenant's subject states from a snapshot blob.
func (s *Store) ImportTenant(tenantID string, data []byte) error {
	byTenant := make(map[string]*SubjectState)
	if err := json.Unmarshal(data, &byTenant); err != nil {
		return fmt.Errorf("import tenant %s: %w", tenantID, err)
	}
	for _, st := range byTenant {
		if st.Profile == nil {
			st.Profile = NewBaseline(s.halfLife)
		}
		if st.Profile.Geos == nil {
			st.Profile.Geos = make(map[string]float64)
		}
		if st.Devices == nil {
			st.Devices = make(map[string]time.Time)
		}
		if st.Counters == nil {
			st.Counters = make(map[events.Kind]*kindCounters)
		}
	}
	s.mu.Lock()
	s.tenants[tenantID] = byTenant
	s.mu.Unlock()
	return nil
}

// DropTenant discards a tenant's in-memory state (used before replay).
func (s *Store) DropTenant(tenantID string) {
	s.mu.Lock()
	delete(s.tenants, tenantID)
	s.mu.Unlock()
}
