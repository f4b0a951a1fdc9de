// Package models holds the shared value types of the compliance engine:
// signals, decisions, screening results, and case states. All types here are
// immutable values; mutation happens in the owning services.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity grades a detector signal.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// RiskLevel is the composite risk band of a decision.
type RiskLevel string

const (
	RiskLevelLow      RiskLevel = "LOW"
	RiskLevelMedium   RiskLevel = "MEDIUM"
	RiskLevelHigh     RiskLevel = "HIGH"
	RiskLevelCritical RiskLevel = "CRITICAL"
)

// Action is the engine's verdict on one event.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionFlag  Action = "FLAG"
	ActionBlock Action = "BLOCK"
)

// Category groups detectors for score weighting.
type Category string

const (
	CategoryAML        Category = "aml"
	CategoryFraud      Category = "fraud"
	CategoryPattern    Category = "pattern"
	CategoryVelocity   Category = "velocity"
	CategoryGeographic Category = "geographic"
)

// Detector identifiers. The set is fixed; per-tenant config enables subsets.
const (
	DetectorStructuring   = "STRUCTURING"
	DetectorVelocity      = "VELOCITY"
	DetectorGeographic    = "GEOGRAPHIC_RISK"
	DetectorTimeAnomaly   = "TIME_ANOMALY"
	DetectorAmountPattern = "AMOUNT_PATTERN"
	DetectorDevice        = "DEVICE_REPUTATION"
	DetectorCounterparty  = "COUNTERPARTY_SCREENING"
	DetectorMLFraud       = "ML_FRAUD_SCORE"
	DetectorScreeningGap  = "SCREENING_UNAVAILABLE"
)

// Signal is a detector's scored opinion about one event.
type Signal struct {
	DetectorID  string                 `json:"detector_id"`
	Category    Category               `json:"category"`
	Severity    Severity               `json:"severity"`
	Score       float64                `json:"score"`      // [0,1]
	Confidence  float64                `json:"confidence"` // [0,1]
	Description string                 `json:"description"`
	Evidence    map[string]interface{} `json:"evidence,omitempty"`
}

// Decision is the engine's composite verdict on one event. Decisions are
// immutable; a revision creates a new record referencing the prior.
type Decision struct {
	DecisionID     uuid.UUID  `json:"decision_id"`
	SupersedesID   *uuid.UUID `json:"supersedes_id,omitempty"`
	TenantID       string     `json:"tenant_id"`
	SubjectID      string     `json:"subject_id"`
	EventID        string     `json:"event_id"`
	CompositeScore float64    `json:"composite_score"` // [0,100]
	RiskLevel      RiskLevel  `json:"risk_level"`
	Action         Action     `json:"action"`
	SARRequired    bool       `json:"sar_required"`
	PartialSignals bool       `json:"partial_signals,omitempty"`
	DeferredReview bool       `json:"deferred_review,omitempty"`
	// ContributingSignals is ordered by score, highest first.
	ContributingSignals []Signal  `json:"contributing_signals"`
	DecidedAt           time.Time `json:"decided_at"`
}

// ScreeningStatus is the aggregated verdict of a list screen.
type ScreeningStatus string

const (
	ScreeningClear          ScreeningStatus = "CLEAR"
	ScreeningPotentialMatch ScreeningStatus = "POTENTIAL_MATCH"
	ScreeningConfirmedMatch ScreeningStatus = "CONFIRMED_MATCH"
	ScreeningUnavailable    ScreeningStatus = "UNAVAILABLE"
)

// ListKind names a screening list class.
type ListKind string

const (
	ListSanctions    ListKind = "sanctions"
	ListPEP          ListKind = "pep"
	ListAdverseMedia ListKind = "adverse_media"
	ListDeviceIP     ListKind = "device_ip"
)

// MatchedEntity is one candidate match returned by a provider.
type MatchedEntity struct {
	EntryID    string  `json:"entry_id"`
	Name       string  `json:"name"`
	MatchScore float64 `json:"match_score"`
	Program    string  `json:"program,omitempty"`
}

// ScreeningResult is the cached outcome of screening one identity against
// one list. A result past its TTL must not be used.
type ScreeningResult struct {
	IdentityHash string          `json:"identity_hash"`
	Provider     string          `json:"provider"`
	List         ListKind        `json:"list"`
	Status       ScreeningStatus `json:"status"`
	Matches      []MatchedEntity `json:"matches,omitempty"`
	CheckedAt    time.Time       `json:"checked_at"`
	TTL          time.Duration   `json:"ttl"`
	StaleOK      bool            `json:"stale_ok,omitempty"`
}

// Expired reports whether the result is past its TTL at the given instant.
func (r *ScreeningResult) Expired(now time.Time) bool {
	return now.Sub(r.CheckedAt) > r.TTL
}

// CaseState is the lifecycle state of a review case.
type CaseState string

const (
	CaseOpen             CaseState = "OPEN"
	CaseInReview         CaseState = "IN_REVIEW"
	CaseEscalated        CaseState = "ESCALATED"
	CaseResolvedApproved CaseState = "RESOLVED_APPROVED"
	CaseResolvedBlocked  CaseState = "RESOLVED_BLOCKED"
	CaseSARFiled         CaseState = "SAR_FILED"
)

// Terminal reports whether the state admits no further transitions.
func (s CaseState) Terminal() bool {
	switch s {
	case CaseResolvedApproved, CaseResolvedBlocked, CaseSARFiled:
		return true
	}
	return false
}

// Priority orders cases in the review queue.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityMedium Priority = "MEDIUM"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

// Case aggregates one or more decisions about one subject for review.
type Case struct {
	CaseID         uuid.UUID   `json:"case_id"`
	TenantID       string      `json:"tenant_id"`
	SubjectID      string      `json:"subject_id"`
	TriggerEventID string      `json:"trigger_event_id"`
	State          CaseState   `json:"state"`
	Priority       Priority    `json:"priority"`
	DecisionIDs    []uuid.UUID `json:"decision_ids"`
	AssignedTo     string      `json:"assigned_to,omitempty"`
	SARRequired    bool        `json:"sar_required"`
	Notes          string      `json:"notes,omitempty"`
	AuditSeq       uint64      `json:"audit_seq"`
	OpenedAt       time.Time   `json:"opened_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
}
