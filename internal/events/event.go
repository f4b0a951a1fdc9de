// Package events defines the inbound event model and the intake stage that
// validates, deduplicates, and orders events per subject.
package events

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/veloxpay/sentinel/common/errors"
)

// Kind is the event type. The payload shape is fixed per kind.
type Kind string

const (
	KindTransaction Kind = "TRANSACTION"
	KindKYCSubmit   Kind = "KYC_SUBMIT"
	KindLogin       Kind = "LOGIN"
	KindAPICall     Kind = "API_CALL"
)

// TransactionPayload carries the financial details of a TRANSACTION event.
type TransactionPayload struct {
	Amount              decimal.Decimal `json:"amount"`
	Currency            string          `json:"currency"`
	CounterpartyID      string          `json:"counterparty_id,omitempty"` // identity hash
	CounterpartyName    string          `json:"counterparty_name,omitempty"`
	CounterpartyCountry string          `json:"counterparty_country,omitempty"`
	Country             string          `json:"country,omitempty"`
	DeviceFingerprint   string          `json:"device_fingerprint,omitempty"`
	IPAddress           string          `json:"ip_address,omitempty"`
	// FraudProbability is a pre-trained model score in [0,1], when available.
	FraudProbability *float64 `json:"fraud_probability,omitempty"`
}

// KYCSubmitPayload carries a KYC document submission.
type KYCSubmitPayload struct {
	DocumentType      string `json:"document_type"`
	Country           string `json:"country,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
}

// LoginPayload carries an authentication event.
type LoginPayload struct {
	Success           bool   `json:"success"`
	Country           string `json:"country,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
}

// APICallPayload carries a programmatic access event.
type APICallPayload struct {
	Endpoint          string `json:"endpoint"`
	Country           string `json:"country,omitempty"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	IPAddress         string `json:"ip_address,omitempty"`
}

// Event is an immutable inbound record. Exactly one payload field is set,
// matching Kind. (tenant_id, event_id) is globally unique.
type Event struct {
	EventID     string    `json:"event_id"`
	TenantID    string    `json:"tenant_id"`
	SubjectID   string    `json:"subject_id"`
	Kind        Kind      `json:"kind"`
	OccurredAt  time.Time `json:"occurred_at"`
	ReceivedAt  time.Time `json:"received_at"`
	CausationID string    `json:"causation_id,omitempty"`

	Transaction *TransactionPayload `json:"transaction,omitempty"`
	KYCSubmit   *KYCSubmitPayload   `json:"kyc_submit,omitempty"`
	Login       *LoginPayload       `json:"login,omitempty"`
	APICall     *APICallPayload     `json:"api_call,omitempty"`
}

// Validate checks the event against the schema contract.
func (e *Event) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New(errors.CodeInvalidEvent, "event_id is required")
	case e.TenantID == "":
		return errors.New(errors.CodeInvalidEvent, "tenant_id is required")
	case e.SubjectID == "":
		return errors.New(errors.CodeInvalidEvent, "subject_id is required")
	case e.OccurredAt.IsZero():
		return errors.New(errors.CodeInvalidEvent, "occurred_at is required")
	}

	set := 0
	for _, p := range []bool{e.Transaction != nil, e.KYCSubmit != nil, e.Login != nil, e.APICall != nil} {
		if p {
			set++
		}
	}
	if set != 1 {
		return errors.Newf(errors.CodeInvalidEvent, "exactly one payload must be set, got %d", set)
	}

	switch e.Kind {
	case KindTransaction:
		if e.Transaction == nil {
			return errors.New(errors.CodeInvalidEvent, "TRANSACTION event requires transaction payload")
		}
		if e.Transaction.Amount.IsNegative() {
			return errors.New(errors.CodeInvalidEvent, "transaction amount must be non-negative")
		}
		if e.Transaction.Currency == "" {
			return errors.New(errors.CodeInvalidEvent, "transaction currency is required")
		}
		if p := e.Transaction.FraudProbability; p != nil && (*p < 0 || *p > 1) {
			return errors.New(errors.CodeInvalidEvent, "fraud_probability must be in [0,1]")
		}
	case KindKYCSubmit:
		if e.KYCSubmit == nil {
			return errors.New(errors.CodeInvalidEvent, "KYC_SUBMIT event requires kyc_submit payload")
		}
	case KindLogin:
		if e.Login == nil {
			return errors.New(errors.CodeInvalidEvent, "LOGIN event requires login payload")
		}
	case KindAPICall:
		if e.APICall == nil {
			return errors.New(errors.CodeInvalidEvent, "API_CALL event requires api_call payload")
		}
	default:
		return errors.Newf(errors.CodeInvalidEvent, "unknown event kind %q", e.Kind)
	}
	return nil
}

// Amount returns the monetary amount of the event, zero for non-transactions.
func (e *Event) Amount() decimal.Decimal {
	if e.Transaction != nil {
		return e.Transaction.Amount
	}
	return decimal.Zero
}

// Country returns the geo attached to the event payload, if any.
func (e *Event) Country() string {
	switch {
	case e.Transaction != nil:
		return e.Transaction.Country
	case e.KYCSubmit != nil:
		return e.KYCSubmit.Country
	case e.Login != nil:
		return e.Login.Country
	case e.APICall != nil:
		return e.APICall.Country
	}
	return ""
}

// Device returns the device fingerprint attached to the event payload.
func (e *Event) Device() string {
	switch {
	case e.Transaction != nil:
		return e.Transaction.DeviceFingerprint
	case e.KYCSubmit != nil:
		return e.KYCSubmit.DeviceFingerprint
	case e.Login != nil:
		return e.Login.DeviceFingerprint
	case e.APICall != nil:
		return e.APICall.DeviceFingerprint
	}
	return ""
}

// FraudProbability returns the external model score, if the payload carries one.
func (e *Event) FraudProbability() *float64 {
	if e.Transaction != nil {
		return e.Transaction.FraudProbability
	}
	return nil
}

// Fingerprint is a compact digest of the event used in the subject's
// recent-event ring buffer.
func (e *Event) Fingerprint() string {
	h := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s|%s|%d", e.TenantID, e.EventID, e.Kind, e.Amount().String(), e.OccurredAt.UnixNano())))
	return hex.EncodeToString(h[:16])
}

// Canonical returns the canonical JSON serialization used for audit records
// and replay.
func (e *Event) Canonical() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses a canonical serialization back into an Event.
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	return &e, nil
}
