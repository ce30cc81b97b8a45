package model

import "time"

// Reason codes recorded on ledger entries. Every non-accept outcome carries
// one of these.
const (
	ReasonAccepted         = "accepted"
	ReasonValidationError  = "validation_error"
	ReasonDuplicateSignal  = "duplicate_signal"
	ReasonRiskSizingError  = "risk_sizing_error"
	ReasonConflictError    = "conflict_error"
	ReasonBrokerTransient  = "broker_transient"
	ReasonBrokerRejected   = "broker_rejected"
	ReasonSystemError      = "system_error"
	ReasonSubmitted        = "submitted"
	ReasonFillReport       = "fill_report"
	ReasonTTLExpired       = "ttl_expired"
	ReasonRetriesExhausted = "retries_exhausted"
)

// LedgerEntry records one state transition of a signal or order. Entries are
// append-only; nothing in the codebase updates or deletes them, and they are
// the source of truth for reconstructing state after a restart.
type LedgerEntry struct {
	ID uint `gorm:"primaryKey" json:"id"`

	SignalID uint  `gorm:"index;not null" json:"signal_id"`
	OrderID  *uint `gorm:"index" json:"order_id,omitempty"`

	FromState  string `gorm:"size:20" json:"from_state"`
	ToState    string `gorm:"size:20;not null" json:"to_state"`
	ReasonCode string `gorm:"size:40;not null" json:"reason_code"`
	Detail     string `gorm:"size:255" json:"detail,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}
