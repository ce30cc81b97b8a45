package model

import "time"

const (
	SideBuy  = "buy"
	SideSell = "sell"

	ModePaper = "paper"
	ModeLive  = "live"
)

// Signal lifecycle at intake. A signal is written with StatusReceived before
// any downstream work happens; it moves to accepted or rejected exactly once
// and its payload fields are never touched again.
const (
	SignalStatusReceived = "received"
	SignalStatusAccepted = "accepted"
	SignalStatusRejected = "rejected"
)

// Signal is the durable record of one inbound webhook event.
type Signal struct {
	ID uint `gorm:"primaryKey" json:"id"`

	Ticker     string  `gorm:"size:20;not null;index" json:"ticker"`
	Side       string  `gorm:"size:10;not null" json:"side"`
	Mode       string  `gorm:"size:10;not null" json:"mode"`
	RiskAmount float64 `gorm:"not null" json:"risk_amount"`
	EntryPrice float64 `json:"entry_price"`
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit,omitempty"`
	Strategy   string  `gorm:"size:50;index" json:"strategy"`
	Timeframe  string  `gorm:"size:10" json:"timeframe"`

	// SignalTime is the event time reported by the upstream source,
	// distinct from CreatedAt which is our intake time.
	SignalTime time.Time `gorm:"column:signal_time" json:"signal_time"`

	// IdempotencyKey is indexed but not unique here; the atomic uniqueness
	// claim lives in dedup_keys so old keys can be evicted after the
	// retention window without touching the permanent signal history.
	IdempotencyKey string `gorm:"size:64;not null;index" json:"idempotency_key"`

	Status     string `gorm:"size:20;not null;default:received" json:"status"`
	ReasonCode string `gorm:"size:40" json:"reason_code,omitempty"`

	// RawPayload keeps the original webhook body for auditing and re-drives.
	RawPayload string `gorm:"type:text" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

func (Signal) TableName() string {
	return "signals"
}

// DedupKey is the atomic idempotency claim. The unique index on Key is the
// sole mechanism that serializes concurrent deliveries of the same signal;
// rows past ExpiresAt may be swept since upstream sources do not redeliver
// indefinitely.
type DedupKey struct {
	ID        uint      `gorm:"primaryKey"`
	Key       string    `gorm:"size:64;uniqueIndex;not null"`
	SignalID  uint      `gorm:"index"`
	ExpiresAt time.Time `gorm:"index;not null"`
	CreatedAt time.Time
}

func (DedupKey) TableName() string {
	return "dedup_keys"
}
