package model

import "time"

// Order intent lifecycle. Transitions only move forward; terminal states
// absorb every later report.
const (
	OrderStatusNew             = "new"
	OrderStatusSubmitted       = "submitted"
	OrderStatusPartiallyFilled = "partially_filled"
	OrderStatusFilled          = "filled"
	OrderStatusCancelled       = "cancelled"
	OrderStatusRejected        = "rejected"
	OrderStatusExpired         = "expired"
	OrderStatusError           = "error"
)

const (
	OrderTypeMarket = "market"
	OrderTypeLimit  = "limit"
)

var allowedTransitions = map[string][]string{
	OrderStatusNew: {
		OrderStatusSubmitted,
		OrderStatusRejected,
		OrderStatusError,
	},
	OrderStatusSubmitted: {
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusRejected,
		OrderStatusExpired,
		OrderStatusError,
	},
	OrderStatusPartiallyFilled: {
		// repeated partial fill reports carry increasing quantity
		OrderStatusPartiallyFilled,
		OrderStatusFilled,
		OrderStatusCancelled,
		OrderStatusExpired,
		OrderStatusError,
	},
}

// IsTerminalOrderStatus reports whether no further transition may leave s.
func IsTerminalOrderStatus(s string) bool {
	switch s {
	case OrderStatusFilled, OrderStatusCancelled, OrderStatusRejected,
		OrderStatusExpired, OrderStatusError:
		return true
	}
	return false
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to string) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// OrderIntent is the sized decision derived from an accepted signal plus the
// broker-side projection of the resulting order. Exactly one row exists per
// accepted signal.
type OrderIntent struct {
	ID       uint `gorm:"primaryKey" json:"id"`
	SignalID uint `gorm:"uniqueIndex;not null" json:"signal_id"`

	Ticker   string `gorm:"size:20;not null;index" json:"ticker"`
	Strategy string `gorm:"size:50;index" json:"strategy"`
	Mode     string `gorm:"size:10;not null" json:"mode"`

	Side      string `gorm:"size:10;not null" json:"side"`
	OrderType string `gorm:"size:20;not null" json:"order_type"`
	Quantity  int64  `gorm:"not null" json:"quantity"`

	LimitPrice      *float64 `json:"limit_price,omitempty"`
	StopLossPrice   *float64 `json:"stop_loss_price,omitempty"`
	TakeProfitPrice *float64 `json:"take_profit_price,omitempty"`

	Status string `gorm:"size:20;not null;default:new;index" json:"status"`

	// ClientOrderID is ours, generated at creation and sent to the broker so
	// a crashed submit can still be identified on their side.
	ClientOrderID string `gorm:"size:40;index" json:"client_order_id"`
	BrokerOrderID string `gorm:"size:64;index" json:"broker_order_id,omitempty"`

	FilledQty    float64  `json:"filled_qty"`
	AvgFillPrice *float64 `json:"avg_fill_price,omitempty"`

	Attempts    int        `json:"attempts"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func (OrderIntent) TableName() string {
	return "orders"
}

// PositionReservation is the cross-instance conflict guard: the composite
// unique index means at most one non-terminal order can hold a
// (ticker, strategy, mode) slot at any time. The row is inserted before the
// broker submit call and deleted in the same transaction that moves the
// order to a terminal state.
type PositionReservation struct {
	ID       uint   `gorm:"primaryKey"`
	Ticker   string `gorm:"size:20;not null;uniqueIndex:idx_active_position"`
	Strategy string `gorm:"size:50;not null;uniqueIndex:idx_active_position"`
	Mode     string `gorm:"size:10;not null;uniqueIndex:idx_active_position"`
	OrderID  uint   `gorm:"index"`

	CreatedAt time.Time
}

func (PositionReservation) TableName() string {
	return "position_reservations"
}
