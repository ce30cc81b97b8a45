package broker

import (
	"context"

	"github.com/shopspring/decimal"
)

// Broker status vocabulary, normalized from backend-specific names before it
// reaches the execution engine.
const (
	StatusAccepted        = "accepted"
	StatusPartiallyFilled = "partially_filled"
	StatusFilled          = "filled"
	StatusCancelled       = "cancelled"
	StatusRejected        = "rejected"
	StatusExpired         = "expired"
)

// OrderRequest is what the engine submits. ClientOrderID is generated by us
// so a crashed submission can still be identified broker-side.
type OrderRequest struct {
	Ticker        string
	Side          string
	Qty           int64
	OrderType     string
	LimitPrice    *float64
	StopLoss      *float64
	TakeProfit    *float64
	ClientOrderID string
}

// OrderStatus is the broker's view of an order, polled by the
// reconciliation worker.
type OrderStatus struct {
	Status       string
	FilledQty    float64
	AvgFillPrice float64
}

// Account holds the balances the sizer needs.
type Account struct {
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
}

// Broker is the fixed capability set over a brokerage backend. The paper and
// live variants are chosen at construction time via Provider, never by
// inspecting the mode at runtime.
type Broker interface {
	SubmitOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, brokerOrderID string) error
	GetOrderStatus(ctx context.Context, brokerOrderID string) (*OrderStatus, error)
	GetAccount(ctx context.Context) (*Account, error)
}
