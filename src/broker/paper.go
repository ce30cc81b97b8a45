package broker

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type paperPosition struct {
	Qty     float64
	AvgCost float64
}

type paperOrder struct {
	req       OrderRequest
	status    string
	filledQty float64
	fillPrice float64
	polls     int
}

// PaperBroker simulates a brokerage backend in process. Orders are accepted
// immediately and fill only when GetOrderStatus is polled, mirroring how the
// live backend reports fills asynchronously: the reconciliation worker is
// the only thing that moves a paper order forward.
type PaperBroker struct {
	mu           sync.Mutex
	cash         float64
	positions    map[string]paperPosition
	orders       map[string]*paperOrder
	markPrices   map[string]float64
	fillAfter    int
	partialFills bool
	slippage     float64
}

// PaperOption tweaks fill behavior, mostly for tests.
type PaperOption func(*PaperBroker)

// WithFillAfterPolls delays fills until the order has been polled n times.
func WithFillAfterPolls(n int) PaperOption {
	return func(b *PaperBroker) { b.fillAfter = n }
}

// WithPartialFills makes the first eligible poll report half the quantity.
func WithPartialFills() PaperOption {
	return func(b *PaperBroker) { b.partialFills = true }
}

// WithSlippageBps applies a fixed adverse slippage to fill prices.
func WithSlippageBps(bps float64) PaperOption {
	return func(b *PaperBroker) { b.slippage = bps / 10000 }
}

func NewPaperBroker(startingCash float64, opts ...PaperOption) *PaperBroker {
	b := &PaperBroker{
		cash:       startingCash,
		positions:  make(map[string]paperPosition),
		orders:     make(map[string]*paperOrder),
		markPrices: make(map[string]float64),
		fillAfter:  1,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetMarkPrice sets the reference price used to fill market orders.
func (b *PaperBroker) SetMarkPrice(ticker string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.markPrices[ticker] = price
}

func (b *PaperBroker) SubmitOrder(_ context.Context, req OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if req.Qty <= 0 {
		return "", Rejectedf("quantity must be positive, got %d", req.Qty)
	}

	refPrice := 0.0
	if req.LimitPrice != nil {
		refPrice = *req.LimitPrice
	} else if mark, ok := b.markPrices[req.Ticker]; ok {
		refPrice = mark
	}
	if refPrice <= 0 {
		return "", Rejectedf("no reference price for %s market order", req.Ticker)
	}

	notional := float64(req.Qty) * refPrice
	if req.Side == "buy" && notional > b.cash {
		return "", &Error{Kind: KindRejected, Code: 40310000, Msg: rejectionMsg(40310000, "")}
	}

	fillPrice := refPrice
	if b.slippage > 0 {
		if req.Side == "buy" {
			fillPrice = refPrice * (1 + b.slippage)
		} else {
			fillPrice = refPrice * (1 - b.slippage)
		}
	}

	id := uuid.NewString()
	b.orders[id] = &paperOrder{
		req:       req,
		status:    StatusAccepted,
		fillPrice: fillPrice,
	}
	return id, nil
}

func (b *PaperBroker) CancelOrder(_ context.Context, brokerOrderID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return &Error{Kind: KindUnknown, Msg: "unknown order id"}
	}
	switch order.status {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return Rejectedf("order already %s", order.status)
	}
	order.status = StatusCancelled
	return nil
}

// GetOrderStatus advances the simulated order one step per poll: accepted,
// optionally partially filled, then filled at the reference price.
func (b *PaperBroker) GetOrderStatus(_ context.Context, brokerOrderID string) (*OrderStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, &Error{Kind: KindUnknown, Msg: "unknown order id"}
	}

	if order.status == StatusAccepted || order.status == StatusPartiallyFilled {
		order.polls++
		if order.polls >= b.fillAfter {
			b.advance(order)
		}
	}

	return &OrderStatus{
		Status:       order.status,
		FilledQty:    order.filledQty,
		AvgFillPrice: order.fillPrice,
	}, nil
}

func (b *PaperBroker) advance(order *paperOrder) {
	total := float64(order.req.Qty)

	if b.partialFills && order.status == StatusAccepted {
		half := math.Floor(total / 2)
		if half >= 1 && half < total {
			order.status = StatusPartiallyFilled
			order.filledQty = half
			b.settle(order.req, half, order.fillPrice)
			return
		}
	}

	remaining := total - order.filledQty
	order.status = StatusFilled
	order.filledQty = total
	b.settle(order.req, remaining, order.fillPrice)
}

func (b *PaperBroker) settle(req OrderRequest, qty, price float64) {
	notional := qty * price
	pos := b.positions[req.Ticker]

	if req.Side == "buy" {
		newQty := pos.Qty + qty
		newAvg := price
		if newQty > 0 {
			newAvg = (pos.AvgCost*pos.Qty + notional) / newQty
		}
		b.cash -= notional
		b.positions[req.Ticker] = paperPosition{Qty: newQty, AvgCost: newAvg}
		return
	}

	b.cash += notional
	newQty := pos.Qty - qty
	if newQty <= 0 {
		delete(b.positions, req.Ticker)
	} else {
		b.positions[req.Ticker] = paperPosition{Qty: newQty, AvgCost: pos.AvgCost}
	}
}

// GetAccount reports cash plus positions at cost. The simulator carries no
// market data, so unrealized moves are not marked.
func (b *PaperBroker) GetAccount(_ context.Context) (*Account, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	equity := b.cash
	for _, pos := range b.positions {
		equity += pos.Qty * pos.AvgCost
	}

	return &Account{
		Equity:      decimal.NewFromFloat(equity),
		BuyingPower: decimal.NewFromFloat(b.cash),
	}, nil
}
