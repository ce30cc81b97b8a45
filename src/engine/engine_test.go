package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"signalexecutor/src/alert"
	"signalexecutor/src/broker"
	"signalexecutor/src/model"
	"signalexecutor/src/repository"
	"signalexecutor/src/risk"
)

type stubBroker struct {
	mu          sync.Mutex
	account     *broker.Account
	accountErr  error
	submitErrs  []error
	submitCalls int
	cancelErr   error
	cancelCalls int
	status      *broker.OrderStatus
	statusErr   error
}

func (s *stubBroker) SubmitOrder(_ context.Context, _ broker.OrderRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	call := s.submitCalls
	s.submitCalls++
	if call < len(s.submitErrs) && s.submitErrs[call] != nil {
		return "", s.submitErrs[call]
	}
	return fmt.Sprintf("broker-%d", call+1), nil
}

func (s *stubBroker) CancelOrder(_ context.Context, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelCalls++
	return s.cancelErr
}

func (s *stubBroker) GetOrderStatus(_ context.Context, _ string) (*broker.OrderStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusErr != nil {
		return nil, s.statusErr
	}
	return s.status, nil
}

func (s *stubBroker) GetAccount(_ context.Context) (*broker.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.accountErr != nil {
		return nil, s.accountErr
	}
	if s.account != nil {
		return s.account, nil
	}
	return &broker.Account{
		Equity:      decimal.NewFromInt(100000),
		BuyingPower: decimal.NewFromInt(100000),
	}, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	events []alert.Event
}

func (n *captureNotifier) Alert(_ context.Context, event alert.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, event)
}

func (n *captureNotifier) byCode(code string) []alert.Event {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []alert.Event
	for _, e := range n.events {
		if e.Code == code {
			out = append(out, e)
		}
	}
	return out
}

type testHarness struct {
	db       *gorm.DB
	engine   *Engine
	broker   *stubBroker
	signals  *repository.SignalRepository
	orders   *repository.OrderRepository
	notifier *captureNotifier
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&model.Signal{},
		&model.DedupKey{},
		&model.OrderIntent{},
		&model.PositionReservation{},
		&model.LedgerEntry{},
	))

	stub := &stubBroker{}
	notifier := &captureNotifier{}
	signals := (&repository.SignalRepository{}).WithDB(db)
	orders := (&repository.OrderRepository{}).WithDB(db)

	cfg := Config{
		SubmitMaxAttempts: 3,
		SubmitBaseDelay:   time.Millisecond,
		SubmitMaxDelay:    2 * time.Millisecond,
		SubmitTimeout:     time.Second,
		OrderTTL:          2 * time.Minute,
		DefaultOrderType:  model.OrderTypeLimit,
	}

	sizer := risk.NewSizer(risk.Config{
		MaxExposureFraction:    0.25,
		LotSize:                1,
		MaxConcurrentPositions: 10,
	})

	eng := New(cfg, broker.StaticProvider(map[string]broker.Broker{
		model.ModePaper: stub,
	}), signals, orders, sizer, notifier)
	eng.sleep = func(context.Context, time.Duration) error { return nil }

	return &testHarness{
		db:       db,
		engine:   eng,
		broker:   stub,
		signals:  signals,
		orders:   orders,
		notifier: notifier,
	}
}

func (h *testHarness) storedSignal(t *testing.T, key string) *model.Signal {
	t.Helper()
	signal := &model.Signal{
		Ticker:         "AAPL",
		Side:           model.SideBuy,
		Mode:           model.ModePaper,
		RiskAmount:     100,
		EntryPrice:     150,
		StopLoss:       148,
		TakeProfit:     155,
		Strategy:       "breakout",
		Timeframe:      "5m",
		IdempotencyKey: key,
		Status:         model.SignalStatusReceived,
	}
	_, _, err := h.signals.CreateWithDedup(context.Background(), signal, 24*time.Hour)
	require.NoError(t, err)
	return signal
}

func TestProcessSignalAccepts(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	signal := h.storedSignal(t, "key-1")

	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)
	require.NotNil(t, intent)

	assert.Equal(t, int64(50), intent.Quantity)
	assert.Equal(t, model.OrderStatusNew, intent.Status)
	assert.NotEmpty(t, intent.ClientOrderID)
	require.NotNil(t, intent.LimitPrice)
	assert.Equal(t, 150.0, *intent.LimitPrice)
	require.NotNil(t, intent.StopLossPrice)
	require.NotNil(t, intent.TakeProfitPrice)

	stored, err := h.signals.FindByID(ctx, signal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignalStatusAccepted, stored.Status)

	// the conflict slot is held
	_, err = h.orders.Reserve(ctx, "AAPL", "breakout", model.ModePaper)
	assert.ErrorIs(t, err, repository.ErrConflict)
}

func TestProcessSignalRejectsOnSizing(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	signal := h.storedSignal(t, "key-1")
	signal.StopLoss = signal.EntryPrice // zero risk per unit

	_, err := h.engine.ProcessSignal(ctx, signal)
	require.Error(t, err)
	assert.Equal(t, model.ReasonRiskSizingError, ReasonCode(err))

	stored, err := h.signals.FindByID(ctx, signal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignalStatusRejected, stored.Status)
	assert.Equal(t, model.ReasonRiskSizingError, stored.ReasonCode)
}

func TestProcessSignalRejectsOnConflict(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()

	first := h.storedSignal(t, "key-1")
	_, err := h.engine.ProcessSignal(ctx, first)
	require.NoError(t, err)

	second := h.storedSignal(t, "key-2")
	_, err = h.engine.ProcessSignal(ctx, second)
	require.Error(t, err)
	assert.Equal(t, model.ReasonConflictError, ReasonCode(err))

	stored, err := h.signals.FindByID(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignalStatusRejected, stored.Status)
}

func TestProcessSignalSystemErrorKeepsSignalReceived(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.broker.accountErr = broker.Transientf("account endpoint down")
	signal := h.storedSignal(t, "key-1")

	_, err := h.engine.ProcessSignal(ctx, signal)
	require.Error(t, err)
	assert.Equal(t, model.ReasonSystemError, ReasonCode(err))

	// recoverable: the signal was not terminated
	stored, err := h.signals.FindByID(ctx, signal.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SignalStatusReceived, stored.Status)

	events := h.notifier.byCode(model.ReasonSystemError)
	require.Len(t, events, 1)
	assert.Equal(t, alert.SeverityCritical, events[0].Severity)
}

func TestSubmitSucceeds(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	signal := h.storedSignal(t, "key-1")

	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)

	require.NoError(t, h.engine.Submit(ctx, intent))

	order, err := h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, order.Status)
	assert.Equal(t, "broker-1", order.BrokerOrderID)
	assert.Equal(t, 1, order.Attempts)
	require.NotNil(t, order.SubmittedAt)
}

func TestSubmitRetriesTransientFailures(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.broker.submitErrs = []error{
		broker.Transientf("gateway timeout"),
		broker.Transientf("gateway timeout"),
		nil,
	}
	signal := h.storedSignal(t, "key-1")

	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)

	require.NoError(t, h.engine.Submit(ctx, intent))

	order, err := h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, order.Status)
	assert.Equal(t, 3, order.Attempts)
	assert.Equal(t, 3, h.broker.submitCalls)
}

func TestSubmitExhaustsRetries(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.broker.submitErrs = []error{
		broker.Transientf("down"),
		broker.Transientf("down"),
		broker.Transientf("down"),
	}
	signal := h.storedSignal(t, "key-1")

	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)

	err = h.engine.Submit(ctx, intent)
	require.Error(t, err)
	assert.Equal(t, model.ReasonRetriesExhausted, ReasonCode(err))
	assert.Equal(t, 3, h.broker.submitCalls)

	order, err := h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusError, order.Status)

	events := h.notifier.byCode(model.ReasonRetriesExhausted)
	require.Len(t, events, 1)
	assert.Equal(t, alert.SeverityCritical, events[0].Severity)

	// the error state released the conflict slot
	_, err = h.orders.Reserve(ctx, "AAPL", "breakout", model.ModePaper)
	assert.NoError(t, err)
}

func TestSubmitRejectionIsTerminal(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	h.broker.submitErrs = []error{broker.Rejectedf("insufficient buying power")}
	signal := h.storedSignal(t, "key-1")

	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)

	err = h.engine.Submit(ctx, intent)
	require.Error(t, err)
	assert.Equal(t, model.ReasonBrokerRejected, ReasonCode(err))

	// no retry after a rejection
	assert.Equal(t, 1, h.broker.submitCalls)

	order, err := h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusRejected, order.Status)
	assert.Equal(t, 1, order.Attempts)
}

func submittedOrder(t *testing.T, h *testHarness, key string) *model.OrderIntent {
	t.Helper()
	ctx := context.Background()
	signal := h.storedSignal(t, key)
	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)
	require.NoError(t, h.engine.Submit(ctx, intent))
	order, err := h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	return order
}

func TestApplyFill(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	order := submittedOrder(t, h, "key-1")

	// accepted report is a no-op
	require.NoError(t, h.engine.ApplyFill(ctx, order, &broker.OrderStatus{Status: broker.StatusAccepted}))
	current, err := h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusSubmitted, current.Status)

	// partial fill
	require.NoError(t, h.engine.ApplyFill(ctx, current, &broker.OrderStatus{
		Status:       broker.StatusPartiallyFilled,
		FilledQty:    25,
		AvgFillPrice: 150.1,
	}))
	current, err = h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPartiallyFilled, current.Status)
	assert.Equal(t, 25.0, current.FilledQty)

	// repeated identical partial report is a no-op
	require.NoError(t, h.engine.ApplyFill(ctx, current, &broker.OrderStatus{
		Status:    broker.StatusPartiallyFilled,
		FilledQty: 25,
	}))

	// full fill
	require.NoError(t, h.engine.ApplyFill(ctx, current, &broker.OrderStatus{
		Status:       broker.StatusFilled,
		FilledQty:    50,
		AvgFillPrice: 150.2,
	}))
	current, err = h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, current.Status)
	assert.Equal(t, 50.0, current.FilledQty)
	require.NotNil(t, current.AvgFillPrice)
	assert.Equal(t, 150.2, *current.AvgFillPrice)

	// a late duplicate terminal report is absorbed
	require.NoError(t, h.engine.ApplyFill(ctx, current, &broker.OrderStatus{
		Status:    broker.StatusFilled,
		FilledQty: 50,
	}))
}

func TestExpireStale(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	order := submittedOrder(t, h, "key-1")

	// fresh order stays
	expired, err := h.engine.ExpireStale(ctx, order)
	require.NoError(t, err)
	assert.False(t, expired)

	h.engine.now = func() time.Time { return time.Now().Add(3 * time.Minute) }

	expired, err = h.engine.ExpireStale(ctx, order)
	require.NoError(t, err)
	assert.True(t, expired)
	assert.Equal(t, 1, h.broker.cancelCalls)

	current, err := h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusExpired, current.Status)
}

func TestHandleStaleNew(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	signal := h.storedSignal(t, "key-1")
	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)

	// too fresh: submission may still be in flight
	require.NoError(t, h.engine.HandleStaleNew(ctx, intent))
	current, err := h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusNew, current.Status)

	h.engine.now = func() time.Time { return time.Now().Add(time.Hour) }

	require.NoError(t, h.engine.HandleStaleNew(ctx, current))
	current, err = h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusError, current.Status)

	events := h.notifier.byCode(model.ReasonSystemError)
	require.Len(t, events, 1)
}

func TestRecoverRestoresReservations(t *testing.T) {
	h := newTestHarness(t)
	ctx := context.Background()
	order := submittedOrder(t, h, "key-1")

	// simulate a lost reservation
	require.NoError(t, h.db.Where("order_id = ?", order.ID).
		Delete(&model.PositionReservation{}).Error)

	require.NoError(t, h.engine.Recover(ctx))

	_, err := h.orders.Reserve(ctx, "AAPL", "breakout", model.ModePaper)
	assert.ErrorIs(t, err, repository.ErrConflict)
}
