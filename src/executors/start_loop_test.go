package executors

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"signalexecutor/src/alert"
	"signalexecutor/src/broker"
	"signalexecutor/src/dedup"
	"signalexecutor/src/engine"
	"signalexecutor/src/model"
	"signalexecutor/src/repository"
	"signalexecutor/src/risk"
)

type reconcilerHarness struct {
	db         *gorm.DB
	reconciler *Reconciler
	engine     *engine.Engine
	signals    *repository.SignalRepository
	orders     *repository.OrderRepository
	paper      *broker.PaperBroker
}

func newReconcilerHarness(t *testing.T, orderTTL time.Duration, paperOpts ...broker.PaperOption) *reconcilerHarness {
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

	paper := broker.NewPaperBroker(100000, paperOpts...)
	provider := broker.StaticProvider(map[string]broker.Broker{
		model.ModePaper: paper,
	})

	signals := (&repository.SignalRepository{}).WithDB(db)
	orders := (&repository.OrderRepository{}).WithDB(db)
	sizer := risk.NewSizer(risk.Config{
		MaxExposureFraction:    0.25,
		LotSize:                1,
		MaxConcurrentPositions: 10,
	})

	eng := engine.New(engine.Config{
		SubmitMaxAttempts: 3,
		SubmitBaseDelay:   time.Millisecond,
		SubmitMaxDelay:    2 * time.Millisecond,
		SubmitTimeout:     time.Second,
		OrderTTL:          orderTTL,
		DefaultOrderType:  model.OrderTypeLimit,
	}, provider, signals, orders, sizer, alert.Multi{})

	deduper := dedup.New(signals, nil, 24*time.Hour)

	reconciler := NewReconciler(Config{
		LoopPeriod:  time.Millisecond,
		SweepPeriod: time.Minute,
	}, eng, provider, orders, deduper)

	return &reconcilerHarness{
		db:         db,
		reconciler: reconciler,
		engine:     eng,
		signals:    signals,
		orders:     orders,
		paper:      paper,
	}
}

func (h *reconcilerHarness) submittedOrder(t *testing.T) *model.OrderIntent {
	t.Helper()
	ctx := context.Background()

	signal := &model.Signal{
		Ticker:         "AAPL",
		Side:           model.SideBuy,
		Mode:           model.ModePaper,
		RiskAmount:     100,
		EntryPrice:     150,
		StopLoss:       148,
		Strategy:       "breakout",
		Timeframe:      "5m",
		IdempotencyKey: "key-" + t.Name(),
		Status:         model.SignalStatusReceived,
	}
	_, _, err := h.signals.CreateWithDedup(ctx, signal, 24*time.Hour)
	require.NoError(t, err)

	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)
	require.NoError(t, h.engine.Submit(ctx, intent))

	order, err := h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	require.Equal(t, model.OrderStatusSubmitted, order.Status)
	return order
}

func TestRunOnceAppliesFills(t *testing.T) {
	h := newReconcilerHarness(t, 2*time.Minute)
	ctx := context.Background()
	order := h.submittedOrder(t)

	require.NoError(t, h.reconciler.RunOnce(ctx))

	current, err := h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, current.Status)
	assert.Equal(t, float64(order.Quantity), current.FilledQty)

	// filled orders drop out of the poll set
	remaining, err := h.orders.FindNonTerminal(ctx)
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestRunOncePartialThenFilled(t *testing.T) {
	h := newReconcilerHarness(t, 2*time.Minute, broker.WithPartialFills())
	ctx := context.Background()
	order := h.submittedOrder(t)

	require.NoError(t, h.reconciler.RunOnce(ctx))

	current, err := h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusPartiallyFilled, current.Status)

	require.NoError(t, h.reconciler.RunOnce(ctx))

	current, err = h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusFilled, current.Status)
}

func TestRunOnceExpiresStaleOrders(t *testing.T) {
	// TTL of a nanosecond with a broker that never fills
	h := newReconcilerHarness(t, time.Nanosecond, broker.WithFillAfterPolls(1000))
	ctx := context.Background()
	order := h.submittedOrder(t)

	time.Sleep(time.Millisecond)
	require.NoError(t, h.reconciler.RunOnce(ctx))

	current, err := h.orders.FindByID(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusExpired, current.Status)
}

func TestRunOnceTerminatesAbandonedNewOrders(t *testing.T) {
	h := newReconcilerHarness(t, 2*time.Minute)
	ctx := context.Background()

	signal := &model.Signal{
		Ticker:         "AAPL",
		Side:           model.SideBuy,
		Mode:           model.ModePaper,
		RiskAmount:     100,
		EntryPrice:     150,
		StopLoss:       148,
		Strategy:       "breakout",
		IdempotencyKey: "key-abandoned",
		Status:         model.SignalStatusReceived,
	}
	_, _, err := h.signals.CreateWithDedup(ctx, signal, 24*time.Hour)
	require.NoError(t, err)

	intent, err := h.engine.ProcessSignal(ctx, signal)
	require.NoError(t, err)

	// never submitted, e.g. the process crashed; age it past the
	// in-flight-submission window
	require.NoError(t, h.db.Model(&model.OrderIntent{}).
		Where("id = ?", intent.ID).
		Update("created_at", time.Now().Add(-time.Hour)).Error)

	require.NoError(t, h.reconciler.RunOnce(ctx))

	current, err := h.orders.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, model.OrderStatusError, current.Status)
}

func TestStartLoopStopsOnCancel(t *testing.T) {
	h := newReconcilerHarness(t, 2*time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.reconciler.StartLoop(ctx) }()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("loop did not stop on context cancellation")
	}
}
