package repository

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"signalexecutor/src/model"
)

// newTestDB opens an isolated in-memory sqlite database with the full schema.
func newTestDB(t *testing.T) *gorm.DB {
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

	return db
}

func testSignal(key string) *model.Signal {
	return &model.Signal{
		Ticker:         "AAPL",
		Side:           model.SideBuy,
		Mode:           model.ModePaper,
		RiskAmount:     100,
		EntryPrice:     150,
		StopLoss:       148,
		Strategy:       "breakout",
		Timeframe:      "5m",
		IdempotencyKey: key,
		Status:         model.SignalStatusReceived,
	}
}

func testIntent(signalID uint) *model.OrderIntent {
	return &model.OrderIntent{
		SignalID:      signalID,
		Ticker:        "AAPL",
		Strategy:      "breakout",
		Mode:          model.ModePaper,
		Side:          model.SideBuy,
		OrderType:     model.OrderTypeLimit,
		Quantity:      50,
		Status:        model.OrderStatusNew,
		ClientOrderID: fmt.Sprintf("client-%d", signalID),
	}
}
