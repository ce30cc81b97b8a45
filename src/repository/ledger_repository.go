package repository

import (
	"context"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalexecutor/src/database"
	"signalexecutor/src/model"
)

// LedgerRepository is the read interface over the append-only ledger,
// serving the reporting endpoints. All writes to ledger_entries happen
// inside the signal and order repositories' transactions; nothing here
// mutates anything.
type LedgerRepository struct {
	db *gorm.DB
}

// NewLedgerRepository creates a repository bound to the read-only database.
func NewLedgerRepository() *LedgerRepository {
	return &LedgerRepository{db: database.ReadOnlyDB}
}

func (r *LedgerRepository) WithDB(db *gorm.DB) *LedgerRepository {
	return &LedgerRepository{db: db}
}

// HistoryBySignal returns the full transition history for a signal, oldest
// first.
func (r *LedgerRepository) HistoryBySignal(ctx context.Context, signalID uint) ([]model.LedgerEntry, error) {
	var entries []model.LedgerEntry
	err := r.db.WithContext(ctx).
		Where("signal_id = ?", signalID).
		Order("id ASC").
		Find(&entries).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "LedgerRepository",
			"op":        "HistoryBySignal",
			"signal_id": signalID,
		}).WithError(err).Error("Failed to fetch ledger history")
		return nil, err
	}
	return entries, nil
}

// TickerCount is one row of the top-tickers breakdown.
type TickerCount struct {
	Ticker string `json:"ticker"`
	Count  int64  `json:"count"`
}

// PerformanceStats aggregates intake and execution outcomes for the
// reporting API.
type PerformanceStats struct {
	TotalSignals    int64         `json:"total_signals"`
	AcceptedSignals int64         `json:"accepted_signals"`
	RejectedSignals int64         `json:"rejected_signals"`
	FilledOrders    int64         `json:"filled_orders"`
	FillRate        float64       `json:"fill_rate"`
	TopTickers      []TickerCount `json:"top_tickers"`
}

// Stats computes the performance summary exposed on /api/performance.
func (r *LedgerRepository) Stats(ctx context.Context) (*PerformanceStats, error) {
	stats := &PerformanceStats{}
	db := r.db.WithContext(ctx)

	if err := db.Model(&model.Signal{}).Count(&stats.TotalSignals).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.Signal{}).
		Where("status = ?", model.SignalStatusAccepted).
		Count(&stats.AcceptedSignals).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.Signal{}).
		Where("status = ?", model.SignalStatusRejected).
		Count(&stats.RejectedSignals).Error; err != nil {
		return nil, err
	}
	if err := db.Model(&model.OrderIntent{}).
		Where("status = ?", model.OrderStatusFilled).
		Count(&stats.FilledOrders).Error; err != nil {
		return nil, err
	}

	if stats.AcceptedSignals > 0 {
		stats.FillRate = float64(stats.FilledOrders) / float64(stats.AcceptedSignals)
	}

	if err := db.Model(&model.Signal{}).
		Select("ticker, COUNT(id) AS count").
		Group("ticker").
		Order("count DESC").
		Limit(10).
		Scan(&stats.TopTickers).Error; err != nil {
		return nil, err
	}

	return stats, nil
}
