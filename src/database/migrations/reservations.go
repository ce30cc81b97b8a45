package migrations

import (
	"fmt"

	"signalexecutor/src/model"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// backfillPositionReservations restores the conflict-guard rows for orders
// that were non-terminal when a previous deployment without the
// position_reservations table shut down. Without a reservation a live order
// would not block a new conflicting signal.
func backfillPositionReservations(db *gorm.DB) error {
	var open []model.OrderIntent
	if err := db.
		Where("status IN ?", []string{
			model.OrderStatusNew,
			model.OrderStatusSubmitted,
			model.OrderStatusPartiallyFilled,
		}).
		Find(&open).Error; err != nil {
		return fmt.Errorf("load non-terminal orders: %w", err)
	}

	for _, order := range open {
		reservation := model.PositionReservation{
			Ticker:   order.Ticker,
			Strategy: order.Strategy,
			Mode:     order.Mode,
			OrderID:  order.ID,
		}
		if err := db.
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&reservation).Error; err != nil {
			return fmt.Errorf("backfill reservation for order %d: %w", order.ID, err)
		}
	}

	return nil
}
