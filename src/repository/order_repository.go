package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalexecutor/src/database"
	"signalexecutor/src/model"
)

var (
	// ErrConflict means a non-terminal order already holds the
	// (ticker, strategy, mode) slot.
	ErrConflict = errors.New("active order exists for ticker/strategy/mode")

	// ErrInvalidTransition means the requested status change is not allowed
	// from the order's current state (including any change out of a terminal
	// state).
	ErrInvalidTransition = errors.New("invalid order status transition")

	// ErrStaleOrder means the order moved concurrently between read and
	// update; the caller should re-read before deciding anything.
	ErrStaleOrder = errors.New("order changed concurrently")
)

// OrderRepository owns order intents, the position reservations guarding
// them, and the ledger entries written alongside every transition.
type OrderRepository struct {
	db *gorm.DB
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{db: database.MainDB}
}

func (r *OrderRepository) WithDB(db *gorm.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Reserve atomically claims the (ticker, strategy, mode) slot. The unique
// index makes this safe across gateway instances; a duplicate key maps to
// ErrConflict.
func (r *OrderRepository) Reserve(ctx context.Context, ticker, strategy, mode string) (*model.PositionReservation, error) {
	reservation := &model.PositionReservation{
		Ticker:   ticker,
		Strategy: strategy,
		Mode:     mode,
	}

	err := r.db.WithContext(ctx).Create(reservation).Error
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return nil, ErrConflict
		}
		logger.WithFields(map[string]interface{}{
			"repo":   "OrderRepository",
			"op":     "Reserve",
			"ticker": ticker,
		}).WithError(err).Error("Failed to reserve position slot")
		return nil, err
	}

	return reservation, nil
}

// ReleaseReservation frees a slot that never got an order attached, e.g.
// when intent creation itself failed.
func (r *OrderRepository) ReleaseReservation(ctx context.Context, reservationID uint) error {
	return r.db.WithContext(ctx).
		Delete(&model.PositionReservation{}, reservationID).Error
}

// CreateWithLedger persists a new intent, attaches it to its reservation and
// writes the creation ledger entry, all in one transaction.
func (r *OrderRepository) CreateWithLedger(ctx context.Context, intent *model.OrderIntent, reservation *model.PositionReservation) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(intent).Error; err != nil {
			return err
		}

		if err := tx.Model(reservation).Update("order_id", intent.ID).Error; err != nil {
			return err
		}

		entry := model.LedgerEntry{
			SignalID:   intent.SignalID,
			OrderID:    &intent.ID,
			FromState:  "",
			ToState:    model.OrderStatusNew,
			ReasonCode: model.ReasonAccepted,
		}
		return tx.Create(&entry).Error
	})

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "OrderRepository",
			"op":        "CreateWithLedger",
			"signal_id": intent.SignalID,
			"ticker":    intent.Ticker,
		}).WithError(err).Error("Failed to create order intent")
		return err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "CreateWithLedger",
		"order_id": intent.ID,
		"ticker":   intent.Ticker,
		"quantity": intent.Quantity,
	}).Info("Order intent created")

	return nil
}

// TransitionUpdates carries the broker-side fields that may change together
// with a status transition.
type TransitionUpdates struct {
	BrokerOrderID *string
	FilledQty     *float64
	AvgFillPrice  *float64
	Attempts      *int
	SubmittedAt   *time.Time
}

// Transition applies one state-machine step and its ledger entry atomically.
// Monotonicity is enforced twice: against the transition table, and with an
// optimistic status guard on the UPDATE so a concurrent writer cannot slip
// a second transition underneath us. When the new state is terminal the
// position reservation is released in the same transaction.
func (r *OrderRepository) Transition(
	ctx context.Context,
	orderID uint,
	to string,
	reasonCode string,
	detail string,
	updates *TransitionUpdates,
) (*model.OrderIntent, error) {

	var result model.OrderIntent

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.OrderIntent
		if err := tx.First(&order, orderID).Error; err != nil {
			return err
		}

		if !model.CanTransition(order.Status, to) {
			return fmt.Errorf("%w: %s -> %s (order %d)", ErrInvalidTransition, order.Status, to, orderID)
		}

		fields := map[string]interface{}{"status": to}
		if updates != nil {
			if updates.BrokerOrderID != nil {
				fields["broker_order_id"] = *updates.BrokerOrderID
			}
			if updates.FilledQty != nil {
				fields["filled_qty"] = *updates.FilledQty
			}
			if updates.AvgFillPrice != nil {
				fields["avg_fill_price"] = *updates.AvgFillPrice
			}
			if updates.Attempts != nil {
				fields["attempts"] = *updates.Attempts
			}
			if updates.SubmittedAt != nil {
				fields["submitted_at"] = *updates.SubmittedAt
			}
		}

		res := tx.Model(&model.OrderIntent{}).
			Where("id = ? AND status = ?", orderID, order.Status).
			Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("%w: order %d", ErrStaleOrder, orderID)
		}

		entry := model.LedgerEntry{
			SignalID:   order.SignalID,
			OrderID:    &order.ID,
			FromState:  order.Status,
			ToState:    to,
			ReasonCode: reasonCode,
			Detail:     detail,
		}
		if err := tx.Create(&entry).Error; err != nil {
			return err
		}

		if model.IsTerminalOrderStatus(to) {
			if err := tx.Where("order_id = ?", order.ID).
				Delete(&model.PositionReservation{}).Error; err != nil {
				return err
			}
		}

		return tx.First(&result, orderID).Error
	})

	if err != nil {
		if errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrStaleOrder) {
			logger.WithFields(map[string]interface{}{
				"repo":     "OrderRepository",
				"op":       "Transition",
				"order_id": orderID,
				"to":       to,
			}).WithError(err).Warn("Order transition refused")
		} else {
			logger.WithFields(map[string]interface{}{
				"repo":     "OrderRepository",
				"op":       "Transition",
				"order_id": orderID,
				"to":       to,
			}).WithError(err).Error("Failed to transition order")
		}
		return nil, err
	}

	logger.WithFields(map[string]interface{}{
		"repo":     "OrderRepository",
		"op":       "Transition",
		"order_id": orderID,
		"to":       to,
		"reason":   reasonCode,
	}).Info("Order transitioned")

	return &result, nil
}

// FindByID fetches a single order intent. Returns (nil, nil) if not found.
func (r *OrderRepository) FindByID(ctx context.Context, id uint) (*model.OrderIntent, error) {
	var order model.OrderIntent
	err := r.db.WithContext(ctx).First(&order, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// FindBySignalID fetches the single intent derived from a signal.
// Returns (nil, nil) if the signal never produced one.
func (r *OrderRepository) FindBySignalID(ctx context.Context, signalID uint) (*model.OrderIntent, error) {
	var order model.OrderIntent
	err := r.db.WithContext(ctx).
		Where("signal_id = ?", signalID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// FindNonTerminal returns every order the reconciliation worker still needs
// to poll, oldest first.
func (r *OrderRepository) FindNonTerminal(ctx context.Context) ([]model.OrderIntent, error) {
	var orders []model.OrderIntent
	err := r.db.WithContext(ctx).
		Where("status IN ?", []string{
			model.OrderStatusNew,
			model.OrderStatusSubmitted,
			model.OrderStatusPartiallyFilled,
		}).
		Order("id ASC").
		Find(&orders).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "OrderRepository",
			"op":   "FindNonTerminal",
		}).WithError(err).Error("Failed to fetch non-terminal orders")
		return nil, err
	}
	return orders, nil
}

// CountActive counts non-terminal orders for a trading mode, used by the
// sizer's max-concurrent-positions limit.
func (r *OrderRepository) CountActive(ctx context.Context, mode string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&model.OrderIntent{}).
		Where("mode = ? AND status IN ?", mode, []string{
			model.OrderStatusNew,
			model.OrderStatusSubmitted,
			model.OrderStatusPartiallyFilled,
		}).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return count, nil
}

// EnsureReservation restores the conflict-guard row for a non-terminal order
// during startup recovery. Safe to call when the row already exists.
func (r *OrderRepository) EnsureReservation(ctx context.Context, order *model.OrderIntent) error {
	reservation := &model.PositionReservation{
		Ticker:   order.Ticker,
		Strategy: order.Strategy,
		Mode:     order.Mode,
		OrderID:  order.ID,
	}
	err := r.db.WithContext(ctx).Create(reservation).Error
	if err != nil && !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	return nil
}
