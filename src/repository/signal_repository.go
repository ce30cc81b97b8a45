package repository

import (
	"context"
	"errors"
	"time"

	logger "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"signalexecutor/src/database"
	"signalexecutor/src/model"
)

// SignalRepository owns the durable signal records and the atomic
// idempotency claim that guards them.
type SignalRepository struct {
	db *gorm.DB
}

// NewSignalRepository creates a repository bound to the main database.
func NewSignalRepository() *SignalRepository {
	return &SignalRepository{db: database.MainDB}
}

// WithDB allows overriding the underlying *gorm.DB instance.
// Useful for tests or custom sessions/transactions.
func (r *SignalRepository) WithDB(db *gorm.DB) *SignalRepository {
	return &SignalRepository{db: db}
}

// CreateWithDedup persists the signal and claims its idempotency key in one
// transaction. The unique index on dedup_keys.key is the only mechanism that
// serializes concurrent deliveries: exactly one transaction commits, every
// other caller gets the winner's signal id back with created=false.
func (r *SignalRepository) CreateWithDedup(
	ctx context.Context,
	signal *model.Signal,
	retention time.Duration,
) (uint, bool, error) {

	claim := &model.DedupKey{
		Key:       signal.IdempotencyKey,
		ExpiresAt: time.Now().Add(retention),
	}

	txErr := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(claim).Error; err != nil {
			return err
		}
		if err := tx.Create(signal).Error; err != nil {
			return err
		}
		return tx.Model(claim).Update("signal_id", signal.ID).Error
	})

	if txErr == nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "SignalRepository",
			"op":        "CreateWithDedup",
			"signal_id": signal.ID,
			"ticker":    signal.Ticker,
		}).Info("Signal persisted")
		return signal.ID, true, nil
	}

	if !errors.Is(txErr, gorm.ErrDuplicatedKey) {
		logger.WithFields(map[string]interface{}{
			"repo": "SignalRepository",
			"op":   "CreateWithDedup",
		}).WithError(txErr).Error("Failed to persist signal")
		return 0, false, txErr
	}

	// Lost the race (or a genuine redelivery). The winner's claim row may
	// not be committed yet when two deliveries land in the same millisecond,
	// so poll briefly before giving up.
	for attempt := 0; attempt < 5; attempt++ {
		var existing model.DedupKey
		err := r.db.WithContext(ctx).
			Where("key = ?", signal.IdempotencyKey).
			First(&existing).Error
		if err == nil && existing.SignalID != 0 {
			logger.WithFields(map[string]interface{}{
				"repo":      "SignalRepository",
				"op":        "CreateWithDedup",
				"signal_id": existing.SignalID,
			}).Info("Duplicate signal delivery resolved to existing signal")
			return existing.SignalID, false, nil
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, false, err
		}

		select {
		case <-ctx.Done():
			return 0, false, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}

	return 0, false, errors.New("duplicate idempotency key but winning signal not visible")
}

// MarkAccepted moves a received signal to accepted and ledgers the
// transition atomically.
func (r *SignalRepository) MarkAccepted(ctx context.Context, signalID uint) error {
	return r.transition(ctx, signalID, model.SignalStatusAccepted, model.ReasonAccepted, "")
}

// MarkRejected terminates a received signal with a reason code and ledgers
// the transition atomically.
func (r *SignalRepository) MarkRejected(ctx context.Context, signalID uint, reasonCode, detail string) error {
	return r.transition(ctx, signalID, model.SignalStatusRejected, reasonCode, detail)
}

// AppendEvent writes a ledger entry without changing the signal's state,
// used for recoverable system errors where the signal stays in received.
func (r *SignalRepository) AppendEvent(ctx context.Context, signalID uint, reasonCode, detail string) error {
	var signal model.Signal
	if err := r.db.WithContext(ctx).First(&signal, signalID).Error; err != nil {
		return err
	}

	entry := model.LedgerEntry{
		SignalID:   signalID,
		FromState:  signal.Status,
		ToState:    signal.Status,
		ReasonCode: reasonCode,
		Detail:     detail,
	}
	return r.db.WithContext(ctx).Create(&entry).Error
}

func (r *SignalRepository) transition(ctx context.Context, signalID uint, to, reasonCode, detail string) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var signal model.Signal
		if err := tx.First(&signal, signalID).Error; err != nil {
			return err
		}

		if err := tx.Model(&model.Signal{}).
			Where("id = ?", signalID).
			Updates(map[string]interface{}{
				"status":      to,
				"reason_code": reasonCode,
			}).Error; err != nil {
			return err
		}

		entry := model.LedgerEntry{
			SignalID:   signalID,
			FromState:  signal.Status,
			ToState:    to,
			ReasonCode: reasonCode,
			Detail:     detail,
		}
		return tx.Create(&entry).Error
	})

	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":      "SignalRepository",
			"op":        "transition",
			"signal_id": signalID,
			"to":        to,
			"reason":    reasonCode,
		}).WithError(err).Error("Failed to transition signal")
		return err
	}

	return nil
}

// FindByID fetches a single signal by its primary ID.
// Returns (nil, nil) if not found.
func (r *SignalRepository) FindByID(ctx context.Context, id uint) (*model.Signal, error) {
	var signal model.Signal
	err := r.db.WithContext(ctx).First(&signal, id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &signal, nil
}

// List fetches signals ordered from newest to oldest with pagination.
func (r *SignalRepository) List(ctx context.Context, limit, offset int) ([]model.Signal, error) {
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	var signals []model.Signal
	err := r.db.WithContext(ctx).
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&signals).Error
	if err != nil {
		logger.WithFields(map[string]interface{}{
			"repo":  "SignalRepository",
			"op":    "List",
			"limit": limit,
		}).WithError(err).Error("Failed to list signals")
		return nil, err
	}
	return signals, nil
}

// SweepExpiredDedupKeys evicts idempotency claims past the retention window.
// Signals themselves are never deleted.
func (r *SignalRepository) SweepExpiredDedupKeys(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("expires_at < ?", now).
		Delete(&model.DedupKey{})
	if res.Error != nil {
		logger.WithFields(map[string]interface{}{
			"repo": "SignalRepository",
			"op":   "SweepExpiredDedupKeys",
		}).WithError(res.Error).Error("Failed to sweep dedup keys")
		return 0, res.Error
	}
	if res.RowsAffected > 0 {
		logger.WithFields(map[string]interface{}{
			"repo":    "SignalRepository",
			"op":      "SweepExpiredDedupKeys",
			"evicted": res.RowsAffected,
		}).Info("Evicted expired dedup keys")
	}
	return res.RowsAffected, nil
}
