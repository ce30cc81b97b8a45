package dedup

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	logger "github.com/sirupsen/logrus"

	"signalexecutor/src/model"
	"signalexecutor/src/repository"
)

// Deduplicator is the idempotency guard in front of signal persistence.
// Correctness lives entirely in the database's unique dedup-key index; the
// optional redis cache only answers repeats without a round trip to the DB
// and is allowed to fail silently.
type Deduplicator struct {
	signals   *repository.SignalRepository
	cache     *redis.Client
	retention time.Duration
	log       *logger.Entry
}

// New builds a deduplicator. cache may be nil to run without the redis
// fast path.
func New(signals *repository.SignalRepository, cache *redis.Client, retention time.Duration) *Deduplicator {
	return &Deduplicator{
		signals:   signals,
		cache:     cache,
		retention: retention,
		log:       logger.WithField("component", "deduplicator"),
	}
}

func cacheKey(token string) string {
	return fmt.Sprintf("dedup:%s", token)
}

// Claim persists the signal if its idempotency key was never seen within the
// retention window. It returns the signal id and whether this call created
// the record; duplicate=true means the id references the original signal.
func (d *Deduplicator) Claim(ctx context.Context, signal *model.Signal) (uint, bool, error) {
	if d.cache != nil {
		cached, err := d.cache.Get(ctx, cacheKey(signal.IdempotencyKey)).Result()
		if err == nil {
			if id, parseErr := strconv.ParseUint(cached, 10, 64); parseErr == nil {
				d.log.WithField("signal_id", id).Debug("duplicate resolved from cache")
				return uint(id), true, nil
			}
		} else if err != redis.Nil {
			d.log.WithError(err).Debug("dedup cache read failed, falling through to DB")
		}
	}

	signalID, created, err := d.signals.CreateWithDedup(ctx, signal, d.retention)
	if err != nil {
		return 0, false, err
	}

	if d.cache != nil {
		if err := d.cache.SetNX(ctx, cacheKey(signal.IdempotencyKey),
			strconv.FormatUint(uint64(signalID), 10), d.retention).Err(); err != nil {
			d.log.WithError(err).Debug("dedup cache write failed")
		}
	}

	return signalID, !created, nil
}

// Sweep evicts database dedup claims past the retention window. Cache
// entries expire on their own TTL.
func (d *Deduplicator) Sweep(ctx context.Context) error {
	_, err := d.signals.SweepExpiredDedupKeys(ctx, time.Now())
	return err
}
