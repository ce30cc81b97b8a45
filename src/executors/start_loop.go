// Package executors runs the reconciliation worker: the background loop that
// polls the broker for every non-terminal order and applies fill reports to
// the state machine. The broker is the source of truth for fills; the webhook
// path never waits on them.
package executors

import (
	"context"
	"time"

	logger "github.com/sirupsen/logrus"

	"signalexecutor/src/broker"
	"signalexecutor/src/dedup"
	"signalexecutor/src/engine"
	"signalexecutor/src/metrics"
	"signalexecutor/src/model"
	"signalexecutor/src/repository"
)

// Reconciler polls broker order state and drives it into the local state
// machine.
type Reconciler struct {
	log     *logger.Entry
	engine  *engine.Engine
	brokers *broker.Provider
	orders  *repository.OrderRepository
	deduper *dedup.Deduplicator

	loopPeriod  time.Duration
	sweepPeriod time.Duration
}

func NewReconciler(
	cfg Config,
	eng *engine.Engine,
	brokers *broker.Provider,
	orders *repository.OrderRepository,
	deduper *dedup.Deduplicator,
) *Reconciler {
	return &Reconciler{
		log:         logger.WithField("component", "reconciler"),
		engine:      eng,
		brokers:     brokers,
		orders:      orders,
		deduper:     deduper,
		loopPeriod:  cfg.LoopPeriod,
		sweepPeriod: cfg.SweepPeriod,
	}
}

// StartLoop blocks until the context is cancelled, reconciling every loop
// period and sweeping expired dedup claims on the slower sweep period.
func (r *Reconciler) StartLoop(ctx context.Context) error {
	r.log.WithField("period", r.loopPeriod).Info("Reconciliation loop starting")

	ticker := time.NewTicker(r.loopPeriod)
	defer ticker.Stop()

	sweeper := time.NewTicker(r.sweepPeriod)
	defer sweeper.Stop()

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Reconciliation loop stopped")
			return nil

		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.log.WithError(err).Error("Reconciliation pass failed")
			}

		case <-sweeper.C:
			if err := r.deduper.Sweep(ctx); err != nil {
				r.log.WithError(err).Error("Dedup sweep failed")
			}
		}
	}
}

// RunOnce performs a single reconciliation pass over every non-terminal
// order. Per-order failures are logged and skipped so one bad order cannot
// starve the rest.
func (r *Reconciler) RunOnce(ctx context.Context) error {
	metrics.ReconcileTicksTotal.Inc()

	orders, err := r.orders.FindNonTerminal(ctx)
	if err != nil {
		return err
	}

	for i := range orders {
		order := &orders[i]

		if order.Status == model.OrderStatusNew {
			if err := r.engine.HandleStaleNew(ctx, order); err != nil {
				r.log.WithField("order_id", order.ID).WithError(err).Error("Stale-new handling failed")
			}
			continue
		}

		if err := r.reconcileOrder(ctx, order); err != nil {
			metrics.ReconcileErrorsTotal.Inc()
			r.log.WithFields(map[string]interface{}{
				"order_id": order.ID,
				"ticker":   order.Ticker,
			}).WithError(err).Warn("Order reconciliation failed")
		}
	}

	return nil
}

func (r *Reconciler) reconcileOrder(ctx context.Context, order *model.OrderIntent) error {
	backend, err := r.brokers.ForMode(order.Mode)
	if err != nil {
		return err
	}

	report, err := backend.GetOrderStatus(ctx, order.BrokerOrderID)
	if err != nil {
		return err
	}

	if err := r.engine.ApplyFill(ctx, order, report); err != nil {
		return err
	}

	// re-read: the fill report may have just terminated the order
	current, err := r.orders.FindByID(ctx, order.ID)
	if err != nil || current == nil {
		return err
	}
	if model.IsTerminalOrderStatus(current.Status) {
		return nil
	}

	_, err = r.engine.ExpireStale(ctx, current)
	return err
}
